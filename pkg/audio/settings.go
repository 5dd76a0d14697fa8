package audio

import "fmt"

// Volume gate threshold sentinels. Setting the attack threshold to
// GateDisabled turns gating off so every frame transmits; GateClosed
// places the threshold above full scale so no loudness can open the
// gate. Push-to-talk toggles between the two instead of changing the
// capture volume, leaving hardware mute indicators untouched.
const (
	GateDisabled float64 = -200
	GateClosed   float64 = 10
)

// NoiseSuppressionLevel selects how aggressively the suppressor runs.
type NoiseSuppressionLevel int

const (
	NoiseSuppressionNone NoiseSuppressionLevel = iota
	NoiseSuppressionLow
	NoiseSuppressionModerate
	NoiseSuppressionHigh
	NoiseSuppressionVeryHigh
)

func (l NoiseSuppressionLevel) String() string {
	switch l {
	case NoiseSuppressionNone:
		return "none"
	case NoiseSuppressionLow:
		return "low"
	case NoiseSuppressionModerate:
		return "moderate"
	case NoiseSuppressionHigh:
		return "high"
	case NoiseSuppressionVeryHigh:
		return "very_high"
	default:
		return "unknown"
	}
}

// ParseNoiseSuppression maps a config string to a suppression level.
func ParseNoiseSuppression(s string) (NoiseSuppressionLevel, error) {
	switch s {
	case "none", "":
		return NoiseSuppressionNone, nil
	case "low":
		return NoiseSuppressionLow, nil
	case "moderate":
		return NoiseSuppressionModerate, nil
	case "high":
		return NoiseSuppressionHigh, nil
	case "very_high":
		return NoiseSuppressionVeryHigh, nil
	default:
		return NoiseSuppressionNone, fmt.Errorf("unknown noise suppression level %q", s)
	}
}

// VolumeGateSettings configures the transmission noise gate. The gate
// opens when frame loudness reaches AttackLoudness and closes again
// when it falls below ReleaseLoudness.
type VolumeGateSettings struct {
	Enabled         bool
	AttackLoudness  float64 // dBFS
	ReleaseLoudness float64 // dBFS
}

// VoiceActivitySettings configures the speech-presence detector. The
// stream turns active when the voice probability reaches
// AttackProbability and inactive when it falls below
// ReleaseProbability.
type VoiceActivitySettings struct {
	Enabled            bool
	AttackProbability  float64 // [0, 1]
	ReleaseProbability float64 // [0, 1]
}

// Settings is the enumerated configuration of the capture pipeline.
// Zero value means everything off; use DefaultSettings for the
// recommended voice chat defaults.
type Settings struct {
	VolumeGate       VolumeGateSettings
	VoiceActivity    VoiceActivitySettings
	EchoCanceller    bool
	NoiseSuppression NoiseSuppressionLevel
	GainController   bool
}

// DefaultSettings returns the recommended capture defaults: echo
// cancellation, moderate noise suppression and gain control enabled,
// volume gate at -30/-40 dBFS, voice detection at 0.9/0.8 probability.
func DefaultSettings() Settings {
	return Settings{
		VolumeGate: VolumeGateSettings{
			Enabled:         true,
			AttackLoudness:  -30,
			ReleaseLoudness: -40,
		},
		VoiceActivity: VoiceActivitySettings{
			Enabled:            true,
			AttackProbability:  0.9,
			ReleaseProbability: 0.8,
		},
		EchoCanceller:    true,
		NoiseSuppression: NoiseSuppressionModerate,
		GainController:   true,
	}
}

// Validate checks that settings values are within acceptable ranges.
func (s Settings) Validate() error {
	if s.VolumeGate.Enabled && s.VolumeGate.AttackLoudness > GateDisabled {
		if s.VolumeGate.AttackLoudness < s.VolumeGate.ReleaseLoudness {
			return fmt.Errorf("volume gate attack loudness must be >= release loudness")
		}
	}

	if s.VoiceActivity.Enabled {
		if s.VoiceActivity.AttackProbability < 0 || s.VoiceActivity.AttackProbability > 1 {
			return fmt.Errorf("voice activity attack probability must be in [0, 1]")
		}
		if s.VoiceActivity.ReleaseProbability < 0 || s.VoiceActivity.ReleaseProbability > 1 {
			return fmt.Errorf("voice activity release probability must be in [0, 1]")
		}
		if s.VoiceActivity.AttackProbability < s.VoiceActivity.ReleaseProbability {
			return fmt.Errorf("voice activity attack probability must be >= release probability")
		}
	}

	if s.NoiseSuppression < NoiseSuppressionNone || s.NoiseSuppression > NoiseSuppressionVeryHigh {
		return fmt.Errorf("unknown noise suppression level %d", s.NoiseSuppression)
	}

	return nil
}
