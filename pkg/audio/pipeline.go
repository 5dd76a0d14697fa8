package audio

import (
	"fmt"
	"sync"
)

// Effect is a named signal-processing stage. Process mutates the frame
// in place. Custom effects run after the built-in cleanup stages and
// before the activity analysis tap.
type Effect interface {
	Name() string
	Process(frame []int16)
}

// Processor is the pluggable DSP backend for the cleanup stages (echo
// cancellation, noise suppression, gain control) and for voice
// probability estimation. Real deployments wrap a native audio
// processing module; the default passthrough leaves frames untouched
// and estimates probability from loudness alone.
type Processor interface {
	ProcessCapture(frame []int16, s Settings)
	VoiceProbability(frame []int16) float64
}

type passthroughProcessor struct{}

func (passthroughProcessor) ProcessCapture(frame []int16, s Settings) {}

func (passthroughProcessor) VoiceProbability(frame []int16) float64 {
	// Loudness-derived estimate: -60 dBFS and below maps to 0,
	// -30 dBFS and above to 1.
	power := PowerDB(frame)
	p := (power + 60) / 30
	if p < 0 {
		return 0
	}
	if p > 1 {
		return 1
	}
	return p
}

// PassthroughProcessor returns the default no-DSP backend.
func PassthroughProcessor() Processor {
	return passthroughProcessor{}
}

// Result describes the outcome of processing one 20 ms frame.
type Result struct {
	// Frame holds the cleaned samples. It aliases the input frame.
	Frame []int16

	// Transmit reports whether the frame should be sent. Gating holds
	// frames back without bypassing the cleanup chain above.
	Transmit bool

	// Active is the combined gate and voice activity decision.
	Active bool

	// ActiveChanged marks an edge transition of Active on this frame.
	ActiveChanged bool

	// Power is the post-cleanup loudness in dBFS.
	Power float64

	// VoiceProbability is the detector estimate for this frame, or 1
	// when voice detection is disabled.
	VoiceProbability float64
}

// Pipeline applies the capture processing chain to a stream of frames:
// gain, cleanup (echo cancel, noise suppression, gain control), custom
// effects, then the activity taps (voice detection and volume gate).
//
// Process and the mutating calls are serialized through one mutex so a
// settings update never observes a half-applied configuration mid
// frame.
type Pipeline struct {
	mu       sync.Mutex
	settings Settings
	proc     Processor
	effects  []Effect
	gain     float64

	gateOpen  bool
	vadActive bool
	active    bool
	power     float64
}

// NewPipeline creates a pipeline with the given settings. A nil
// processor selects the passthrough backend.
func NewPipeline(s Settings, proc Processor) (*Pipeline, error) {
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("invalid pipeline settings: %w", err)
	}
	if proc == nil {
		proc = PassthroughProcessor()
	}

	return &Pipeline{
		settings: s,
		proc:     proc,
		gain:     1.0,
		power:    MinLevel,
	}, nil
}

// Process runs one frame through the chain and returns the transmit
// decision together with the analysis taps.
func (p *Pipeline) Process(frame []int16) Result {
	p.mu.Lock()
	defer p.mu.Unlock()

	ApplyGain(frame, p.gain)
	p.proc.ProcessCapture(frame, p.settings)

	for _, e := range p.effects {
		e.Process(frame)
	}

	power := PowerDB(frame)
	p.power = power

	probability := 1.0
	if p.settings.VoiceActivity.Enabled {
		probability = p.proc.VoiceProbability(frame)
	}

	vad := p.updateVAD(probability)
	gate := p.updateGate(power)

	active := vad && gate
	changed := active != p.active
	p.active = active

	return Result{
		Frame:            frame,
		Transmit:         active,
		Active:           active,
		ActiveChanged:    changed,
		Power:            power,
		VoiceProbability: probability,
	}
}

// updateVAD applies probability hysteresis. Disabled detection always
// contributes true.
func (p *Pipeline) updateVAD(probability float64) bool {
	s := p.settings.VoiceActivity
	if !s.Enabled {
		p.vadActive = true
		return true
	}

	if p.vadActive {
		if probability < s.ReleaseProbability {
			p.vadActive = false
		}
	} else {
		if probability >= s.AttackProbability {
			p.vadActive = true
		}
	}
	return p.vadActive
}

// updateGate applies loudness hysteresis with the sentinel thresholds
// from settings.go.
func (p *Pipeline) updateGate(power float64) bool {
	s := p.settings.VolumeGate
	if !s.Enabled || s.AttackLoudness <= GateDisabled {
		p.gateOpen = true
		return true
	}
	if s.AttackLoudness >= GateClosed {
		p.gateOpen = false
		return false
	}

	if p.gateOpen {
		if power < s.ReleaseLoudness {
			p.gateOpen = false
		}
	} else {
		if power >= s.AttackLoudness {
			p.gateOpen = true
		}
	}
	return p.gateOpen
}

// Settings returns a copy of the current configuration.
func (p *Pipeline) Settings() Settings {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.settings
}

// SetSettings replaces the configuration atomically with respect to
// Process. The change takes effect on the next frame.
func (p *Pipeline) SetSettings(s Settings) error {
	if err := s.Validate(); err != nil {
		return fmt.Errorf("invalid pipeline settings: %w", err)
	}

	p.mu.Lock()
	p.settings = s
	p.mu.Unlock()
	return nil
}

// SetGain sets the linear capture gain applied before the cleanup
// stages. Unity is 1.0.
func (p *Pipeline) SetGain(gain float64) {
	p.mu.Lock()
	p.gain = gain
	p.mu.Unlock()
}

// Gain returns the current linear capture gain.
func (p *Pipeline) Gain() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.gain
}

// InsertEffect appends a custom effect stage. Inserting an effect whose
// name matches an existing stage replaces that stage in place instead
// of stacking a second instance.
func (p *Pipeline) InsertEffect(e Effect) {
	if e == nil {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	for i, existing := range p.effects {
		if existing.Name() == e.Name() {
			p.effects[i] = e
			return
		}
	}
	p.effects = append(p.effects, e)
}

// RemoveEffect removes the named effect stage and reports whether it
// was present.
func (p *Pipeline) RemoveEffect(name string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i, e := range p.effects {
		if e.Name() == name {
			p.effects = append(p.effects[:i], p.effects[i+1:]...)
			return true
		}
	}
	return false
}

// Effects returns the names of the custom effect stages in order.
func (p *Pipeline) Effects() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	names := make([]string, len(p.effects))
	for i, e := range p.effects {
		names[i] = e.Name()
	}
	return names
}

// Active reports the combined activity decision as of the last frame.
func (p *Pipeline) Active() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}

// Power reports the loudness of the last processed frame in dBFS.
func (p *Pipeline) Power() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.power
}

// FramePool recycles PCM frame buffers on the media hot path.
type FramePool struct {
	pool sync.Pool
}

// NewFramePool creates a pool of FrameSamples-sized buffers.
func NewFramePool() *FramePool {
	return &FramePool{
		pool: sync.Pool{
			New: func() interface{} {
				return make([]int16, FrameSamples)
			},
		},
	}
}

// Get gets a frame buffer from the pool.
func (p *FramePool) Get() []int16 {
	return p.pool.Get().([]int16)
}

// Put returns a frame buffer to the pool.
func (p *FramePool) Put(f []int16) {
	// Only put back full-size buffers
	if cap(f) >= FrameSamples {
		p.pool.Put(f[:FrameSamples])
	}
}
