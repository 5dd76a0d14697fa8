package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Gateway struct {
		URL            string        `yaml:"url"`
		ConnectTimeout time.Duration `yaml:"connect_timeout"`
		PingInterval   time.Duration `yaml:"ping_interval"`
		PongTimeout    time.Duration `yaml:"pong_timeout"`
	} `yaml:"gateway"`

	Reconnect struct {
		Enabled      bool          `yaml:"enabled"`
		MaxAttempts  int           `yaml:"max_attempts"`
		InitialDelay time.Duration `yaml:"initial_delay"`
		MaxDelay     time.Duration `yaml:"max_delay"`
		Multiplier   float64       `yaml:"multiplier"`
		Jitter       bool          `yaml:"jitter"`
		BufferFrames int           `yaml:"buffer_frames"`
	} `yaml:"reconnect"`

	Audio struct {
		VolumeGate struct {
			Enabled   bool    `yaml:"enabled"`
			AttackDB  float64 `yaml:"attack_db"`
			ReleaseDB float64 `yaml:"release_db"`
		} `yaml:"volume_gate"`

		VoiceActivity struct {
			Enabled            bool    `yaml:"enabled"`
			AttackProbability  float64 `yaml:"attack_probability"`
			ReleaseProbability float64 `yaml:"release_probability"`
		} `yaml:"voice_activity"`

		EchoCanceller    bool   `yaml:"echo_canceller"`
		NoiseSuppression string `yaml:"noise_suppression"` // none|low|moderate|high|very_high
		GainController   bool   `yaml:"gain_controller"`
	} `yaml:"audio"`

	Monitor struct {
		Interval time.Duration `yaml:"interval"`
	} `yaml:"monitor"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`

	Tracing struct {
		Enabled    bool    `yaml:"enabled"`
		Endpoint   string  `yaml:"endpoint"`
		SampleRate float64 `yaml:"sample_rate"`
	} `yaml:"tracing"`

	// Server configures the embedded development gateway (`odincli serve`).
	Server struct {
		Address         string        `yaml:"address"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
		PositionCutoff  float64       `yaml:"position_cutoff"` // 0 disables distance culling
	} `yaml:"server"`

	Auth struct {
		AccessKey string        `yaml:"access_key"`
		TokenTTL  time.Duration `yaml:"token_ttl"`
	} `yaml:"auth"`

	Monitoring struct {
		PrometheusEnabled bool   `yaml:"prometheus_enabled"`
		MetricsAddress    string `yaml:"metrics_address"`
	} `yaml:"monitoring"`
}

var validNoiseSuppression = map[string]bool{
	"none": true, "low": true, "moderate": true, "high": true, "very_high": true,
}

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	// Gateway
	if c.Gateway.URL == "" {
		return fmt.Errorf("gateway.url must not be empty")
	}
	if c.Gateway.ConnectTimeout <= 0 {
		return fmt.Errorf("gateway.connect_timeout must be > 0")
	}
	if c.Gateway.PingInterval <= 0 {
		return fmt.Errorf("gateway.ping_interval must be > 0")
	}
	if c.Gateway.PongTimeout <= c.Gateway.PingInterval {
		return fmt.Errorf("gateway.pong_timeout must be > gateway.ping_interval")
	}

	// Reconnect
	if c.Reconnect.Enabled {
		if c.Reconnect.MaxAttempts < 0 {
			return fmt.Errorf("reconnect.max_attempts must be >= 0")
		}
		if c.Reconnect.InitialDelay <= 0 {
			return fmt.Errorf("reconnect.initial_delay must be > 0")
		}
		if c.Reconnect.MaxDelay < c.Reconnect.InitialDelay {
			return fmt.Errorf("reconnect.max_delay must be >= reconnect.initial_delay")
		}
		if c.Reconnect.Multiplier < 1.0 {
			return fmt.Errorf("reconnect.multiplier must be >= 1.0")
		}
	}
	if c.Reconnect.BufferFrames < 0 {
		return fmt.Errorf("reconnect.buffer_frames must be >= 0")
	}

	// Audio
	if c.Audio.VolumeGate.Enabled {
		if c.Audio.VolumeGate.AttackDB < c.Audio.VolumeGate.ReleaseDB {
			return fmt.Errorf("audio.volume_gate.attack_db must be >= release_db")
		}
	}
	if c.Audio.VoiceActivity.Enabled {
		if c.Audio.VoiceActivity.AttackProbability < 0 || c.Audio.VoiceActivity.AttackProbability > 1 {
			return fmt.Errorf("audio.voice_activity.attack_probability must be in [0, 1]")
		}
		if c.Audio.VoiceActivity.ReleaseProbability < 0 || c.Audio.VoiceActivity.ReleaseProbability > 1 {
			return fmt.Errorf("audio.voice_activity.release_probability must be in [0, 1]")
		}
		if c.Audio.VoiceActivity.AttackProbability < c.Audio.VoiceActivity.ReleaseProbability {
			return fmt.Errorf("audio.voice_activity.attack_probability must be >= release_probability")
		}
	}
	if !validNoiseSuppression[c.Audio.NoiseSuppression] {
		return fmt.Errorf("audio.noise_suppression must be one of none|low|moderate|high|very_high")
	}

	// Monitor
	if c.Monitor.Interval <= 0 {
		return fmt.Errorf("monitor.interval must be > 0")
	}

	// Logging
	if c.Logging.Level == "" {
		return fmt.Errorf("logging.level must not be empty")
	}

	// Tracing
	if c.Tracing.Enabled {
		if c.Tracing.Endpoint == "" {
			return fmt.Errorf("tracing.endpoint must not be empty when tracing.enabled=true")
		}
		if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
			return fmt.Errorf("tracing.sample_rate must be in [0, 1]")
		}
	}

	// Server
	if c.Server.Address == "" {
		return fmt.Errorf("server.address must not be empty")
	}
	if c.Server.ReadTimeout <= 0 {
		return fmt.Errorf("server.read_timeout must be > 0")
	}
	if c.Server.WriteTimeout <= 0 {
		return fmt.Errorf("server.write_timeout must be > 0")
	}
	if c.Server.ShutdownTimeout <= 0 {
		return fmt.Errorf("server.shutdown_timeout must be > 0")
	}
	if c.Server.PositionCutoff < 0 {
		return fmt.Errorf("server.position_cutoff must be >= 0")
	}

	// Auth
	if c.Auth.TokenTTL <= 0 {
		return fmt.Errorf("auth.token_ttl must be > 0")
	}

	return nil
}

// Load reads configuration from YAML file, applies defaults and env overrides.
func Load(configPath string) (*Config, error) {
	// If file does not exist, fall back to defaults
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg := DefaultConfig()
		cfg.applyEnvOverrides()
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
	}

	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// DefaultConfig returns configuration with sane defaults.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Gateway.URL = "ws://localhost:4433/ws"
	cfg.Gateway.ConnectTimeout = 10 * time.Second
	cfg.Gateway.PingInterval = 5 * time.Second
	cfg.Gateway.PongTimeout = 15 * time.Second

	cfg.Reconnect.Enabled = true
	cfg.Reconnect.MaxAttempts = 5
	cfg.Reconnect.InitialDelay = time.Second
	cfg.Reconnect.MaxDelay = 30 * time.Second
	cfg.Reconnect.Multiplier = 2.0
	cfg.Reconnect.Jitter = true
	cfg.Reconnect.BufferFrames = 50 // one second of audio

	cfg.Audio.VolumeGate.Enabled = true
	cfg.Audio.VolumeGate.AttackDB = -30
	cfg.Audio.VolumeGate.ReleaseDB = -40
	cfg.Audio.VoiceActivity.Enabled = true
	cfg.Audio.VoiceActivity.AttackProbability = 0.9
	cfg.Audio.VoiceActivity.ReleaseProbability = 0.8
	cfg.Audio.EchoCanceller = true
	cfg.Audio.NoiseSuppression = "moderate"
	cfg.Audio.GainController = true

	cfg.Monitor.Interval = time.Second

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	cfg.Tracing.Enabled = false
	cfg.Tracing.Endpoint = "http://localhost:14268/api/traces"
	cfg.Tracing.SampleRate = 1.0

	cfg.Server.Address = ":4433"
	cfg.Server.ReadTimeout = 30 * time.Second
	cfg.Server.WriteTimeout = 30 * time.Second
	cfg.Server.ShutdownTimeout = 30 * time.Second
	cfg.Server.PositionCutoff = 0

	cfg.Auth.AccessKey = ""
	cfg.Auth.TokenTTL = 5 * time.Minute

	cfg.Monitoring.PrometheusEnabled = true
	cfg.Monitoring.MetricsAddress = ":9108"

	return cfg
}

func (c *Config) applyEnvOverrides() {
	// Apply environment variable overrides
	if url := os.Getenv("ODIN_GATEWAY_URL"); url != "" {
		c.Gateway.URL = url
	}
	if addr := os.Getenv("ODIN_SERVER_ADDRESS"); addr != "" {
		c.Server.Address = addr
	}
	if level := os.Getenv("ODIN_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if key := os.Getenv("ODIN_ACCESS_KEY"); key != "" {
		c.Auth.AccessKey = key
	}
}
