// Package config provides the configuration schema and loader for the
// voicewire server.
//
// Configuration is layered: compiled-in defaults, then an optional YAML file,
// then environment variable overrides (the environment always wins, so a
// containerised deployment needs no file at all).
package config

import (
	"fmt"
	"time"
)

// LogLevel controls log verbosity for the server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Device selects where STT inference runs.
type Device string

const (
	DeviceAuto Device = "auto"
	DeviceCPU  Device = "cpu"
	DeviceGPU  Device = "gpu"
)

// IsValid reports whether d is a recognised device selector.
func (d Device) IsValid() bool {
	switch d {
	case DeviceAuto, DeviceCPU, DeviceGPU:
		return true
	}
	return false
}

// Config is the root configuration structure.
type Config struct {
	Server ServerConfig `yaml:"server"`
	VAD    VADConfig    `yaml:"vad"`
	STT    STTConfig    `yaml:"stt"`
	LLM    LLMConfig    `yaml:"llm"`
	TTS    TTSConfig    `yaml:"tts"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// Port is the TCP port the transport listens on.
	Port int `yaml:"port"`

	// MetricsAddr is the listen address for the observability endpoint
	// (/metrics, health probes, /ws). The loader defaults it to the
	// transport port plus one; "off" disables the listener.
	MetricsAddr string `yaml:"metrics_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// SystemPrompt is the pinned system message opening every
	// conversation.
	SystemPrompt string `yaml:"system_prompt"`
}

// VADConfig tunes the voice-activity gate.
type VADConfig struct {
	// MinSilenceMS is the silence hold-off before end-of-utterance is
	// declared.
	MinSilenceMS int `yaml:"min_silence_ms"`

	// StartMS is the sustained-speech duration required before an
	// utterance opens.
	StartMS int `yaml:"start_ms"`

	// PadMS is the pre-speech audio padding prepended to each utterance.
	PadMS int `yaml:"pad_ms"`
}

// MinSilence returns the hold-off as a duration.
func (v VADConfig) MinSilence() time.Duration {
	return time.Duration(v.MinSilenceMS) * time.Millisecond
}

// Start returns the speech-onset threshold as a duration.
func (v VADConfig) Start() time.Duration {
	return time.Duration(v.StartMS) * time.Millisecond
}

// Pad returns the pre-speech padding as a duration.
func (v VADConfig) Pad() time.Duration {
	return time.Duration(v.PadMS) * time.Millisecond
}

// STTConfig selects and tunes the transcription backend.
type STTConfig struct {
	// Backend is "whisper" (HTTP server) or "whisper-native" (in-process
	// CGO bindings).
	Backend string `yaml:"backend"`

	// ServerURL is the whisper-server address for the "whisper" backend.
	ServerURL string `yaml:"server_url"`

	// ModelPath is the ggml model file for the "whisper-native" backend.
	ModelPath string `yaml:"model_path"`

	// Language is the BCP-47 transcription language.
	Language string `yaml:"language"`

	// Temperature is the sampling temperature; 0 keeps transcription
	// deterministic.
	Temperature float64 `yaml:"temperature"`

	// Device selects inference placement: auto, cpu or gpu.
	Device Device `yaml:"device"`

	// Keywords are domain terms the phonetic corrector snaps near-miss
	// transcriptions to.
	Keywords []string `yaml:"keywords"`
}

// LLMConfig selects and tunes the language model backend.
type LLMConfig struct {
	// Provider is the backend name ("openai", "ollama", "anthropic", ...).
	Provider string `yaml:"provider"`

	// Model is the model identifier (e.g. "llama3.2", "gpt-4o-mini").
	Model string `yaml:"model"`

	// BaseURL overrides the provider's API base URL; this is how a local
	// Ollama or llama.cpp server is targeted.
	BaseURL string `yaml:"base_url"`

	// APIKey authenticates against hosted providers. Local servers accept
	// any value.
	APIKey string `yaml:"api_key"`

	// Temperature controls output randomness.
	Temperature float64 `yaml:"temperature"`

	// MaxTokens caps completion length.
	MaxTokens int `yaml:"max_tokens"`

	// ContextMax bounds retained non-system conversation messages.
	ContextMax int `yaml:"context_max"`
}

// TTSConfig tunes the synthesis subprocess.
type TTSConfig struct {
	// ChildPath is the path to the TTS child binary.
	ChildPath string `yaml:"child_path"`

	// ChildArgs are extra arguments passed to the child.
	ChildArgs []string `yaml:"child_args"`

	// VoiceID selects the synthesis voice.
	VoiceID string `yaml:"voice_id"`

	// SampleRate is the playback rate in Hz.
	SampleRate int `yaml:"sample_rate"`

	// MaxRestarts bounds child respawns within a 30 s window.
	MaxRestarts int `yaml:"max_restarts"`
}

// Default returns the compiled-in configuration. Every field the file or
// environment may override starts from these values.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:     8000,
			LogLevel: LogInfo,
		},
		VAD: VADConfig{
			MinSilenceMS: 200,
			StartMS:      80,
			PadMS:        120,
		},
		STT: STTConfig{
			Backend:     "whisper",
			ServerURL:   "http://localhost:8080",
			Language:    "en",
			Temperature: 0.0,
			Device:      DeviceAuto,
		},
		LLM: LLMConfig{
			Provider:    "ollama",
			Model:       "llama3.2",
			Temperature: 0.3,
			MaxTokens:   512,
			ContextMax:  20,
		},
		TTS: TTSConfig{
			ChildPath:   "voicewire-tts",
			SampleRate:  24000,
			MaxRestarts: 3,
		},
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d is out of range [1, 65535]", cfg.Server.Port))
	}
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	if cfg.VAD.MinSilenceMS <= 0 {
		errs = append(errs, fmt.Errorf("vad.min_silence_ms must be positive, got %d", cfg.VAD.MinSilenceMS))
	}
	if cfg.VAD.StartMS <= 0 {
		errs = append(errs, fmt.Errorf("vad.start_ms must be positive, got %d", cfg.VAD.StartMS))
	}
	if cfg.VAD.PadMS < 0 {
		errs = append(errs, fmt.Errorf("vad.pad_ms must not be negative, got %d", cfg.VAD.PadMS))
	}

	switch cfg.STT.Backend {
	case "whisper":
		if cfg.STT.ServerURL == "" {
			errs = append(errs, fmt.Errorf("stt.server_url is required for the whisper backend"))
		}
	case "whisper-native":
		if cfg.STT.ModelPath == "" {
			errs = append(errs, fmt.Errorf("stt.model_path is required for the whisper-native backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("stt.backend %q is invalid; valid values: whisper, whisper-native", cfg.STT.Backend))
	}
	if cfg.STT.Device != "" && !cfg.STT.Device.IsValid() {
		errs = append(errs, fmt.Errorf("stt.device %q is invalid; valid values: auto, cpu, gpu", cfg.STT.Device))
	}
	if cfg.STT.Temperature < 0 || cfg.STT.Temperature > 1 {
		errs = append(errs, fmt.Errorf("stt.temperature %.2f is out of range [0, 1]", cfg.STT.Temperature))
	}

	if cfg.LLM.Provider == "" {
		errs = append(errs, fmt.Errorf("llm.provider is required"))
	}
	if cfg.LLM.Model == "" {
		errs = append(errs, fmt.Errorf("llm.model is required"))
	}
	if cfg.LLM.Temperature < 0 || cfg.LLM.Temperature > 2 {
		errs = append(errs, fmt.Errorf("llm.temperature %.2f is out of range [0, 2]", cfg.LLM.Temperature))
	}
	if cfg.LLM.MaxTokens <= 0 {
		errs = append(errs, fmt.Errorf("llm.max_tokens must be positive, got %d", cfg.LLM.MaxTokens))
	}
	if cfg.LLM.ContextMax <= 0 {
		errs = append(errs, fmt.Errorf("llm.context_max must be positive, got %d", cfg.LLM.ContextMax))
	}

	if cfg.TTS.ChildPath == "" {
		errs = append(errs, fmt.Errorf("tts.child_path is required"))
	}
	if cfg.TTS.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("tts.sample_rate must be positive, got %d", cfg.TTS.SampleRate))
	}
	if cfg.TTS.MaxRestarts < 0 {
		errs = append(errs, fmt.Errorf("tts.max_restarts must not be negative, got %d", cfg.TTS.MaxRestarts))
	}

	if len(errs) == 0 {
		return nil
	}
	msg := errs[0].Error()
	for _, e := range errs[1:] {
		msg += "; " + e.Error()
	}
	return fmt.Errorf("config: %s", msg)
}
