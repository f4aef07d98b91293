package config

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Load assembles the effective configuration: defaults, overlaid with the
// YAML file at path (skipped when path is empty or the file does not exist),
// overlaid with environment variables, then validated.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		f, err := os.Open(path)
		switch {
		case err == nil:
			defer f.Close()
			if err := decodeYAML(f, cfg); err != nil {
				return nil, fmt.Errorf("config: parse %q: %w", path, err)
			}
		case os.IsNotExist(err):
			// Environment-only deployments carry no file.
		default:
			return nil, fmt.Errorf("config: open %q: %w", path, err)
		}
	}

	if err := ApplyEnv(cfg, os.LookupEnv); err != nil {
		return nil, err
	}
	if cfg.Server.MetricsAddr == "" {
		cfg.Server.MetricsAddr = fmt.Sprintf(":%d", cfg.Server.Port+1)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r on top of the defaults and
// validates the result. Useful in tests where configs are constructed from
// string literals. Environment overrides are not applied.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	if err := decodeYAML(r, cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decodeYAML(r io.Reader, cfg *Config) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && err != io.EOF {
		return err
	}
	return nil
}

// ApplyEnv overlays environment variables onto cfg. lookup is os.LookupEnv
// in production and a map lookup in tests. Unset variables leave the
// corresponding field untouched; malformed values are errors so a typo never
// silently falls back to a default.
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	var errs []string

	setInt := func(key string, dst *int) {
		v, ok := lookup(key)
		if !ok {
			return
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s=%q is not an integer", key, v))
			return
		}
		*dst = n
	}
	setFloat := func(key string, dst *float64) {
		v, ok := lookup(key)
		if !ok {
			return
		}
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s=%q is not a number", key, v))
			return
		}
		*dst = f
	}
	setString := func(key string, dst *string) {
		if v, ok := lookup(key); ok {
			*dst = v
		}
	}

	setInt("PORT", &cfg.Server.Port)
	setString("METRICS_ADDR", &cfg.Server.MetricsAddr)
	setString("SYSTEM_PROMPT", &cfg.Server.SystemPrompt)
	if v, ok := lookup("LOG_LEVEL"); ok {
		cfg.Server.LogLevel = LogLevel(v)
	}

	setInt("VAD_MIN_SILENCE_MS", &cfg.VAD.MinSilenceMS)
	setInt("VAD_START_MS", &cfg.VAD.StartMS)
	setInt("VAD_PAD_MS", &cfg.VAD.PadMS)

	setString("STT_BACKEND", &cfg.STT.Backend)
	setString("STT_SERVER_URL", &cfg.STT.ServerURL)
	setString("STT_MODEL_PATH", &cfg.STT.ModelPath)
	setString("STT_LANGUAGE", &cfg.STT.Language)
	setFloat("STT_TEMPERATURE", &cfg.STT.Temperature)
	if v, ok := lookup("STT_DEVICE"); ok {
		cfg.STT.Device = Device(v)
	}
	if v, ok := lookup("STT_KEYWORDS"); ok {
		cfg.STT.Keywords = splitList(v)
	}

	setString("LLM_PROVIDER", &cfg.LLM.Provider)
	setString("LLM_MODEL", &cfg.LLM.Model)
	setString("LLM_BASE_URL", &cfg.LLM.BaseURL)
	setString("LLM_API_KEY", &cfg.LLM.APIKey)
	setFloat("LLM_TEMPERATURE", &cfg.LLM.Temperature)
	setInt("LLM_MAX_TOKENS", &cfg.LLM.MaxTokens)
	setInt("LLM_CONTEXT_MAX", &cfg.LLM.ContextMax)

	setString("TTS_CHILD_PATH", &cfg.TTS.ChildPath)
	setString("TTS_VOICE_ID", &cfg.TTS.VoiceID)
	setInt("TTS_SAMPLE_RATE", &cfg.TTS.SampleRate)
	setInt("TTS_MAX_RESTARTS", &cfg.TTS.MaxRestarts)

	if len(errs) > 0 {
		return fmt.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}

// splitList parses a comma-separated environment value into trimmed,
// non-empty items.
func splitList(v string) []string {
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
