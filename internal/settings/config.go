package settings

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"
)

// Record keys as they appear on the wire and on disk.
const (
	KeyModelName            = "model_name"
	KeySampleRate           = "sample_rate"
	KeyChunkDuration        = "chunk_duration_s"
	KeyVolumeThreshold      = "volume_threshold"
	KeySelectedMicrophoneID = "selected_microphone_id"
	KeyUseGPU               = "use_gpu"
	KeyForceAltAccelerator  = "force_alt_accelerator"
	KeySpokenLanguage       = "spoken_language"
	KeyTargetLanguage       = "target_language"
)

// aliases maps legacy key names onto their current equivalents.
var aliases = map[string]string{
	"chunk_duration": KeyChunkDuration,
	"force_mps":      KeyForceAltAccelerator,
}

// Config is the runtime settings record.
type Config struct {
	ModelName            string  `json:"model_name"`
	SampleRate           int     `json:"sample_rate"`
	ChunkDurationS       float64 `json:"chunk_duration_s"`
	VolumeThreshold      float64 `json:"volume_threshold"`
	SelectedMicrophoneID *int    `json:"selected_microphone_id"`
	UseGPU               bool    `json:"use_gpu"`
	ForceAltAccelerator  bool    `json:"force_alt_accelerator"`
	SpokenLanguage       string  `json:"spoken_language"`
	TargetLanguage       string  `json:"target_language"`
}

// Default returns the settings used when nothing has been persisted.
func Default() Config {
	return Config{
		ModelName:       "small",
		SampleRate:      16000,
		ChunkDurationS:  2,
		VolumeThreshold: 0.01,
		SpokenLanguage:  "en",
		TargetLanguage:  "fr",
	}
}

// ChunkDuration returns the chunk duration as a time.Duration
func (c Config) ChunkDuration() time.Duration {
	return time.Duration(c.ChunkDurationS * float64(time.Second))
}

// MicrophoneSelected reports whether a capture device has been chosen.
func (c Config) MicrophoneSelected() bool {
	return c.SelectedMicrophoneID != nil
}

// clone returns a deep copy so callers never share the microphone pointer.
func (c Config) clone() Config {
	if c.SelectedMicrophoneID != nil {
		id := *c.SelectedMicrophoneID
		c.SelectedMicrophoneID = &id
	}
	return c
}

// ValidationError rejects a single key of an update.
type ValidationError struct {
	Key    string `json:"key"`
	Reason string `json:"reason"`
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Key, e.Reason)
}

// field decodes and validates one key, returning a setter for the new value
// and the value to report back to clients.
type field func(raw json.RawMessage) (set func(*Config), value any, err error)

var fields = map[string]field{
	KeyModelName: stringField(func(c *Config, v string) { c.ModelName = v }),
	KeySampleRate: func(raw json.RawMessage) (func(*Config), any, error) {
		var v float64
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, nil, fmt.Errorf("must be a number")
		}
		if v <= 0 || v != math.Trunc(v) || v > math.MaxInt32 {
			return nil, nil, fmt.Errorf("must be a positive integer, got %v", v)
		}
		rate := int(v)
		return func(c *Config) { c.SampleRate = rate }, rate, nil
	},
	KeyChunkDuration: func(raw json.RawMessage) (func(*Config), any, error) {
		var v float64
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, nil, fmt.Errorf("must be a number")
		}
		if v <= 0 || math.IsInf(v, 0) {
			return nil, nil, fmt.Errorf("must be greater than 0, got %v", v)
		}
		return func(c *Config) { c.ChunkDurationS = v }, v, nil
	},
	KeyVolumeThreshold: func(raw json.RawMessage) (func(*Config), any, error) {
		var v float64
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, nil, fmt.Errorf("must be a number")
		}
		if v < 0 || math.IsInf(v, 0) {
			return nil, nil, fmt.Errorf("must be 0 or greater, got %v", v)
		}
		return func(c *Config) { c.VolumeThreshold = v }, v, nil
	},
	KeyUseGPU:              boolField(func(c *Config, v bool) { c.UseGPU = v }),
	KeyForceAltAccelerator: boolField(func(c *Config, v bool) { c.ForceAltAccelerator = v }),
	KeySpokenLanguage:      stringField(func(c *Config, v string) { c.SpokenLanguage = v }),
	KeyTargetLanguage:      stringField(func(c *Config, v string) { c.TargetLanguage = v }),
}

// microphoneField is only used when loading a persisted record; clients change
// the microphone through Store.SetMicrophone.
func microphoneField(raw json.RawMessage) (func(*Config), any, error) {
	var v *float64
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, nil, fmt.Errorf("must be an integer or null")
	}
	if v == nil {
		return func(c *Config) { c.SelectedMicrophoneID = nil }, nil, nil
	}
	if *v < 0 || *v != math.Trunc(*v) || *v > math.MaxInt32 {
		return nil, nil, fmt.Errorf("must be a non-negative integer, got %v", *v)
	}
	id := int(*v)
	return func(c *Config) { c.SelectedMicrophoneID = &id }, id, nil
}

func stringField(assign func(*Config, string)) field {
	return func(raw json.RawMessage) (func(*Config), any, error) {
		var v string
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, nil, fmt.Errorf("must be a string")
		}
		v = strings.TrimSpace(v)
		if v == "" {
			return nil, nil, fmt.Errorf("cannot be empty")
		}
		if strings.ContainsAny(v, " \t\r\n") {
			return nil, nil, fmt.Errorf("cannot contain whitespace")
		}
		return func(c *Config) { assign(c, v) }, v, nil
	}
}

func boolField(assign func(*Config, bool)) field {
	return func(raw json.RawMessage) (func(*Config), any, error) {
		var v bool
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, nil, fmt.Errorf("must be a boolean")
		}
		return func(c *Config) { assign(c, v) }, v, nil
	}
}

// canonicalKey resolves legacy aliases.
func canonicalKey(key string) string {
	if canonical, ok := aliases[key]; ok {
		return canonical
	}
	return key
}
