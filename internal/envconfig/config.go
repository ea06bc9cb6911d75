// Package envconfig reads GPTQ_* environment variables.
package envconfig

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
)

// LogLevel returns the log level from GPTQ_DEBUG.
// 0/false = INFO (default), 1/true = DEBUG, 2 = TRACE
func LogLevel() slog.Level {
	level := slog.LevelInfo
	if s := Var("GPTQ_DEBUG"); s != "" {
		if b, _ := strconv.ParseBool(s); b {
			level = slog.LevelDebug
		} else if i, _ := strconv.ParseInt(s, 10, 64); i != 0 {
			level = slog.Level(i * -4)
		}
	}

	return level
}

var (
	// OutputDir overrides the directory checkpoints are written under.
	OutputDir = String("GPTQ_OUTPUT_DIR")
	// Dataset overrides the path of the gzip STS benchmark TSV.
	Dataset = String("GPTQ_DATASET")
	// Corpus overrides the tokenizer training corpus path.
	Corpus = String("GPTQ_CORPUS")
	// QDevice overrides the quantum backend name.
	QDevice = String("GPTQ_QDEVICE")
	// LogFormat forces "text" or "json" log output.
	LogFormat = String("GPTQ_LOG_FORMAT")
	// NumThreads caps concurrent circuit executions per backend. 0 uses the backend default.
	NumThreads = Uint("GPTQ_NUM_THREADS", 0)
	// Seed overrides the run seed. Zero is a valid seed.
	Seed = OptionalUint64("GPTQ_SEED")
	// NoProgress disables per-step debug logging.
	NoProgress = Bool("GPTQ_NOPROGRESS")
)

// BoolWithDefault returns a getter for a boolean variable with a default
func BoolWithDefault(k string) func(defaultValue bool) bool {
	return func(defaultValue bool) bool {
		if s := Var(k); s != "" {
			b, err := strconv.ParseBool(s)
			if err != nil {
				return true
			}
			return b
		}
		return defaultValue
	}
}

// Bool returns a getter for a boolean variable defaulting to false
func Bool(k string) func() bool {
	withDefault := BoolWithDefault(k)
	return func() bool {
		return withDefault(false)
	}
}

// String returns a getter for a string variable
func String(s string) func() string {
	return func() string {
		return Var(s)
	}
}

// Uint returns a getter for a uint variable with a default
func Uint(key string, defaultValue uint) func() uint {
	return func() uint {
		if s := Var(key); s != "" {
			if n, err := strconv.ParseUint(s, 10, 64); err != nil {
				slog.Warn("invalid environment variable, using default", "key", key, "value", s, "default", defaultValue)
			} else {
				return uint(n)
			}
		}
		return defaultValue
	}
}

// Uint64 returns a getter for a uint64 variable with a default
func Uint64(key string, defaultValue uint64) func() uint64 {
	return func() uint64 {
		if s := Var(key); s != "" {
			if n, err := strconv.ParseUint(s, 10, 64); err != nil {
				slog.Warn("invalid environment variable, using default", "key", key, "value", s, "default", defaultValue)
			} else {
				return n
			}
		}
		return defaultValue
	}
}

// OptionalUint64 returns a getter for a uint64 variable that reports whether
// it was set to a valid value
func OptionalUint64(key string) func() (uint64, bool) {
	return func() (uint64, bool) {
		s := Var(key)
		if s == "" {
			return 0, false
		}
		n, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			slog.Warn("invalid environment variable, ignoring", "key", key, "value", s)
			return 0, false
		}
		return n, true
	}
}

func optional[T any](get func() (T, bool)) any {
	if v, ok := get(); ok {
		return v
	}
	return ""
}

// EnvVar describes one configuration variable
type EnvVar struct {
	Name        string
	Value       any
	Description string
}

// AsMap returns every variable with its current value and description
func AsMap() map[string]EnvVar {
	return map[string]EnvVar{
		"GPTQ_DEBUG":       {"GPTQ_DEBUG", LogLevel(), "Show additional debug information (e.g. GPTQ_DEBUG=1)"},
		"GPTQ_OUTPUT_DIR":  {"GPTQ_OUTPUT_DIR", OutputDir(), "Directory checkpoints are written under (default \"output\")"},
		"GPTQ_DATASET":     {"GPTQ_DATASET", Dataset(), "Path of the gzip STS benchmark TSV"},
		"GPTQ_CORPUS":      {"GPTQ_CORPUS", Corpus(), "Tokenizer training corpus, one sentence per line"},
		"GPTQ_QDEVICE":     {"GPTQ_QDEVICE", QDevice(), "Quantum backend name (default \"lightning.qubit\")"},
		"GPTQ_LOG_FORMAT":  {"GPTQ_LOG_FORMAT", LogFormat(), "Force \"text\" or \"json\" logs"},
		"GPTQ_NUM_THREADS": {"GPTQ_NUM_THREADS", NumThreads(), "Maximum concurrent circuit executions per backend"},
		"GPTQ_SEED":        {"GPTQ_SEED", optional(Seed), "Seed for initialisation, shuffling and dropout"},
		"GPTQ_NOPROGRESS":  {"GPTQ_NOPROGRESS", NoProgress(), "Do not log per-step training progress"},
	}
}

// Values returns every variable's current value as a string
func Values() map[string]string {
	vals := make(map[string]string)
	for k, v := range AsMap() {
		vals[k] = fmt.Sprintf("%v", v.Value)
	}
	return vals
}

// Var returns an environment variable stripped of whitespace and quotes
func Var(key string) string {
	return strings.Trim(strings.TrimSpace(os.Getenv(key)), "\"'")
}
