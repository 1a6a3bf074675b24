package envconfig

import (
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
)

var (
	// Set via LOCALINFER_DEBUG in the environment
	Debug bool
	// Set via LOCALINFER_MODELS in the environment
	Models string
	// Set via LOCALINFER_BACKEND in the environment
	Backend string
	// Set via LOCALINFER_ORT_LIBRARY in the environment
	OrtLibrary string
	// Set via LOCALINFER_MAX_DOWNLOADS in the environment
	MaxConcurrentDownloads int
	// Set via LOCALINFER_NOVERIFY in the environment
	NoVerify bool
)

type EnvVar struct {
	Name        string
	Value       any
	Description string
}

func AsMap() map[string]EnvVar {
	return map[string]EnvVar{
		"LOCALINFER_DEBUG":         {"LOCALINFER_DEBUG", Debug, "Show additional debug information (e.g. LOCALINFER_DEBUG=1)"},
		"LOCALINFER_MODELS":        {"LOCALINFER_MODELS", Models, "The path to the model cache directory"},
		"LOCALINFER_BACKEND":       {"LOCALINFER_BACKEND", Backend, "Preferred execution backend (gpu, simd-cpu, basic-cpu)"},
		"LOCALINFER_ORT_LIBRARY":   {"LOCALINFER_ORT_LIBRARY", OrtLibrary, "Path to the onnxruntime shared library"},
		"LOCALINFER_MAX_DOWNLOADS": {"LOCALINFER_MAX_DOWNLOADS", MaxConcurrentDownloads, "Maximum number of concurrent model file downloads (default 3)"},
		"LOCALINFER_NOVERIFY":      {"LOCALINFER_NOVERIFY", NoVerify, "Skip model file digest verification"},
	}
}

// LogLevel returns the slog level implied by LOCALINFER_DEBUG.
func LogLevel() slog.Level {
	if Debug {
		return slog.LevelDebug
	}
	return slog.LevelInfo
}

func LoadConfig() {
	Debug = boolFromEnv("LOCALINFER_DEBUG")
	NoVerify = boolFromEnv("LOCALINFER_NOVERIFY")
	Backend = os.Getenv("LOCALINFER_BACKEND")
	OrtLibrary = os.Getenv("LOCALINFER_ORT_LIBRARY")

	Models = os.Getenv("LOCALINFER_MODELS")
	if Models == "" {
		if home, err := os.UserHomeDir(); err == nil {
			Models = filepath.Join(home, ".localinfer", "models")
		}
	}

	MaxConcurrentDownloads = 3
	if v := os.Getenv("LOCALINFER_MAX_DOWNLOADS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			MaxConcurrentDownloads = n
		}
	}
}

func boolFromEnv(name string) bool {
	v, err := strconv.ParseBool(os.Getenv(name))
	if err != nil {
		return false
	}
	return v
}

func init() {
	LoadConfig()
}
