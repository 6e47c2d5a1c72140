package envconfig

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

var (
	// Set via COVQ_DEBUG in the environment
	Debug bool
	// Set via COVQ_HOST in the environment
	Host string
	// Set via COVQ_CACHE in the environment
	CacheDir string
	// Set via COVQ_DOWNLOADS in the environment
	Downloads int
)

type EnvVar struct {
	Name        string
	Value       any
	Description string
}

func AsMap() map[string]EnvVar {
	return map[string]EnvVar{
		"COVQ_DEBUG":     {"COVQ_DEBUG", Debug, "Show additional debug information (e.g. COVQ_DEBUG=1)"},
		"COVQ_HOST":      {"COVQ_HOST", Host, "Address for the covq server (default 127.0.0.1:11550)"},
		"COVQ_CACHE":     {"COVQ_CACHE", CacheDir, "Location for downloaded checkpoints"},
		"COVQ_DOWNLOADS": {"COVQ_DOWNLOADS", Downloads, "Maximum number of concurrent checkpoint downloads (default 4)"},
	}
}

func Values() map[string]string {
	vals := make(map[string]string)
	for k, v := range AsMap() {
		vals[k] = fmt.Sprintf("%v", v.Value)
	}
	return vals
}

// Clean quotes and spaces from the value
func clean(key string) string {
	return strings.Trim(os.Getenv(key), "\"' ")
}

func init() {
	LoadConfig()
}

func LoadConfig() {
	Debug = false
	if debug := clean("COVQ_DEBUG"); debug != "" {
		d, err := strconv.ParseBool(debug)
		if err == nil {
			Debug = d
		} else {
			Debug = true
		}
	}

	Host = clean("COVQ_HOST")
	if Host == "" {
		Host = "127.0.0.1:11550"
	}

	CacheDir = clean("COVQ_CACHE")
	if CacheDir == "" {
		home, err := os.UserHomeDir()
		if err == nil {
			CacheDir = filepath.Join(home, ".cache", "covq")
		}
	}

	Downloads = 4
	if d := clean("COVQ_DOWNLOADS"); d != "" {
		n, err := strconv.Atoi(d)
		if err == nil && n > 0 {
			Downloads = n
		}
	}
}
