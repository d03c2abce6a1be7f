// Package config reads engine settings from the process environment. The
// nearest .env file is loaded first, so bench hosts can keep their tuning in
// the directory they run the agent from.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// LoadDotenv loads the nearest .env file, walking from the working directory
// toward the filesystem root, and returns the path it loaded ("" when none).
// It runs once; later calls return the first result. Under `go test` it is a
// no-op unless DRIVEYARD_TEST_DOTENV=1, so unit tests stay hermetic.
var LoadDotenv = sync.OnceValue(func() string {
	if testing.Testing() && os.Getenv("DRIVEYARD_TEST_DOTENV") != "1" {
		return ""
	}
	wd, err := os.Getwd()
	if err != nil {
		log.Debug().Err(err).Msg("config: resolve working directory failed")
		return ""
	}
	path := nearestDotenv(wd)
	if path == "" {
		return ""
	}
	if err := godotenv.Load(path); err != nil {
		log.Warn().Err(err).Str("dotenv", path).Msg("config: load .env failed")
		return ""
	}
	log.Debug().Str("dotenv", path).Msg("config: loaded .env")
	return path
})

// nearestDotenv returns the first regular .env file in dir or any parent.
func nearestDotenv(dir string) string {
	for {
		candidate := filepath.Join(dir, ".env")
		if info, err := os.Stat(candidate); err == nil && info.Mode().IsRegular() {
			return candidate
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

func lookup(key string) (string, bool) {
	LoadDotenv()
	val := strings.TrimSpace(os.Getenv(key))
	return val, val != ""
}

// String returns the environment value for key, or fallback when unset.
func String(key, fallback string) string {
	if val, ok := lookup(key); ok {
		return val
	}
	return fallback
}

// Duration returns the duration value for key. Unset or unparseable values
// fall back; the latter is logged so a typo in an interval does not silently
// change the agent's timing.
func Duration(key string, fallback time.Duration) time.Duration {
	val, ok := lookup(key)
	if !ok {
		return fallback
	}
	parsed, err := time.ParseDuration(val)
	if err != nil {
		log.Warn().Str("key", key).Str("value", val).Msg("config: not a duration, using default")
		return fallback
	}
	return parsed
}

// Int returns the integer value for key, falling back (with a warning) on
// anything that does not parse.
func Int(key string, fallback int) int {
	val, ok := lookup(key)
	if !ok {
		return fallback
	}
	parsed, err := strconv.Atoi(val)
	if err != nil {
		log.Warn().Str("key", key).Str("value", val).Msg("config: not an integer, using default")
		return fallback
	}
	return parsed
}

// Bool returns the boolean value for key. Accepted forms: 1/0, true/false,
// yes/no, on/off. Anything else falls back with a warning.
func Bool(key string, fallback bool) bool {
	val, ok := lookup(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(val) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	}
	log.Warn().Str("key", key).Str("value", val).Msg("config: not a boolean, using default")
	return fallback
}
