package utils

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// SafeEnv returns the environment variable value for key, or fallback if empty.
func SafeEnv(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

// EnvInt parses key as an integer; empty means fallback.
func EnvInt(key string, fallback int) (int, error) {
	v := SafeEnv(key, "")
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %q is not an integer", key, v)
	}
	return n, nil
}

// EnvBool accepts 1/0, true/false, yes/no, on/off.
func EnvBool(key string, fallback bool) (bool, error) {
	v := strings.ToLower(SafeEnv(key, ""))
	switch v {
	case "":
		return fallback, nil
	case "1", "true", "yes", "on":
		return true, nil
	case "0", "false", "no", "off":
		return false, nil
	}
	return false, fmt.Errorf("%s: %q is not a boolean", key, v)
}

// EnvDuration parses Go duration syntax ("90s", "24h").
func EnvDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := SafeEnv(key, "")
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}
