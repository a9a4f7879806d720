// Package config reads service configuration from the environment.
// Helpers return the fallback when the variable is unset or empty.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

func String(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func RequiredString(key string) (string, error) {
	v := os.Getenv(key)
	if v == "" {
		return "", fmt.Errorf("%s is required", key)
	}
	return v, nil
}

// Int returns the variable parsed as an integer, or the fallback when unset
// or unparseable.
func Int(key string, fallback int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}

// Minutes reads an integer minute count into a Duration. Zero and negative
// values fall back, so a misconfigured TTL never disables its consumer.
func Minutes(key string, fallback time.Duration) time.Duration {
	mins := Int(key, 0)
	if mins <= 0 {
		return fallback
	}
	return time.Duration(mins) * time.Minute
}

func Port(key, fallback string) (string, error) {
	v := String(key, fallback)
	p, err := strconv.Atoi(v)
	if err != nil || p < 1 || p > 65535 {
		return "", fmt.Errorf("%s must be a valid TCP port (got %q)", key, v)
	}
	return v, nil
}
