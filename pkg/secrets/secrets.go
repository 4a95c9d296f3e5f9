// Package secrets resolves secret references of the form scheme://location
// so configuration files never carry raw secret material.
package secrets

import (
	"fmt"
	"os"
	"strings"
)

const (
	envScheme  = "env://"
	fileScheme = "file://"
)

// Resolve dereferences a secret reference:
//
//	env://NAME    reads the environment variable NAME
//	file:///path  reads the file at /path, trimming trailing whitespace
//
// A value without a recognized scheme is returned as-is so plain values
// keep working in development setups.
func Resolve(ref string) (string, error) {
	switch {
	case strings.HasPrefix(ref, envScheme):
		name := strings.TrimPrefix(ref, envScheme)
		if name == "" {
			return "", fmt.Errorf("empty environment variable name in secret reference")
		}
		value, ok := os.LookupEnv(name)
		if !ok {
			return "", fmt.Errorf("environment variable %s is not set", name)
		}
		return value, nil

	case strings.HasPrefix(ref, fileScheme):
		path := strings.TrimPrefix(ref, fileScheme)
		if path == "" {
			return "", fmt.Errorf("empty path in secret reference")
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("failed to read secret file: %w", err)
		}
		return strings.TrimRight(string(data), "\r\n"), nil

	default:
		return ref, nil
	}
}
