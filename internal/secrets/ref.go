package secrets

import (
	"errors"
	"fmt"
	"os"
	"strings"
)

var ErrSecretRef = errors.New("invalid secret reference")

// ValidateRef validates a secret reference format without loading its value.
//
// Supported forms:
// - env:NAME
// - file:/path/to/secret
// - raw:literal-value
func ValidateRef(ref string) error {
	_, _, err := splitRef(ref)
	return err
}

// LoadRef loads a secret value from a reference string. File contents and
// environment values are trimmed; an empty result is an error.
func LoadRef(ref string) ([]byte, error) {
	scheme, rest, err := splitRef(ref)
	if err != nil {
		return nil, err
	}

	switch scheme {
	case "env":
		val := strings.TrimSpace(os.Getenv(rest))
		if val == "" {
			return nil, fmt.Errorf("%w: env var %q is empty or missing", ErrSecretRef, rest)
		}
		return []byte(val), nil
	case "file":
		b, err := os.ReadFile(rest)
		if err != nil {
			return nil, fmt.Errorf("read secret file: %w", err)
		}
		val := strings.TrimSpace(string(b))
		if val == "" {
			return nil, fmt.Errorf("%w: file %q is empty", ErrSecretRef, rest)
		}
		return []byte(val), nil
	default:
		return []byte(rest), nil
	}
}

// LoadRefString is LoadRef for values used as strings, such as DSNs.
func LoadRefString(ref string) (string, error) {
	b, err := LoadRef(ref)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func splitRef(ref string) (string, string, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", "", fmt.Errorf("%w: empty", ErrSecretRef)
	}
	scheme, rest, ok := strings.Cut(ref, ":")
	if !ok {
		return "", "", fmt.Errorf("%w: unsupported scheme (use env:, file:, or raw:)", ErrSecretRef)
	}

	switch scheme {
	case "env":
		rest = strings.TrimSpace(rest)
		if rest == "" {
			return "", "", fmt.Errorf("%w: env var name is empty", ErrSecretRef)
		}
	case "file":
		rest = strings.TrimSpace(rest)
		if rest == "" {
			return "", "", fmt.Errorf("%w: file path is empty", ErrSecretRef)
		}
	case "raw":
		if rest == "" {
			return "", "", fmt.Errorf("%w: raw value is empty", ErrSecretRef)
		}
	default:
		return "", "", fmt.Errorf("%w: unsupported scheme %q (use env:, file:, or raw:)", ErrSecretRef, scheme)
	}
	return scheme, rest, nil
}
