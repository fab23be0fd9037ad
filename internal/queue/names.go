package queue

import (
	"fmt"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

const maxNameLength = 200

// NormalizeName canonicalizes a queue name or checkpoint key: surrounding
// whitespace is trimmed and the result is converted to Unicode NFC so that
// visually identical names address the same rows.
func NormalizeName(raw string) (string, error) {
	name := norm.NFC.String(strings.TrimSpace(raw))
	if name == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidQueueName)
	}
	if len(name) > maxNameLength {
		return "", fmt.Errorf("%w: longer than %d bytes", ErrInvalidQueueName, maxNameLength)
	}
	for _, r := range name {
		if unicode.IsControl(r) || r == '/' {
			return "", fmt.Errorf("%w: %q contains %q", ErrInvalidQueueName, name, r)
		}
	}
	return name, nil
}

func validateIdentifier(id string) error {
	if id == "" {
		return fmt.Errorf("%w: empty", ErrInvalidIdentifier)
	}
	return nil
}
