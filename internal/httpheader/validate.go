// Package httpheader checks operator-supplied HTTP header fields, such as
// the extra headers sent with trace exports, before they reach a transport.
package httpheader

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"golang.org/x/net/http/httpguts"
)

var ErrInvalidHeader = errors.New("invalid header")

// ValidateMap reports the first invalid field of headers in name order, so
// the same config always produces the same error.
func ValidateMap(headers map[string]string) error {
	names := make([]string, 0, len(headers))
	for name := range headers {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if err := ValidateField(name, headers[name]); err != nil {
			return err
		}
	}
	return nil
}

func ValidateField(name, value string) error {
	trimmed := strings.TrimSpace(name)
	switch {
	case trimmed == "":
		return fmt.Errorf("%w: empty name", ErrInvalidHeader)
	case trimmed != name:
		return fmt.Errorf("%w: %q has leading or trailing whitespace", ErrInvalidHeader, name)
	case !httpguts.ValidHeaderFieldName(name):
		return fmt.Errorf("%w: %q is not a valid field name", ErrInvalidHeader, name)
	case !httpguts.ValidHeaderFieldValue(value):
		return fmt.Errorf("%w: %q has an invalid value", ErrInvalidHeader, name)
	}
	return nil
}
