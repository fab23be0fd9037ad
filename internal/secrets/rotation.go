package secrets

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"time"
)

var ErrInvalidSecret = errors.New("invalid secret")

// Version is one token of a Set. A zero ValidFrom means it has always been
// valid and a zero ValidUntil means it never expires; ValidUntil itself is
// outside the window.
type Version struct {
	ID         string
	Value      []byte
	ValidFrom  time.Time
	ValidUntil time.Time
}

func (v Version) activeAt(t time.Time) bool {
	if !v.ValidFrom.IsZero() && t.Before(v.ValidFrom) {
		return false
	}
	return v.ValidUntil.IsZero() || t.Before(v.ValidUntil)
}

// Set holds the API tokens accepted at once. Rotating a token means adding
// the new one with a ValidFrom before the old one's ValidUntil.
type Set struct {
	Versions []Version
}

func (s Set) Empty() bool { return len(s.Versions) == 0 }

func (s Set) Validate() error {
	if s.Empty() {
		return fmt.Errorf("%w: empty set", ErrInvalidSecret)
	}
	ids := make(map[string]struct{}, len(s.Versions))
	for i, v := range s.Versions {
		switch {
		case v.ID == "":
			return fmt.Errorf("%w: versions[%d].id is empty", ErrInvalidSecret, i)
		case len(v.Value) == 0:
			return fmt.Errorf("%w: token %q has no value", ErrInvalidSecret, v.ID)
		case !v.ValidFrom.IsZero() && !v.ValidUntil.IsZero() && !v.ValidUntil.After(v.ValidFrom):
			return fmt.Errorf("%w: token %q: valid_until must be after valid_from", ErrInvalidSecret, v.ID)
		}
		if _, dup := ids[v.ID]; dup {
			return fmt.Errorf("%w: duplicate token id %q", ErrInvalidSecret, v.ID)
		}
		ids[v.ID] = struct{}{}
	}
	return nil
}

// Match reports which token, if any, equals presented at time t. Every
// active token is compared in constant time.
func (s Set) Match(presented []byte, t time.Time) (string, bool) {
	if len(presented) == 0 {
		return "", false
	}
	matched := ""
	for _, v := range s.Versions {
		if !v.activeAt(t) {
			continue
		}
		if subtle.ConstantTimeCompare(presented, v.Value) == 1 && matched == "" {
			matched = v.ID
		}
	}
	return matched, matched != ""
}

// ActiveIDs lists the ids of the tokens accepted at time t, in configuration
// order.
func (s Set) ActiveIDs(t time.Time) []string {
	var out []string
	for _, v := range s.Versions {
		if v.activeAt(t) {
			out = append(out, v.ID)
		}
	}
	return out
}
