package httpapi

import (
	"bytes"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/nuetzliches/ingestq/internal/secrets"
)

type Authorizer func(r *http.Request) bool

// BearerTokenAuthorizer accepts requests carrying any of tokens. With no
// tokens configured every request is allowed.
func BearerTokenAuthorizer(tokens [][]byte) Authorizer {
	var set secrets.Set
	for i, t := range tokens {
		if len(t) == 0 {
			continue
		}
		set.Versions = append(set.Versions, secrets.Version{ID: strconv.Itoa(i), Value: bytes.Clone(t)})
	}
	return TokenSetAuthorizer(set, nil)
}

// TokenSetAuthorizer accepts the tokens of set that are valid at the time of
// the request, so a token can be rotated by overlapping validity windows. An
// empty set allows every request; a set whose tokens have all expired allows
// none.
func TokenSetAuthorizer(set secrets.Set, now func() time.Time) Authorizer {
	if now == nil {
		now = time.Now
	}
	if set.Empty() {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		token, ok := bearerToken(r.Header.Get("Authorization"))
		if !ok {
			return false
		}
		_, ok = set.Match([]byte(token), now())
		return ok
	}
}

func bearerToken(h string) (string, bool) {
	const prefix = "Bearer "
	if !strings.HasPrefix(h, prefix) {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(h, prefix))
	return token, token != ""
}
