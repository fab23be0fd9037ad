package grpcapi

import (
	"bytes"
	"context"
	"strconv"
	"strings"
	"time"

	"google.golang.org/grpc/metadata"

	"github.com/nuetzliches/ingestq/internal/secrets"
)

// Authorizer decides whether a queue service call is authorized.
type Authorizer func(ctx context.Context) bool

// BearerTokenAuthorizer validates the "authorization: Bearer <token>"
// metadata of a call against tokens. No tokens allows every call.
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

// TokenSetAuthorizer accepts the tokens of set valid at call time. An empty
// set allows every call.
func TokenSetAuthorizer(set secrets.Set, now func() time.Time) Authorizer {
	if now == nil {
		now = time.Now
	}
	if set.Empty() {
		return func(context.Context) bool { return true }
	}
	return func(ctx context.Context) bool {
		md, ok := metadata.FromIncomingContext(ctx)
		if !ok {
			return false
		}
		at := now()
		for _, raw := range md.Get("authorization") {
			token, ok := parseBearerToken(raw)
			if !ok {
				continue
			}
			if _, ok := set.Match([]byte(token), at); ok {
				return true
			}
		}
		return false
	}
}

func parseBearerToken(raw string) (string, bool) {
	h := strings.TrimSpace(raw)
	if len(h) < 7 || !strings.EqualFold(h[:7], "Bearer ") {
		return "", false
	}
	token := strings.TrimSpace(h[7:])
	return token, token != ""
}
