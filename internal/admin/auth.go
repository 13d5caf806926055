package admin

import (
	"net/http"
	"strings"
)

// Authenticator maps bearer tokens to the ADMIN principal. Every RPC
// procedure requires it; there are no lesser roles.
type Authenticator struct {
	tokens map[string]struct{}
}

func NewAuthenticator(tokens []string) *Authenticator {
	set := make(map[string]struct{}, len(tokens))
	for _, t := range tokens {
		if t != "" {
			set[t] = struct{}{}
		}
	}
	return &Authenticator{tokens: set}
}

// Middleware rejects requests without a parseable bearer token with 401,
// and requests whose token is not an admin token with 403.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			respondRPCError(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing bearer token")
			return
		}
		if _, ok := a.tokens[token]; !ok {
			respondRPCError(w, http.StatusForbidden, "FORBIDDEN", "token is not authorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}
