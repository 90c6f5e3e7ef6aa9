package server

import (
	"strings"
)

// ownershipToken picks the token a viewer presented: the ownership_token
// query parameter wins, then an Authorization bearer header. Malformed
// headers count as no token.
func ownershipToken(query, authz string) string {
	if tok := strings.TrimSpace(query); tok != "" {
		return tok
	}
	if tok, ok := bearerToken(authz); ok {
		return tok
	}
	return ""
}

func bearerToken(authz string) (string, bool) {
	parts := strings.Fields(authz)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", false
	}
	return parts[1], true
}
