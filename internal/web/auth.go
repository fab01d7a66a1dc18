package web

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"sync"
)

// tokenTable resolves bearer tokens to user ids.
type tokenTable struct {
	mu    sync.RWMutex
	users map[string]string
	admin string
}

func newTokenTable(users map[string]string, admin string) *tokenTable {
	t := &tokenTable{admin: strings.TrimSpace(admin)}
	t.setUsers(users)
	return t
}

func (t *tokenTable) setUsers(users map[string]string) {
	next := make(map[string]string, len(users))
	for token, userID := range users {
		token = strings.TrimSpace(token)
		if token == "" || userID == "" {
			continue
		}
		next[token] = userID
	}
	t.mu.Lock()
	t.users = next
	t.mu.Unlock()
}

// lookup compares against every entry so timing does not reveal how many
// tokens share a prefix.
func (t *tokenTable) lookup(token string) (string, bool) {
	if token == "" {
		return "", false
	}
	t.mu.RLock()
	defer t.mu.RUnlock()

	userID := ""
	for known, id := range t.users {
		if secureEqual(token, known) {
			userID = id
		}
	}
	return userID, userID != ""
}

func (t *tokenTable) isAdmin(token string) bool {
	return t.admin != "" && token != "" && secureEqual(token, t.admin)
}

// authenticate returns the user the request's token belongs to.
func (s *Server) authenticate(r *http.Request) (string, bool) {
	return s.auth.lookup(requestToken(r))
}

func (s *Server) authorizeAdmin(r *http.Request) bool {
	return s.auth.isAdmin(requestToken(r))
}

// requestToken reads ?token= (browsers cannot set headers on websocket
// upgrades) and falls back to the Authorization header.
func requestToken(r *http.Request) string {
	if token := strings.TrimSpace(r.URL.Query().Get("token")); token != "" {
		return token
	}
	return bearerToken(r.Header.Get("Authorization"))
}

func bearerToken(authHeader string) string {
	authHeader = strings.TrimSpace(authHeader)
	const bearerPrefix = "Bearer "
	if !strings.HasPrefix(authHeader, bearerPrefix) {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(authHeader, bearerPrefix))
}

func secureEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
