// Package authstore provides credential lookup for the RAKP handshake.
// Grounded on config.IPDB's mutex-guarded map shape from the teacher repo,
// minus the disk persistence IPDB had — spec §3 says the server carries no
// persisted state between restarts.
package authstore

import "sync"

// AuthStore maps a username to its password bytes. A miss (ok == false)
// causes RAKP1 processing to silently drop the handshake (spec §4.4.2) —
// unknown usernames and wrong passwords must be indistinguishable to a
// client, so this interface has no way to report "wrong password"
// separately from "no such user".
type AuthStore interface {
	Get(username string) (password []byte, ok bool)
}

// Static is a fixed, in-memory AuthStore safe for concurrent use by the
// receive loop and any administrative goroutine that adds users.
type Static struct {
	mu    sync.RWMutex
	users map[string][]byte
}

// NewStatic creates a Static store pre-populated from users (username to
// plaintext password); callers typically build this from configuration.
func NewStatic(users map[string]string) *Static {
	s := &Static{users: make(map[string][]byte, len(users))}
	for u, p := range users {
		s.users[u] = []byte(p)
	}
	return s
}

func (s *Static) Get(username string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.users[username]
	if !ok {
		return nil, false
	}
	out := make([]byte, len(p))
	copy(out, p)
	return out, true
}

// Set adds or replaces a user's password.
func (s *Static) Set(username, password string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[username] = []byte(password)
}

// Delete removes a user, if present.
func (s *Static) Delete(username string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.users, username)
}
