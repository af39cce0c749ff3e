package session

import (
	"net"
	"sync"
	"time"
)

// tableKey is the (peer_addr, bmc_port) tuple spec §3 keys sessions by.
// net.Addr implementations for UDP stringify host and port together, so a
// string form of the peer address already captures both.
type tableKey string

func keyFor(peer net.Addr) tableKey {
	return tableKey(peer.String())
}

// Table maps a client tuple to its Session, enforcing that each tuple has
// at most one live session (spec §3: "a new Open Session Request from the
// same tuple replaces the previous session"). Touched only from the
// receive-loop goroutine except for Sweep, which a host may call from a
// separate ticker goroutine; both paths take mu.
type Table struct {
	mu       sync.Mutex
	sessions map[tableKey]*Session
}

func newTable() *Table {
	return &Table{sessions: make(map[tableKey]*Session)}
}

// Lookup returns the live session for peer, if any.
func (t *Table) Lookup(peer net.Addr) (*Session, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sessions[keyFor(peer)]
	return s, ok
}

// Put installs a new session for peer, closing and replacing whatever
// session previously occupied that tuple. It reports whether an existing
// session was replaced, so a caller can emit EventSessionReplaced.
func (t *Table) Put(s *Session) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	k := keyFor(s.Peer)
	prev, replaced := t.sessions[k]
	if replaced && prev != s {
		prev.Close()
	}
	t.sessions[k] = s
	return replaced
}

// Remove drops peer's session from the table, if present.
func (t *Table) Remove(peer net.Addr) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.sessions, keyFor(peer))
}

// Sweep removes every session whose last activity is older than timeout,
// and every session already Broken or Closed, returning the removed
// sessions so a caller can emit ProtocolEvents for them. Grounded on
// spec §5's "eligible for removal when now - last_seen > 60s" rule, made
// the configurable inactivity_timeout per SPEC_FULL §9.
func (t *Table) Sweep(now time.Time, timeout time.Duration) []*Session {
	t.mu.Lock()
	defer t.mu.Unlock()

	var removed []*Session
	for k, s := range t.sessions {
		if s.state == Broken || s.state == Closed || now.Sub(s.LastSeen) > timeout {
			removed = append(removed, s)
			delete(t.sessions, k)
		}
	}
	return removed
}

// Len reports the number of live sessions, for the active-session-count
// gauge.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sessions)
}
