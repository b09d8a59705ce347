package chat

import (
	"slices"
	"sync"

	"relaychat/internal/app/user"
)

// Entry is the presence record of one online participant.
type Entry struct {
	Session *Session
	Role    user.Role
}

// Directory maps online identities to their current session. All access goes through a
// single mutex; one identity has at most one entry and a newer registration replaces the
// older one.
type Directory struct {
	mu      sync.RWMutex
	entries map[string]Entry
	handles map[*Session]string
}

func NewDirectory() *Directory {
	return &Directory{
		entries: make(map[string]Entry),
		handles: make(map[*Session]string),
	}
}

// Register inserts or replaces the entry for identity and returns the superseded session, if any.
func (d *Directory) Register(identity string, role user.Role, s *Session) *Session {
	d.mu.Lock()
	defer d.mu.Unlock()

	var prev *Session
	if old, ok := d.entries[identity]; ok {
		prev = old.Session
		delete(d.handles, prev)
	}

	// the same session re-registering under a new identity drops its old entry
	if oldIdentity, ok := d.handles[s]; ok && oldIdentity != identity {
		delete(d.entries, oldIdentity)
	}

	d.entries[identity] = Entry{Session: s, Role: role}
	d.handles[s] = identity

	if prev == s {
		return nil
	}
	return prev
}

// Unregister removes the entry owned by s. It is a no-op when s was never registered or has
// been superseded.
func (d *Directory) Unregister(s *Session) (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	identity, ok := d.handles[s]
	if !ok {
		return "", false
	}

	delete(d.handles, s)
	delete(d.entries, identity)
	return identity, true
}

func (d *Directory) Lookup(identity string) (Entry, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	e, ok := d.entries[identity]
	return e, ok
}

// ListActive returns the sorted identities currently online with the given role.
func (d *Directory) ListActive(role user.Role) []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	return d.listActiveLocked(role)
}

func (d *Directory) listActiveLocked(role user.Role) []string {
	active := []string{}
	for identity, e := range d.entries {
		if e.Role == role {
			active = append(active, identity)
		}
	}
	slices.Sort(active)
	return active
}

// Snapshot returns, in one critical section, the active identities for each role together
// with every registered session.
func (d *Directory) Snapshot(roles []user.Role) (map[user.Role][]string, []*Session) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	active := make(map[user.Role][]string, len(roles))
	for _, r := range roles {
		active[r] = d.listActiveLocked(r)
	}

	sessions := make([]*Session, 0, len(d.handles))
	for s := range d.handles {
		sessions = append(sessions, s)
	}
	return active, sessions
}

func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()

	return len(d.entries)
}

// Clear empties the directory and returns the sessions it held.
func (d *Directory) Clear() []*Session {
	d.mu.Lock()
	defer d.mu.Unlock()

	sessions := make([]*Session, 0, len(d.handles))
	for s := range d.handles {
		sessions = append(sessions, s)
	}
	d.entries = make(map[string]Entry)
	d.handles = make(map[*Session]string)
	return sessions
}
