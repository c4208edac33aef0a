// Package pit implements the fetch engine's pending-interest table: a
// two-level mapping of user-id to (interest-name to outstanding-entry).
// The table is mutated exclusively from the single-threaded event loop
// (see SPEC_FULL.md §5), so unlike the upstream forwarding engine's own
// PIT it needs no locks of its own.
package pit

import (
	enc "github.com/named-data/ndnd/std/encoding"

	"github.com/named-data/dsu/internal/nameutil"
)

// Entry is one outstanding interest: how many times it has been
// re-issued, and the object class it was tagged with at emission (or,
// for entries reloaded from disk, reconstructed by nameutil.Classify).
type Entry struct {
	RetryCount int
	Class      nameutil.ObjectClass
}

// userTable is one user's outstanding interests, keyed by the
// interest's canonical name string.
type userTable map[string]*Entry

// Table is the full two-level PIT.
type Table struct {
	users map[string]userTable
}

// NewTable returns an empty PIT.
func NewTable() *Table {
	return &Table{users: make(map[string]userTable)}
}

// ensureUser returns (creating if absent) the sub-table for userID.
func (t *Table) ensureUser(userID string) userTable {
	u, ok := t.users[userID]
	if !ok {
		u = make(userTable)
		t.users[userID] = u
	}
	return u
}

// Insert installs a new entry for (userID, name) with the given class
// and retry count 0. If an entry for that name already exists it is
// left untouched and Insert reports false — the no-op de-duplication
// spec.md §3 requires on the repo-miss path.
func (t *Table) Insert(userID string, name enc.Name, class nameutil.ObjectClass) bool {
	u := t.ensureUser(userID)
	key := name.String()
	if _, exists := u[key]; exists {
		return false
	}
	u[key] = &Entry{RetryCount: 0, Class: class}
	return true
}

// Has reports whether (userID, name) is already outstanding.
func (t *Table) Has(userID string, name enc.Name) bool {
	u, ok := t.users[userID]
	if !ok {
		return false
	}
	_, ok = u[name.String()]
	return ok
}

// Get returns the entry for (userID, name), if any.
func (t *Table) Get(userID string, name enc.Name) (*Entry, bool) {
	u, ok := t.users[userID]
	if !ok {
		return nil, false
	}
	e, ok := u[name.String()]
	return e, ok
}

// Remove deletes the entry for (userID, name), returning it if present.
// An empty user sub-table is pruned so Users() doesn't accumulate dead
// entries across a long-running process.
func (t *Table) Remove(userID string, name enc.Name) (*Entry, bool) {
	u, ok := t.users[userID]
	if !ok {
		return nil, false
	}
	key := name.String()
	e, ok := u[key]
	if !ok {
		return nil, false
	}
	delete(u, key)
	if len(u) == 0 {
		delete(t.users, userID)
	}
	return e, true
}

// Bump increments the retry count for (userID, name) and returns the
// new value, or false if no such entry exists (a late timeout race,
// see spec §7).
func (t *Table) Bump(userID string, name enc.Name) (int, bool) {
	u, ok := t.users[userID]
	if !ok {
		return 0, false
	}
	e, ok := u[name.String()]
	if !ok {
		return 0, false
	}
	e.RetryCount++
	return e.RetryCount, true
}

// ResetUser replaces userID's entire sub-table with a single fresh
// entry, implementing on_register's idempotent re-registration
// semantics: "replaces the user's PIT sub-map with a fresh entry
// containing only the new catalog interest" (spec §8, boundary
// behaviors).
func (t *Table) ResetUser(userID string, name enc.Name, class nameutil.ObjectClass) {
	u := make(userTable, 1)
	u[name.String()] = &Entry{RetryCount: 0, Class: class}
	t.users[userID] = u
}

// Names returns the outstanding interest names for a user, in
// unspecified order — used by the state store to flatten the table.
func (t *Table) Names(userID string) []enc.Name {
	u, ok := t.users[userID]
	if !ok {
		return nil
	}
	out := make([]enc.Name, 0, len(u))
	for k := range u {
		n, err := enc.NameFromStr(k)
		if err != nil {
			continue
		}
		out = append(out, n)
	}
	return out
}

// Users returns the set of user-ids with at least one outstanding
// interest.
func (t *Table) Users() []string {
	out := make([]string, 0, len(t.users))
	for u := range t.users {
		out = append(out, u)
	}
	return out
}

// Len returns the total number of outstanding interests across all
// users, mainly for tests and logging.
func (t *Table) Len() int {
	n := 0
	for _, u := range t.users {
		n += len(u)
	}
	return n
}
