// Package linktable holds the in-memory, per-user forwarding-hint
// table. It is never persisted (spec §3, "Lifecycle": "The link table
// is in-memory only") — a restart simply forgets it until the producer
// sends a fresh register interest carrying a link suffix.
package linktable

import (
	enc "github.com/named-data/ndnd/std/encoding"
)

// Table maps user-id to the forwarding hint most recently supplied by
// that user's register interest.
type Table struct {
	hints map[string][]enc.Name
}

// New returns an empty link table.
func New() *Table {
	return &Table{hints: make(map[string][]enc.Name)}
}

// Set records the forwarding hint for a user, replacing any prior one.
func (t *Table) Set(userID string, hint []enc.Name) {
	t.hints[userID] = hint
}

// Get returns the forwarding hint for a user, or nil if none is known.
// A nil/empty result means "attach no forwarding hint".
func (t *Table) Get(userID string) []enc.Name {
	return t.hints[userID]
}
