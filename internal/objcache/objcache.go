// Package objcache implements the DSU's own small, non-authoritative
// object cache: it exists only to avoid hammering the repo's write
// channel with an object it was very likely just told about, and
// optionally to hold the DSU's own signing certificate durably. It is
// adapted from the upstream stack's Badger-backed ndn.Store
// (std/object/storage/store_badger.go) but is deliberately narrower:
// no prefix queries, no transactions — the fetch engine never treats a
// cache hit as authoritative, so none of that machinery is needed here.
package objcache

import (
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	enc "github.com/named-data/ndnd/std/encoding"
)

// pushedTTL bounds how long a "recently pushed" marker is trusted
// before the cache forgets it and lets the normal write path run again.
const pushedTTL = 5 * time.Minute

// Cache is the object/cert cache. A zero Cache is not usable; use New.
type Cache struct {
	db *badger.DB // nil if running in-memory

	mu     sync.Mutex
	pushed map[string]time.Time // in-memory fallback for WasPushed
	certs  map[string][]byte    // in-memory fallback for certs
}

// New opens a Badger-backed cache at dir, or, if dir is empty, returns
// an in-memory cache with identical semantics (minus durability across
// restarts) — the config knob SPEC_FULL.md §4.7 describes as optional.
func New(dir string) (*Cache, error) {
	c := &Cache{
		pushed: make(map[string]time.Time),
		certs:  make(map[string][]byte),
	}
	if dir == "" {
		return c, nil
	}
	db, err := badger.Open(badger.DefaultOptions(dir))
	if err != nil {
		return nil, err
	}
	c.db = db
	return c, nil
}

// Close releases the underlying Badger database, if any.
func (c *Cache) Close() error {
	if c.db == nil {
		return nil
	}
	return c.db.Close()
}

func pushedKey(name enc.Name) []byte {
	return append([]byte("pushed/"), name.BytesInner()...)
}

// MarkPushed records that name was just written to the repo, so a
// subsequent write attempt for the same name within pushedTTL can be
// skipped as a fast-path optimization.
func (c *Cache) MarkPushed(name enc.Name) {
	if c.db == nil {
		c.mu.Lock()
		c.pushed[name.String()] = time.Now().Add(pushedTTL)
		c.mu.Unlock()
		return
	}
	_ = c.db.Update(func(txn *badger.Txn) error {
		e := badger.NewEntry(pushedKey(name), []byte{1}).WithTTL(pushedTTL)
		return txn.SetEntry(e)
	})
}

// WasPushed reports whether name was marked pushed within the last
// pushedTTL. This is never authoritative: a false result simply means
// "take the normal path", and the repo's own local-check/confirm
// responses remain the only source of truth for whether an object is
// durably stored.
func (c *Cache) WasPushed(name enc.Name) bool {
	if c.db == nil {
		c.mu.Lock()
		defer c.mu.Unlock()
		exp, ok := c.pushed[name.String()]
		if !ok {
			return false
		}
		if time.Now().After(exp) {
			delete(c.pushed, name.String())
			return false
		}
		return true
	}

	found := false
	_ = c.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(pushedKey(name))
		found = err == nil
		return nil
	})
	return found
}

func certKey(name enc.Name) []byte {
	return append([]byte("cert/"), name.BytesInner()...)
}

// PutCert durably stores the DSU's own signing certificate, keyed by
// its name.
func (c *Cache) PutCert(name enc.Name, wire []byte) error {
	if c.db == nil {
		c.mu.Lock()
		c.certs[name.String()] = wire
		c.mu.Unlock()
		return nil
	}
	return c.db.Update(func(txn *badger.Txn) error {
		return txn.Set(certKey(name), wire)
	})
}

// GetCert retrieves a previously stored certificate, if any.
func (c *Cache) GetCert(name enc.Name) ([]byte, bool) {
	if c.db == nil {
		c.mu.Lock()
		defer c.mu.Unlock()
		wire, ok := c.certs[name.String()]
		return wire, ok
	}

	var wire []byte
	found := false
	_ = c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(certKey(name))
		if err != nil {
			return nil
		}
		wire, err = item.ValueCopy(nil)
		found = err == nil
		return err
	})
	return wire, found
}
