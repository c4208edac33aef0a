// Package statestore persists the fetch engine's pending-interest
// table to, and reloads it from, a tab-delimited flat file — the exact
// on-disk format of the original deployment's mapToFile/fileToMap
// (see original_source/src/helper.cpp): one line per user, first field
// the user-id, remaining fields the outstanding interest names. Retry
// counts and class tags are never persisted; they reset to 0 and are
// reconstructed with nameutil.Classify on reload (spec.md §4.4).
package statestore

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	enc "github.com/named-data/ndnd/std/encoding"

	"github.com/named-data/dsu/internal/nameutil"
	"github.com/named-data/dsu/internal/pit"
)

// Save flattens table to path, one line per user. It overwrites any
// existing file.
func Save(path string, table *pit.Table) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("statestore: create %s: %w", path, err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	for _, userID := range table.Users() {
		fields := []string{userID}
		for _, name := range table.Names(userID) {
			fields = append(fields, name.String())
		}
		if _, err := w.WriteString(strings.Join(fields, "\t") + "\n"); err != nil {
			return fmt.Errorf("statestore: write %s: %w", path, err)
		}
	}
	return w.Flush()
}

// Load reads path back into a fresh PIT. A missing file is not an
// error — it yields an empty table, per spec.md §4.4's "parsed
// tolerantly (missing file → empty PIT)". Lines or fields that fail to
// parse as names are skipped rather than aborting the whole load, for
// the same tolerance.
func Load(path string) (*pit.Table, error) {
	table := pit.NewTable()

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return table, nil
		}
		return table, fmt.Errorf("statestore: open %s: %w", path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		fields := strings.Split(line, "\t")
		userID := fields[0]
		for _, raw := range fields[1:] {
			name, err := enc.NameFromStr(raw)
			if err != nil {
				continue
			}
			table.Insert(userID, name, nameutil.Classify(name))
		}
	}
	if err := scanner.Err(); err != nil {
		return table, fmt.Errorf("statestore: scan %s: %w", path, err)
	}
	return table, nil
}
