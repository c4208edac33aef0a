package nameutil

import (
	enc "github.com/named-data/ndnd/std/encoding"
)

// ObjectClass is the kind of object an interest is expected to fetch,
// or an inbound Data was found to be. It drives retry policy and
// fan-out behavior in the fetch engine.
type ObjectClass int

const (
	ClassUnknown ObjectClass = iota
	ClassDataCatalog
	ClassDataPoint
	ClassCKeyCatalog
	ClassCKey
	ClassEKey
	ClassDKey
	ClassDKeyCatalog
	ClassCertificate
)

// String renders the class for logging.
func (c ObjectClass) String() string {
	switch c {
	case ClassDataCatalog:
		return "data-catalog"
	case ClassDataPoint:
		return "data-point"
	case ClassCKeyCatalog:
		return "ckey-catalog"
	case ClassCKey:
		return "ckey"
	case ClassEKey:
		return "ekey"
	case ClassDKey:
		return "dkey"
	case ClassDKeyCatalog:
		return "dkey-catalog"
	case ClassCertificate:
		return "certificate"
	default:
		return "unknown"
	}
}

// Unbounded reports whether a class has no retry cap (only data
// catalogs: the producer is expected to eventually publish one, so the
// engine never gives up waiting).
func (c ObjectClass) Unbounded() bool {
	return c == ClassDataCatalog
}

// Classify does a best-effort, name-shape-only classification of a
// persisted PIT entry that carries no class tag (interests issued in
// this process's lifetime always carry one; see fetch.Engine). It is a
// fallback, not the primary dispatch mechanism — see spec Design Notes
// on tagging interests with their expected class at emission. The
// fetch engine also falls back to it for a local-check reply whose name
// matches no outstanding probe.
//
// This fixes the known defect in the source deployment, which tested
// the substring "EKEY" twice instead of testing "DKEY" and "catalog"
// independently, leaving the D-KEY-catalog branch unreachable.
func Classify(name enc.Name) ObjectClass {
	hasCKey := HasComponent(name, "C-KEY")
	hasDKey := HasComponent(name, "D-KEY")
	hasEKey := HasComponent(name, "E-KEY")
	hasCatalog := HasComponent(name, "catalog")

	switch {
	case hasCKey && hasCatalog:
		return ClassCKeyCatalog
	case hasDKey && hasCatalog:
		return ClassDKeyCatalog
	case hasCatalog:
		return ClassDataCatalog
	case hasCKey:
		return ClassCKey
	case hasEKey:
		return ClassEKey
	case hasDKey:
		return ClassDKey
	default:
		// Ambiguous: certificates and plain data points both land here
		// from name shape alone. Default to leaf-data, per spec.
		return ClassDataPoint
	}
}
