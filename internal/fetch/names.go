package fetch

import (
	"fmt"
	"time"

	enc "github.com/named-data/ndnd/std/encoding"

	"github.com/named-data/dsu/internal/nameutil"
)

// catalogName builds <deployment-prefix>/<user-id>/<catalog-suffix>/<timestamp>,
// the name on_register issues an interest for (spec.md §4.2).
func (e *Engine) catalogName(userID string, ts time.Time) enc.Name {
	name := make(enc.Name, 0, len(e.deploymentPrefix)+len(e.catalogSuffix)+2)
	name = append(name, e.deploymentPrefix...)
	name = append(name, enc.NewGenericComponent(userID))
	name = append(name, e.catalogSuffix...)
	name = append(name, nameutil.TimestampComponent(ts))
	return name
}

// ckeyCatalogName derives …/C-KEY/catalog/<isoHour> from the name of the
// data catalog that referenced it, per on_data_catalog's "derives the
// containing hour from the catalog's trailing ISO timestamp".
func ckeyCatalogName(dataCatalogName enc.Name, hour time.Time) (enc.Name, error) {
	if len(dataCatalogName) < 2 {
		return nil, fmt.Errorf("fetch: data catalog name %s too short", dataCatalogName)
	}
	base := dataCatalogName[:len(dataCatalogName)-2] // drop "catalog", "<timestamp>"
	name := make(enc.Name, 0, len(base)+3)
	name = append(name, base...)
	name = append(name, enc.NewGenericComponent("C-KEY"), enc.NewGenericComponent("catalog"), nameutil.TimestampComponent(hour))
	return name, nil
}

// eKeyName computes the E-KEY name for a C-KEY name by swapping the
// C-KEY component for E-KEY, per on_ckey_catalog step (2).
func eKeyName(cKeyName enc.Name) (enc.Name, error) {
	return nameutil.ReplaceComponent(cKeyName, "C-KEY", "E-KEY")
}

// dKeyCatalogName computes the D-KEY-catalog name from an E-KEY name by
// string-replacing E-KEY with D-KEY/catalog, per on_ckey_catalog step (3).
func dKeyCatalogName(eKeyName enc.Name) (enc.Name, error) {
	return nameutil.ReplaceComponent(eKeyName, "E-KEY", "D-KEY", "catalog")
}

// trailingTimestamp parses the final component of a data catalog's name
// as an ISO-8601 timestamp.
func trailingTimestamp(name enc.Name) (time.Time, error) {
	if len(name) == 0 {
		return time.Time{}, fmt.Errorf("nameutil: empty name has no trailing timestamp")
	}
	return nameutil.ParseISO(name[len(name)-1].String())
}
