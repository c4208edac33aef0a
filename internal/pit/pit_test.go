package pit_test

import (
	"testing"

	enc "github.com/named-data/ndnd/std/encoding"
	"github.com/stretchr/testify/require"

	"github.com/named-data/dsu/internal/nameutil"
	"github.com/named-data/dsu/internal/pit"
)

func mustName(t *testing.T, s string) enc.Name {
	t.Helper()
	n, err := enc.NameFromStr(s)
	require.NoError(t, err)
	return n
}

func TestInsertIsIdempotent(t *testing.T) {
	table := pit.NewTable()
	n := mustName(t, "/org/openmhealth/haitao/C-KEY/catalog/20170617T040000")

	require.True(t, table.Insert("haitao", n, nameutil.ClassCKeyCatalog))
	require.False(t, table.Insert("haitao", n, nameutil.ClassCKeyCatalog))
	require.Equal(t, 1, table.Len())
}

func TestBumpAndRemove(t *testing.T) {
	table := pit.NewTable()
	n := mustName(t, "/org/openmhealth/haitao/C-KEY/abc")
	table.Insert("haitao", n, nameutil.ClassCKey)

	count, ok := table.Bump("haitao", n)
	require.True(t, ok)
	require.Equal(t, 1, count)

	_, ok = table.Bump("haitao", mustName(t, "/no/such/name"))
	require.False(t, ok)

	entry, ok := table.Remove("haitao", n)
	require.True(t, ok)
	require.Equal(t, 1, entry.RetryCount)
	require.Equal(t, 0, table.Len())

	_, ok = table.Remove("haitao", n)
	require.False(t, ok)
}

func TestResetUserReplacesSubMap(t *testing.T) {
	table := pit.NewTable()
	old1 := mustName(t, "/org/openmhealth/haitao/time_location/name-A")
	old2 := mustName(t, "/org/openmhealth/haitao/time_location/name-B")
	table.Insert("haitao", old1, nameutil.ClassDataPoint)
	table.Insert("haitao", old2, nameutil.ClassDataPoint)
	require.Equal(t, 2, table.Len())

	fresh := mustName(t, "/org/openmhealth/haitao/catalog/20170617T050000")
	table.ResetUser("haitao", fresh, nameutil.ClassDataCatalog)

	require.Equal(t, 1, table.Len())
	require.False(t, table.Has("haitao", old1))
	require.True(t, table.Has("haitao", fresh))
}

func TestNamesRoundTrip(t *testing.T) {
	table := pit.NewTable()
	n := mustName(t, "/org/openmhealth/haitao/catalog/20170617T042400")
	table.Insert("haitao", n, nameutil.ClassDataCatalog)

	names := table.Names("haitao")
	require.Len(t, names, 1)
	require.True(t, names[0].Equal(n))
}
