package fetch_test

import (
	"net"
	"testing"
	"time"

	enc "github.com/named-data/ndnd/std/encoding"
	"github.com/named-data/ndnd/std/engine/basic"
	"github.com/named-data/ndnd/std/engine/face"
	"github.com/named-data/ndnd/std/ndn"
	spec "github.com/named-data/ndnd/std/ndn/spec_2022"
	sig "github.com/named-data/ndnd/std/security/signer"
	"github.com/named-data/ndnd/std/types/optional"
	"github.com/stretchr/testify/require"

	"github.com/named-data/dsu/internal/config"
	"github.com/named-data/dsu/internal/fetch"
	"github.com/named-data/dsu/internal/linktable"
	"github.com/named-data/dsu/internal/nameutil"
	"github.com/named-data/dsu/internal/pit"
	"github.com/named-data/dsu/internal/repochan"
)

// harness bundles a fully-wired fetch engine driven by the NDN stack's
// own dummy face/timer test fixtures, matching
// std/engine/basic/engine_test.go's idiom.
type harness struct {
	t      *testing.T
	face   *face.DummyFace
	engine *basic.Engine
	timer  *basic.DummyTimer
	fetch  *fetch.Engine
	pit    *pit.Table
	links  *linktable.Table
	cfg    config.Config

	writeRx      chan ndn.Data
	localCheckRx chan ndn.Data
}

// discardRepoListener accepts connections and decodes whatever Interests
// arrive, handing each to respond for a canned reply; it never replies
// on its own unless respond is non-nil. With echo set, it instead sends
// every received frame straight back, so the channel dialed to it
// decodes each Data it wrote.
func discardRepoListener(t *testing.T, name string, echo bool, respond func(reqName enc.Name) []byte) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })

	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			go func(conn net.Conn) {
				defer conn.Close()
				buf := make([]byte, 8800)
				for {
					n, err := conn.Read(buf)
					if err != nil {
						return
					}
					if echo {
						conn.Write(buf[:n])
						continue
					}
					if respond == nil {
						continue
					}
					view := enc.NewBufferView(buf[:n])
					for {
						start := view.Pos()
						interest, _, err := spec.Spec{}.ReadInterest(view)
						if err != nil || interest == nil {
							break
						}
						if reply := respond(interest.Name()); reply != nil {
							conn.Write(reply)
						}
						if view.Pos() <= start || view.Pos() >= n {
							break
						}
					}
				}
			}(conn)
		}
	}()
	return l.Addr().String()
}

func missData(t *testing.T, name enc.Name) []byte {
	t.Helper()
	data, err := spec.Spec{}.MakeData(name, &ndn.DataConfig{ContentType: optional.Some(ndn.ContentTypeBlob)}, nil, sig.NewSha256Signer())
	require.NoError(t, err)
	return data.Wire.Join()
}

func hitData(t *testing.T, name enc.Name, content []byte) []byte {
	t.Helper()
	data, err := spec.Spec{}.MakeData(name, &ndn.DataConfig{ContentType: optional.Some(ndn.ContentTypeBlob)}, enc.Wire{content}, sig.NewSha256Signer())
	require.NoError(t, err)
	return data.Wire.Join()
}

func newHarness(t *testing.T, localCheckRespond func(enc.Name) []byte) *harness {
	t.Helper()

	f := face.NewDummyFace()
	timer := basic.NewDummyTimer()
	eng := basic.NewEngine(f, timer)
	require.NoError(t, eng.Start())
	t.Cleanup(func() { eng.Stop() })

	writeAddr := discardRepoListener(t, "write", true, nil)
	confirmAddr := discardRepoListener(t, "confirm", false, nil)
	localCheckAddr := discardRepoListener(t, "local-check", false, localCheckRespond)

	h := &harness{t: t, face: f, engine: eng, timer: timer}

	writeChan, err := repochan.Dial("write", writeAddr, eng.Post, func(d ndn.Data) {
		if h.writeRx != nil {
			h.writeRx <- d
		}
		h.fetch.OnWriteChannelData(d)
	})
	require.NoError(t, err)
	confirmChan, err := repochan.Dial("confirm", confirmAddr, eng.Post, func(d ndn.Data) { h.fetch.OnConfirmChannelData(d) })
	require.NoError(t, err)
	localCheckChan, err := repochan.Dial("local-check", localCheckAddr, eng.Post, func(d ndn.Data) {
		if h.localCheckRx != nil {
			h.localCheckRx <- d
		}
		h.fetch.OnLocalCheckChannelData(d)
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		writeChan.Close()
		confirmChan.Close()
		localCheckChan.Close()
	})

	h.pit = pit.NewTable()
	h.links = linktable.New()
	h.cfg = config.Default()
	h.cfg.DeploymentPrefix = "/org/openmhealth"
	h.cfg.ProducerPrefix = "dsu"
	h.cfg.CatalogSuffix = "SAMPLE/fitness/physical_activity/time_location/catalog"
	h.cfg.ConfirmReplyPrefix = "/org/openmhealth/dsu/confirm-reply"
	h.cfg.InterestLifetime = 60 * time.Second
	h.cfg.RegisterAckFreshness = 10 * time.Second

	fe, err := fetch.NewEngine(eng, sig.NewSha256Signer(), writeChan, confirmChan, localCheckChan, h.pit, h.links, h.cfg, func() time.Time {
		return timer.Now()
	})
	require.NoError(t, err)
	h.fetch = fe

	require.NoError(t, eng.AttachHandler(fe.RegisterPrefix(), fe.HandleRegister))
	require.NoError(t, eng.AttachHandler(fe.ConfirmPrefix(), fe.HandleConfirm))

	return h
}

func mustName(t *testing.T, s string) enc.Name {
	t.Helper()
	n, err := enc.NameFromStr(s)
	require.NoError(t, err)
	return n
}

// TestOnRegisterIssuesCatalogInterest is scenario S1's register half:
// OnRegister emits the expected must-be-fresh catalog interest and
// installs exactly one PIT entry. The signed register-ack is sent by
// HandleRegister, which this test does not call.
func TestOnRegisterIssuesCatalogInterest(t *testing.T) {
	h := newHarness(t, nil)

	userID, err := enc.NameFromStr("/haitao")
	require.NoError(t, err)
	ts, err := nameutil.ParseISO("20170617T042400")
	require.NoError(t, err)

	h.fetch.OnRegister(userID[0], ts, nil)

	catalogName := mustName(t, "/org/openmhealth/haitao/SAMPLE/fitness/physical_activity/time_location/catalog/20170617T042400")
	require.True(t, h.pit.Has("haitao", catalogName))
	require.Equal(t, 1, h.pit.Len())

	buf, err := h.face.Consume()
	require.NoError(t, err)
	interest, _, err := spec.Spec{}.ReadInterest(enc.NewBufferView(buf))
	require.NoError(t, err)
	require.True(t, interest.Name().Equal(catalogName))
	require.True(t, interest.MustBeFresh())
}

// TestOnRegisterIsIdempotent covers the "duplicate register" boundary
// behavior: re-registering the same user replaces its PIT sub-map with
// a fresh single entry.
func TestOnRegisterIsIdempotent(t *testing.T) {
	h := newHarness(t, nil)

	userID, err := enc.NameFromStr("/haitao")
	require.NoError(t, err)
	ts1, _ := nameutil.ParseISO("20170617T042400")
	ts2, _ := nameutil.ParseISO("20170617T052400")

	h.fetch.OnRegister(userID[0], ts1, nil)
	_, _ = h.face.Consume()

	h.fetch.OnRegister(userID[0], ts2, nil)
	_, _ = h.face.Consume()

	require.Equal(t, 1, h.pit.Len())
	oldName := mustName(t, "/org/openmhealth/haitao/SAMPLE/fitness/physical_activity/time_location/catalog/20170617T042400")
	newName := mustName(t, "/org/openmhealth/haitao/SAMPLE/fitness/physical_activity/time_location/catalog/20170617T052400")
	require.False(t, h.pit.Has("haitao", oldName))
	require.True(t, h.pit.Has("haitao", newName))
}

// TestOnDataCatalogFanOut is scenario S1's fan-out half plus the N+2
// round-trip property: a catalog listing two names installs two
// data-point PIT entries and issues two local-check probes (C-KEY
// catalog, certificate), neither of which is a PIT entry itself until
// the local-check misses.
func TestOnDataCatalogFanOut(t *testing.T) {
	requested := make(chan enc.Name, 8)
	h := newHarness(t, func(n enc.Name) []byte {
		requested <- n
		return missData(t, n)
	})
	h.localCheckRx = make(chan ndn.Data, 8)
	h.writeRx = make(chan ndn.Data, 8)

	catalogName := mustName(t, "/org/openmhealth/haitao/SAMPLE/fitness/physical_activity/time_location/catalog/20170617T042400")
	h.pit.Insert("haitao", catalogName, nameutil.ClassDataCatalog)

	keyName := mustName(t, "/org/openmhealth/haitao/KEY/1")
	signer, err := sig.KeygenEd25519(keyName)
	require.NoError(t, err)

	data, err := spec.Spec{}.MakeData(catalogName,
		&ndn.DataConfig{ContentType: optional.Some(ndn.ContentTypeBlob)},
		enc.Wire{[]byte(`["name-A","name-B"]`)},
		signer)
	require.NoError(t, err)

	h.fetch.OnDataCatalog("haitao", data, data.Wire)

	require.False(t, h.pit.Has("haitao", catalogName))
	nameA := mustName(t, "name-A")
	nameB := mustName(t, "name-B")
	require.True(t, h.pit.Has("haitao", nameA))
	require.True(t, h.pit.Has("haitao", nameB))

	// N+2: 2 data points, and the C-KEY-catalog + certificate probes
	// resolve to PIT entries since the fake repo always reports miss.
	require.Eventually(t, func() bool { return h.pit.Len() == 4 }, time.Second, 5*time.Millisecond)
}

// TestLocalCheckHitSuppressesFetch is scenario S2: a local-check hit
// installs no PIT entry and issues no network interest.
func TestLocalCheckHitSuppressesFetch(t *testing.T) {
	h := newHarness(t, nil)

	name := mustName(t, "/org/openmhealth/haitao/C-KEY/catalog/20170617T040000")
	hit, err := spec.Spec{}.MakeData(name,
		&ndn.DataConfig{ContentType: optional.Some(ndn.ContentTypeBlob)},
		enc.Wire{[]byte("cached")},
		sig.NewSha256Signer())
	require.NoError(t, err)

	h.fetch.OnLocalCheckChannelData(hit)

	require.False(t, h.pit.Has("haitao", name))
	_, err = h.face.Consume()
	require.Error(t, err)
}

// TestRetryCapDropsAfterFourthTimeout is scenario S3: a capped class
// times out 4 times without Data and the PIT entry is removed after the
// 4th timeout, never re-issued a 5th time. This drives engine.onTimeout
// for real: a C-KEY catalog fans out a real C-KEY interest
// (std/engine/basic's own express/Timeout path, e.g.
// std/engine/basic/engine_test.go's TestInterestTimeout), and
// h.timer.MoveForward past each 60s lifetime fires the timeout.
func TestRetryCapDropsAfterFourthTimeout(t *testing.T) {
	h := newHarness(t, nil)

	ckeyCatalogName := mustName(t, "/org/openmhealth/haitao/C-KEY/catalog/20170617T040000")
	cKeyName := mustName(t, "/org/openmhealth/haitao/C-KEY/abc123")

	data, err := spec.Spec{}.MakeData(ckeyCatalogName,
		&ndn.DataConfig{ContentType: optional.Some(ndn.ContentTypeBlob)},
		enc.Wire{[]byte(`["/org/openmhealth/haitao/C-KEY/abc123"]`)},
		sig.NewSha256Signer())
	require.NoError(t, err)

	h.fetch.OnCKeyCatalog("haitao", data, data.Wire)
	require.True(t, h.pit.Has("haitao", cKeyName))

	buf, err := h.face.Consume()
	require.NoError(t, err)
	interest, _, err := spec.Spec{}.ReadInterest(enc.NewBufferView(buf))
	require.NoError(t, err)
	require.True(t, interest.Name().Equal(cKeyName))

	// Three timeouts bump the retry counter and re-issue the interest.
	for i := 0; i < 3; i++ {
		h.timer.MoveForward(61 * time.Second)

		require.True(t, h.pit.Has("haitao", cKeyName))
		entry, ok := h.pit.Get("haitao", cKeyName)
		require.True(t, ok)
		require.Equal(t, i+1, entry.RetryCount)

		buf, err := h.face.Consume()
		require.NoError(t, err)
		interest, _, err := spec.Spec{}.ReadInterest(enc.NewBufferView(buf))
		require.NoError(t, err)
		require.True(t, interest.Name().Equal(cKeyName))
	}

	// The 4th timeout, at RetryCount==3, drops the entry instead of
	// re-issuing a 5th interest.
	h.timer.MoveForward(61 * time.Second)
	require.False(t, h.pit.Has("haitao", cKeyName))
	_, err = h.face.Consume()
	require.Error(t, err)
}

// TestOnLeafDataRemovesPitEntryAndArchives is the no-fan-out leaf path
// (data points, C/E/D-keys, certificates).
func TestOnLeafDataRemovesPitEntryAndArchives(t *testing.T) {
	h := newHarness(t, nil)
	h.writeRx = make(chan ndn.Data, 1)

	name := mustName(t, "/org/openmhealth/haitao/time_location/name-A")
	h.pit.Insert("haitao", name, nameutil.ClassDataPoint)

	data, err := spec.Spec{}.MakeData(name, &ndn.DataConfig{ContentType: optional.Some(ndn.ContentTypeBlob)}, enc.Wire{[]byte("x")}, sig.NewSha256Signer())
	require.NoError(t, err)

	h.fetch.OnLeafData("haitao", data, data.Wire)
	require.False(t, h.pit.Has("haitao", name))

	require.Eventually(t, func() bool {
		select {
		case got := <-h.writeRx:
			return got.Name().Equal(name)
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)
}

// TestMalformedCatalogArchivesWithoutFanOut is scenario S6.
func TestMalformedCatalogArchivesWithoutFanOut(t *testing.T) {
	h := newHarness(t, nil)
	h.writeRx = make(chan ndn.Data, 1)

	name := mustName(t, "/org/openmhealth/haitao/SAMPLE/fitness/physical_activity/time_location/catalog/20170617T042400")
	h.pit.Insert("haitao", name, nameutil.ClassDataCatalog)

	data, err := spec.Spec{}.MakeData(name, &ndn.DataConfig{ContentType: optional.Some(ndn.ContentTypeBlob)}, enc.Wire{[]byte("not json")}, sig.NewSha256Signer())
	require.NoError(t, err)

	h.fetch.OnDataCatalog("haitao", data, data.Wire)

	require.False(t, h.pit.Has("haitao", name))
	require.Eventually(t, func() bool {
		select {
		case got := <-h.writeRx:
			return got.Name().Equal(name)
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)
}
