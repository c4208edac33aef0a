package repochan_test

import (
	"net"
	"sync"
	"testing"
	"time"

	enc "github.com/named-data/ndnd/std/encoding"
	"github.com/named-data/ndnd/std/ndn"
	spec "github.com/named-data/ndnd/std/ndn/spec_2022"
	sig "github.com/named-data/ndnd/std/security/signer"
	"github.com/named-data/ndnd/std/types/optional"
	"github.com/stretchr/testify/require"

	"github.com/named-data/dsu/internal/repochan"
)

// synchronousPost runs tasks immediately in the calling goroutine,
// standing in for Engine.Post in tests that don't need a real event
// loop.
func synchronousPost(f func()) { f() }

func listenLoopback(t *testing.T) net.Listener {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func makeData(t *testing.T, name string) []byte {
	t.Helper()
	n, err := enc.NameFromStr(name)
	require.NoError(t, err)
	data, err := spec.Spec{}.MakeData(n,
		&ndn.DataConfig{ContentType: optional.Some(ndn.ContentTypeBlob)},
		enc.Wire{[]byte("hello")},
		sig.NewSha256Signer(),
	)
	require.NoError(t, err)
	return data.Wire.Join()
}

func TestChannelDecodesDataFromRollingBuffer(t *testing.T) {
	l := listenLoopback(t)

	var mu sync.Mutex
	var got []string
	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		accepted <- conn
	}()

	c, err := repochan.Dial("write", l.Addr().String(), synchronousPost, func(d ndn.Data) {
		mu.Lock()
		got = append(got, d.Name().String())
		mu.Unlock()
	})
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })

	conn := <-accepted
	defer conn.Close()

	wire := makeData(t, "/org/openmhealth/haitao/time_location/name-A")

	// Write the packet split across two short writes to exercise the
	// rolling-buffer "incomplete element" path.
	half := len(wire) / 2
	_, err = conn.Write(wire[:half])
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)
	_, err = conn.Write(wire[half:])
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	require.Equal(t, "/org/openmhealth/haitao/time_location/name-A", got[0])
	mu.Unlock()
}

func TestChannelSendIsOrdered(t *testing.T) {
	l := listenLoopback(t)

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		accepted <- conn
	}()

	c, err := repochan.Dial("confirm", l.Addr().String(), synchronousPost, nil)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })

	conn := <-accepted
	defer conn.Close()

	w1 := makeData(t, "/org/openmhealth/haitao/name-A")
	w2 := makeData(t, "/org/openmhealth/haitao/name-B")

	c.Send(enc.Wire{w1})
	c.Send(enc.Wire{w2})

	buf := make([]byte, len(w1)+len(w2))
	_, err = readFull(conn, buf)
	require.NoError(t, err)
	require.Equal(t, append(append([]byte{}, w1...), w2...), buf)
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	conn.SetReadDeadline(time.Now().Add(time.Second))
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
