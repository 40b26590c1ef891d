package tracker

import (
	"context"
	"encoding/binary"
	"math/rand"
	"net"
	"net/url"
	"testing"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwodder/demagnetize/internal/shared/models"
)

// fakeUDPTracker answers BEP 15 connect and announce requests on loopback.
type fakeUDPTracker struct {
	t        *testing.T
	conn     net.PacketConn
	connID   uint64
	peers    []byte
	connects chan struct{}
	urlData  chan string
}

func newFakeUDPTracker(t *testing.T, peers []byte) *fakeUDPTracker {
	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	f := &fakeUDPTracker{
		t:        t,
		conn:     conn,
		connID:   0x1122334455667788,
		peers:    peers,
		connects: make(chan struct{}, 16),
		urlData:  make(chan string, 16),
	}
	go f.serve()
	t.Cleanup(func() { conn.Close() })
	return f
}

func (f *fakeUDPTracker) port() string {
	_, port, _ := net.SplitHostPort(f.conn.LocalAddr().String())
	return port
}

func (f *fakeUDPTracker) announceURL(pathQuery string) string {
	return "udp://127.0.0.1:" + f.port() + pathQuery
}

func (f *fakeUDPTracker) serve() {
	buf := make([]byte, 4096)
	for {
		n, addr, err := f.conn.ReadFrom(buf)
		if err != nil {
			return
		}
		pkt := buf[:n]
		if n < 16 {
			continue
		}
		action := binary.BigEndian.Uint32(pkt[8:12])
		txID := binary.BigEndian.Uint32(pkt[12:16])
		switch action {
		case actionConnect:
			f.connects <- struct{}{}
			resp := make([]byte, 16)
			binary.BigEndian.PutUint32(resp[0:4], actionConnect)
			binary.BigEndian.PutUint32(resp[4:8], txID)
			binary.BigEndian.PutUint64(resp[8:16], f.connID)
			f.conn.WriteTo(resp, addr)
		case actionAnnounce:
			if n >= 98 {
				f.urlData <- decodeURLData(pkt[98:n])
			}
			resp := make([]byte, 20+len(f.peers))
			binary.BigEndian.PutUint32(resp[0:4], actionAnnounce)
			binary.BigEndian.PutUint32(resp[4:8], txID)
			binary.BigEndian.PutUint32(resp[8:12], 1800)
			binary.BigEndian.PutUint32(resp[12:16], 3) // leechers
			binary.BigEndian.PutUint32(resp[16:20], 5) // seeders
			copy(resp[20:], f.peers)
			f.conn.WriteTo(resp, addr)
		}
	}
}

// decodeURLData concatenates the URL-data option values from the option
// bytes that follow the fixed announce fields.
func decodeURLData(opts []byte) string {
	var out []byte
	for len(opts) >= 2 {
		optType, length := opts[0], int(opts[1])
		opts = opts[2:]
		if optType == 0 {
			break
		}
		if optType != optionURLData {
			continue
		}
		if length > len(opts) {
			break
		}
		out = append(out, opts[:length]...)
		opts = opts[length:]
	}
	return string(out)
}

func newTestUDPTracker(t *testing.T, rawURL string) *UDPTracker {
	u, err := url.Parse(rawURL)
	require.NoError(t, err)
	tracker, err := NewUDPTracker(u, testLogger(), rand.New(rand.NewSource(42)))
	require.NoError(t, err)
	return tracker
}

func TestUDPAnnounce(t *testing.T) {
	fake := newFakeUDPTracker(t, []byte{127, 0, 0, 1, 0x1a, 0xe1, 10, 0, 0, 9, 0x1a, 0xe9})
	tracker := newTestUDPTracker(t, fake.announceURL("/announce"))

	result, err := tracker.Announce(context.Background(), testRequest())
	require.NoError(t, err)
	require.Len(t, result.Peers, 2)
	assert.Equal(t, "127.0.0.1:6881", result.Peers[0].String())
	assert.Equal(t, "10.0.0.9:6889", result.Peers[1].String())
	assert.Equal(t, 1800*time.Second, result.Interval)
}

func TestUDPAnnounceSendsURLData(t *testing.T) {
	fake := newFakeUDPTracker(t, nil)
	tracker := newTestUDPTracker(t, fake.announceURL("/ann?x=1"))

	_, err := tracker.Announce(context.Background(), testRequest())
	require.NoError(t, err)

	select {
	case got := <-fake.urlData:
		assert.Equal(t, "/ann?x=1", got)
	default:
		t.Fatal("fake tracker saw no announce")
	}
}

func TestUDPConnectionIDReuseAndExpiry(t *testing.T) {
	fake := newFakeUDPTracker(t, nil)
	clk := clock.NewMock()
	tracker := newTestUDPTracker(t, fake.announceURL("/announce")).WithClock(clk)

	_, err := tracker.Announce(context.Background(), testRequest())
	require.NoError(t, err)
	_, err = tracker.Announce(context.Background(), testRequest())
	require.NoError(t, err)
	// The second announce inside the 60 s TTL reuses the connection id.
	assert.Len(t, fake.connects, 1)

	clk.Add(61 * time.Second)
	_, err = tracker.Announce(context.Background(), testRequest())
	require.NoError(t, err)
	assert.Len(t, fake.connects, 2)
}

func TestUDPTrackerFailureResponse(t *testing.T) {
	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	go func() {
		buf := make([]byte, 4096)
		for {
			n, addr, err := conn.ReadFrom(buf)
			if err != nil {
				return
			}
			if n < 16 {
				continue
			}
			txID := binary.BigEndian.Uint32(buf[12:16])
			resp := make([]byte, 8, 8+16)
			binary.BigEndian.PutUint32(resp[0:4], actionError)
			binary.BigEndian.PutUint32(resp[4:8], txID)
			resp = append(resp, []byte("access denied")...)
			conn.WriteTo(resp, addr)
		}
	}()
	_, port, _ := net.SplitHostPort(conn.LocalAddr().String())
	tracker := newTestUDPTracker(t, "udp://127.0.0.1:"+port+"/announce")

	_, err = tracker.Announce(context.Background(), testRequest())
	var trackerErr *models.TrackerError
	require.ErrorAs(t, err, &trackerErr)
	assert.Equal(t, models.TrackerFailure, trackerErr.Kind)
	assert.Contains(t, trackerErr.Error(), "access denied")
}

func TestReceiveTimeoutsSchedule(t *testing.T) {
	timeouts := receiveTimeouts()
	want := []time.Duration{
		15 * time.Second,
		30 * time.Second,
		60 * time.Second,
		120 * time.Second,
	}
	assert.Equal(t, want, timeouts)
}

func TestUDPAnnounceRespectsCancel(t *testing.T) {
	// A tracker that never answers: announce must stop promptly on cancel
	// instead of running out the retransmit schedule.
	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	_, port, _ := net.SplitHostPort(conn.LocalAddr().String())
	tracker := newTestUDPTracker(t, "udp://127.0.0.1:"+port+"/announce")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := tracker.Announce(ctx, testRequest())
		done <- err
	}()
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("announce did not observe cancellation in time")
	}
}

func TestNewRejectsBadSchemes(t *testing.T) {
	logger := testLogger()
	rng := rand.New(rand.NewSource(1))

	_, err := New("ws://tracker/announce", logger, rng)
	assert.Error(t, err)
	_, err = New("udp://tracker-without-port/", logger, rng)
	assert.Error(t, err)

	tr, err := New("http://tracker/announce", logger, rng)
	require.NoError(t, err)
	assert.Equal(t, "http://tracker/announce", tr.URL())
}
