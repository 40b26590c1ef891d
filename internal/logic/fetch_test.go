package logic

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/rand"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwodder/demagnetize/internal/shared/models"
	"github.com/jwodder/demagnetize/internal/tracker"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testDemagnetizer() *Demagnetizer {
	return New(testLogger(), rand.New(rand.NewSource(1)))
}

func addr(last byte, port uint16) models.Addr {
	return models.Addr{IP: net.IPv4(127, 0, 0, last), Port: port}
}

type fakeTracker struct {
	url   string
	peers []models.Addr
	err   error
	delay time.Duration
}

func (f *fakeTracker) URL() string { return f.url }

func (f *fakeTracker) Announce(ctx context.Context, req tracker.AnnounceRequest) (models.AnnounceResult, error) {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return models.AnnounceResult{}, &models.TrackerError{URL: f.url, Kind: models.TrackerTimeout, Err: ctx.Err()}
		}
	}
	if f.err != nil {
		return models.AnnounceResult{}, f.err
	}
	return models.AnnounceResult{Peers: f.peers, Interval: time.Minute, Source: f.url}, nil
}

type fakeSession struct {
	info      []byte
	err       error
	delay     time.Duration
	cancelled *atomic.Bool
}

func (f *fakeSession) GetInfo(ctx context.Context) ([]byte, error) {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			if f.cancelled != nil {
				f.cancelled.Store(true)
			}
			return nil, &models.PeerError{Kind: models.PeerTimeout, Err: ctx.Err()}
		}
	}
	return f.info, f.err
}

func useTrackers(d *Demagnetizer, trackers map[string]tracker.Tracker) {
	d.newTracker = func(rawURL string) (tracker.Tracker, error) {
		t, ok := trackers[rawURL]
		if !ok {
			return nil, errors.New("unknown tracker")
		}
		return t, nil
	}
}

func testMagnet(trackers ...string) models.Magnet {
	ih, _ := models.ParseInfoHash("0123456789abcdef0123456789abcdef01234567")
	return models.Magnet{InfoHash: ih, Trackers: trackers}
}

func TestFetchSuccess(t *testing.T) {
	info := []byte("d4:name4:teste")
	d := testDemagnetizer()
	useTrackers(d, map[string]tracker.Tracker{
		"http://t/announce": &fakeTracker{url: "http://t/announce", peers: []models.Addr{addr(1, 6881)}},
	})
	d.newSession = func(a models.Addr, ih models.InfoHash) infoFetcher {
		return &fakeSession{info: info}
	}

	got, err := d.Fetch(context.Background(), testMagnet("http://t/announce"))
	require.NoError(t, err)
	assert.Equal(t, info, got)
}

func TestFetchNoTrackers(t *testing.T) {
	d := testDemagnetizer()
	_, err := d.Fetch(context.Background(), testMagnet())
	var fetchErr *models.FetchError
	require.ErrorAs(t, err, &fetchErr)
	assert.Contains(t, fetchErr.Error(), "no trackers")
}

func TestFetchAllPeersFail(t *testing.T) {
	d := testDemagnetizer()
	useTrackers(d, map[string]tracker.Tracker{
		"http://t/announce": &fakeTracker{url: "http://t/announce", peers: []models.Addr{addr(1, 6881), addr(2, 6881)}},
	})
	d.newSession = func(a models.Addr, ih models.InfoHash) infoFetcher {
		return &fakeSession{err: &models.PeerError{Addr: a, Kind: models.PeerHashMismatch}}
	}

	_, err := d.Fetch(context.Background(), testMagnet("http://t/announce"))
	var fetchErr *models.FetchError
	require.ErrorAs(t, err, &fetchErr)
	assert.Contains(t, fetchErr.Error(), "no peers yielded metadata")
}

func TestFetchTrackerErrorsAreNotFatal(t *testing.T) {
	// One tracker rejects the announce, one times out, one works.
	info := []byte("d4:name4:teste")
	d := testDemagnetizer()
	useTrackers(d, map[string]tracker.Tracker{
		"http://t1/announce": &fakeTracker{
			url: "http://t1/announce",
			err: &models.TrackerError{URL: "http://t1/announce", Kind: models.TrackerFailure, Err: errors.New("unregistered")},
		},
		"udp://t2:80/announce": &fakeTracker{
			url: "udp://t2:80/announce",
			err: &models.TrackerError{URL: "udp://t2:80/announce", Kind: models.TrackerTimeout},
		},
		"http://t3/announce": &fakeTracker{url: "http://t3/announce", peers: []models.Addr{addr(3, 6883)}},
	})
	d.newSession = func(a models.Addr, ih models.InfoHash) infoFetcher {
		return &fakeSession{info: info}
	}

	got, err := d.Fetch(context.Background(), testMagnet("http://t1/announce", "udp://t2:80/announce", "http://t3/announce"))
	require.NoError(t, err)
	assert.Equal(t, info, got)
}

func TestFetchDeduplicatesPeers(t *testing.T) {
	// Overlapping peer sets from two trackers open at most one session per
	// (ip, port).
	shared := []models.Addr{addr(1, 6881), addr(2, 6882)}
	d := testDemagnetizer()
	useTrackers(d, map[string]tracker.Tracker{
		"http://a/announce": &fakeTracker{url: "http://a/announce", peers: shared},
		"http://b/announce": &fakeTracker{url: "http://b/announce", peers: append(shared, addr(3, 6883))},
	})

	var mu sync.Mutex
	opened := make(map[string]int)
	d.newSession = func(a models.Addr, ih models.InfoHash) infoFetcher {
		mu.Lock()
		opened[a.Key()]++
		mu.Unlock()
		// Keep sessions failing so every unique peer gets tried.
		return &fakeSession{err: &models.PeerError{Addr: a, Kind: models.PeerConnect}}
	}

	_, err := d.Fetch(context.Background(), testMagnet("http://a/announce", "http://b/announce"))
	require.Error(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, opened, 3)
	for key, n := range opened {
		assert.Equal(t, 1, n, key)
	}
}

func TestFetchWinnerCancelsOthers(t *testing.T) {
	// The fast peer wins; the slow peer's session observes cancellation
	// well before its own delay elapses.
	info := []byte("d4:name4:teste")
	var cancelled atomic.Bool
	d := testDemagnetizer()
	useTrackers(d, map[string]tracker.Tracker{
		"http://t/announce": &fakeTracker{url: "http://t/announce", peers: []models.Addr{addr(1, 6881), addr(2, 6882)}},
	})
	d.newSession = func(a models.Addr, ih models.InfoHash) infoFetcher {
		if a.Port == 6881 {
			return &fakeSession{info: info, delay: 5 * time.Second, cancelled: &cancelled}
		}
		// The winner is slower than the loser's startup, so the cancel is
		// observable.
		return &fakeSession{info: info, delay: 100 * time.Millisecond}
	}

	start := time.Now()
	got, err := d.Fetch(context.Background(), testMagnet("http://t/announce"))
	require.NoError(t, err)
	assert.Equal(t, info, got)
	assert.Less(t, time.Since(start), time.Second)
	assert.True(t, cancelled.Load())
}

func TestFetchPeerHintsEnterPool(t *testing.T) {
	info := []byte("d4:name4:teste")
	d := testDemagnetizer()
	d.newSession = func(a models.Addr, ih models.InfoHash) infoFetcher {
		return &fakeSession{info: info}
	}

	magnet := testMagnet()
	magnet.PeerAddrs = []models.Addr{addr(9, 6889)}
	got, err := d.Fetch(context.Background(), magnet)
	require.NoError(t, err)
	assert.Equal(t, info, got)
}

func TestBatch(t *testing.T) {
	info := []byte("d4:name4:teste")
	d := testDemagnetizer()
	useTrackers(d, map[string]tracker.Tracker{
		"http://t/announce": &fakeTracker{url: "http://t/announce", peers: []models.Addr{addr(1, 6881)}},
	})
	var calls atomic.Int32
	d.newSession = func(a models.Addr, ih models.InfoHash) infoFetcher {
		return &fakeSession{info: info}
	}

	good := testMagnet("http://t/announce")
	bad := testMagnet() // no trackers: fails immediately

	dir := t.TempDir()
	report := d.Batch(context.Background(), []models.Magnet{good, bad}, dir+"/{hash}.torrent", func() { calls.Add(1) })
	assert.Equal(t, 2, report.Total())
	assert.Equal(t, 1, report.Finished())
	assert.False(t, report.OK())
	assert.Equal(t, int32(2), calls.Load())
}
