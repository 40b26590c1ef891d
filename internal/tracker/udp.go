// UDP tracker protocol, BEP 15, with the BEP 41 URL-data extension.
package tracker

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"math/rand"
	"net"
	"net/url"
	"os"
	"sync"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/cenkalti/backoff"

	"github.com/jwodder/demagnetize/internal/shared/models"
)

const (
	protocolID uint64 = 0x41727101980

	actionConnect  uint32 = 0
	actionAnnounce uint32 = 1
	actionError    uint32 = 3

	eventStarted uint32 = 2

	// Connection IDs expire 60 s after they are issued and must be
	// re-obtained.
	connectionIDTTL = 60 * time.Second

	// Receive timeout for attempt n is 15 * 2^n seconds; we cap the number
	// of attempts well below BEP 15's 8.
	maxRequestAttempts = 4

	optionURLData byte = 2
)

type UDPTracker struct {
	url  *url.URL
	host string
	port string
	log  *slog.Logger
	rng  *rand.Rand
	clk  clock.Clock

	mu          sync.Mutex
	connections map[string]udpConnection
}

type udpConnection struct {
	id      uint64
	expires time.Time
}

func NewUDPTracker(u *url.URL, logger *slog.Logger, rng *rand.Rand) (*UDPTracker, error) {
	if u.Hostname() == "" {
		return nil, fmt.Errorf("tracker url %q missing host", u)
	}
	if u.Port() == "" {
		return nil, fmt.Errorf("tracker url %q missing port", u)
	}
	return &UDPTracker{
		url:         u,
		host:        u.Hostname(),
		port:        u.Port(),
		log:         logger,
		rng:         rng,
		clk:         clock.New(),
		connections: make(map[string]udpConnection),
	}, nil
}

// WithClock overrides the clock used for connection-id expiry, for tests.
func (t *UDPTracker) WithClock(clk clock.Clock) *UDPTracker {
	t.clk = clk
	return t
}

func (t *UDPTracker) URL() string {
	return t.url.String()
}

// receiveTimeouts is the BEP 15 retransmit schedule, one receive timeout per
// send attempt.
func receiveTimeouts() []time.Duration {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     15 * time.Second,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         4 * time.Minute,
		Clock:               backoff.SystemClock,
	}
	b.Reset()
	timeouts := make([]time.Duration, maxRequestAttempts)
	for i := range timeouts {
		timeouts[i] = b.NextBackOff()
	}
	return timeouts
}

func (t *UDPTracker) Announce(ctx context.Context, req AnnounceRequest) (models.AnnounceResult, error) {
	ctx, cancel := context.WithTimeout(ctx, AnnounceTimeout)
	defer cancel()

	ips, err := net.DefaultResolver.LookupIPAddr(ctx, t.host)
	if err != nil {
		return models.AnnounceResult{}, netError(t.URL(), err)
	}

	var lastErr error
	for _, ip := range ips {
		result, err := t.announceTo(ctx, ip.IP, req)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}
	if trackerErr, ok := lastErr.(*models.TrackerError); ok {
		return models.AnnounceResult{}, trackerErr
	}
	return models.AnnounceResult{}, netError(t.URL(), lastErr)
}

func (t *UDPTracker) announceTo(ctx context.Context, ip net.IP, req AnnounceRequest) (models.AnnounceResult, error) {
	dest := net.JoinHostPort(ip.String(), t.port)
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "udp", dest)
	if err != nil {
		return models.AnnounceResult{}, netError(t.URL(), err)
	}
	defer conn.Close()

	// Unblock any in-flight read as soon as the context is cancelled.
	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-ctx.Done():
			conn.SetDeadline(time.Unix(1, 0))
		case <-watchDone:
		}
	}()

	connID, err := t.connectionID(ctx, conn, dest)
	if err != nil {
		return models.AnnounceResult{}, err
	}

	txID := t.rng.Uint32()
	msg := t.buildAnnounce(connID, txID, req)
	resp, err := t.roundTrip(ctx, conn, msg, txID, actionAnnounce)
	if err != nil {
		return models.AnnounceResult{}, err
	}
	return t.parseAnnounce(resp, ip.To4() == nil)
}

// connectionID returns a cached connection id for the destination or runs
// the connect exchange to obtain a fresh one.
func (t *UDPTracker) connectionID(ctx context.Context, conn net.Conn, dest string) (uint64, error) {
	t.mu.Lock()
	cached, ok := t.connections[dest]
	t.mu.Unlock()
	if ok && t.clk.Now().Before(cached.expires) {
		return cached.id, nil
	}

	txID := t.rng.Uint32()
	msg := make([]byte, 16)
	binary.BigEndian.PutUint64(msg[0:8], protocolID)
	binary.BigEndian.PutUint32(msg[8:12], actionConnect)
	binary.BigEndian.PutUint32(msg[12:16], txID)

	t.log.Debug("requesting udp tracker connection id", slog.String("dest", dest))
	resp, err := t.roundTrip(ctx, conn, msg, txID, actionConnect)
	if err != nil {
		return 0, err
	}
	if len(resp) < 16 {
		return 0, t.badResponse(fmt.Errorf("connect response too short: %d bytes", len(resp)))
	}
	id := binary.BigEndian.Uint64(resp[8:16])

	t.mu.Lock()
	t.connections[dest] = udpConnection{id: id, expires: t.clk.Now().Add(connectionIDTTL)}
	t.mu.Unlock()
	return id, nil
}

func (t *UDPTracker) buildAnnounce(connID uint64, txID uint32, req AnnounceRequest) []byte {
	numWant := req.NumWant
	if numWant == 0 {
		numWant = NumWant
	}
	msg := make([]byte, 98)
	binary.BigEndian.PutUint64(msg[0:8], connID)
	binary.BigEndian.PutUint32(msg[8:12], actionAnnounce)
	binary.BigEndian.PutUint32(msg[12:16], txID)
	copy(msg[16:36], req.InfoHash.Bytes())
	copy(msg[36:56], req.PeerID.Bytes())
	binary.BigEndian.PutUint64(msg[56:64], 0)            // downloaded
	binary.BigEndian.PutUint64(msg[64:72], uint64(Left)) // left
	binary.BigEndian.PutUint64(msg[72:80], 0)            // uploaded
	binary.BigEndian.PutUint32(msg[80:84], eventStarted)
	binary.BigEndian.PutUint32(msg[84:88], 0) // ip: let the tracker use the packet source
	binary.BigEndian.PutUint32(msg[88:92], uint32(req.Key))
	binary.BigEndian.PutUint32(msg[92:96], uint32(numWant))
	binary.BigEndian.PutUint16(msg[96:98], req.Port)
	return append(msg, urlDataOptions(t.url)...)
}

// urlDataOptions packs the announce URL's path and query into BEP 41
// URL-data options, split into 255-byte segments.
func urlDataOptions(u *url.URL) []byte {
	urlData := []byte(u.RequestURI())
	var opts []byte
	for len(urlData) > 0 {
		segment := urlData
		if len(segment) > 255 {
			segment = segment[:255]
		}
		urlData = urlData[len(segment):]
		opts = append(opts, optionURLData, byte(len(segment)))
		opts = append(opts, segment...)
	}
	return opts
}

// roundTrip sends msg and waits for a response with the matching transaction
// id, retransmitting on the BEP 15 schedule. Responses with a foreign
// transaction id are dropped without consuming the attempt.
func (t *UDPTracker) roundTrip(ctx context.Context, conn net.Conn, msg []byte, txID, wantAction uint32) ([]byte, error) {
	buf := make([]byte, 4096)
	for _, timeout := range receiveTimeouts() {
		if ctx.Err() != nil {
			return nil, netError(t.URL(), ctx.Err())
		}
		if _, err := conn.Write(msg); err != nil {
			return nil, netError(t.URL(), err)
		}
		conn.SetReadDeadline(time.Now().Add(timeout))
		for {
			n, err := conn.Read(buf)
			if err != nil {
				if os.IsTimeout(err) {
					t.log.Debug("udp tracker did not reply in time; resending",
						slog.String("url", t.URL()), slog.Duration("timeout", timeout))
					break
				}
				return nil, netError(t.URL(), err)
			}
			resp := buf[:n]
			if len(resp) < 8 {
				continue
			}
			action := binary.BigEndian.Uint32(resp[0:4])
			gotTx := binary.BigEndian.Uint32(resp[4:8])
			if gotTx != txID {
				continue
			}
			if action == actionError {
				return nil, &models.TrackerError{
					URL:  t.URL(),
					Kind: models.TrackerFailure,
					Err:  fmt.Errorf("%s", resp[8:]),
				}
			}
			if action != wantAction {
				continue
			}
			return append([]byte(nil), resp...), nil
		}
	}
	return nil, &models.TrackerError{
		URL:  t.URL(),
		Kind: models.TrackerTimeout,
		Err:  fmt.Errorf("no response after %d attempts", maxRequestAttempts),
	}
}

func (t *UDPTracker) parseAnnounce(resp []byte, isV6 bool) (models.AnnounceResult, error) {
	if len(resp) < 20 {
		return models.AnnounceResult{}, t.badResponse(fmt.Errorf("announce response too short: %d bytes", len(resp)))
	}
	interval := binary.BigEndian.Uint32(resp[8:12])
	leechers := binary.BigEndian.Uint32(resp[12:16])
	seeders := binary.BigEndian.Uint32(resp[16:20])

	var addrs []models.Addr
	var err error
	if isV6 {
		addrs, err = models.ParseCompactPeers6(resp[20:])
	} else {
		addrs, err = models.ParseCompactPeers(resp[20:])
	}
	if err != nil {
		return models.AnnounceResult{}, t.badResponse(fmt.Errorf("invalid peer list: %w", err))
	}

	t.log.Debug("udp tracker announce complete",
		slog.String("url", t.URL()),
		slog.Int("peers", len(addrs)),
		slog.Uint64("leechers", uint64(leechers)),
		slog.Uint64("seeders", uint64(seeders)))

	return models.AnnounceResult{
		Peers:    addrs,
		Interval: time.Duration(interval) * time.Second,
		Source:   t.URL(),
	}, nil
}

func (t *UDPTracker) badResponse(err error) *models.TrackerError {
	return &models.TrackerError{URL: t.URL(), Kind: models.TrackerBadResponse, Err: err}
}
