package tracker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net/url"
	"os"
	"time"

	"github.com/jwodder/demagnetize/internal/shared/models"
)

const (
	// AnnounceTimeout bounds one announce, including UDP retransmits.
	AnnounceTimeout = 30 * time.Second

	// NumWant is the number of peers requested per announce.
	NumWant = 50

	// Left is the "left" value reported when announcing for a torrent we
	// only have the magnet link of.
	Left = 65535
)

// AnnounceRequest carries the per-fetch identity shared by every tracker.
type AnnounceRequest struct {
	InfoHash models.InfoHash
	PeerID   models.PeerID
	Port     uint16
	NumWant  int
	Key      models.Key
}

// Tracker announces once and reports the peers the tracker returned. Any
// failure is wrapped in a models.TrackerError tagged with the announce URL.
type Tracker interface {
	URL() string
	Announce(ctx context.Context, req AnnounceRequest) (models.AnnounceResult, error)
}

// New picks a client implementation from the announce URL scheme.
func New(announce string, logger *slog.Logger, rng *rand.Rand) (Tracker, error) {
	u, err := url.Parse(announce)
	if err != nil {
		return nil, fmt.Errorf("invalid tracker url %q: %w", announce, err)
	}
	switch u.Scheme {
	case "http", "https":
		return NewHTTPTracker(u, logger), nil
	case "udp":
		// Each tracker gets its own RNG so concurrent announces don't race
		// on the caller's.
		return NewUDPTracker(u, logger, rand.New(rand.NewSource(rng.Int63())))
	default:
		return nil, fmt.Errorf("unsupported tracker url scheme %q", u.Scheme)
	}
}

// netError wraps transport-level failures, distinguishing deadline expiry
// from other network faults.
func netError(url string, err error) *models.TrackerError {
	kind := models.TrackerNetwork
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		kind = models.TrackerTimeout
	}
	return &models.TrackerError{URL: url, Kind: kind, Err: err}
}
