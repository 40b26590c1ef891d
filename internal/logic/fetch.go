// Package logic orchestrates one magnet fetch: announce fan-out, peer pool,
// first validated info blob wins.
package logic

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/jwodder/demagnetize/internal/p2p"
	"github.com/jwodder/demagnetize/internal/shared/models"
	"github.com/jwodder/demagnetize/internal/tracker"
)

const (
	// FetchTimeout is the overall per-magnet deadline.
	FetchTimeout = 5 * time.Minute

	// announceConcurrency bounds simultaneous tracker announces per magnet.
	announceConcurrency = 20

	// peerConcurrency bounds simultaneous peer sessions per magnet.
	peerConcurrency = 30

	// batchConcurrency bounds simultaneous magnets in batch mode.
	batchConcurrency = 50

	// announcePort is the port reported to trackers. We never listen, so
	// any fixed non-zero value serves.
	announcePort = 6881
)

type infoFetcher interface {
	GetInfo(ctx context.Context) ([]byte, error)
}

// Demagnetizer holds the per-process identity shared by every fetch.
type Demagnetizer struct {
	peerID models.PeerID
	key    models.Key
	port   uint16
	log    *slog.Logger

	rngMu sync.Mutex
	rng   *rand.Rand

	newTracker func(rawURL string) (tracker.Tracker, error)
	newSession func(addr models.Addr, infoHash models.InfoHash) infoFetcher
}

// New builds a Demagnetizer. The RNG seeds the peer id, the announce key and
// every transaction id, so tests that pass a fixed source are deterministic.
func New(logger *slog.Logger, rng *rand.Rand) *Demagnetizer {
	d := &Demagnetizer{
		peerID: models.GeneratePeerID(rng),
		key:    models.GenerateKey(rng),
		port:   announcePort,
		log:    logger,
		rng:    rng,
	}
	d.log.Debug("generated identity",
		slog.String("peer_id", d.peerID.String()),
		slog.String("key", d.key.String()))
	d.newTracker = func(rawURL string) (tracker.Tracker, error) {
		d.rngMu.Lock()
		defer d.rngMu.Unlock()
		return tracker.New(rawURL, d.log, d.rng)
	}
	d.newSession = func(addr models.Addr, infoHash models.InfoHash) infoFetcher {
		return p2p.NewSession(addr, infoHash, d.peerID, models.ClientString, d.log)
	}
	return d
}

// Fetch resolves one magnet to its validated raw info bytes.
func (d *Demagnetizer) Fetch(ctx context.Context, magnet models.Magnet) ([]byte, error) {
	if len(magnet.Trackers) == 0 && len(magnet.PeerAddrs) == 0 {
		return nil, &models.FetchError{InfoHash: magnet.InfoHash, Reason: "no trackers in magnet link"}
	}
	d.log.Info("fetching info", slog.String("magnet", magnet.String()))

	ctx, cancel := context.WithTimeout(ctx, FetchTimeout)
	defer cancel()

	peers := d.announceAll(ctx, magnet)

	winner := make(chan []byte, 1)
	poolDone := make(chan struct{})
	go d.runPeerPool(ctx, cancel, magnet.InfoHash, peers, winner, poolDone)

	select {
	case info := <-winner:
		cancel()
		<-poolDone
		return info, nil
	case <-poolDone:
		// A session may have won in the same instant the pool drained.
		select {
		case info := <-winner:
			cancel()
			return info, nil
		default:
		}
		if ctx.Err() != nil {
			return nil, &models.FetchError{InfoHash: magnet.InfoHash, Reason: "deadline expired"}
		}
		return nil, &models.FetchError{InfoHash: magnet.InfoHash, Reason: "no peers yielded metadata"}
	case <-ctx.Done():
		<-poolDone
		return nil, &models.FetchError{InfoHash: magnet.InfoHash, Reason: "deadline expired"}
	}
}

// announceAll fans out to every tracker and streams peers as they arrive.
// The channel closes once all announces have completed. Peer hints from the
// magnet are fed into the same stream by their own goroutine, started before
// the announces; their order relative to tracker results is not fixed.
func (d *Demagnetizer) announceAll(ctx context.Context, magnet models.Magnet) <-chan models.Addr {
	peers := make(chan models.Addr, 64)
	var wg sync.WaitGroup
	sem := make(chan struct{}, announceConcurrency)

	if len(magnet.PeerAddrs) > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for _, addr := range magnet.PeerAddrs {
				select {
				case peers <- addr:
				case <-ctx.Done():
					return
				}
			}
		}()
	}

	for _, rawURL := range magnet.Trackers {
		t, err := d.newTracker(rawURL)
		if err != nil {
			d.log.Warn("skipping tracker", slog.String("url", rawURL), slog.Any("error", err))
			continue
		}
		wg.Add(1)
		go func(t tracker.Tracker) {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				return
			}
			result, err := t.Announce(ctx, tracker.AnnounceRequest{
				InfoHash: magnet.InfoHash,
				PeerID:   d.peerID,
				Port:     d.port,
				Key:      d.key,
			})
			if err != nil {
				// Tracker failures are recorded, never propagated.
				d.log.Warn("announce failed", slog.Any("error", err))
				return
			}
			d.log.Debug("announce complete",
				slog.String("url", result.Source),
				slog.Int("peers", len(result.Peers)))
			for _, addr := range result.Peers {
				select {
				case peers <- addr:
				case <-ctx.Done():
					return
				}
			}
		}(t)
	}

	go func() {
		wg.Wait()
		close(peers)
	}()
	return peers
}

// runPeerPool feeds deduplicated peers into bounded concurrent sessions.
// The first session to produce a validated blob wins the latch and cancels
// the rest.
func (d *Demagnetizer) runPeerPool(ctx context.Context, cancel context.CancelFunc, infoHash models.InfoHash, peers <-chan models.Addr, winner chan<- []byte, done chan<- struct{}) {
	defer close(done)
	var wg sync.WaitGroup
	sem := make(chan struct{}, peerConcurrency)
	seen := make(map[string]struct{})

	for addr := range peers {
		if _, ok := seen[addr.Key()]; ok {
			continue
		}
		seen[addr.Key()] = struct{}{}
		wg.Add(1)
		go func(addr models.Addr) {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				return
			}
			if ctx.Err() != nil {
				return
			}
			info, err := d.newSession(addr, infoHash).GetInfo(ctx)
			if err != nil {
				// Peer failures are recorded, never propagated.
				d.log.Warn("peer session failed", slog.Any("error", err))
				return
			}
			select {
			case winner <- info:
				d.log.Info("received info", slog.String("peer", addr.String()))
				cancel()
			default:
				// Another session already won.
			}
		}(addr)
	}
	wg.Wait()
}

// FetchToFile fetches the magnet's info, composes the .torrent and writes it
// to the templated filename. "-" writes to stdout.
func (d *Demagnetizer) FetchToFile(ctx context.Context, magnet models.Magnet, template string) (string, error) {
	info, err := d.Fetch(ctx, magnet)
	if err != nil {
		return "", err
	}
	data, err := ComposeTorrent(magnet, info, time.Now())
	if err != nil {
		return "", err
	}
	filename, err := WriteTorrent(data, template, info, magnet.InfoHash)
	if err != nil {
		return "", err
	}
	d.log.Info("saved torrent",
		slog.String("info_hash", magnet.InfoHash.String()),
		slog.String("file", filename))
	return filename, nil
}

// Batch fetches several magnets with bounded concurrency. Each magnet fails
// or succeeds on its own; the report aggregates the outcomes. onDone, if
// non-nil, is called as each magnet finishes.
func (d *Demagnetizer) Batch(ctx context.Context, magnets []models.Magnet, template string, onDone func()) *Report {
	report := &Report{}
	var wg sync.WaitGroup
	sem := make(chan struct{}, batchConcurrency)

	for _, magnet := range magnets {
		wg.Add(1)
		go func(magnet models.Magnet) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			filename, err := d.FetchToFile(ctx, magnet, template)
			if err != nil {
				d.log.Error("failed to fetch magnet",
					slog.String("magnet", magnet.String()), slog.Any("error", err))
			}
			report.add(Result{Magnet: magnet, Filename: filename, Err: err})
			if onDone != nil {
				onDone()
			}
		}(magnet)
	}
	wg.Wait()
	return report
}
