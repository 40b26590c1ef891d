package integration

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/cucumber/godog"

	"github.com/jwodder/demagnetize/internal/bencode"
	"github.com/jwodder/demagnetize/internal/logic"
	"github.com/jwodder/demagnetize/internal/p2p/p2ptest"
	"github.com/jwodder/demagnetize/internal/shared/models"
)

type fetchTest struct {
	t *testing.T

	info       []byte
	peer       *p2ptest.FakePeer
	trackerURL string
	torrent    []byte
}

func (f *fetchTest) aPeerSeedingAnInfoDictionary() error {
	f.info = p2ptest.InfoDict(f.t, 32*1024)
	f.peer = p2ptest.New(f.t, p2ptest.Config{Info: f.info})
	return nil
}

func (f *fetchTest) anHTTPTrackerAnnouncingThatPeer() error {
	if f.peer == nil {
		return errors.New("no peer to announce")
	}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := bencode.Encode(map[string]any{
			"interval": 1800,
			"peers":    string(f.peer.CompactAddr()),
		})
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Write(body)
	}))
	f.t.Cleanup(server.Close)
	f.trackerURL = server.URL + "/announce"
	return nil
}

func (f *fetchTest) iFetchTheMagnetLink() error {
	magnet := models.Magnet{
		InfoHash: models.HashInfo(f.info),
		Trackers: []string{f.trackerURL},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	d := logic.New(logger, rand.New(rand.NewSource(1)))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	info, err := d.Fetch(ctx, magnet)
	if err != nil {
		return err
	}
	f.torrent, err = logic.ComposeTorrent(magnet, info, time.Now())
	return err
}

func (f *fetchTest) theComposedTorrentContainsTheSeededInfoDictionary() error {
	raw, err := bencode.RawInfo(f.torrent)
	if err != nil {
		return err
	}
	if !bytes.Equal(raw, f.info) {
		return errors.New("composed torrent's info does not match the seeded dictionary")
	}
	if models.HashInfo(raw) != models.HashInfo(f.info) {
		return errors.New("info hash mismatch")
	}
	announce, err := bencode.Decode(f.torrent)
	if err != nil {
		return err
	}
	dict, ok := announce.(map[string]any)
	if !ok {
		return errors.New("composed torrent is not a dictionary")
	}
	got, err := bencode.GetString(dict, "announce")
	if err != nil {
		return err
	}
	if got != f.trackerURL {
		return fmt.Errorf("announce is %q, expected %q", got, f.trackerURL)
	}
	return nil
}

func initializeScenario(t *testing.T, ctx *godog.ScenarioContext) {
	f := &fetchTest{t: t}
	ctx.Step(`^a peer seeding a 32 KiB info dictionary$`, f.aPeerSeedingAnInfoDictionary)
	ctx.Step(`^an HTTP tracker announcing that peer$`, f.anHTTPTrackerAnnouncingThatPeer)
	ctx.Step(`^I fetch the magnet link$`, f.iFetchTheMagnetLink)
	ctx.Step(`^the composed torrent contains the seeded info dictionary$`, f.theComposedTorrentContainsTheSeededInfoDictionary)
}

func TestFeatures(t *testing.T) {
	suite := godog.TestSuite{
		ScenarioInitializer: func(ctx *godog.ScenarioContext) {
			initializeScenario(t, ctx)
		},
		Options: &godog.Options{
			Format:   "pretty",
			Paths:    []string{"features"},
			TestingT: t,
		},
	}

	if suite.Run() != 0 {
		t.Fatal("non-zero status returned, failed to run feature tests")
	}
}
