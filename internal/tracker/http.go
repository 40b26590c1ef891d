package tracker

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/jackpal/bencode-go"

	"github.com/jwodder/demagnetize/internal/shared/models"
)

// UserAgent is sent to HTTP trackers.
const UserAgent = models.ClientString

type HTTPTracker struct {
	url    *url.URL
	client *http.Client
	log    *slog.Logger
}

func NewHTTPTracker(u *url.URL, logger *slog.Logger) *HTTPTracker {
	return &HTTPTracker{
		url:    u,
		client: &http.Client{Timeout: AnnounceTimeout},
		log:    logger,
	}
}

// WithHTTPClient overrides the transport, for tests.
func (t *HTTPTracker) WithHTTPClient(client *http.Client) *HTTPTracker {
	t.client = client
	return t
}

func (t *HTTPTracker) URL() string {
	return t.url.String()
}

func (t *HTTPTracker) Announce(ctx context.Context, req AnnounceRequest) (models.AnnounceResult, error) {
	ctx, cancel := context.WithTimeout(ctx, AnnounceTimeout)
	defer cancel()

	target := t.announceURL(req)
	t.log.Debug("announcing to http tracker", slog.String("url", t.URL()))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return models.AnnounceResult{}, &models.TrackerError{URL: t.URL(), Kind: models.TrackerBadResponse, Err: err}
	}
	httpReq.Header.Set("User-Agent", UserAgent)

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return models.AnnounceResult{}, netError(t.URL(), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return models.AnnounceResult{}, &models.TrackerError{
			URL:  t.URL(),
			Kind: models.TrackerBadResponse,
			Err:  fmt.Errorf("http status %s", resp.Status),
		}
	}

	body, err := bencode.Decode(resp.Body)
	if err != nil {
		return models.AnnounceResult{}, &models.TrackerError{
			URL:  t.URL(),
			Kind: models.TrackerBadResponse,
			Err:  fmt.Errorf("invalid bencoded body: %w", err),
		}
	}

	result, err := t.parseResponse(body)
	if err != nil {
		return models.AnnounceResult{}, err
	}
	return result, nil
}

// announceURL builds the announce target. info_hash and peer_id are raw
// bytes and must be percent-encoded directly, so the query string is
// assembled by hand instead of through url.Values.
func (t *HTTPTracker) announceURL(req AnnounceRequest) string {
	numWant := req.NumWant
	if numWant == 0 {
		numWant = NumWant
	}
	params := "info_hash=" + escapeBytes(req.InfoHash.Bytes()) +
		"&peer_id=" + escapeBytes(req.PeerID.Bytes()) +
		"&port=" + strconv.Itoa(int(req.Port)) +
		"&uploaded=0" +
		"&downloaded=0" +
		"&left=" + strconv.Itoa(Left) +
		"&event=started" +
		"&compact=1" +
		"&numwant=" + strconv.Itoa(numWant)

	u := *t.url
	u.Fragment = ""
	sep := "?"
	if u.RawQuery != "" {
		sep = "&"
	}
	return u.String() + sep + params
}

func escapeBytes(b []byte) string {
	var sb strings.Builder
	for _, c := range b {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9',
			c == '.', c == '-', c == '_', c == '~':
			sb.WriteByte(c)
		default:
			fmt.Fprintf(&sb, "%%%02X", c)
		}
	}
	return sb.String()
}

func (t *HTTPTracker) parseResponse(body any) (models.AnnounceResult, error) {
	dict, ok := body.(map[string]any)
	if !ok {
		return models.AnnounceResult{}, t.badResponse(fmt.Errorf("response is not a dictionary"))
	}

	if reason, ok := dict["failure reason"].(string); ok {
		return models.AnnounceResult{}, &models.TrackerError{
			URL:  t.URL(),
			Kind: models.TrackerFailure,
			Err:  fmt.Errorf("%s", reason),
		}
	}
	if warning, ok := dict["warning message"].(string); ok {
		t.log.Warn("tracker warning", slog.String("url", t.URL()), slog.String("message", warning))
	}

	result := models.AnnounceResult{Source: t.URL()}
	if interval, ok := dict["interval"].(int64); ok {
		result.Interval = time.Duration(interval) * time.Second
	}

	switch peers := dict["peers"].(type) {
	case nil:
	case string:
		addrs, err := models.ParseCompactPeers([]byte(peers))
		if err != nil {
			return models.AnnounceResult{}, t.badResponse(fmt.Errorf("invalid compact peers: %w", err))
		}
		result.Peers = append(result.Peers, addrs...)
	case []any:
		for _, entry := range peers {
			addr, err := parsePeerDict(entry)
			if err != nil {
				// Entries we cannot use (hostnames, junk) are skipped, not
				// fatal to the response.
				t.log.Debug("skipping peer entry", slog.String("url", t.URL()), slog.Any("error", err))
				continue
			}
			result.Peers = append(result.Peers, addr)
		}
	default:
		return models.AnnounceResult{}, t.badResponse(fmt.Errorf("peers has type %T", peers))
	}

	if peers6, ok := dict["peers6"]; ok {
		compact, ok := peers6.(string)
		if !ok {
			return models.AnnounceResult{}, t.badResponse(fmt.Errorf("peers6 has type %T", peers6))
		}
		addrs, err := models.ParseCompactPeers6([]byte(compact))
		if err != nil {
			return models.AnnounceResult{}, t.badResponse(fmt.Errorf("invalid peers6: %w", err))
		}
		result.Peers = append(result.Peers, addrs...)
	}

	return result, nil
}

func parsePeerDict(entry any) (models.Addr, error) {
	dict, ok := entry.(map[string]any)
	if !ok {
		return models.Addr{}, fmt.Errorf("peer entry has type %T", entry)
	}
	host, ok := dict["ip"].(string)
	if !ok {
		return models.Addr{}, fmt.Errorf("peer entry lacks ip")
	}
	port, ok := dict["port"].(int64)
	if !ok || port <= 0 || port > 65535 {
		return models.Addr{}, fmt.Errorf("peer entry lacks valid port")
	}
	addr, err := models.ParseAddr(fmt.Sprintf("%s:%d", wrapV6(host), port))
	if err != nil {
		return models.Addr{}, fmt.Errorf("peer entry has invalid address %q", host)
	}
	return addr, nil
}

func wrapV6(host string) string {
	if strings.Contains(host, ":") && !strings.HasPrefix(host, "[") {
		return "[" + host + "]"
	}
	return host
}

func (t *HTTPTracker) badResponse(err error) *models.TrackerError {
	return &models.TrackerError{URL: t.URL(), Kind: models.TrackerBadResponse, Err: err}
}
