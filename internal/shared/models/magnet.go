package models

import (
	"fmt"
	"net/url"
	"strings"
)

// Magnet is a parsed magnet URI: the info hash plus hints for finding peers.
type Magnet struct {
	InfoHash    InfoHash
	DisplayName string
	Trackers    []string
	PeerAddrs   []Addr
}

const btihPrefix = "urn:btih:"

// ParseMagnet parses a magnet URI. Only the xt key is required; dn, tr and
// x.pe are recognised and every other key is ignored.
func ParseMagnet(s string) (Magnet, error) {
	var m Magnet
	u, err := url.Parse(strings.TrimSpace(s))
	if err != nil {
		return m, fmt.Errorf("%w: %v", ErrMagnetParse, err)
	}
	if u.Scheme != "magnet" {
		return m, fmt.Errorf("%w: scheme is %q, expected \"magnet\"", ErrMagnetParse, u.Scheme)
	}
	params, err := url.ParseQuery(u.RawQuery)
	if err != nil {
		return m, fmt.Errorf("%w: %v", ErrMagnetParse, err)
	}

	xt, ok := params["xt"]
	if !ok || len(xt) == 0 {
		return m, fmt.Errorf("%w: missing xt", ErrMagnetParse)
	}
	if !strings.HasPrefix(xt[0], btihPrefix) {
		return m, fmt.Errorf("%w: xt %q is not %s<hash>", ErrMagnetParse, xt[0], btihPrefix)
	}
	m.InfoHash, err = ParseInfoHash(strings.TrimPrefix(xt[0], btihPrefix))
	if err != nil {
		return m, err
	}

	if dn, ok := params["dn"]; ok && len(dn) > 0 {
		m.DisplayName = dn[0]
	}
	m.Trackers = params["tr"]

	for _, pe := range params["x.pe"] {
		addr, err := ParseAddr(pe)
		if err != nil {
			// Peer hints are best-effort; a bad one does not fail the magnet.
			continue
		}
		m.PeerAddrs = append(m.PeerAddrs, addr)
	}

	return m, nil
}

func (m Magnet) String() string {
	if m.DisplayName != "" {
		return fmt.Sprintf("%s (%s)", m.InfoHash, m.DisplayName)
	}
	return m.InfoHash.String()
}
