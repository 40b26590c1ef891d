package models

import (
	"fmt"
	"math/rand"
)

// ClientString is sent as the HTTP User-Agent, declared in extended
// handshakes, and recorded as "created by" in composed torrents.
const ClientString = "demagnetize/0.1.0"

// PeerIDPrefix identifies this client in generated peer IDs.
const PeerIDPrefix = "-DM0001-"

// PeerID is the 20-byte identifier we present to trackers and peers.
type PeerID [20]byte

// GeneratePeerID builds a peer ID from the client prefix plus random
// alphanumeric filler. The RNG is injected so tests stay deterministic.
func GeneratePeerID(r *rand.Rand) PeerID {
	const charset = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	var id PeerID
	n := copy(id[:], PeerIDPrefix)
	for i := n; i < len(id); i++ {
		id[i] = charset[r.Intn(len(charset))]
	}
	return id
}

func PeerIDFromBytes(b []byte) (PeerID, error) {
	var id PeerID
	if len(b) != 20 {
		return id, fmt.Errorf("peer id must be 20 bytes, got %d", len(b))
	}
	copy(id[:], b)
	return id, nil
}

func (p PeerID) Bytes() []byte {
	return p[:]
}

func (p PeerID) String() string {
	return string(p[:])
}

// Key is the random announce key sent to UDP trackers.
type Key uint32

func GenerateKey(r *rand.Rand) Key {
	return Key(r.Uint32())
}

func (k Key) String() string {
	return fmt.Sprintf("%08x", uint32(k))
}
