package models

import (
	"crypto/sha1"
	"encoding/base32"
	"encoding/hex"
	"fmt"
	"strings"
)

// InfoHash is the SHA-1 digest of a torrent's bencoded info dictionary.
type InfoHash [20]byte

// ParseInfoHash accepts the two magnet-link spellings of an info hash:
// 40 hex characters or 32 base-32 characters.
func ParseInfoHash(s string) (InfoHash, error) {
	var ih InfoHash
	switch len(s) {
	case 40:
		b, err := hex.DecodeString(s)
		if err != nil {
			return ih, fmt.Errorf("%w: invalid hex info hash %q", ErrMagnetParse, s)
		}
		copy(ih[:], b)
	case 32:
		b, err := base32.StdEncoding.DecodeString(strings.ToUpper(s))
		if err != nil {
			return ih, fmt.Errorf("%w: invalid base-32 info hash %q", ErrMagnetParse, s)
		}
		copy(ih[:], b)
	default:
		return ih, fmt.Errorf("%w: info hash %q has length %d, expected 40 or 32", ErrMagnetParse, s, len(s))
	}
	return ih, nil
}

// InfoHashFromBytes copies a raw 20-byte digest.
func InfoHashFromBytes(b []byte) (InfoHash, error) {
	var ih InfoHash
	if len(b) != 20 {
		return ih, fmt.Errorf("info hash must be 20 bytes, got %d", len(b))
	}
	copy(ih[:], b)
	return ih, nil
}

// HashInfo computes the info hash of a raw info dictionary.
func HashInfo(info []byte) InfoHash {
	return sha1.Sum(info)
}

func (ih InfoHash) String() string {
	return hex.EncodeToString(ih[:])
}

func (ih InfoHash) Bytes() []byte {
	return ih[:]
}
