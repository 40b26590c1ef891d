// BEP 10 extended handshake and BEP 9 ut_metadata messages.
package p2p

import (
	"fmt"

	zbencode "github.com/zeebo/bencode"

	"github.com/jwodder/demagnetize/internal/bencode"
	"github.com/jwodder/demagnetize/internal/shared/models"
)

const (
	// extendedHandshakeID is the reserved extended message id for the
	// handshake itself.
	extendedHandshakeID = 0

	// UTMetadataID is the id we advertise for receiving ut_metadata
	// messages.
	UTMetadataID = 3

	// MetadataPieceSize is the fixed ut_metadata piece size; only the final
	// piece may be shorter.
	MetadataPieceSize = 16384

	// MaxMetadataSize is the sanity cap on advertised info sizes.
	MaxMetadataSize = 100 << 20
)

// ut_metadata msg_type values.
const (
	metadataRequest = 0
	metadataData    = 1
	metadataReject  = 2
)

// ExtendedHandshake is the bencoded payload of extended message 0.
type ExtendedHandshake struct {
	M            map[string]int64 `bencode:"m"`
	V            string           `bencode:"v,omitempty"`
	MetadataSize int64            `bencode:"metadata_size,omitempty"`
}

// OurExtendedHandshake advertises ut_metadata under UTMetadataID.
func OurExtendedHandshake(client string) ExtendedHandshake {
	return ExtendedHandshake{
		M: map[string]int64{"ut_metadata": UTMetadataID},
		V: client,
	}
}

// Message encodes the handshake as a complete extended-message frame body.
func (h ExtendedHandshake) Message() (models.PeerMessage, error) {
	payload, err := zbencode.EncodeBytes(h)
	if err != nil {
		return models.PeerMessage{}, err
	}
	return models.PeerMessage{
		ID:      models.MessageIDExtended,
		Payload: append([]byte{extendedHandshakeID}, payload...),
	}, nil
}

// UTMetadata returns the peer's declared ut_metadata message id, if any.
func (h ExtendedHandshake) UTMetadata() (int64, bool) {
	id, ok := h.M["ut_metadata"]
	return id, ok
}

func parseExtendedHandshake(payload []byte) (ExtendedHandshake, error) {
	var h ExtendedHandshake
	if err := zbencode.DecodeBytes(payload, &h); err != nil {
		return h, fmt.Errorf("invalid extended handshake: %w", err)
	}
	if h.M == nil {
		return h, fmt.Errorf("extended handshake lacks m dictionary")
	}
	return h, nil
}

// MetadataMessage is one decoded ut_metadata message: the bencoded header
// plus, for data messages, the trailing raw piece bytes.
type MetadataMessage struct {
	MsgType   int64
	Piece     int64
	TotalSize int64
	Data      []byte
}

// parseMetadataMessage splits an extended-message payload into the bencoded
// header and the raw piece bytes that follow it.
func parseMetadataMessage(payload []byte) (MetadataMessage, error) {
	var m MetadataMessage
	header, trailing, err := bencode.DecodePartial(payload)
	if err != nil {
		return m, fmt.Errorf("ut_metadata message does not start with valid bencode: %w", err)
	}
	dict, ok := header.(map[string]any)
	if !ok {
		return m, fmt.Errorf("ut_metadata message does not start with a dictionary")
	}
	if m.MsgType, err = bencode.GetInt(dict, "msg_type"); err != nil {
		return m, err
	}
	if m.Piece, err = bencode.GetInt(dict, "piece"); err != nil {
		return m, err
	}
	if _, ok := dict["total_size"]; ok {
		if m.TotalSize, err = bencode.GetInt(dict, "total_size"); err != nil {
			return m, err
		}
	}
	switch m.MsgType {
	case metadataData:
		if len(trailing) == 0 {
			return m, fmt.Errorf("ut_metadata data message lacks trailing piece bytes")
		}
	case metadataRequest, metadataReject:
		if len(trailing) > 0 {
			return m, fmt.Errorf("non-data ut_metadata message has trailing bytes")
		}
	}
	m.Data = trailing
	return m, nil
}

// metadataRequestMessage builds a piece request addressed to the peer's
// declared ut_metadata id.
func metadataRequestMessage(peerMsgID int64, piece int) (models.PeerMessage, error) {
	return metadataControlMessage(peerMsgID, metadataRequest, piece)
}

// metadataRejectMessage answers a peer's own metadata request; we never
// serve metadata.
func metadataRejectMessage(peerMsgID int64, piece int) (models.PeerMessage, error) {
	return metadataControlMessage(peerMsgID, metadataReject, piece)
}

func metadataControlMessage(peerMsgID int64, msgType, piece int) (models.PeerMessage, error) {
	header, err := bencode.Encode(map[string]any{
		"msg_type": msgType,
		"piece":    piece,
	})
	if err != nil {
		return models.PeerMessage{}, err
	}
	return models.PeerMessage{
		ID:      models.MessageIDExtended,
		Payload: append([]byte{byte(peerMsgID)}, header...),
	}, nil
}
