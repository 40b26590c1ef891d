package models

type MessageID uint8

const (
	MessageIDChoke MessageID = iota
	MessageIDUnchoke
	MessageIDInterested
	MessageIDNotInterested
	MessageIDHave
	MessageIDBitfield
	MessageIDRequest
	MessageIDPiece
	MessageIDCancel
	MessageIDPort
)

// BEP 6 fast extension and BEP 10 extended message ids.
const (
	MessageIDSuggest       MessageID = 0x0d
	MessageIDHaveAll       MessageID = 0x0e
	MessageIDHaveNone      MessageID = 0x0f
	MessageIDRejectRequest MessageID = 0x10
	MessageIDAllowedFast   MessageID = 0x11
	MessageIDExtended      MessageID = 20
)

// PeerMessage is one length-prefixed frame of the peer protocol. A zero
// length frame is a keep-alive and carries no id.
type PeerMessage struct {
	ID        MessageID
	Payload   []byte
	KeepAlive bool
}
