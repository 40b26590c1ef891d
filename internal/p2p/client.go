package p2p

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/jwodder/demagnetize/internal/shared/models"
)

const (
	protocolName = "BitTorrent protocol"
	handshakeLen = 68

	// MaxMessageLen caps generic peer frames. Extended frames of 1-7 bytes
	// are always legal; they carry nothing but a tiny bencoded dict.
	MaxMessageLen = 2 << 20

	// ReadIdleTimeout is the per-read idle limit within a session.
	ReadIdleTimeout = 30 * time.Second

	keepAlivePeriod = 2 * time.Minute
)

// Handshake is the fixed 68-byte opening frame of the peer protocol.
type Handshake struct {
	Reserved [8]byte
	InfoHash models.InfoHash
	PeerID   models.PeerID
}

// NewHandshake builds the handshake we send: extension protocol (BEP 10)
// and fast extension (BEP 6) bits set.
func NewHandshake(infoHash models.InfoHash, peerID models.PeerID) Handshake {
	h := Handshake{InfoHash: infoHash, PeerID: peerID}
	h.Reserved[5] |= 0x10
	h.Reserved[7] |= 0x04
	return h
}

func (h Handshake) SupportsExtended() bool {
	return h.Reserved[5]&0x10 != 0
}

func (h Handshake) SupportsFast() bool {
	return h.Reserved[7]&0x04 != 0
}

func (h Handshake) Bytes() []byte {
	buf := make([]byte, 0, handshakeLen)
	buf = append(buf, byte(len(protocolName)))
	buf = append(buf, protocolName...)
	buf = append(buf, h.Reserved[:]...)
	buf = append(buf, h.InfoHash.Bytes()...)
	buf = append(buf, h.PeerID.Bytes()...)
	return buf
}

func ParseHandshake(buf []byte) (Handshake, error) {
	var h Handshake
	if len(buf) != handshakeLen {
		return h, fmt.Errorf("handshake is %d bytes, expected %d", len(buf), handshakeLen)
	}
	if buf[0] != byte(len(protocolName)) || !bytes.Equal(buf[1:20], []byte(protocolName)) {
		return h, errors.New("handshake has invalid protocol declaration")
	}
	copy(h.Reserved[:], buf[20:28])
	copy(h.InfoHash[:], buf[28:48])
	copy(h.PeerID[:], buf[48:68])
	return h, nil
}

// Conn is one client-initiated TCP connection to a peer, carrying framed
// peer-protocol messages after the handshake.
type Conn struct {
	addr models.Addr
	conn net.Conn
	r    *bufio.Reader

	writeMu sync.Mutex

	closeOnce sync.Once
	done      chan struct{}
}

// Dial connects to the peer. The connection is closed as soon as ctx is
// cancelled, which unblocks any in-flight read or write.
func Dial(ctx context.Context, addr models.Addr) (*Conn, error) {
	var dialer net.Dialer
	netConn, err := dialer.DialContext(ctx, "tcp", addr.String())
	if err != nil {
		return nil, err
	}
	c := &Conn{
		addr: addr,
		conn: netConn,
		r:    bufio.NewReader(netConn),
		done: make(chan struct{}),
	}
	go func() {
		select {
		case <-ctx.Done():
			c.Close()
		case <-c.done:
		}
	}()
	return c, nil
}

// Close is idempotent.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

// Handshake exchanges opening frames and validates the reply: the echoed
// info hash must match ours and the peer must speak the extension protocol.
// The remote peer id is recorded, not validated.
func (c *Conn) Handshake(infoHash models.InfoHash, peerID models.PeerID) (Handshake, error) {
	ours := NewHandshake(infoHash, peerID)
	if err := c.write(ours.Bytes()); err != nil {
		return Handshake{}, err
	}

	buf := make([]byte, handshakeLen)
	c.conn.SetReadDeadline(time.Now().Add(ReadIdleTimeout))
	if _, err := io.ReadFull(c.r, buf); err != nil {
		return Handshake{}, err
	}
	theirs, err := ParseHandshake(buf)
	if err != nil {
		return Handshake{}, err
	}
	if theirs.InfoHash != infoHash {
		return Handshake{}, fmt.Errorf("peer replied with wrong info hash %s", theirs.InfoHash)
	}
	if !theirs.SupportsExtended() {
		return Handshake{}, errors.New("peer does not support the extension protocol")
	}
	return theirs, nil
}

// ReadMessage reads one length-prefixed frame. Zero-length frames come back
// as keep-alives.
func (c *Conn) ReadMessage() (models.PeerMessage, error) {
	c.conn.SetReadDeadline(time.Now().Add(ReadIdleTimeout))

	var lengthBuf [4]byte
	if _, err := io.ReadFull(c.r, lengthBuf[:]); err != nil {
		return models.PeerMessage{}, err
	}
	length := binary.BigEndian.Uint32(lengthBuf[:])
	if length == 0 {
		return models.PeerMessage{KeepAlive: true}, nil
	}
	if length > MaxMessageLen {
		return models.PeerMessage{}, fmt.Errorf("peer sent overly large frame of %d bytes", length)
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(c.r, body); err != nil {
		return models.PeerMessage{}, err
	}
	return models.PeerMessage{
		ID:      models.MessageID(body[0]),
		Payload: body[1:],
	}, nil
}

// WriteMessage frames and sends one message. Writes are serialised; the
// keep-alive loop and the session share the connection.
func (c *Conn) WriteMessage(msg models.PeerMessage) error {
	var frame []byte
	if msg.KeepAlive {
		frame = []byte{0, 0, 0, 0}
	} else {
		frame = make([]byte, 5, 5+len(msg.Payload))
		binary.BigEndian.PutUint32(frame, uint32(1+len(msg.Payload)))
		frame[4] = byte(msg.ID)
		frame = append(frame, msg.Payload...)
	}
	return c.write(frame)
}

func (c *Conn) write(frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(ReadIdleTimeout))
	_, err := c.conn.Write(frame)
	return err
}

func (c *Conn) Addr() models.Addr {
	return c.addr
}
