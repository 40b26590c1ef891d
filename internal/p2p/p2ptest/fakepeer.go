// Package p2ptest provides an in-process BitTorrent peer that serves (or
// refuses to serve) a ut_metadata info dictionary, for driving sessions in
// tests.
package p2ptest

import (
	"encoding/binary"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jwodder/demagnetize/internal/bencode"
	"github.com/jwodder/demagnetize/internal/shared/models"
)

const pieceSize = 16384

// Config controls how the fake peer behaves.
type Config struct {
	// Info is the metadata served to clients.
	Info []byte
	// NoExtensionBit withholds the BEP 10 bit from the handshake.
	NoExtensionBit bool
	// NoMetadata omits ut_metadata from the extended handshake.
	NoMetadata bool
	// RejectAll answers every metadata request with a reject.
	RejectAll bool
	// Delay is imposed before answering each metadata request.
	Delay time.Duration
}

// FakePeer is a loopback listener speaking just enough of the peer protocol
// to hand out metadata.
type FakePeer struct {
	cfg      Config
	listener net.Listener

	mu     sync.Mutex
	closed []net.Conn
}

func New(t *testing.T, cfg Config) *FakePeer {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	p := &FakePeer{cfg: cfg, listener: listener}
	go p.acceptLoop()
	t.Cleanup(func() { listener.Close() })
	return p
}

// Addr is the peer address to hand to trackers and sessions.
func (p *FakePeer) Addr() models.Addr {
	tcpAddr := p.listener.Addr().(*net.TCPAddr)
	return models.Addr{IP: tcpAddr.IP, Port: uint16(tcpAddr.Port)}
}

// CompactAddr is the 6-byte compact form of Addr.
func (p *FakePeer) CompactAddr() []byte {
	tcpAddr := p.listener.Addr().(*net.TCPAddr)
	out := make([]byte, 6)
	copy(out, tcpAddr.IP.To4())
	binary.BigEndian.PutUint16(out[4:], uint16(tcpAddr.Port))
	return out
}

// ClosedConns reports how many client connections have ended, which is how
// tests observe that a session was cancelled.
func (p *FakePeer) ClosedConns() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.closed)
}

func (p *FakePeer) acceptLoop() {
	for {
		conn, err := p.listener.Accept()
		if err != nil {
			return
		}
		go func() {
			defer func() {
				conn.Close()
				p.mu.Lock()
				p.closed = append(p.closed, conn)
				p.mu.Unlock()
			}()
			p.serve(conn)
		}()
	}
}

func (p *FakePeer) serve(conn net.Conn) {
	buf := make([]byte, 68)
	if _, err := io.ReadFull(conn, buf); err != nil {
		return
	}
	infoHash := buf[28:48]

	reply := make([]byte, 68)
	reply[0] = 19
	copy(reply[1:], "BitTorrent protocol")
	if !p.cfg.NoExtensionBit {
		reply[25] |= 0x10
	}
	copy(reply[28:48], infoHash)
	copy(reply[48:68], "-FK0001-fakefakefake")
	if _, err := conn.Write(reply); err != nil {
		return
	}

	var clientMetadataID int64
	for {
		frame, err := readFrame(conn)
		if err != nil {
			return
		}
		if len(frame) < 2 || frame[0] != 20 {
			continue
		}
		extID := frame[1]
		body := frame[2:]

		if extID == 0 {
			clientMetadataID = p.handleExtendedHandshake(conn, body)
			continue
		}
		// Anything else addressed to us is a metadata request.
		if err := p.handleMetadataRequest(conn, clientMetadataID, body); err != nil {
			return
		}
	}
}

// handleExtendedHandshake answers with our own extended handshake and
// returns the metadata id the client wants messages addressed to.
func (p *FakePeer) handleExtendedHandshake(conn net.Conn, body []byte) int64 {
	var clientMetadataID int64
	if decoded, err := bencode.Decode(body); err == nil {
		if dict, ok := decoded.(map[string]any); ok {
			if m, err := bencode.GetDict(dict, "m"); err == nil {
				clientMetadataID, _ = bencode.GetInt(m, "ut_metadata")
			}
		}
	}

	m := map[string]any{}
	if !p.cfg.NoMetadata {
		m["ut_metadata"] = 7
	}
	hs := map[string]any{"m": m, "v": "fakepeer 1.0"}
	if !p.cfg.NoMetadata {
		hs["metadata_size"] = len(p.cfg.Info)
	}
	payload, _ := bencode.Encode(hs)
	writeExtended(conn, 0, payload)
	return clientMetadataID
}

func (p *FakePeer) handleMetadataRequest(conn net.Conn, clientMetadataID int64, body []byte) error {
	header, _, err := bencode.DecodePartial(body)
	if err != nil {
		return err
	}
	dict, ok := header.(map[string]any)
	if !ok {
		return nil
	}
	msgType, _ := bencode.GetInt(dict, "msg_type")
	piece, _ := bencode.GetInt(dict, "piece")
	if msgType != 0 {
		return nil
	}

	if p.cfg.Delay > 0 {
		time.Sleep(p.cfg.Delay)
	}

	if p.cfg.RejectAll {
		payload, _ := bencode.Encode(map[string]any{"msg_type": 2, "piece": piece})
		return writeExtended(conn, byte(clientMetadataID), payload)
	}

	start := int(piece) * pieceSize
	end := start + pieceSize
	if end > len(p.cfg.Info) {
		end = len(p.cfg.Info)
	}
	if start > len(p.cfg.Info) {
		start = len(p.cfg.Info)
	}
	headerOut, _ := bencode.Encode(map[string]any{
		"msg_type":   1,
		"piece":      piece,
		"total_size": len(p.cfg.Info),
	})
	return writeExtended(conn, byte(clientMetadataID), append(headerOut, p.cfg.Info[start:end]...))
}

func readFrame(conn net.Conn) ([]byte, error) {
	var lengthBuf [4]byte
	if _, err := io.ReadFull(conn, lengthBuf[:]); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(lengthBuf[:])
	if length == 0 {
		return nil, nil
	}
	frame := make([]byte, length)
	if _, err := io.ReadFull(conn, frame); err != nil {
		return nil, err
	}
	return frame, nil
}

func writeExtended(conn net.Conn, extID byte, payload []byte) error {
	frame := make([]byte, 6, 6+len(payload))
	binary.BigEndian.PutUint32(frame, uint32(2+len(payload)))
	frame[4] = 20
	frame[5] = extID
	frame = append(frame, payload...)
	_, err := conn.Write(frame)
	return err
}

// InfoDict builds a valid bencoded info dictionary of roughly the requested
// size, padded through its pieces field.
func InfoDict(t *testing.T, size int) []byte {
	padding := size - 60
	if padding < 20 {
		padding = 20
	}
	pieces := make([]byte, padding)
	for i := range pieces {
		pieces[i] = byte('a' + i%26)
	}
	info, err := bencode.Encode(map[string]any{
		"name":         "fake.bin",
		"piece length": 16384,
		"length":       padding * 1024,
		"pieces":       string(pieces),
	})
	require.NoError(t, err)
	return info
}
