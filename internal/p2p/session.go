package p2p

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/willf/bitset"

	"github.com/jwodder/demagnetize/internal/shared/models"
)

const (
	// SessionTimeout bounds one whole peer session.
	SessionTimeout = 60 * time.Second

	// maxOutstanding is how many metadata piece requests may be in flight
	// at once.
	maxOutstanding = 5
)

// Session drives one TCP connection from handshake through the ut_metadata
// exchange to either the validated raw info bytes or a typed failure.
type Session struct {
	addr     models.Addr
	infoHash models.InfoHash
	peerID   models.PeerID
	client   string
	log      *slog.Logger
}

func NewSession(addr models.Addr, infoHash models.InfoHash, peerID models.PeerID, client string, logger *slog.Logger) *Session {
	return &Session{
		addr:     addr,
		infoHash: infoHash,
		peerID:   peerID,
		client:   client,
		log:      logger,
	}
}

// metadataTransfer is the per-peer fetch state: piece buffers indexed by
// piece number and a bitmap of what has arrived.
type metadataTransfer struct {
	size      int64
	numPieces int
	pieces    [][]byte
	received  *bitset.BitSet
	next      int
	inFlight  int
	retried   map[int]bool
}

func newMetadataTransfer(size int64) *metadataTransfer {
	numPieces := int((size + MetadataPieceSize - 1) / MetadataPieceSize)
	return &metadataTransfer{
		size:      size,
		numPieces: numPieces,
		pieces:    make([][]byte, numPieces),
		received:  bitset.New(uint(numPieces)),
		retried:   make(map[int]bool),
	}
}

func (mt *metadataTransfer) complete() bool {
	return mt.received.Count() == uint(mt.numPieces)
}

func (mt *metadataTransfer) pieceLength(piece int) int {
	if piece == mt.numPieces-1 {
		if last := int(mt.size % MetadataPieceSize); last != 0 {
			return last
		}
	}
	return MetadataPieceSize
}

func (mt *metadataTransfer) assemble() []byte {
	return bytes.Join(mt.pieces, nil)
}

// GetInfo runs the session: handshake, extended handshake, piece exchange,
// hash validation. Failures come back as *models.PeerError.
func (s *Session) GetInfo(ctx context.Context) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, SessionTimeout)
	defer cancel()

	conn, err := Dial(ctx, s.addr)
	if err != nil {
		return nil, s.fail(models.PeerConnect, err)
	}
	defer conn.Close()

	theirs, err := conn.Handshake(s.infoHash, s.peerID)
	if err != nil {
		return nil, s.fail(models.PeerHandshake, err)
	}
	s.log.Debug("peer handshake complete",
		slog.String("peer", s.addr.String()),
		slog.String("peer_id", string(theirs.PeerID.Bytes())))

	hs, err := OurExtendedHandshake(s.client).Message()
	if err != nil {
		return nil, s.fail(models.PeerProtocol, err)
	}
	if err := conn.WriteMessage(hs); err != nil {
		return nil, s.fail(models.PeerConnect, err)
	}
	if theirs.SupportsFast() {
		if err := conn.WriteMessage(models.PeerMessage{ID: models.MessageIDHaveNone}); err != nil {
			return nil, s.fail(models.PeerConnect, err)
		}
	}

	go s.keepAlive(ctx, conn)

	info, err := s.exchange(ctx, conn)
	if err != nil {
		return nil, err
	}
	return info, nil
}

// exchange processes incoming messages until the metadata is complete or
// the session fails. Messages unrelated to the metadata exchange are read
// and discarded.
func (s *Session) exchange(ctx context.Context, conn *Conn) ([]byte, error) {
	var (
		peerMetadataID int64
		transfer       *metadataTransfer
	)

	for {
		msg, err := conn.ReadMessage()
		if err != nil {
			return nil, s.readError(ctx, err)
		}
		if msg.KeepAlive || msg.ID != models.MessageIDExtended {
			continue
		}
		if len(msg.Payload) < 1 {
			return nil, s.fail(models.PeerProtocol, errors.New("empty extended message"))
		}
		extID := msg.Payload[0]
		body := msg.Payload[1:]

		switch {
		case extID == extendedHandshakeID:
			if transfer != nil {
				// Re-handshakes are legal; the transfer keeps its geometry.
				continue
			}
			hs, err := parseExtendedHandshake(body)
			if err != nil {
				return nil, s.fail(models.PeerProtocol, err)
			}
			peerMetadataID, transfer, err = s.startTransfer(conn, hs)
			if err != nil {
				return nil, err
			}

		case extID == UTMetadataID:
			if transfer == nil {
				return nil, s.fail(models.PeerProtocol, errors.New("ut_metadata message before extended handshake"))
			}
			done, err := s.handleMetadata(conn, peerMetadataID, transfer, body)
			if err != nil {
				return nil, err
			}
			if done {
				return s.validate(transfer)
			}

		default:
			// Extended message for an extension we did not advertise.
			continue
		}
	}
}

func (s *Session) startTransfer(conn *Conn, hs ExtendedHandshake) (int64, *metadataTransfer, error) {
	peerMetadataID, ok := hs.UTMetadata()
	if !ok || peerMetadataID <= 0 || peerMetadataID > 255 {
		return 0, nil, s.fail(models.PeerProtocol, errors.New("peer does not support ut_metadata"))
	}
	if hs.MetadataSize <= 0 {
		return 0, nil, s.fail(models.PeerProtocol, errors.New("peer did not report a positive metadata_size"))
	}
	if hs.MetadataSize > MaxMetadataSize {
		return 0, nil, s.fail(models.PeerProtocol,
			fmt.Errorf("peer reports implausible metadata_size %d", hs.MetadataSize))
	}

	transfer := newMetadataTransfer(hs.MetadataSize)
	s.log.Debug("starting metadata transfer",
		slog.String("peer", s.addr.String()),
		slog.Int64("metadata_size", hs.MetadataSize),
		slog.Int("pieces", transfer.numPieces))

	if err := s.pump(conn, peerMetadataID, transfer); err != nil {
		return 0, nil, err
	}
	return peerMetadataID, transfer, nil
}

// pump keeps up to maxOutstanding piece requests in flight.
func (s *Session) pump(conn *Conn, peerMetadataID int64, transfer *metadataTransfer) error {
	for transfer.inFlight < maxOutstanding && transfer.next < transfer.numPieces {
		req, err := metadataRequestMessage(peerMetadataID, transfer.next)
		if err != nil {
			return s.fail(models.PeerProtocol, err)
		}
		if err := conn.WriteMessage(req); err != nil {
			return s.fail(models.PeerConnect, err)
		}
		transfer.next++
		transfer.inFlight++
	}
	return nil
}

func (s *Session) handleMetadata(conn *Conn, peerMetadataID int64, transfer *metadataTransfer, body []byte) (bool, error) {
	msg, err := parseMetadataMessage(body)
	if err != nil {
		return false, s.fail(models.PeerProtocol, err)
	}

	switch msg.MsgType {
	case metadataData:
		piece := int(msg.Piece)
		if piece < 0 || piece >= transfer.numPieces {
			return false, s.fail(models.PeerProtocol, fmt.Errorf("peer sent out-of-range piece %d", piece))
		}
		if msg.TotalSize != 0 && msg.TotalSize != transfer.size {
			return false, s.fail(models.PeerProtocol,
				fmt.Errorf("total_size %d differs from advertised %d", msg.TotalSize, transfer.size))
		}
		if len(msg.Data) != transfer.pieceLength(piece) {
			return false, s.fail(models.PeerProtocol,
				fmt.Errorf("piece %d has %d bytes, expected %d", piece, len(msg.Data), transfer.pieceLength(piece)))
		}
		if transfer.received.Test(uint(piece)) {
			return false, nil
		}
		transfer.pieces[piece] = msg.Data
		transfer.received.Set(uint(piece))
		transfer.inFlight--
		if transfer.complete() {
			return true, nil
		}
		return false, s.pump(conn, peerMetadataID, transfer)

	case metadataReject:
		piece := int(msg.Piece)
		if transfer.retried[piece] {
			return false, s.fail(models.PeerMetadataReject,
				fmt.Errorf("peer rejected piece %d twice", piece))
		}
		transfer.retried[piece] = true
		s.log.Debug("peer rejected metadata piece; retrying",
			slog.String("peer", s.addr.String()), slog.Int("piece", piece))
		req, err := metadataRequestMessage(peerMetadataID, piece)
		if err != nil {
			return false, s.fail(models.PeerProtocol, err)
		}
		if err := conn.WriteMessage(req); err != nil {
			return false, s.fail(models.PeerConnect, err)
		}
		return false, nil

	case metadataRequest:
		// We never serve metadata.
		reject, err := metadataRejectMessage(peerMetadataID, int(msg.Piece))
		if err != nil {
			return false, s.fail(models.PeerProtocol, err)
		}
		if err := conn.WriteMessage(reject); err != nil {
			return false, s.fail(models.PeerConnect, err)
		}
		return false, nil

	default:
		s.log.Debug("ignoring ut_metadata message with unknown msg_type",
			slog.String("peer", s.addr.String()), slog.Int64("msg_type", msg.MsgType))
		return false, nil
	}
}

// validate hashes the assembled info bytes against the magnet's info hash.
func (s *Session) validate(transfer *metadataTransfer) ([]byte, error) {
	info := transfer.assemble()
	if got := models.HashInfo(info); got != s.infoHash {
		return nil, s.fail(models.PeerHashMismatch,
			fmt.Errorf("info bytes hash to %s, expected %s", got, s.infoHash))
	}
	return info, nil
}

func (s *Session) keepAlive(ctx context.Context, conn *Conn) {
	ticker := time.NewTicker(keepAlivePeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.WriteMessage(models.PeerMessage{KeepAlive: true}); err != nil {
				return
			}
		}
	}
}

func (s *Session) readError(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) || os.IsTimeout(err) {
		return s.fail(models.PeerTimeout, err)
	}
	if ctx.Err() != nil {
		return s.fail(models.PeerTimeout, ctx.Err())
	}
	return s.fail(models.PeerProtocol, err)
}

func (s *Session) fail(kind models.PeerErrorKind, err error) *models.PeerError {
	return &models.PeerError{Addr: s.addr, Kind: kind, Err: err}
}
