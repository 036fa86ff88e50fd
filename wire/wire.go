// Package wire implements the framed peer wire protocol: the
// handshake, the 4-byte-length-prefixed message frames, and the
// BEP-3 / BEP-6 (Fast extension) message set.
package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"time"
)

// Message type ids (BEP-3 base set plus BEP-6 Fast extension).
const (
	Choke         = 0
	Unchoke       = 1
	Interested    = 2
	NotInterested = 3
	Have          = 4
	Bitfield      = 5
	Request       = 6
	Piece         = 7
	Cancel        = 8
	Port          = 9

	// BEP-6 Fast extension.
	SuggestPiece  = 13
	HaveAll       = 14
	HaveNone      = 15
	RejectRequest = 16
	AllowedFast   = 17
)

// ProtocolString is the fixed pstr of the BitTorrent handshake.
const ProtocolString = "BitTorrent protocol"

// Handshake is the 68-byte connection preamble.
type Handshake struct {
	Len      uint8
	Protocol [19]byte
	Reserved [8]byte
	InfoHash [20]byte
	PeerID   [20]byte
}

// Frame is one decoded message: KeepAlive is represented by
// ID == -1 with a nil Payload.
type Frame struct {
	ID      int
	Payload []byte
}

const keepAliveID = -1

// Wire reads and writes framed peer protocol messages over conn.
type Wire interface {
	SendHandshake(infoHash, peerID [20]byte) error
	ReadHandshake() (Handshake, error)

	ReadFrame() (Frame, error)

	SendKeepAlive() error
	SendChoke() error
	SendUnchoke() error
	SendInterested() error
	SendNotInterested() error
	SendHave(pieceIndex int) error
	SendBitfield(bitfield []byte) error
	SendRequest(pieceIndex, begin, length int) error
	SendPiece(pieceIndex, begin int, block []byte) error
	SendCancel(pieceIndex, begin, length int) error
	SendPort(port uint16) error
	SendHaveAll() error
	SendHaveNone() error
	SendSuggestPiece(pieceIndex int) error
	SendRejectRequest(pieceIndex, begin, length int) error
	SendAllowedFast(pieceIndex int) error

	LastMessageSent() time.Time
	Close() error
}

type wire struct {
	conn            net.Conn
	timeout         time.Duration
	lastMessageSent time.Time
}

// New wraps conn as a Wire, applying timeout as the read/write
// deadline for every operation.
func New(conn net.Conn, timeout time.Duration) Wire {
	return &wire{conn: conn, timeout: timeout}
}

func (w *wire) Close() error { return w.conn.Close() }

func (w *wire) LastMessageSent() time.Time { return w.lastMessageSent }

func (w *wire) SendHandshake(infoHash, peerID [20]byte) error {
	h := Handshake{Len: 19, InfoHash: infoHash, PeerID: peerID}
	copy(h.Protocol[:], ProtocolString)
	b := &bytes.Buffer{}
	if err := binary.Write(b, binary.BigEndian, h); err != nil {
		return err
	}
	return w.send(b.Bytes())
}

func (w *wire) ReadHandshake() (Handshake, error) {
	w.conn.SetReadDeadline(time.Now().Add(w.timeout))
	var h Handshake
	if err := binary.Read(w.conn, binary.BigEndian, &h); err != nil {
		return Handshake{}, err
	}
	return h, nil
}

func (w *wire) ReadFrame() (Frame, error) {
	w.conn.SetReadDeadline(time.Now().Add(w.timeout))

	var length uint32
	if err := binary.Read(w.conn, binary.BigEndian, &length); err != nil {
		return Frame{}, err
	}
	if length == 0 {
		return Frame{ID: keepAliveID}, nil
	}
	var id uint8
	if err := binary.Read(w.conn, binary.BigEndian, &id); err != nil {
		return Frame{}, err
	}
	payload := make([]byte, length-1)
	if _, err := io.ReadFull(w.conn, payload); err != nil {
		return Frame{}, err
	}
	return Frame{ID: int(id), Payload: payload}, nil
}

func (w *wire) send(msg []byte) error {
	w.conn.SetWriteDeadline(time.Now().Add(w.timeout))
	_, err := w.conn.Write(msg)
	if err != nil {
		return err
	}
	w.lastMessageSent = time.Now()
	return nil
}

func frame(id int, payload ...[]byte) []byte {
	total := 1
	for _, p := range payload {
		total += len(p)
	}
	b := &bytes.Buffer{}
	binary.Write(b, binary.BigEndian, uint32(total))
	binary.Write(b, binary.BigEndian, uint8(id))
	for _, p := range payload {
		b.Write(p)
	}
	return b.Bytes()
}

func be32(v int) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, uint32(v))
	return b
}

func (w *wire) SendKeepAlive() error {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, 0)
	return w.send(b)
}

func (w *wire) SendChoke() error         { return w.send(frame(Choke)) }
func (w *wire) SendUnchoke() error       { return w.send(frame(Unchoke)) }
func (w *wire) SendInterested() error    { return w.send(frame(Interested)) }
func (w *wire) SendNotInterested() error { return w.send(frame(NotInterested)) }
func (w *wire) SendHaveAll() error       { return w.send(frame(HaveAll)) }
func (w *wire) SendHaveNone() error      { return w.send(frame(HaveNone)) }

func (w *wire) SendHave(pieceIndex int) error {
	return w.send(frame(Have, be32(pieceIndex)))
}

func (w *wire) SendSuggestPiece(pieceIndex int) error {
	return w.send(frame(SuggestPiece, be32(pieceIndex)))
}

func (w *wire) SendAllowedFast(pieceIndex int) error {
	return w.send(frame(AllowedFast, be32(pieceIndex)))
}

func (w *wire) SendBitfield(bitfield []byte) error {
	return w.send(frame(Bitfield, bitfield))
}

func (w *wire) SendRequest(pieceIndex, begin, length int) error {
	return w.send(frame(Request, be32(pieceIndex), be32(begin), be32(length)))
}

func (w *wire) SendCancel(pieceIndex, begin, length int) error {
	return w.send(frame(Cancel, be32(pieceIndex), be32(begin), be32(length)))
}

func (w *wire) SendRejectRequest(pieceIndex, begin, length int) error {
	return w.send(frame(RejectRequest, be32(pieceIndex), be32(begin), be32(length)))
}

func (w *wire) SendPiece(pieceIndex, begin int, block []byte) error {
	return w.send(frame(Piece, be32(pieceIndex), be32(begin), block))
}

func (w *wire) SendPort(port uint16) error {
	b := make([]byte, 2)
	binary.BigEndian.PutUint16(b, port)
	return w.send(frame(Port, b))
}

// ParseRequestPayload decodes the (pieceIndex, begin, length) triple
// shared by Request, Cancel and RejectRequest.
func ParseRequestPayload(payload []byte) (pieceIndex, begin, length int, err error) {
	if len(payload) < 12 {
		return 0, 0, 0, fmt.Errorf("wire: short request payload")
	}
	return int(binary.BigEndian.Uint32(payload[0:4])),
		int(binary.BigEndian.Uint32(payload[4:8])),
		int(binary.BigEndian.Uint32(payload[8:12])),
		nil
}

// ParsePiecePayload decodes a Piece frame's (pieceIndex, begin, block).
func ParsePiecePayload(payload []byte) (pieceIndex, begin int, block []byte, err error) {
	if len(payload) < 8 {
		return 0, 0, nil, fmt.Errorf("wire: short piece payload")
	}
	return int(binary.BigEndian.Uint32(payload[0:4])),
		int(binary.BigEndian.Uint32(payload[4:8])),
		payload[8:],
		nil
}

// ParseIndexPayload decodes the single piece-index payload shared by
// Have, SuggestPiece and AllowedFast.
func ParseIndexPayload(payload []byte) (int, error) {
	if len(payload) < 4 {
		return 0, fmt.Errorf("wire: short index payload")
	}
	return int(binary.BigEndian.Uint32(payload[0:4])), nil
}
