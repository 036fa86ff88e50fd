// Package piece implements piece verification, block assembly, and
// bitfield ownership on top of a storage.Map.
package piece

import (
	"bytes"
	"crypto/sha1"
	"fmt"
	"sync"

	bitmap "github.com/boljen/go-bitmap"
	mapset "github.com/deckarep/golang-set"

	"github.com/haldis-io/torrentcore/storage"
)

// BlockSize is the conventional request unit length (16 KiB).
const BlockSize = 16384

// BlockIx names a block request within a piece.
type BlockIx struct {
	PieceIndex int
	Offset     int
	Length     int
}

// Block is a block of piece data received from, or destined for, a
// peer. Origin is the session that sent it, tracked so a piece that
// fails its checksum can name its contributors for banning.
type Block struct {
	PieceIndex int
	Offset     int
	Data       []byte
	Origin     string
}

type pieceStatus int

const (
	statusMissing pieceStatus = iota
	statusPartial
	statusComplete
)

type pieceState struct {
	status      pieceStatus
	length      int
	received    []bool
	buf         []byte
	numReceived int
	owners      mapset.Set
}

// Store owns block accounting for one torrent's pieces atop a mapped
// storage region.
type Store struct {
	mu          sync.RWMutex
	m           *storage.Map
	pieceLength int64
	totalLength int64
	numPieces   int
	hashes      [][20]byte
	bitfield    bitmap.Bitmap
	pieces      []*pieceState
}

// NewStore builds a Store over m. pieceLength and hashes come from
// the torrent's metainfo; the final piece may be shorter than
// pieceLength, computed from m.Size().
func NewStore(m *storage.Map, pieceLength int64, hashes [][20]byte) (*Store, error) {
	if pieceLength <= 0 {
		return nil, fmt.Errorf("piece: piece length must be positive")
	}
	numPieces := len(hashes)
	if numPieces == 0 {
		return nil, fmt.Errorf("piece: no piece hashes")
	}

	s := &Store{
		m:           m,
		pieceLength: pieceLength,
		totalLength: m.Size(),
		numPieces:   numPieces,
		hashes:      hashes,
		bitfield:    bitmap.New(numPieces),
		pieces:      make([]*pieceState, numPieces),
	}
	for i := 0; i < numPieces; i++ {
		s.pieces[i] = &pieceState{
			length: s.pieceByteLength(i),
			owners: mapset.NewSet(),
		}
	}
	return s, nil
}

func (s *Store) pieceByteLength(index int) int {
	if index < s.numPieces-1 {
		return int(s.pieceLength)
	}
	last := s.totalLength - int64(s.numPieces-1)*s.pieceLength
	return int(last)
}

// GetBlock reads a block's bytes at piece_size*index + offset.
func (s *Store) GetBlock(index, offset, length int) ([]byte, error) {
	if index < 0 || index >= s.numPieces {
		return nil, fmt.Errorf("piece: index %d out of range", index)
	}
	base := int64(index)*s.pieceLength + int64(offset)
	return s.m.Read(base, int64(length))
}

// PutBlock writes block bytes into the in-memory piece buffer and, if
// this completes the piece, verifies its SHA-1 hash and commits it to
// the storage map. It returns true iff the write completed the piece
// AND the hash matched.
//
// On a hash mismatch the piece is reset to Missing and its
// contributing origins are returned so the caller can act on them
// (e.g. ban); a completed, verified piece is never demoted.
func (s *Store) PutBlock(b Block) (completed bool, culprits mapset.Set, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if b.PieceIndex < 0 || b.PieceIndex >= s.numPieces {
		return false, nil, fmt.Errorf("piece: index %d out of range", b.PieceIndex)
	}
	ps := s.pieces[b.PieceIndex]
	if ps.status == statusComplete {
		return false, nil, nil
	}
	if b.Offset < 0 || b.Offset+len(b.Data) > ps.length {
		return false, nil, fmt.Errorf("piece: block out of piece bounds")
	}

	if ps.buf == nil {
		ps.buf = make([]byte, ps.length)
		ps.received = make([]bool, blocksIn(ps.length))
	}
	copy(ps.buf[b.Offset:], b.Data)
	blockIdx := b.Offset / BlockSize
	if !ps.received[blockIdx] {
		ps.received[blockIdx] = true
		ps.numReceived++
	}
	ps.owners.Add(b.Origin)
	ps.status = statusPartial

	if ps.numReceived < len(ps.received) {
		return false, nil, nil
	}

	expected := s.hashes[b.PieceIndex]
	actual := sha1.Sum(ps.buf)
	if !bytes.Equal(expected[:], actual[:]) {
		culprits = ps.owners
		ps.status = statusMissing
		ps.buf = nil
		ps.received = nil
		ps.numReceived = 0
		ps.owners = mapset.NewSet()
		return false, culprits, nil
	}

	if _, err = s.m.Write(int64(b.PieceIndex)*s.pieceLength, ps.buf); err != nil {
		return false, nil, err
	}
	ps.status = statusComplete
	ps.buf = nil
	ps.received = nil
	s.bitfield.Set(b.PieceIndex, true)
	return true, nil, nil
}

func blocksIn(length int) int {
	n := length / BlockSize
	if length%BlockSize != 0 {
		n++
	}
	return n
}

// SelectBlock yields the block requests needed to complete
// pieceIndex, sequentially within the piece.
func (s *Store) SelectBlock(pieceIndex int) []BlockIx {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if pieceIndex < 0 || pieceIndex >= s.numPieces {
		return nil
	}
	ps := s.pieces[pieceIndex]
	if ps.status == statusComplete {
		return nil
	}

	n := blocksIn(ps.length)
	out := make([]BlockIx, 0, n)
	for i := 0; i < n; i++ {
		if ps.received != nil && ps.received[i] {
			continue
		}
		offset := i * BlockSize
		length := BlockSize
		if offset+length > ps.length {
			length = ps.length - offset
		}
		out = append(out, BlockIx{PieceIndex: pieceIndex, Offset: offset, Length: length})
	}
	return out
}

// ClientBitfield returns a snapshot of the verified-piece set.
func (s *Store) ClientBitfield() bitmap.Bitmap {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return bitmap.Bitmap(s.bitfield.Data(true))
}

// NumPieces reports the piece count N.
func (s *Store) NumPieces() int { return s.numPieces }
