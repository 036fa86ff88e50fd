// Package metainfo decodes just enough of a .torrent file to hand the
// storage and piece layers what they need: an info hash, a file
// layout, and a piece hash list. It is not a general bencode/metainfo
// parser.
package metainfo

import (
	"bytes"
	"crypto/sha1"
	"fmt"
	"io"

	bencode "github.com/jackpal/bencode-go"

	"github.com/haldis-io/torrentcore/storage"
)

type rawFile struct {
	Length int      `bencode:"length"`
	Path   []string `bencode:"path"`
}

type rawInfo struct {
	PieceLength int       `bencode:"piece length"`
	Pieces      string    `bencode:"pieces"`
	Name        string    `bencode:"name"`
	Length      int       `bencode:"length"`
	Files       []rawFile `bencode:"files"`
}

type rawMetaInfo struct {
	Info         rawInfo    `bencode:"info"`
	Announce     string     `bencode:"announce"`
	AnnounceList [][]string `bencode:"announce-list"`
}

// Info is a decoded .torrent file reduced to what storage.Open and
// piece.NewStore need.
type Info struct {
	InfoHash     [20]byte
	Announce     string
	AnnounceList [][]string
	PieceLength  int64
	TotalLength  int64
	Hashes       [][20]byte
	Files        []storage.FileEntry
}

// Decode reads a bencoded .torrent file and reduces it to an Info.
func Decode(r io.ReadSeeker) (*Info, error) {
	top, err := bencode.Decode(r)
	if err != nil {
		return nil, fmt.Errorf("metainfo: decode: %w", err)
	}
	topMap, ok := top.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("metainfo: malformed torrent file")
	}
	infoValue, ok := topMap["info"]
	if !ok {
		return nil, fmt.Errorf("metainfo: missing info dict")
	}

	infoBencode := &bytes.Buffer{}
	if err := bencode.Marshal(infoBencode, infoValue); err != nil {
		return nil, fmt.Errorf("metainfo: re-marshal info: %w", err)
	}
	infoHash := sha1.Sum(infoBencode.Bytes())

	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	var raw rawMetaInfo
	if err := bencode.Unmarshal(r, &raw); err != nil {
		return nil, fmt.Errorf("metainfo: unmarshal: %w", err)
	}

	if len(raw.Info.Pieces)%20 != 0 {
		return nil, fmt.Errorf("metainfo: pieces field is not a multiple of 20 bytes")
	}
	numPieces := len(raw.Info.Pieces) / 20
	hashes := make([][20]byte, numPieces)
	for i := 0; i < numPieces; i++ {
		copy(hashes[i][:], raw.Info.Pieces[i*20:(i+1)*20])
	}

	info := &Info{
		InfoHash:     infoHash,
		Announce:     raw.Announce,
		AnnounceList: raw.AnnounceList,
		PieceLength:  int64(raw.Info.PieceLength),
		Hashes:       hashes,
	}

	if len(raw.Info.Files) > 0 {
		for _, f := range raw.Info.Files {
			info.Files = append(info.Files, storage.FileEntry{
				Path:         joinPath(raw.Info.Name, f.Path),
				ExpectedSize: int64(f.Length),
			})
			info.TotalLength += int64(f.Length)
		}
	} else {
		info.Files = []storage.FileEntry{{Path: raw.Info.Name, ExpectedSize: int64(raw.Info.Length)}}
		info.TotalLength = int64(raw.Info.Length)
	}
	return info, nil
}

func joinPath(root string, segs []string) string {
	path := root
	for _, s := range segs {
		path += "/" + s
	}
	return path
}
