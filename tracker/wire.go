package tracker

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"net"
)

// protocolMagic is the fixed connection_id used to request a fresh one
// (BEP-15 §"Connect").
const protocolMagic int64 = 0x41727101980

const (
	actionConnect  int32 = 0
	actionAnnounce int32 = 1
	actionScrape   int32 = 2
	actionError    int32 = 3
)

// Event names the announce event field.
type Event int32

const (
	EventNone      Event = 0
	EventCompleted Event = 1
	EventStarted   Event = 2
	EventStopped   Event = 3
)

func encodeConnectRequest(transactionID int32) []byte {
	b := &bytes.Buffer{}
	binary.Write(b, binary.BigEndian, protocolMagic)
	binary.Write(b, binary.BigEndian, actionConnect)
	binary.Write(b, binary.BigEndian, transactionID)
	return b.Bytes()
}

func decodeConnectResponse(data []byte, wantTransactionID int32) (connectionID int64, err error) {
	if len(data) < 16 {
		return 0, fmt.Errorf("tracker: short connect response")
	}
	action := int32(binary.BigEndian.Uint32(data[0:4]))
	transactionID := int32(binary.BigEndian.Uint32(data[4:8]))
	if transactionID != wantTransactionID {
		return 0, fmt.Errorf("tracker: transaction id mismatch")
	}
	if action != actionConnect {
		return 0, decodeErrorAction(action, data[8:])
	}
	return int64(binary.BigEndian.Uint64(data[8:16])), nil
}

// AnnounceRequest carries every field BEP-15's announce packet needs
// beyond the connection id and transaction id the manager supplies.
type AnnounceRequest struct {
	InfoHash   [20]byte
	PeerID     [20]byte
	Downloaded int64
	Left       int64
	Uploaded   int64
	Event      Event
	IP         uint32
	Key        uint32
	NumWant    int32
	Port       uint16
}

// AnnounceResponse is the tracker's reply: rebalance interval, swarm
// counts, and the compact peer list.
type AnnounceResponse struct {
	Interval int32
	Leechers int32
	Seeders  int32
	Peers    []net.TCPAddr
}

func encodeAnnounceRequest(connectionID int64, transactionID int32, r AnnounceRequest) []byte {
	b := &bytes.Buffer{}
	binary.Write(b, binary.BigEndian, connectionID)
	binary.Write(b, binary.BigEndian, actionAnnounce)
	binary.Write(b, binary.BigEndian, transactionID)
	b.Write(r.InfoHash[:])
	b.Write(r.PeerID[:])
	binary.Write(b, binary.BigEndian, r.Downloaded)
	binary.Write(b, binary.BigEndian, r.Left)
	binary.Write(b, binary.BigEndian, r.Uploaded)
	binary.Write(b, binary.BigEndian, int32(r.Event))
	binary.Write(b, binary.BigEndian, r.IP)
	binary.Write(b, binary.BigEndian, r.Key)
	binary.Write(b, binary.BigEndian, r.NumWant)
	binary.Write(b, binary.BigEndian, r.Port)
	return b.Bytes()
}

func decodeAnnounceResponse(data []byte, wantTransactionID int32) (AnnounceResponse, error) {
	if len(data) < 20 {
		return AnnounceResponse{}, fmt.Errorf("tracker: short announce response")
	}
	action := int32(binary.BigEndian.Uint32(data[0:4]))
	transactionID := int32(binary.BigEndian.Uint32(data[4:8]))
	if transactionID != wantTransactionID {
		return AnnounceResponse{}, fmt.Errorf("tracker: transaction id mismatch")
	}
	if action != actionAnnounce {
		return AnnounceResponse{}, decodeErrorAction(action, data[8:])
	}

	resp := AnnounceResponse{
		Interval: int32(binary.BigEndian.Uint32(data[8:12])),
		Leechers: int32(binary.BigEndian.Uint32(data[12:16])),
		Seeders:  int32(binary.BigEndian.Uint32(data[16:20])),
	}
	peers := data[20:]
	for i := 0; i+6 <= len(peers); i += 6 {
		ip := net.IPv4(peers[i], peers[i+1], peers[i+2], peers[i+3])
		port := binary.BigEndian.Uint16(peers[i+4 : i+6])
		resp.Peers = append(resp.Peers, net.TCPAddr{IP: ip, Port: int(port)})
	}
	return resp, nil
}

// ScrapeResult is one info hash's swarm statistics.
type ScrapeResult struct {
	Seeders   int32
	Completed int32
	Leechers  int32
}

func encodeScrapeRequest(connectionID int64, transactionID int32, infoHashes [][20]byte) []byte {
	b := &bytes.Buffer{}
	binary.Write(b, binary.BigEndian, connectionID)
	binary.Write(b, binary.BigEndian, actionScrape)
	binary.Write(b, binary.BigEndian, transactionID)
	for _, h := range infoHashes {
		b.Write(h[:])
	}
	return b.Bytes()
}

func decodeScrapeResponse(data []byte, wantTransactionID int32, count int) ([]ScrapeResult, error) {
	if len(data) < 8+12*count {
		return nil, fmt.Errorf("tracker: short scrape response")
	}
	action := int32(binary.BigEndian.Uint32(data[0:4]))
	transactionID := int32(binary.BigEndian.Uint32(data[4:8]))
	if transactionID != wantTransactionID {
		return nil, fmt.Errorf("tracker: transaction id mismatch")
	}
	if action != actionScrape {
		return nil, decodeErrorAction(action, data[8:])
	}

	results := make([]ScrapeResult, count)
	for i := 0; i < count; i++ {
		off := 8 + i*12
		results[i] = ScrapeResult{
			Seeders:   int32(binary.BigEndian.Uint32(data[off : off+4])),
			Completed: int32(binary.BigEndian.Uint32(data[off+4 : off+8])),
			Leechers:  int32(binary.BigEndian.Uint32(data[off+8 : off+12])),
		}
	}
	return results, nil
}

func decodeErrorAction(action int32, message []byte) error {
	if action == actionError {
		return &Error{Kind: QueryFailed, Message: string(message)}
	}
	return &Error{Kind: UnexpectedResponse, Message: fmt.Sprintf("unexpected action %d", action)}
}
