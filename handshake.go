package torrent

import (
	"fmt"

	"github.com/driftbit/torrent/metainfo"
)

const protocolString = "BitTorrent protocol"

// handshakeLen is the fixed wire size: length prefix, protocol string,
// reserved bits, info hash, peer id.
const handshakeLen = 1 + len(protocolString) + 8 + 20 + 20

// Handshake is the first exchange on a peer connection. It carries the info
// hash the peer wants to talk about and the peer's identity.
type Handshake struct {
	Reserved [8]byte
	InfoHash metainfo.Hash
	PeerID   PeerID
}

// Peers advertising this reserved bit support the extension protocol used
// for metadata exchange.
const extensionBitExtended = 0x10 // reserved[5]

func (h Handshake) SupportsExtended() bool {
	return h.Reserved[5]&extensionBitExtended != 0
}

func (h Handshake) Bytes() []byte {
	b := make([]byte, 0, handshakeLen)
	b = append(b, byte(len(protocolString)))
	b = append(b, protocolString...)
	b = append(b, h.Reserved[:]...)
	b = append(b, h.InfoHash[:]...)
	b = append(b, h.PeerID[:]...)
	return b
}

// parseHandshake decodes a handshake from the front of b, returning the
// number of bytes consumed. Bytes past the handshake belong to the peer's
// message stream and must be preserved by the caller.
func parseHandshake(b []byte) (h Handshake, n int, err error) {
	if len(b) < handshakeLen {
		return h, 0, fmt.Errorf("%d bytes is too short for a handshake", len(b))
	}
	if int(b[0]) != len(protocolString) || string(b[1:1+len(protocolString)]) != protocolString {
		return h, 0, fmt.Errorf("unknown protocol string")
	}
	rest := b[1+len(protocolString):]
	copy(h.Reserved[:], rest)
	copy(h.InfoHash[:], rest[8:])
	copy(h.PeerID[:], rest[8+20:])
	return h, handshakeLen, nil
}
