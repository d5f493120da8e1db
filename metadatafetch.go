package torrent

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"time"

	bencode "github.com/jackpal/bencode-go"

	"github.com/driftbit/torrent/metainfo"
)

// Extension protocol (bep 10) and metadata exchange (bep 9) constants.
const (
	msgIdExtended      = 20
	extHandshakeId     = 0
	localUtMetadataId  = 1
	metadataPieceSize  = 16 << 10
	maxMetadataSize    = 8 << 20
	maxPeerMessageSize = 1 << 20
)

const (
	utMetadataRequest = 0
	utMetadataData    = 1
	utMetadataReject  = 2
)

// The nested m dict is decoded generically: the bencode decoder produces
// plain ints for nested dictionary values and panics assigning them into a
// typed map.
type extHandshakeMsg struct {
	M            map[string]interface{} `bencode:"m"`
	MetadataSize int64                  `bencode:"metadata_size"`
}

func bencodeInt(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	}
	return 0
}

// parseExtHandshake pulls the peer's ut_metadata message id and declared
// metadata size out of its extended handshake payload.
func parseExtHandshake(payload []byte) (utMetadata, metadataSize int64, err error) {
	var eh extHandshakeMsg
	if err := bencode.Unmarshal(bytes.NewReader(payload), &eh); err != nil {
		return 0, 0, fmt.Errorf("error decoding extended handshake: %w", err)
	}
	return bencodeInt(eh.M["ut_metadata"]), eh.MetadataSize, nil
}

type utMetadataMsg struct {
	MsgType   int64 `bencode:"msg_type"`
	Piece     int64 `bencode:"piece"`
	TotalSize int64 `bencode:"total_size"`
}

// wireMetadataFetcher speaks just enough of the peer protocol to pull the
// info dictionary over the metadata extension. Each call dials, handshakes,
// requests every metadata piece and reassembles the payload; the caller
// verifies the hash.
type wireMetadataFetcher struct {
	peerID PeerID
}

var _ MetadataFetcher = wireMetadataFetcher{}

func (f wireMetadataFetcher) FetchMetadata(ctx context.Context, addr string, ih metainfo.Hash, opts PeerConnectionOptions) ([]byte, error) {
	d := net.Dialer{Timeout: opts.ConnectTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("error dialing: %w", err)
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() {
		conn.SetDeadline(time.Now())
	})
	defer stop()
	return fetchMetadataConn(conn, ih, f.peerID, opts.ReadWriteTimeout)
}

func fetchMetadataConn(conn net.Conn, ih metainfo.Hash, peerID PeerID, rwTimeout time.Duration) ([]byte, error) {
	ours := Handshake{InfoHash: ih, PeerID: peerID}
	ours.Reserved[5] |= extensionBitExtended
	conn.SetDeadline(time.Now().Add(rwTimeout))
	if _, err := conn.Write(ours.Bytes()); err != nil {
		return nil, fmt.Errorf("error writing handshake: %w", err)
	}
	var hb [handshakeLen]byte
	if _, err := io.ReadFull(conn, hb[:]); err != nil {
		return nil, fmt.Errorf("error reading handshake: %w", err)
	}
	theirs, _, err := parseHandshake(hb[:])
	if err != nil {
		return nil, err
	}
	if theirs.InfoHash != ih {
		return nil, fmt.Errorf("peer handshook for %v, wanted %v", theirs.InfoHash, ih)
	}
	if !theirs.SupportsExtended() {
		return nil, fmt.Errorf("peer does not support the extension protocol")
	}

	var ehs bytes.Buffer
	err = bencode.Marshal(&ehs, map[string]interface{}{
		"m": map[string]interface{}{"ut_metadata": int64(localUtMetadataId)},
	})
	if err != nil {
		return nil, err
	}
	if err := writeExtendedMessage(conn, extHandshakeId, ehs.Bytes()); err != nil {
		return nil, err
	}

	// Wait for the peer's extended handshake to learn its ut_metadata id and
	// the metadata size. Anything else on the wire at this point is skipped.
	var theirUtMetadata, metadataSize int64
	for theirUtMetadata == 0 {
		conn.SetDeadline(time.Now().Add(rwTimeout))
		extId, payload, err := readExtendedMessage(conn)
		if err != nil {
			return nil, err
		}
		if extId != extHandshakeId {
			continue
		}
		theirUtMetadata, metadataSize, err = parseExtHandshake(payload)
		if err != nil {
			return nil, err
		}
		if theirUtMetadata == 0 {
			return nil, fmt.Errorf("peer does not support metadata exchange")
		}
	}
	if metadataSize <= 0 || metadataSize > maxMetadataSize {
		return nil, fmt.Errorf("peer declared metadata size %d", metadataSize)
	}

	numPieces := int((metadataSize + metadataPieceSize - 1) / metadataPieceSize)
	for i := 0; i < numPieces; i++ {
		var req bytes.Buffer
		err := bencode.Marshal(&req, map[string]interface{}{
			"msg_type": int64(utMetadataRequest),
			"piece":    int64(i),
		})
		if err != nil {
			return nil, err
		}
		conn.SetDeadline(time.Now().Add(rwTimeout))
		if err := writeExtendedMessage(conn, byte(theirUtMetadata), req.Bytes()); err != nil {
			return nil, err
		}
	}

	buf := make([]byte, metadataSize)
	received := make([]bool, numPieces)
	remaining := numPieces
	for remaining > 0 {
		conn.SetDeadline(time.Now().Add(rwTimeout))
		extId, payload, err := readExtendedMessage(conn)
		if err != nil {
			return nil, err
		}
		if extId != localUtMetadataId {
			continue
		}
		var msg utMetadataMsg
		if err := bencode.Unmarshal(bytes.NewReader(payload), &msg); err != nil {
			return nil, fmt.Errorf("error decoding metadata message: %w", err)
		}
		switch msg.MsgType {
		case utMetadataData:
		case utMetadataReject:
			return nil, fmt.Errorf("peer rejected metadata piece %d", msg.Piece)
		default:
			continue
		}
		i := int(msg.Piece)
		if i < 0 || i >= numPieces || received[i] {
			continue
		}
		want := pieceSizeAt(metadataSize, i)
		if len(payload) < want {
			return nil, fmt.Errorf("metadata piece %d payload is %d bytes, wanted %d", i, len(payload), want)
		}
		// The piece bytes trail the bencoded header at the end of the
		// message payload.
		copy(buf[i*metadataPieceSize:], payload[len(payload)-want:])
		received[i] = true
		remaining--
	}
	return buf, nil
}

func pieceSizeAt(totalSize int64, i int) int {
	begin := int64(i) * metadataPieceSize
	if rem := totalSize - begin; rem < metadataPieceSize {
		return int(rem)
	}
	return metadataPieceSize
}

func writeExtendedMessage(w io.Writer, extId byte, payload []byte) error {
	var hdr [6]byte
	binary.BigEndian.PutUint32(hdr[:4], uint32(2+len(payload)))
	hdr[4] = msgIdExtended
	hdr[5] = extId
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// readExtendedMessage reads peer protocol messages until an extended one
// arrives, skipping keep-alives and regular messages.
func readExtendedMessage(r io.Reader) (extId byte, payload []byte, err error) {
	for {
		var lenb [4]byte
		if _, err := io.ReadFull(r, lenb[:]); err != nil {
			return 0, nil, fmt.Errorf("error reading message length: %w", err)
		}
		n := binary.BigEndian.Uint32(lenb[:])
		if n == 0 {
			// Keep-alive.
			continue
		}
		if n > maxPeerMessageSize {
			return 0, nil, fmt.Errorf("peer message of %d bytes exceeds limit", n)
		}
		body := make([]byte, n)
		if _, err := io.ReadFull(r, body); err != nil {
			return 0, nil, fmt.Errorf("error reading message body: %w", err)
		}
		if body[0] != msgIdExtended || len(body) < 2 {
			continue
		}
		return body[1], body[2:], nil
	}
}
