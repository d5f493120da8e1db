package torrent

import (
	"bytes"
	"encoding/binary"
	"io"
	"net"
	"testing"
	"time"

	bencode "github.com/jackpal/bencode-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftbit/torrent/metainfo"
)

// tcpPair is a connected loopback socket pair. Unlike net.Pipe the kernel
// buffers writes, which the metadata exchange relies on since requests are
// sent in a batch.
func tcpPair(t *testing.T) (client, server net.Conn) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := l.Accept()
		if err != nil {
			accepted <- nil
			return
		}
		accepted <- c
	}()
	client, err = net.Dial("tcp", l.Addr().String())
	require.NoError(t, err)
	server = <-accepted
	require.NotNil(t, server)
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	return
}

// servePeerMetadata plays the remote side of a metadata exchange on conn,
// serving infoBytes under the given ut_metadata id. Errors just end the
// serving; the client side's assertions catch them.
func servePeerMetadata(conn net.Conn, ih metainfo.Hash, infoBytes []byte, utId int64) {
	var hb [handshakeLen]byte
	if _, err := io.ReadFull(conn, hb[:]); err != nil {
		return
	}
	theirs, _, err := parseHandshake(hb[:])
	if err != nil || theirs.InfoHash != ih {
		return
	}

	reply := Handshake{InfoHash: ih, PeerID: PeerID{'r', 'e', 'm', 'o', 't', 'e'}}
	reply.Reserved[5] |= extensionBitExtended
	if _, err := conn.Write(reply.Bytes()); err != nil {
		return
	}

	var ehs bytes.Buffer
	err = bencode.Marshal(&ehs, map[string]interface{}{
		"m":             map[string]interface{}{"ut_metadata": utId},
		"metadata_size": int64(len(infoBytes)),
	})
	if err != nil {
		return
	}
	if err := writeExtendedMessage(conn, extHandshakeId, ehs.Bytes()); err != nil {
		return
	}

	for {
		extId, payload, err := readExtendedMessage(conn)
		if err != nil {
			return
		}
		if extId == extHandshakeId {
			continue
		}
		var req utMetadataMsg
		if err := bencode.Unmarshal(bytes.NewReader(payload), &req); err != nil {
			return
		}
		if req.MsgType != utMetadataRequest {
			return
		}
		i := int(req.Piece)
		begin := i * metadataPieceSize
		end := begin + pieceSizeAt(int64(len(infoBytes)), i)
		var hdr bytes.Buffer
		err = bencode.Marshal(&hdr, map[string]interface{}{
			"msg_type":   int64(utMetadataData),
			"piece":      req.Piece,
			"total_size": int64(len(infoBytes)),
		})
		if err != nil {
			return
		}
		body := append(hdr.Bytes(), infoBytes[begin:end]...)
		if err := writeExtendedMessage(conn, localUtMetadataId, body); err != nil {
			return
		}
	}
}

func TestFetchMetadataConn(t *testing.T) {
	// Big enough to span multiple metadata pieces.
	info := testInfo("big", 64<<20, 16<<10, 4096)
	infoBytes := bencodeTestInfo(t, info)
	require.Greater(t, len(infoBytes), metadataPieceSize)
	ih := metainfo.HashBytes(infoBytes)

	client, server := tcpPair(t)
	go servePeerMetadata(server, ih, infoBytes, 3)

	got, err := fetchMetadataConn(client, ih, generatePeerID(), 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, infoBytes, got)
	assert.Equal(t, ih, metainfo.HashBytes(got))
}

func TestFetchMetadataConnRejectsNoExtensionSupport(t *testing.T) {
	client, server := tcpPair(t)
	ih := metainfo.Hash{1}
	go func() {
		var hb [handshakeLen]byte
		if _, err := io.ReadFull(server, hb[:]); err != nil {
			return
		}
		// No extension bit in the reply.
		server.Write(Handshake{InfoHash: ih}.Bytes())
	}()
	_, err := fetchMetadataConn(client, ih, generatePeerID(), 5*time.Second)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "extension protocol")
}

func TestFetchMetadataConnRejectsWrongInfoHash(t *testing.T) {
	client, server := tcpPair(t)
	go func() {
		var hb [handshakeLen]byte
		if _, err := io.ReadFull(server, hb[:]); err != nil {
			return
		}
		reply := Handshake{InfoHash: metainfo.Hash{2}}
		reply.Reserved[5] |= extensionBitExtended
		server.Write(reply.Bytes())
	}()
	_, err := fetchMetadataConn(client, metainfo.Hash{1}, generatePeerID(), 5*time.Second)
	require.Error(t, err)
}

func TestParseExtHandshake(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, bencode.Marshal(&buf, map[string]interface{}{
		"m": map[string]interface{}{
			"ut_metadata": int64(3),
			"ut_pex":      int64(1),
		},
		"metadata_size": int64(31235),
		"v":             "some client",
	}))
	utId, size, err := parseExtHandshake(buf.Bytes())
	require.NoError(t, err)
	assert.EqualValues(t, 3, utId)
	assert.EqualValues(t, 31235, size)
}

func TestParseExtHandshakeNoUtMetadata(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, bencode.Marshal(&buf, map[string]interface{}{
		"m": map[string]interface{}{"ut_pex": int64(1)},
	}))
	utId, _, err := parseExtHandshake(buf.Bytes())
	require.NoError(t, err)
	assert.Zero(t, utId)
}

func TestPieceSizeAt(t *testing.T) {
	assert.Equal(t, metadataPieceSize, pieceSizeAt(2*metadataPieceSize+100, 0))
	assert.Equal(t, metadataPieceSize, pieceSizeAt(2*metadataPieceSize+100, 1))
	assert.Equal(t, 100, pieceSizeAt(2*metadataPieceSize+100, 2))
}

func TestReadExtendedMessageSkipsOtherTraffic(t *testing.T) {
	var buf bytes.Buffer
	// Keep-alive.
	buf.Write([]byte{0, 0, 0, 0})
	// A choke message.
	binary.Write(&buf, binary.BigEndian, uint32(1))
	buf.WriteByte(0)
	// The extended message we're after.
	require.NoError(t, writeExtendedMessage(&buf, 7, []byte("payload")))

	extId, payload, err := readExtendedMessage(&buf)
	require.NoError(t, err)
	assert.EqualValues(t, 7, extId)
	assert.Equal(t, "payload", string(payload))
}
