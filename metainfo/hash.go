package metainfo

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
)

const HashSize = 20

// Hash is the SHA-1 of a torrent's bencoded info dictionary. It identifies
// the torrent to peers, trackers and the DHT.
type Hash [HashSize]byte

func (h Hash) Bytes() []byte {
	return h[:]
}

func (h Hash) HexString() string {
	return hex.EncodeToString(h[:])
}

func (h Hash) String() string {
	return h.HexString()
}

func NewHashFromHex(s string) (h Hash, err error) {
	if len(s) != 2*HashSize {
		return h, fmt.Errorf("hash hex string has length %d, expected %d", len(s), 2*HashSize)
	}
	n, err := hex.Decode(h[:], []byte(s))
	if err != nil {
		return h, err
	}
	if n != HashSize {
		panic(n)
	}
	return h, nil
}

// HashBytes returns the Hash of the given bytes.
func HashBytes(b []byte) (h Hash) {
	return sha1.Sum(b)
}
