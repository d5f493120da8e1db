package torrent

import (
	"crypto/rand"
	"fmt"
)

// Azureus-style client identifier prefix for generated peer ids.
const bep20Prefix = "-DB0001-"

// PeerID is the 20 byte peer identity exchanged in handshakes.
type PeerID [20]byte

func (id PeerID) String() string {
	return fmt.Sprintf("%q", id[:])
}

func generatePeerID() (id PeerID) {
	n := copy(id[:], bep20Prefix)
	_, err := rand.Read(id[n:])
	if err != nil {
		panic(err)
	}
	return
}
