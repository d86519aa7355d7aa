package tcp

import (
	"crypto/rand"
	"encoding/binary"
	"sync"
	"time"

	"golang.org/x/crypto/blake2b"
)

var (
	issOnce sync.Once
	issKey  [32]byte
)

// newISS derives the initial send sequence number for a connection as per
// RFC 6528: a 4 microsecond clock term plus a keyed hash of the connection
// tuple, so that reincarnations of the same 4-tuple do not collide while
// different tuples remain unpredictable to off-path attackers.
func newISS(localAddr, peerAddr [16]byte, localPort, peerPort uint16) Value {
	issOnce.Do(func() {
		if _, err := rand.Read(issKey[:]); err != nil {
			panic("tcp: no entropy for ISS key: " + err.Error())
		}
	})
	h, err := blake2b.New256(issKey[:])
	if err != nil {
		panic(err)
	}
	var ports [4]byte
	binary.BigEndian.PutUint16(ports[0:2], localPort)
	binary.BigEndian.PutUint16(ports[2:4], peerPort)
	h.Write(localAddr[:])
	h.Write(peerAddr[:])
	h.Write(ports[:])
	sum := h.Sum(nil)
	f := Value(binary.LittleEndian.Uint32(sum))
	m := Value(time.Now().UnixNano() / 4000) // 4us tick of RFC 793.
	return m + f
}
