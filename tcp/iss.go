package tcp

import (
	"encoding/binary"
	"fmt"
	"io"

	"golang.org/x/crypto/blake2s"
)

// issGenerator produces initial send sequence numbers following RFC 6528:
// ISN = M + F(localip, localport, remoteip, remoteport, secretkey)
// where M is a 4 microsecond timer and F a keyed hash.
type issGenerator struct {
	secret [blake2s.Size]byte
	clock  Clock
}

func newISSGenerator(rand io.Reader, clock Clock) (*issGenerator, error) {
	g := &issGenerator{clock: clock}
	if _, err := io.ReadFull(rand, g.secret[:]); err != nil {
		return nil, fmt.Errorf("tcp: reading ISS secret: %w", err)
	}
	return g, nil
}

func (g *issGenerator) next(laddr, raddr [4]byte, lport, rport uint16) Value {
	h, err := blake2s.New128(g.secret[:])
	if err != nil {
		panic(err) // Key size is fixed.
	}
	var buf [12]byte
	copy(buf[0:4], laddr[:])
	copy(buf[4:8], raddr[:])
	binary.BigEndian.PutUint16(buf[8:10], lport)
	binary.BigEndian.PutUint16(buf[10:12], rport)
	h.Write(buf[:])
	f := binary.BigEndian.Uint32(h.Sum(nil))
	m := uint32(g.clock.Now().UnixMicro() / 4)
	return Value(f + m)
}
