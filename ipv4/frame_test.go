package ipv4

import (
	"math/rand"
	"net"
	"testing"

	"github.com/kstack/ktcp"
	xipv4 "golang.org/x/net/ipv4"
)

func TestFrameAgainstMarshal(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	v := new(ktcp.Validator)
	for i := 0; i < 100; i++ {
		payload := make([]byte, rng.Intn(64))
		rng.Read(payload)
		hdr := xipv4.Header{
			Version:  4,
			Len:      xipv4.HeaderLen,
			TotalLen: xipv4.HeaderLen + len(payload),
			ID:       rng.Intn(1 << 16),
			TTL:      1 + rng.Intn(255),
			Protocol: int(ktcp.IPProtoTCP),
			Src:      net.IPv4(10, 0, 0, byte(rng.Intn(255))).To4(),
			Dst:      net.IPv4(10, 0, 1, byte(rng.Intn(255))).To4(),
		}
		b, err := hdr.Marshal()
		if err != nil {
			t.Fatal(err)
		}
		ifrm, err := NewFrame(append(b, payload...))
		if err != nil {
			t.Fatal(err)
		}
		ifrm.SetTotalLength(uint16(hdr.TotalLen))
		ifrm.SetFlags(0)
		ifrm.SetCRC(ifrm.CalculateHeaderCRC())

		v.ResetErr()
		ifrm.ValidateExceptCRC(v)
		if v.Err() != nil {
			t.Fatal(v.Err())
		}
		var crc ktcp.CRC791
		crc.Write(ifrm.RawData()[:ifrm.HeaderLength()])
		if crc.Sum16() != 0 {
			t.Fatalf("header checksum does not verify: %#x", crc.Sum16())
		}
		if ifrm.ID() != uint16(hdr.ID) || int(ifrm.TTL()) != hdr.TTL {
			t.Fatalf("field mismatch: %s", ifrm.String())
		}
		ph := ifrm.PseudoHeader()
		if int(ph.Length) != len(payload) || ph.Proto != ktcp.IPProtoTCP {
			t.Fatalf("bad pseudo-header %+v", ph)
		}
		if string(ifrm.Payload()) != string(payload) {
			t.Fatal("payload mismatch")
		}
	}
}

func TestFrameRejectsFragments(t *testing.T) {
	var buf [40]byte
	ifrm, _ := NewFrame(buf[:])
	ifrm.SetVersionAndIHL(4, 5)
	ifrm.SetTotalLength(40)
	ifrm.SetFlags(FlagMoreFragments)
	v := new(ktcp.Validator)
	ifrm.ValidateExceptCRC(v)
	if v.Err() == nil {
		t.Fatal("expected fragment rejection")
	}
	v.ResetErr()
	ifrm.SetFlags(FlagDontFragment)
	ifrm.ValidateExceptCRC(v)
	if v.Err() != nil {
		t.Fatal(v.Err())
	}
}
