package ktcp

import "strconv"

// IPProto represents the IP protocol number carried in the IPv4 header
// and in the transport checksum pseudo-header.
type IPProto uint8

// Protocol numbers the engine and its collaborators care about.
const (
	IPProtoICMP IPProto = 1  // ICMP
	IPProtoTCP  IPProto = 6  // TCP
	IPProtoUDP  IPProto = 17 // UDP
)

func (p IPProto) String() string {
	switch p {
	case IPProtoICMP:
		return "ICMP"
	case IPProtoTCP:
		return "TCP"
	case IPProtoUDP:
		return "UDP"
	}
	return "IPProto(" + strconv.Itoa(int(p)) + ")"
}
