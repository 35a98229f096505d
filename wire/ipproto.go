package wire

// IPProto is an IP protocol number, as carried in the IPv4 Protocol field.
type IPProto uint8

// Protocol numbers this router's packet codec and NAT core care about.
// The full IANA registry is not reproduced: an unsupported protocol is
// simply dropped (§7), so only the numbers actually matched anywhere in
// this module are named.
const (
	IPProtoICMP IPProto = 1  // Internet Control Message [RFC792]
	IPProtoTCP  IPProto = 6  // Transmission Control [RFC793]
	IPProtoUDP  IPProto = 17 // User Datagram [RFC768]
)

func (p IPProto) String() string {
	switch p {
	case IPProtoICMP:
		return "ICMP"
	case IPProtoTCP:
		return "TCP"
	case IPProtoUDP:
		return "UDP"
	default:
		return "IPProto(" + itoa(uint8(p)) + ")"
	}
}

func itoa(v uint8) string {
	if v == 0 {
		return "0"
	}
	var buf [3]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	return string(buf[i:])
}
