package xdp

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	EthernetHeaderLen = 14
	IPv4HeaderLen     = 20
	TCPHeaderLen      = 20
	UDPHeaderLen      = 8
	ICMPHeaderLen     = 8

	EthTypeIPv4 = 0x0800

	ProtoICMP = 1
	ProtoTCP  = 6
	ProtoUDP  = 17
)

// TCP flag bits as packed by TCPHeader.Flags.
const (
	TCPFlagFIN = 0x01
	TCPFlagSYN = 0x02
	TCPFlagRST = 0x04
	TCPFlagPSH = 0x08
	TCPFlagACK = 0x10
	TCPFlagURG = 0x20
)

// ICMP error-class message types that embed the offending packet.
const (
	ICMPDestUnreach   = 3
	ICMPSourceQuench  = 4
	ICMPTimeExceeded  = 11
	ICMPParameterProb = 12
)

var (
	ErrPacketTooShort = errors.New("packet too short")
	ErrBadHeaderLen   = errors.New("invalid IPv4 header length")
)

// EthernetHeader represents the Ethernet frame header.
type EthernetHeader struct {
	DstMAC  [6]byte
	SrcMAC  [6]byte
	EthType uint16 // 0x0800 IPv4
}

// IPv4Header represents the fixed part of an IPv4 header.
// Addresses are the network-order bytes read as a big-endian value.
type IPv4Header struct {
	Version     uint8
	IHL         uint8 // 32-bit words
	TOS         uint8
	TotalLength uint16
	ID          uint16
	TTL         uint8
	Protocol    uint8
	SrcIP       uint32
	DstIP       uint32
}

// HeaderLen returns the declared header length in bytes.
func (h IPv4Header) HeaderLen() int {
	return int(h.IHL) * 4
}

// PayloadLen returns TotalLength minus the header length, clamped at zero.
func (h IPv4Header) PayloadLen() uint32 {
	n := int(h.TotalLength) - h.HeaderLen()
	if n < 0 {
		return 0
	}
	return uint32(n)
}

// TCPHeader represents the fields of a TCP header the tracker cares about.
type TCPHeader struct {
	SrcPort uint16
	DstPort uint16
	Seq     uint32
	Ack     uint32
	Flags   uint8 // FIN|SYN<<1|RST<<2|PSH<<3|ACK<<4|URG<<5
	Window  uint16
}

// UDPHeader represents the UDP header.
type UDPHeader struct {
	SrcPort  uint16
	DstPort  uint16
	Length   uint16
	Checksum uint16
}

// ICMPHeader represents the fixed 8-byte ICMP header.
type ICMPHeader struct {
	Type     uint8
	Code     uint8
	Checksum uint16
	Rest     uint32
}

// InnerPacket is the tuple recovered from the packet embedded in an ICMP error.
// Fields that could not be read stay zero.
type InnerPacket struct {
	SrcIP    uint32
	DstIP    uint32
	Protocol uint8
	SrcPort  uint16
	DstPort  uint16
}

// ParseEthernetHeader parses the given data as an Ethernet header.
func ParseEthernetHeader(data []byte) (EthernetHeader, error) {
	var header EthernetHeader
	if len(data) < EthernetHeaderLen {
		return header, fmt.Errorf("ethernet header: %w", ErrPacketTooShort)
	}

	copy(header.DstMAC[:], data[0:6])
	copy(header.SrcMAC[:], data[6:12])
	header.EthType = binary.BigEndian.Uint16(data[12:14])

	return header, nil
}

// ParseIPv4Header parses the given data as an IPv4 header. Both the fixed
// 20 bytes and the declared IHL*4 bytes must fit in data.
func ParseIPv4Header(data []byte) (IPv4Header, error) {
	var header IPv4Header
	if len(data) < IPv4HeaderLen {
		return header, fmt.Errorf("ipv4 header: %w", ErrPacketTooShort)
	}

	header = IPv4Header{
		Version:     data[0] >> 4,
		IHL:         data[0] & 0x0F,
		TOS:         data[1],
		TotalLength: binary.BigEndian.Uint16(data[2:4]),
		ID:          binary.BigEndian.Uint16(data[4:6]),
		TTL:         data[8],
		Protocol:    data[9],
		SrcIP:       binary.BigEndian.Uint32(data[12:16]),
		DstIP:       binary.BigEndian.Uint32(data[16:20]),
	}

	if header.IHL < 5 {
		return header, fmt.Errorf("ipv4 header: ihl %d: %w", header.IHL, ErrBadHeaderLen)
	}
	if len(data) < header.HeaderLen() {
		return header, fmt.Errorf("ipv4 options: %w", ErrPacketTooShort)
	}

	return header, nil
}

// ParseTCPHeader parses the given data as a TCP header.
func ParseTCPHeader(data []byte) (TCPHeader, error) {
	var header TCPHeader
	if len(data) < TCPHeaderLen {
		return header, fmt.Errorf("tcp header: %w", ErrPacketTooShort)
	}

	header = TCPHeader{
		SrcPort: binary.BigEndian.Uint16(data[0:2]),
		DstPort: binary.BigEndian.Uint16(data[2:4]),
		Seq:     binary.BigEndian.Uint32(data[4:8]),
		Ack:     binary.BigEndian.Uint32(data[8:12]),
		Flags:   data[13] & 0x3F,
		Window:  binary.BigEndian.Uint16(data[14:16]),
	}

	return header, nil
}

// ParseUDPHeader parses the given data as a UDP header.
func ParseUDPHeader(data []byte) (UDPHeader, error) {
	var header UDPHeader
	if len(data) < UDPHeaderLen {
		return header, fmt.Errorf("udp header: %w", ErrPacketTooShort)
	}

	header = UDPHeader{
		SrcPort:  binary.BigEndian.Uint16(data[0:2]),
		DstPort:  binary.BigEndian.Uint16(data[2:4]),
		Length:   binary.BigEndian.Uint16(data[4:6]),
		Checksum: binary.BigEndian.Uint16(data[6:8]),
	}

	return header, nil
}

// ParseICMPHeader parses the given data as an ICMP header.
func ParseICMPHeader(data []byte) (ICMPHeader, error) {
	var header ICMPHeader
	if len(data) < ICMPHeaderLen {
		return header, fmt.Errorf("icmp header: %w", ErrPacketTooShort)
	}

	header = ICMPHeader{
		Type:     data[0],
		Code:     data[1],
		Checksum: binary.BigEndian.Uint16(data[2:4]),
		Rest:     binary.BigEndian.Uint32(data[4:8]),
	}

	return header, nil
}

// IsICMPError reports whether an ICMP type carries an embedded packet.
func IsICMPError(icmpType uint8) bool {
	switch icmpType {
	case ICMPDestUnreach, ICMPSourceQuench, ICMPTimeExceeded, ICMPParameterProb:
		return true
	}
	return false
}

// ParseICMPInner recovers the embedded packet tuple from the bytes that
// follow an ICMP error header. It never fails: anything that does not fit
// is left zero.
func ParseICMPInner(data []byte) InnerPacket {
	var inner InnerPacket

	if len(data) < IPv4HeaderLen {
		return inner
	}
	// the fixed fields are filled even when IHL is bogus or options are cut
	ip, err := ParseIPv4Header(data)
	inner.SrcIP = ip.SrcIP
	inner.DstIP = ip.DstIP
	inner.Protocol = ip.Protocol
	if err != nil {
		return inner
	}

	off := ip.HeaderLen()
	switch ip.Protocol {
	case ProtoTCP:
		if tcp, err := ParseTCPHeader(data[off:]); err == nil {
			inner.SrcPort, inner.DstPort = tcp.SrcPort, tcp.DstPort
		}
	case ProtoUDP:
		if udp, err := ParseUDPHeader(data[off:]); err == nil {
			inner.SrcPort, inner.DstPort = udp.SrcPort, udp.DstPort
		}
	}

	return inner
}
