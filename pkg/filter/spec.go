package filter

import (
	"encoding/binary"
	"fmt"
	"net"
	"strconv"
	"strings"
)

// Spec 规则的文本形式, 用于规则文件与 HTTP 接口
type Spec struct {
	ID       int    `yaml:"-" json:"id"`
	SrcIP    string `yaml:"src_ip,omitempty" json:"src_ip"`     // 空或 any = 任意
	DstIP    string `yaml:"dst_ip,omitempty" json:"dst_ip"`     // 空或 any = 任意
	SrcPort  uint16 `yaml:"src_port,omitempty" json:"src_port"` // 0 = 任意
	DstPort  uint16 `yaml:"dst_port,omitempty" json:"dst_port"` // 0 = 任意
	Protocol string `yaml:"protocol,omitempty" json:"protocol"` // tcp/udp/icmp/any
	Action   string `yaml:"action" json:"action"`               // allow/drop
	Enabled  bool   `yaml:"enabled" json:"enabled"`
	RuleType string `yaml:"rule_type,omitempty" json:"rule_type"` // basic/icmp/tcp/udp
	Comment  string `yaml:"comment,omitempty" json:"comment,omitempty"`

	ICMPType *uint8 `yaml:"icmp_type,omitempty" json:"icmp_type,omitempty"` // nil = 任意
	ICMPCode *uint8 `yaml:"icmp_code,omitempty" json:"icmp_code,omitempty"` // nil = 任意

	TCPFlags     string `yaml:"tcp_flags,omitempty" json:"tcp_flags,omitempty"` // "SYN|ACK" 或数字
	TCPFlagsMask string `yaml:"tcp_flags_mask,omitempty" json:"tcp_flags_mask,omitempty"`

	InnerSrcIP    string `yaml:"inner_src_ip,omitempty" json:"inner_src_ip,omitempty"`
	InnerDstIP    string `yaml:"inner_dst_ip,omitempty" json:"inner_dst_ip,omitempty"`
	InnerProtocol string `yaml:"inner_protocol,omitempty" json:"inner_protocol,omitempty"`
}

// Compile 将文本规则转换为匹配用的 Rule
func (s *Spec) Compile() (Rule, error) {
	var r Rule
	var err error

	if r.SrcIP, err = ParseIPv4(s.SrcIP); err != nil {
		return r, fmt.Errorf("src_ip: %w", err)
	}
	if r.DstIP, err = ParseIPv4(s.DstIP); err != nil {
		return r, fmt.Errorf("dst_ip: %w", err)
	}
	r.SrcPort = s.SrcPort
	r.DstPort = s.DstPort

	if r.Type, err = ParseRuleType(s.RuleType); err != nil {
		return r, err
	}

	proto := s.Protocol
	if proto == "" && r.Type != RuleTypeBasic {
		proto = r.Type.String()
	}
	if r.Protocol, err = ParseProtocol(proto); err != nil {
		return r, err
	}

	if r.Action, err = ParseAction(s.Action); err != nil {
		return r, err
	}
	r.Enabled = s.Enabled

	r.ICMP = ICMPMatch{Type: AnyICMPType, Code: AnyICMPCode}
	if s.ICMPType != nil {
		r.ICMP.Type = *s.ICMPType
	}
	if s.ICMPCode != nil {
		r.ICMP.Code = *s.ICMPCode
	}
	if r.ICMP.InnerSrcIP, err = ParseIPv4(s.InnerSrcIP); err != nil {
		return r, fmt.Errorf("inner_src_ip: %w", err)
	}
	if r.ICMP.InnerDstIP, err = ParseIPv4(s.InnerDstIP); err != nil {
		return r, fmt.Errorf("inner_dst_ip: %w", err)
	}
	if r.ICMP.InnerProtocol, err = ParseProtocol(s.InnerProtocol); err != nil {
		return r, fmt.Errorf("inner_protocol: %w", err)
	}

	if r.TCP.Flags, err = ParseTCPFlags(s.TCPFlags); err != nil {
		return r, fmt.Errorf("tcp_flags: %w", err)
	}
	if r.TCP.Mask, err = ParseTCPFlags(s.TCPFlagsMask); err != nil {
		return r, fmt.Errorf("tcp_flags_mask: %w", err)
	}

	return r, nil
}

// ParseIPv4 解析 IPv4 地址; 空串和 any 返回 0 (任意)
func ParseIPv4(s string) (uint32, error) {
	s = strings.TrimSpace(s)
	if s == "" || strings.EqualFold(s, "any") {
		return 0, nil
	}
	ip := net.ParseIP(s)
	if ip == nil {
		return 0, fmt.Errorf("invalid IP address %q", s)
	}
	v4 := ip.To4()
	if v4 == nil {
		return 0, fmt.Errorf("only IPv4 addresses are supported: %q", s)
	}
	return binary.BigEndian.Uint32(v4), nil
}

// FormatIPv4 将地址值格式化为点分十进制
func FormatIPv4(ip uint32) string {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], ip)
	return net.IP(b[:]).String()
}

// ParseProtocol 解析协议名或协议号; 空串和 any 返回 0
func ParseProtocol(s string) (uint8, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "any":
		return 0, nil
	case "icmp":
		return protoICMP, nil
	case "tcp":
		return protoTCP, nil
	case "udp":
		return protoUDP, nil
	}
	n, err := strconv.ParseUint(s, 10, 8)
	if err != nil {
		return 0, fmt.Errorf("unknown protocol %q", s)
	}
	return uint8(n), nil
}

// ProtocolName 返回协议名
func ProtocolName(p uint8) string {
	switch p {
	case 0:
		return "any"
	case protoICMP:
		return "icmp"
	case protoTCP:
		return "tcp"
	case protoUDP:
		return "udp"
	default:
		return strconv.Itoa(int(p))
	}
}

// ParseAction 解析动作; 空串视为 allow
func ParseAction(s string) (Action, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "allow", "pass":
		return ActionAllow, nil
	case "drop", "deny", "block":
		return ActionDrop, nil
	}
	return ActionAllow, fmt.Errorf("unknown action %q", s)
}

// ParseRuleType 解析规则类型; 空串视为 basic
func ParseRuleType(s string) (RuleType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "basic":
		return RuleTypeBasic, nil
	case "icmp":
		return RuleTypeICMP, nil
	case "tcp":
		return RuleTypeTCP, nil
	case "udp":
		return RuleTypeUDP, nil
	}
	return RuleTypeBasic, fmt.Errorf("unknown rule type %q", s)
}

var tcpFlagNames = []struct {
	bit  uint8
	name string
}{
	{0x01, "FIN"},
	{0x02, "SYN"},
	{0x04, "RST"},
	{0x08, "PSH"},
	{0x10, "ACK"},
	{0x20, "URG"},
}

// ParseTCPFlags 解析 "SYN|ACK" 形式或数字形式的 TCP 标志
func ParseTCPFlags(s string) (uint8, error) {
	s = strings.TrimSpace(s)
	if s == "" || strings.EqualFold(s, "any") {
		return 0, nil
	}
	if n, err := strconv.ParseUint(s, 0, 8); err == nil {
		return uint8(n), nil
	}

	var flags uint8
	for _, part := range strings.Split(strings.ToUpper(s), "|") {
		part = strings.TrimSpace(part)
		found := false
		for _, f := range tcpFlagNames {
			if f.name == part {
				flags |= f.bit
				found = true
				break
			}
		}
		if !found {
			return 0, fmt.Errorf("unknown TCP flag %q", part)
		}
	}
	return flags, nil
}

// FormatTCPFlags 将标志位格式化为 "SYN|ACK"
func FormatTCPFlags(flags uint8) string {
	var names []string
	for _, f := range tcpFlagNames {
		if flags&f.bit != 0 {
			names = append(names, f.name)
		}
	}
	if len(names) == 0 {
		return "none"
	}
	return strings.Join(names, "|")
}
