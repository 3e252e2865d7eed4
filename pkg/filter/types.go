// Package filter 提供多协议过滤规则表及两阶段匹配
// 核心功能: 按槽位顺序匹配地址/端口/协议以及 ICMP、TCP 子条件，输出 PASS/DROP 判定
package filter

// MaxRules 规则表容量 (与内核 filter_map 大小一致)
const MaxRules = 32

// 通配值
const (
	AnyICMPType uint8 = 255
	AnyICMPCode uint8 = 255
)

// Action 规则动作
type Action uint8

const (
	ActionAllow Action = iota // 放行
	ActionDrop                // 丢弃
)

// String 返回动作名称
func (a Action) String() string {
	switch a {
	case ActionAllow:
		return "allow"
	case ActionDrop:
		return "drop"
	default:
		return "unknown"
	}
}

// RuleType 规则类型
type RuleType uint8

const (
	RuleTypeBasic RuleType = iota // 仅匹配五元组
	RuleTypeICMP                  // ICMP 类型/代码及内层报文
	RuleTypeTCP                   // TCP 标志位掩码
	RuleTypeUDP                   // UDP
)

// String 返回规则类型名称
func (t RuleType) String() string {
	switch t {
	case RuleTypeBasic:
		return "basic"
	case RuleTypeICMP:
		return "icmp"
	case RuleTypeTCP:
		return "tcp"
	case RuleTypeUDP:
		return "udp"
	default:
		return "unknown"
	}
}

// Verdict 数据包判定
type Verdict uint8

const (
	VerdictPass Verdict = iota
	VerdictDrop
)

// String 返回判定名称
func (v Verdict) String() string {
	if v == VerdictDrop {
		return "DROP"
	}
	return "PASS"
}

// Phase 匹配阶段
type Phase uint8

const (
	// PhasePre 解析传输层之前: 端口、标志、ICMP 字段按 0 匹配
	PhasePre Phase = iota
	// PhaseFull 解析传输层之后
	PhaseFull
)

// ICMPMatch ICMP 子条件
type ICMPMatch struct {
	Type          uint8  // 255 = 任意
	Code          uint8  // 255 = 任意
	InnerSrcIP    uint32 // 0 = 任意
	InnerDstIP    uint32 // 0 = 任意
	InnerProtocol uint8  // 0 = 任意
}

// TCPMatch TCP 子条件
type TCPMatch struct {
	Flags uint8
	Mask  uint8 // 0 = 忽略标志位
}

// Rule 过滤规则. 发布到 Table 后不可修改.
// 地址为网络字节序按大端读出的值, 0 表示任意.
type Rule struct {
	SrcIP    uint32
	DstIP    uint32
	SrcPort  uint16 // 0 = 任意
	DstPort  uint16 // 0 = 任意
	Protocol uint8  // 0 = 任意
	Action   Action
	Enabled  bool
	Type     RuleType
	ICMP     ICMPMatch
	TCP      TCPMatch
}

// Packet 匹配输入. PhasePre 阶段端口/标志/ICMP 字段均为 0.
type Packet struct {
	SrcIP    uint32
	DstIP    uint32
	SrcPort  uint16
	DstPort  uint16
	Protocol uint8

	TCPFlags uint8

	ICMPType      uint8
	ICMPCode      uint8
	InnerSrcIP    uint32
	InnerDstIP    uint32
	InnerProtocol uint8
}
