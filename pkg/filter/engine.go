package filter

import (
	"errors"
	"fmt"
	"sync/atomic"
)

var (
	ErrRuleIndex    = errors.New("rule index out of range")
	ErrRuleNotFound = errors.New("rule not found")
	ErrTableFull    = errors.New("rule table full")
)

const (
	protoICMP = 1
	protoTCP  = 6
	protoUDP  = 17
)

// Table 定长规则表. 每个槽位保存一个不可变规则的原子指针,
// 控制面可随时替换或清空任意槽位, 匹配路径无锁.
type Table struct {
	slots [MaxRules]atomic.Pointer[Rule]
}

// NewTable 创建空规则表
func NewTable() *Table {
	return &Table{}
}

// Set 安装规则到指定槽位
func (t *Table) Set(idx int, r Rule) error {
	if idx < 0 || idx >= MaxRules {
		return fmt.Errorf("set slot %d: %w", idx, ErrRuleIndex)
	}
	t.slots[idx].Store(&r)
	return nil
}

// Clear 清空槽位. 扫描遇到空槽位即结束.
func (t *Table) Clear(idx int) error {
	if idx < 0 || idx >= MaxRules {
		return fmt.Errorf("clear slot %d: %w", idx, ErrRuleIndex)
	}
	t.slots[idx].Store(nil)
	return nil
}

// Get 读取槽位中的规则
func (t *Table) Get(idx int) (Rule, bool) {
	if idx < 0 || idx >= MaxRules {
		return Rule{}, false
	}
	r := t.slots[idx].Load()
	if r == nil {
		return Rule{}, false
	}
	return *r, true
}

// Len 返回从 0 开始连续非空槽位的数量
func (t *Table) Len() int {
	for i := range t.slots {
		if t.slots[i].Load() == nil {
			return i
		}
	}
	return MaxRules
}

// Evaluate 按槽位顺序匹配规则. 第一个启用且匹配的规则决定结果;
// 没有命中时返回 VerdictPass 和 -1.
// 两个阶段使用同一匹配器; PhasePre 时未解析的字段按 0 参与匹配.
func (t *Table) Evaluate(p *Packet, _ Phase) (Verdict, int) {
	for i := range t.slots {
		r := t.slots[i].Load()
		if r == nil {
			break
		}
		if !r.Enabled {
			continue
		}
		if !r.matchBase(p) || !r.matchProtocol(p) {
			continue
		}
		if r.Action == ActionDrop {
			return VerdictDrop, i
		}
		return VerdictPass, i
	}
	return VerdictPass, -1
}

func (r *Rule) matchBase(p *Packet) bool {
	return (r.SrcIP == 0 || r.SrcIP == p.SrcIP) &&
		(r.DstIP == 0 || r.DstIP == p.DstIP) &&
		(r.SrcPort == 0 || r.SrcPort == p.SrcPort) &&
		(r.DstPort == 0 || r.DstPort == p.DstPort) &&
		(r.Protocol == 0 || r.Protocol == p.Protocol)
}

func (r *Rule) matchProtocol(p *Packet) bool {
	switch r.Type {
	case RuleTypeICMP:
		if p.Protocol != protoICMP {
			return false
		}
		m := r.ICMP
		if m.Type != AnyICMPType && m.Type != p.ICMPType {
			return false
		}
		if m.Code != AnyICMPCode && m.Code != p.ICMPCode {
			return false
		}
		if !isICMPError(p.ICMPType) {
			return true
		}
		return (m.InnerSrcIP == 0 || m.InnerSrcIP == p.InnerSrcIP) &&
			(m.InnerDstIP == 0 || m.InnerDstIP == p.InnerDstIP) &&
			(m.InnerProtocol == 0 || m.InnerProtocol == p.InnerProtocol)
	case RuleTypeTCP:
		if p.Protocol != protoTCP {
			return false
		}
		if r.TCP.Mask == 0 {
			return true
		}
		return p.TCPFlags&r.TCP.Mask == r.TCP.Flags&r.TCP.Mask
	case RuleTypeUDP:
		return p.Protocol == protoUDP
	default:
		return true
	}
}

func isICMPError(t uint8) bool {
	return t == 3 || t == 4 || t == 11 || t == 12
}
