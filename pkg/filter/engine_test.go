package filter

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	flagSYN = 0x02
	flagACK = 0x10
)

func ip(t *testing.T, s string) uint32 {
	t.Helper()
	v, err := ParseIPv4(s)
	require.NoError(t, err)
	return v
}

func TestEvaluateEmptyTable(t *testing.T) {
	tbl := NewTable()
	v, idx := tbl.Evaluate(&Packet{Protocol: protoTCP, SrcIP: 1, DstIP: 2}, PhaseFull)
	assert.Equal(t, VerdictPass, v)
	assert.Equal(t, -1, idx)
}

func TestEvaluateDisabledRulesPass(t *testing.T) {
	tbl := NewTable()
	require.NoError(t, tbl.Set(0, Rule{Action: ActionDrop}))
	require.NoError(t, tbl.Set(1, Rule{Action: ActionDrop, Type: RuleTypeUDP}))

	for _, p := range []Packet{
		{Protocol: protoTCP},
		{Protocol: protoUDP, SrcPort: 53},
		{Protocol: protoICMP, ICMPType: 8},
	} {
		v, _ := tbl.Evaluate(&p, PhaseFull)
		assert.Equal(t, VerdictPass, v)
	}
}

func TestEvaluateFirstMatchWins(t *testing.T) {
	tbl := NewTable()
	src := ip(t, "10.0.0.1")
	require.NoError(t, tbl.Set(0, Rule{Enabled: true, SrcIP: src, Action: ActionAllow}))
	require.NoError(t, tbl.Set(1, Rule{Enabled: true, Action: ActionDrop}))

	v, idx := tbl.Evaluate(&Packet{SrcIP: src, Protocol: protoUDP}, PhaseFull)
	assert.Equal(t, VerdictPass, v)
	assert.Equal(t, 0, idx)

	v, idx = tbl.Evaluate(&Packet{SrcIP: src + 1, Protocol: protoUDP}, PhaseFull)
	assert.Equal(t, VerdictDrop, v)
	assert.Equal(t, 1, idx)
}

func TestEvaluateAbsentSlotEndsScan(t *testing.T) {
	tbl := NewTable()
	require.NoError(t, tbl.Set(0, Rule{Enabled: true, Protocol: protoTCP, Action: ActionDrop}))
	require.NoError(t, tbl.Set(2, Rule{Enabled: true, Action: ActionDrop}))

	v, _ := tbl.Evaluate(&Packet{Protocol: protoUDP}, PhaseFull)
	assert.Equal(t, VerdictPass, v, "rule behind the gap must not be reached")
	assert.Equal(t, 1, tbl.Len())

	require.NoError(t, tbl.Clear(0))
	v, _ = tbl.Evaluate(&Packet{Protocol: protoTCP}, PhaseFull)
	assert.Equal(t, VerdictPass, v)
}

func TestBaseFieldWildcards(t *testing.T) {
	tbl := NewTable()
	r := Rule{
		Enabled:  true,
		DstIP:    ip(t, "10.0.0.2"),
		DstPort:  443,
		Protocol: protoTCP,
		Action:   ActionDrop,
	}
	require.NoError(t, tbl.Set(0, r))

	hit := Packet{SrcIP: ip(t, "1.2.3.4"), DstIP: r.DstIP, SrcPort: 5555, DstPort: 443, Protocol: protoTCP}
	v, _ := tbl.Evaluate(&hit, PhaseFull)
	assert.Equal(t, VerdictDrop, v)

	miss := hit
	miss.DstPort = 80
	v, _ = tbl.Evaluate(&miss, PhaseFull)
	assert.Equal(t, VerdictPass, v)

	// ports are unknown in the pre phase, so a port-specific rule cannot match
	pre := Packet{SrcIP: hit.SrcIP, DstIP: hit.DstIP, Protocol: protoTCP}
	v, _ = tbl.Evaluate(&pre, PhasePre)
	assert.Equal(t, VerdictPass, v)
}

func TestTCPFlagMask(t *testing.T) {
	tbl := NewTable()
	require.NoError(t, tbl.Set(0, Rule{
		Enabled: true,
		Type:    RuleTypeTCP,
		Action:  ActionDrop,
		TCP:     TCPMatch{Flags: flagSYN, Mask: flagSYN | flagACK},
	}))

	syn := Packet{Protocol: protoTCP, TCPFlags: flagSYN}
	v, _ := tbl.Evaluate(&syn, PhaseFull)
	assert.Equal(t, VerdictDrop, v)

	synAck := Packet{Protocol: protoTCP, TCPFlags: flagSYN | flagACK}
	v, _ = tbl.Evaluate(&synAck, PhaseFull)
	assert.Equal(t, VerdictPass, v)

	udp := Packet{Protocol: protoUDP, TCPFlags: flagSYN}
	v, _ = tbl.Evaluate(&udp, PhaseFull)
	assert.Equal(t, VerdictPass, v, "tcp rules require tcp")
}

func TestTCPZeroMaskMatchesAnyFlags(t *testing.T) {
	tbl := NewTable()
	require.NoError(t, tbl.Set(0, Rule{Enabled: true, Type: RuleTypeTCP, Action: ActionDrop, TCP: TCPMatch{Flags: flagSYN}}))

	for _, flags := range []uint8{0, flagSYN, flagACK, 0x3F} {
		v, _ := tbl.Evaluate(&Packet{Protocol: protoTCP, TCPFlags: flags}, PhaseFull)
		assert.Equal(t, VerdictDrop, v, "flags %#x", flags)
	}
	// no sub-match depends on the header, so the pre phase decides too
	v, _ := tbl.Evaluate(&Packet{Protocol: protoTCP}, PhasePre)
	assert.Equal(t, VerdictDrop, v)
}

func TestPrePhaseTreatsUnknownFieldsAsZero(t *testing.T) {
	tbl := NewTable()
	// echo reply 规则在预匹配阶段按 type 0 命中
	require.NoError(t, tbl.Set(0, Rule{
		Enabled: true, Type: RuleTypeICMP, Action: ActionDrop,
		ICMP: ICMPMatch{Type: 0, Code: AnyICMPCode},
	}))
	require.NoError(t, tbl.Set(1, Rule{
		Enabled: true, Type: RuleTypeTCP, Action: ActionDrop,
		TCP: TCPMatch{Flags: 0, Mask: flagSYN},
	}))

	v, idx := tbl.Evaluate(&Packet{Protocol: protoICMP}, PhasePre)
	assert.Equal(t, VerdictDrop, v)
	assert.Equal(t, 0, idx)
	v, idx = tbl.Evaluate(&Packet{Protocol: protoTCP}, PhasePre)
	assert.Equal(t, VerdictDrop, v, "flags are 0 before the tcp header is read")
	assert.Equal(t, 1, idx)

	v, _ = tbl.Evaluate(&Packet{Protocol: protoICMP, ICMPType: 8}, PhaseFull)
	assert.Equal(t, VerdictPass, v)
	v, _ = tbl.Evaluate(&Packet{Protocol: protoTCP, TCPFlags: flagSYN}, PhaseFull)
	assert.Equal(t, VerdictPass, v)
}

func TestPrePhaseNonZeroSubMatchMisses(t *testing.T) {
	tbl := NewTable()
	echo := uint8(8)
	require.NoError(t, tbl.Set(0, Rule{
		Enabled: true, Type: RuleTypeICMP, Action: ActionDrop,
		ICMP: ICMPMatch{Type: echo, Code: AnyICMPCode},
	}))
	require.NoError(t, tbl.Set(1, Rule{
		Enabled: true, Type: RuleTypeTCP, Action: ActionDrop,
		TCP: TCPMatch{Flags: flagSYN, Mask: flagSYN},
	}))

	v, idx := tbl.Evaluate(&Packet{Protocol: protoICMP}, PhasePre)
	assert.Equal(t, VerdictPass, v)
	assert.Equal(t, -1, idx)
	v, _ = tbl.Evaluate(&Packet{Protocol: protoTCP}, PhasePre)
	assert.Equal(t, VerdictPass, v)
}

func TestPrePhaseICMPCodeAndInnerRules(t *testing.T) {
	tbl := NewTable()
	require.NoError(t, tbl.Set(0, Rule{
		Enabled: true, Type: RuleTypeICMP, Action: ActionDrop,
		ICMP: ICMPMatch{Type: AnyICMPType, Code: 0},
	}))
	v, _ := tbl.Evaluate(&Packet{Protocol: protoICMP}, PhasePre)
	assert.Equal(t, VerdictDrop, v, "code 0 matches every icmp packet before the header is read")

	// type 0 不是差错类型, 内层条件不参与预匹配
	tbl = NewTable()
	require.NoError(t, tbl.Set(0, Rule{
		Enabled: true, Type: RuleTypeICMP, Action: ActionDrop,
		ICMP: ICMPMatch{Type: AnyICMPType, Code: AnyICMPCode, InnerDstIP: ip(t, "8.8.8.8")},
	}))
	v, _ = tbl.Evaluate(&Packet{Protocol: protoICMP}, PhasePre)
	assert.Equal(t, VerdictDrop, v)
	v, _ = tbl.Evaluate(&Packet{Protocol: protoICMP, ICMPType: 3, InnerDstIP: ip(t, "1.1.1.1")}, PhaseFull)
	assert.Equal(t, VerdictPass, v)
}

func TestICMPTypeCode(t *testing.T) {
	tbl := NewTable()
	require.NoError(t, tbl.Set(0, Rule{
		Enabled: true, Type: RuleTypeICMP, Action: ActionDrop,
		ICMP: ICMPMatch{Type: 8, Code: AnyICMPCode},
	}))

	v, _ := tbl.Evaluate(&Packet{Protocol: protoICMP, ICMPType: 8, ICMPCode: 0}, PhaseFull)
	assert.Equal(t, VerdictDrop, v)
	v, _ = tbl.Evaluate(&Packet{Protocol: protoICMP, ICMPType: 0}, PhaseFull)
	assert.Equal(t, VerdictPass, v)
	v, _ = tbl.Evaluate(&Packet{Protocol: protoTCP, ICMPType: 8}, PhaseFull)
	assert.Equal(t, VerdictPass, v)

	require.NoError(t, tbl.Set(0, Rule{
		Enabled: true, Type: RuleTypeICMP, Action: ActionDrop,
		ICMP: ICMPMatch{Type: 3, Code: 1},
	}))
	v, _ = tbl.Evaluate(&Packet{Protocol: protoICMP, ICMPType: 3, ICMPCode: 1}, PhaseFull)
	assert.Equal(t, VerdictDrop, v)
	v, _ = tbl.Evaluate(&Packet{Protocol: protoICMP, ICMPType: 3, ICMPCode: 3}, PhaseFull)
	assert.Equal(t, VerdictPass, v)
}

func TestICMPInnerFields(t *testing.T) {
	tbl := NewTable()
	resolver := ip(t, "10.0.0.53")
	require.NoError(t, tbl.Set(0, Rule{
		Enabled: true, Type: RuleTypeICMP, Action: ActionDrop,
		ICMP: ICMPMatch{Type: AnyICMPType, Code: AnyICMPCode, InnerDstIP: resolver, InnerProtocol: protoUDP},
	}))

	unreach := Packet{Protocol: protoICMP, ICMPType: 3, ICMPCode: 3, InnerDstIP: resolver, InnerProtocol: protoUDP}
	v, _ := tbl.Evaluate(&unreach, PhaseFull)
	assert.Equal(t, VerdictDrop, v)

	other := unreach
	other.InnerDstIP = resolver + 1
	v, _ = tbl.Evaluate(&other, PhaseFull)
	assert.Equal(t, VerdictPass, v)

	tcpInner := unreach
	tcpInner.InnerProtocol = protoTCP
	v, _ = tbl.Evaluate(&tcpInner, PhaseFull)
	assert.Equal(t, VerdictPass, v)

	// non-error types skip the inner checks
	echo := Packet{Protocol: protoICMP, ICMPType: 8}
	v, _ = tbl.Evaluate(&echo, PhaseFull)
	assert.Equal(t, VerdictDrop, v)
}

func TestUDPRule(t *testing.T) {
	tbl := NewTable()
	require.NoError(t, tbl.Set(0, Rule{Enabled: true, Type: RuleTypeUDP, DstPort: 53, Action: ActionDrop}))

	v, _ := tbl.Evaluate(&Packet{Protocol: protoUDP, DstPort: 53}, PhaseFull)
	assert.Equal(t, VerdictDrop, v)
	v, _ = tbl.Evaluate(&Packet{Protocol: protoTCP, DstPort: 53}, PhaseFull)
	assert.Equal(t, VerdictPass, v)
}

func TestSetOutOfRange(t *testing.T) {
	tbl := NewTable()
	assert.ErrorIs(t, tbl.Set(MaxRules, Rule{}), ErrRuleIndex)
	assert.ErrorIs(t, tbl.Set(-1, Rule{}), ErrRuleIndex)
	assert.ErrorIs(t, tbl.Clear(MaxRules), ErrRuleIndex)
	_, ok := tbl.Get(MaxRules)
	assert.False(t, ok)
}

func TestEvaluateWhileRewriting(t *testing.T) {
	tbl := NewTable()
	drop := Rule{Enabled: true, Protocol: protoUDP, Action: ActionDrop}
	allow := Rule{Enabled: true, Protocol: protoUDP, Action: ActionAllow}
	require.NoError(t, tbl.Set(0, drop))

	var wg sync.WaitGroup
	stop := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; ; i++ {
			select {
			case <-stop:
				return
			default:
			}
			switch i % 3 {
			case 0:
				_ = tbl.Set(0, allow)
			case 1:
				_ = tbl.Clear(0)
			default:
				_ = tbl.Set(0, drop)
			}
		}
	}()

	p := Packet{Protocol: protoUDP}
	for i := 0; i < 10000; i++ {
		v, idx := tbl.Evaluate(&p, PhaseFull)
		if v == VerdictDrop {
			require.Equal(t, 0, idx)
		}
	}
	close(stop)
	wg.Wait()
}

func BenchmarkEvaluateFullTable(b *testing.B) {
	tbl := NewTable()
	for i := 0; i < MaxRules; i++ {
		_ = tbl.Set(i, Rule{Enabled: true, SrcIP: uint32(i + 1), Action: ActionDrop})
	}
	p := Packet{SrcIP: 0xFFFFFFFF, Protocol: protoTCP, DstPort: 80}

	b.ResetTimer()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		tbl.Evaluate(&p, PhaseFull)
	}
}
