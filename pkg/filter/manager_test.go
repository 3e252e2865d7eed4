package filter

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingSink 记录每次同步后的槽位内容
type recordingSink struct {
	mu    sync.Mutex
	slots map[int]*Rule
	calls int
	err   error
}

func newRecordingSink() *recordingSink {
	return &recordingSink{slots: make(map[int]*Rule)}
}

func (s *recordingSink) SyncRule(idx int, rule *Rule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return s.err
	}
	if rule == nil {
		delete(s.slots, idx)
		return nil
	}
	r := *rule
	s.slots[idx] = &r
	return nil
}

func newTestManager(sinks ...Sink) *Manager {
	return NewManager(NewTable(), zerolog.Nop(), sinks...)
}

func TestManagerAddAndGet(t *testing.T) {
	sink := newRecordingSink()
	m := newTestManager(sink)

	got, err := m.Add(Spec{DstPort: 53, RuleType: "udp", Action: "drop", Enabled: true})
	require.NoError(t, err)
	assert.Equal(t, 0, got.ID)

	got, err = m.Add(Spec{RuleType: "icmp", ICMPType: u8(8), Action: "drop", Enabled: true})
	require.NoError(t, err)
	assert.Equal(t, 1, got.ID)

	spec, err := m.Get(1)
	require.NoError(t, err)
	assert.Equal(t, "icmp", spec.RuleType)

	r, ok := m.Table().Get(0)
	require.True(t, ok)
	assert.Equal(t, uint16(53), r.DstPort)
	assert.Equal(t, uint8(protoUDP), r.Protocol)
	assert.Len(t, sink.slots, 2)

	v, idx := m.Table().Evaluate(&Packet{Protocol: protoUDP, DstPort: 53}, PhaseFull)
	assert.Equal(t, VerdictDrop, v)
	assert.Equal(t, 0, idx)
}

func TestManagerAddInvalid(t *testing.T) {
	m := newTestManager()
	_, err := m.Add(Spec{SrcIP: "not-an-ip"})
	assert.Error(t, err)
	assert.Empty(t, m.List())
	assert.Equal(t, 0, m.Table().Len())
}

func TestManagerTableFull(t *testing.T) {
	m := newTestManager()
	for i := 0; i < MaxRules; i++ {
		_, err := m.Add(Spec{Action: "allow"})
		require.NoError(t, err)
	}
	_, err := m.Add(Spec{Action: "drop"})
	assert.ErrorIs(t, err, ErrTableFull)
}

func TestManagerRemoveKeepsLaterRulesReachable(t *testing.T) {
	sink := newRecordingSink()
	m := newTestManager(sink)

	_, err := m.Add(Spec{Protocol: "tcp", Action: "allow", Enabled: true})
	require.NoError(t, err)
	_, err = m.Add(Spec{Protocol: "udp", Action: "drop", Enabled: true})
	require.NoError(t, err)

	require.NoError(t, m.Remove(0))

	_, err = m.Get(0)
	assert.ErrorIs(t, err, ErrRuleNotFound)
	assert.Len(t, m.List(), 1)

	// 槽位 0 是禁用占位, 槽位 1 仍然生效
	r, ok := m.Table().Get(0)
	require.True(t, ok)
	assert.False(t, r.Enabled)
	v, idx := m.Table().Evaluate(&Packet{Protocol: protoUDP}, PhaseFull)
	assert.Equal(t, VerdictDrop, v)
	assert.Equal(t, 1, idx)

	// 删除最后一条后占位被清理
	require.NoError(t, m.Remove(1))
	assert.Equal(t, 0, m.Table().Len())
	assert.Empty(t, sink.slots)

	// 空出的槽位可复用
	got, err := m.Add(Spec{Action: "drop"})
	require.NoError(t, err)
	assert.Equal(t, 0, got.ID)
}

func TestManagerEnableDisable(t *testing.T) {
	m := newTestManager()
	_, err := m.Add(Spec{Protocol: "icmp", Action: "drop"})
	require.NoError(t, err)

	p := Packet{Protocol: protoICMP, ICMPType: 8}
	v, _ := m.Table().Evaluate(&p, PhaseFull)
	assert.Equal(t, VerdictPass, v)

	require.NoError(t, m.Enable(0))
	v, _ = m.Table().Evaluate(&p, PhaseFull)
	assert.Equal(t, VerdictDrop, v)

	require.NoError(t, m.Disable(0))
	v, _ = m.Table().Evaluate(&p, PhaseFull)
	assert.Equal(t, VerdictPass, v)

	assert.ErrorIs(t, m.Enable(5), ErrRuleNotFound)
	assert.ErrorIs(t, m.Disable(MaxRules), ErrRuleIndex)
}

func TestManagerUpdate(t *testing.T) {
	m := newTestManager()
	_, err := m.Add(Spec{DstPort: 80, Protocol: "tcp", Action: "drop", Enabled: true})
	require.NoError(t, err)

	got, err := m.Update(0, Spec{DstPort: 8080, Protocol: "tcp", Action: "drop", Enabled: true})
	require.NoError(t, err)
	assert.Equal(t, 0, got.ID)

	v, _ := m.Table().Evaluate(&Packet{Protocol: protoTCP, DstPort: 80}, PhaseFull)
	assert.Equal(t, VerdictPass, v)
	v, _ = m.Table().Evaluate(&Packet{Protocol: protoTCP, DstPort: 8080}, PhaseFull)
	assert.Equal(t, VerdictDrop, v)

	_, err = m.Update(3, Spec{})
	assert.ErrorIs(t, err, ErrRuleNotFound)

	// 编译失败时原规则保持不变
	_, err = m.Update(0, Spec{Protocol: "bogus"})
	require.Error(t, err)
	spec, err := m.Get(0)
	require.NoError(t, err)
	assert.Equal(t, uint16(8080), spec.DstPort)
}

func TestManagerLoadReplacesTable(t *testing.T) {
	sink := newRecordingSink()
	m := newTestManager(sink)
	for i := 0; i < 4; i++ {
		_, err := m.Add(Spec{Action: "allow"})
		require.NoError(t, err)
	}

	err := m.Load([]Spec{
		{Protocol: "tcp", Action: "drop", Enabled: true},
		{RuleType: "icmp", Action: "drop", Enabled: true},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, m.Table().Len())
	assert.Len(t, m.List(), 2)
	assert.Len(t, sink.slots, 2)

	err = m.Load([]Spec{{Protocol: "bogus"}})
	assert.Error(t, err)
	assert.Equal(t, 2, m.Table().Len(), "failed load leaves the table untouched")

	err = m.Load(make([]Spec, MaxRules+1))
	assert.ErrorIs(t, err, ErrTableFull)
}

func TestManagerAddSinkSyncsExisting(t *testing.T) {
	m := newTestManager()
	_, err := m.Add(Spec{Action: "drop", Enabled: true})
	require.NoError(t, err)
	_, err = m.Add(Spec{Action: "allow", Enabled: true})
	require.NoError(t, err)

	sink := newRecordingSink()
	require.NoError(t, m.AddSink(sink))
	assert.Len(t, sink.slots, 2)

	bad := newRecordingSink()
	bad.err = errors.New("map update failed")
	assert.Error(t, m.AddSink(bad))
}

func TestManagerSinkFailureDoesNotBlockTable(t *testing.T) {
	sink := newRecordingSink()
	sink.err = errors.New("map update failed")
	m := newTestManager(sink)

	_, err := m.Add(Spec{Action: "drop", Enabled: true})
	require.NoError(t, err)
	v, _ := m.Table().Evaluate(&Packet{}, PhaseFull)
	assert.Equal(t, VerdictDrop, v)
	assert.Equal(t, 1, sink.calls)
}

func TestParseRuleSet(t *testing.T) {
	data := []byte(`
rules:
  - protocol: icmp
    rule_type: icmp
    icmp_type: 8
    action: drop
    enabled: true
    comment: block ping
  - rule_type: tcp
    dst_port: 22
    tcp_flags: SYN
    tcp_flags_mask: SYN|ACK
    action: drop
    enabled: false
`)
	rs, err := ParseRuleSet(data)
	require.NoError(t, err)
	require.Len(t, rs.Rules, 2)
	require.NotNil(t, rs.Rules[0].ICMPType)
	assert.Equal(t, uint8(8), *rs.Rules[0].ICMPType)
	assert.Nil(t, rs.Rules[0].ICMPCode)
	assert.Equal(t, "block ping", rs.Rules[0].Comment)
	assert.Equal(t, uint16(22), rs.Rules[1].DstPort)

	_, err = ParseRuleSet([]byte("rules:\n  - action: explode\n"))
	assert.Error(t, err)

	_, err = ParseRuleSet([]byte("rules: [\n"))
	assert.Error(t, err)
}

func TestLoadRuleSet(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte("rules:\n  - protocol: udp\n    action: drop\n    enabled: true\n"), 0o600))

	rs, err := LoadRuleSet(path)
	require.NoError(t, err)
	assert.Len(t, rs.Rules, 1)

	_, err = LoadRuleSet(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
