package filter

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// Sink 接收规则变更, 例如内核 filter_map 镜像.
// rule 为 nil 表示槽位被清空.
type Sink interface {
	SyncRule(idx int, rule *Rule) error
}

// Manager 规则控制面: 维护规则文本形式并发布到 Table 与各 Sink
type Manager struct {
	mu     sync.RWMutex
	table  *Table
	specs  [MaxRules]*Spec
	sinks  []Sink
	logger zerolog.Logger
}

// NewManager 创建规则管理器
func NewManager(table *Table, logger zerolog.Logger, sinks ...Sink) *Manager {
	return &Manager{
		table:  table,
		sinks:  sinks,
		logger: logger.With().Str("component", "filter").Logger(),
	}
}

// Table 返回底层规则表
func (m *Manager) Table() *Table {
	return m.table
}

// AddSink 注册新的 Sink 并同步当前全部规则
func (m *Manager) AddSink(s Sink) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.sinks = append(m.sinks, s)
	for i := 0; i < MaxRules; i++ {
		r, ok := m.table.Get(i)
		if !ok {
			continue
		}
		if err := s.SyncRule(i, &r); err != nil {
			return fmt.Errorf("sync rule %d: %w", i, err)
		}
	}
	return nil
}

// Add 在第一个空闲槽位添加规则, 返回带 ID 的规则
func (m *Manager) Add(spec Spec) (Spec, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	idx := -1
	for i, s := range m.specs {
		if s == nil {
			idx = i
			break
		}
	}
	if idx < 0 {
		return spec, fmt.Errorf("maximum number of filter rules (%d) reached: %w", MaxRules, ErrTableFull)
	}

	spec.ID = idx
	if err := m.install(idx, &spec); err != nil {
		return spec, err
	}
	m.logger.Info().Int("id", idx).Str("action", spec.Action).Str("type", spec.RuleType).Msg("rule added")
	return spec, nil
}

// Update 替换已有规则
func (m *Manager) Update(id int, spec Spec) (Spec, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.exists(id); err != nil {
		return spec, err
	}
	spec.ID = id
	if err := m.install(id, &spec); err != nil {
		return spec, err
	}
	m.logger.Info().Int("id", id).Msg("rule updated")
	return spec, nil
}

// Remove 删除规则. 槽位写入禁用规则, 保证后续槽位仍可被扫描到.
func (m *Manager) Remove(id int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.exists(id); err != nil {
		return err
	}

	m.specs[id] = nil
	if err := m.publish(id, &Rule{}); err != nil {
		return err
	}
	m.trimTail()
	m.logger.Info().Int("id", id).Msg("rule removed")
	return nil
}

// Enable 启用规则
func (m *Manager) Enable(id int) error {
	return m.setEnabled(id, true)
}

// Disable 禁用规则
func (m *Manager) Disable(id int) error {
	return m.setEnabled(id, false)
}

func (m *Manager) setEnabled(id int, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.exists(id); err != nil {
		return err
	}
	spec := *m.specs[id]
	spec.Enabled = enabled
	return m.install(id, &spec)
}

// Get 返回指定规则
func (m *Manager) Get(id int) (Spec, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := m.exists(id); err != nil {
		return Spec{}, err
	}
	return *m.specs[id], nil
}

// List 按槽位顺序返回全部规则
func (m *Manager) List() []Spec {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Spec, 0, MaxRules)
	for _, s := range m.specs {
		if s != nil {
			out = append(out, *s)
		}
	}
	return out
}

// Load 用给定规则替换整张表, 第 i 条规则写入槽位 i
func (m *Manager) Load(specs []Spec) error {
	if len(specs) > MaxRules {
		return fmt.Errorf("%d rules given, capacity %d: %w", len(specs), MaxRules, ErrTableFull)
	}

	rules := make([]Rule, len(specs))
	for i := range specs {
		r, err := specs[i].Compile()
		if err != nil {
			return fmt.Errorf("rule %d: %w", i, err)
		}
		rules[i] = r
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for i := 0; i < MaxRules; i++ {
		if i < len(specs) {
			spec := specs[i]
			spec.ID = i
			m.specs[i] = &spec
			if err := m.publish(i, &rules[i]); err != nil {
				return err
			}
			continue
		}
		m.specs[i] = nil
		if err := m.publish(i, nil); err != nil {
			return err
		}
	}
	m.logger.Info().Int("rules", len(specs)).Msg("rule table loaded")
	return nil
}

func (m *Manager) exists(id int) error {
	if id < 0 || id >= MaxRules {
		return fmt.Errorf("rule %d: %w", id, ErrRuleIndex)
	}
	if m.specs[id] == nil {
		return fmt.Errorf("rule %d: %w", id, ErrRuleNotFound)
	}
	return nil
}

// install 编译并发布规则; 前面的空槽位用禁用规则填充
func (m *Manager) install(idx int, spec *Spec) error {
	rule, err := spec.Compile()
	if err != nil {
		return fmt.Errorf("invalid rule: %w", err)
	}
	for i := 0; i < idx; i++ {
		if _, ok := m.table.Get(i); !ok {
			if err := m.publish(i, &Rule{}); err != nil {
				return err
			}
		}
	}
	if err := m.publish(idx, &rule); err != nil {
		return err
	}
	m.specs[idx] = spec
	return nil
}

// trimTail 清空末尾连续的占位槽位
func (m *Manager) trimTail() {
	for i := MaxRules - 1; i >= 0; i-- {
		if m.specs[i] != nil {
			return
		}
		if _, ok := m.table.Get(i); !ok {
			continue
		}
		if err := m.publish(i, nil); err != nil {
			m.logger.Warn().Err(err).Int("id", i).Msg("failed to clear slot")
		}
	}
}

func (m *Manager) publish(idx int, rule *Rule) error {
	if rule == nil {
		if err := m.table.Clear(idx); err != nil {
			return err
		}
	} else if err := m.table.Set(idx, *rule); err != nil {
		return err
	}

	for _, s := range m.sinks {
		if err := s.SyncRule(idx, rule); err != nil {
			// 本地规则表已生效, 镜像失败只记录
			m.logger.Warn().Err(err).Int("id", idx).Msg("failed to sync rule")
		}
	}
	return nil
}
