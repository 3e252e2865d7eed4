package filter

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// RuleSet 规则文件格式
type RuleSet struct {
	Rules []Spec `yaml:"rules"`
}

// LoadRuleSet 从 YAML 文件读取规则
func LoadRuleSet(path string) (*RuleSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules file %s: %w", path, err)
	}
	return ParseRuleSet(data)
}

// ParseRuleSet 解析 YAML 规则并逐条校验
func ParseRuleSet(data []byte) (*RuleSet, error) {
	var rs RuleSet
	if err := yaml.Unmarshal(data, &rs); err != nil {
		return nil, fmt.Errorf("parse rules: %w", err)
	}
	if len(rs.Rules) > MaxRules {
		return nil, fmt.Errorf("%d rules, capacity %d: %w", len(rs.Rules), MaxRules, ErrTableFull)
	}
	for i := range rs.Rules {
		if _, err := rs.Rules[i].Compile(); err != nil {
			return nil, fmt.Errorf("rule %d: %w", i, err)
		}
	}
	return &rs, nil
}
