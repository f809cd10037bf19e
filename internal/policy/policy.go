package policy

import (
	"fmt"
	"os"
	"sort"
	"time"

	"carelink-escalation/internal/models"

	"gopkg.in/yaml.v3"
)

// ConfigError 策略配置错误（启动期致命，引擎拒绝启动）
type ConfigError struct {
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("escalation policy config error: %s", e.Reason)
}

// TierRule 单个升级档位规则
// TimeoutMinutes 为报警在该档位停留的时长（分钟），到期后升级到下一档位；
// 最后一个档位到期触发终档落盘，不再升级
type TierRule struct {
	Tier           int         `yaml:"tier"`
	TimeoutMinutes int         `yaml:"timeout_minutes"`
	TargetRole     models.Role `yaml:"target_role"`
}

// UrgencyPolicy 单个紧急级别的升级链
type UrgencyPolicy struct {
	Urgency int        `yaml:"urgency"`
	Tiers   []TierRule `yaml:"tiers"`
}

// policyFile YAML 策略文件结构
type policyFile struct {
	Policies []UrgencyPolicy `yaml:"policies"`
}

// Table 升级策略表（启动时加载一次，进程生命周期内只读）
type Table struct {
	chains map[int][]TierRule
}

// MinUrgency / MaxUrgency 紧急级别取值范围
const (
	MinUrgency = 1
	MaxUrgency = 5
)

// Default 返回内置默认策略表
// 每个紧急级别有独立的档位/超时链（5 级最快：3/5/10 分钟累计；1 级最慢：单档 60 分钟）
func Default() *Table {
	t, err := build([]UrgencyPolicy{
		{Urgency: 5, Tiers: []TierRule{
			{Tier: 1, TimeoutMinutes: 3, TargetRole: models.RoleNurse},
			{Tier: 2, TimeoutMinutes: 2, TargetRole: models.RoleDoctor},
			{Tier: 3, TimeoutMinutes: 5, TargetRole: models.RoleHeadDoctor},
		}},
		{Urgency: 4, Tiers: []TierRule{
			{Tier: 1, TimeoutMinutes: 5, TargetRole: models.RoleNurse},
			{Tier: 2, TimeoutMinutes: 5, TargetRole: models.RoleDoctor},
			{Tier: 3, TimeoutMinutes: 5, TargetRole: models.RoleHeadDoctor},
			{Tier: 4, TimeoutMinutes: 15, TargetRole: models.RoleAdministrator},
		}},
		{Urgency: 3, Tiers: []TierRule{
			{Tier: 1, TimeoutMinutes: 10, TargetRole: models.RoleNurse},
			{Tier: 2, TimeoutMinutes: 10, TargetRole: models.RoleDoctor},
			{Tier: 3, TimeoutMinutes: 20, TargetRole: models.RoleHeadDoctor},
		}},
		{Urgency: 2, Tiers: []TierRule{
			{Tier: 1, TimeoutMinutes: 30, TargetRole: models.RoleNurse},
			{Tier: 2, TimeoutMinutes: 30, TargetRole: models.RoleDoctor},
		}},
		{Urgency: 1, Tiers: []TierRule{
			{Tier: 1, TimeoutMinutes: 60, TargetRole: models.RoleNurse},
		}},
	})
	if err != nil {
		// 默认表由本包维护，构建失败属于编程错误
		panic(err)
	}
	return t
}

// Load 加载策略表
// path 为空时使用内置默认表；否则从 YAML 文件加载并校验（校验失败返回 ConfigError）
func Load(path string) (*Table, error) {
	if path == "" {
		return Default(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &ConfigError{Reason: fmt.Sprintf("failed to read policy file %s: %v", path, err)}
	}

	var file policyFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, &ConfigError{Reason: fmt.Sprintf("failed to parse policy file %s: %v", path, err)}
	}

	return build(file.Policies)
}

// build 构建并校验策略表（fail fast：非法配置在加载期报错，而不是查询期）
func build(policies []UrgencyPolicy) (*Table, error) {
	chains := make(map[int][]TierRule)

	for _, p := range policies {
		if p.Urgency < MinUrgency || p.Urgency > MaxUrgency {
			return nil, &ConfigError{Reason: fmt.Sprintf("urgency level %d out of range [%d,%d]", p.Urgency, MinUrgency, MaxUrgency)}
		}
		if _, exists := chains[p.Urgency]; exists {
			return nil, &ConfigError{Reason: fmt.Sprintf("duplicate policy for urgency level %d", p.Urgency)}
		}
		if len(p.Tiers) == 0 {
			return nil, &ConfigError{Reason: fmt.Sprintf("urgency level %d has no tiers", p.Urgency)}
		}

		tiers := make([]TierRule, len(p.Tiers))
		copy(tiers, p.Tiers)
		sort.Slice(tiers, func(i, j int) bool { return tiers[i].Tier < tiers[j].Tier })

		for i, rule := range tiers {
			if rule.Tier != i+1 {
				return nil, &ConfigError{Reason: fmt.Sprintf("urgency level %d: tiers must be contiguous from 1, got tier %d at position %d", p.Urgency, rule.Tier, i+1)}
			}
			if rule.TimeoutMinutes <= 0 {
				return nil, &ConfigError{Reason: fmt.Sprintf("urgency level %d tier %d: timeout_minutes must be positive", p.Urgency, rule.Tier)}
			}
			if !models.ValidRoles[rule.TargetRole] {
				return nil, &ConfigError{Reason: fmt.Sprintf("urgency level %d tier %d: unknown target role %q", p.Urgency, rule.Tier, rule.TargetRole)}
			}
		}

		chains[p.Urgency] = tiers
	}

	// 所有紧急级别必须有升级链
	for u := MinUrgency; u <= MaxUrgency; u++ {
		if _, ok := chains[u]; !ok {
			return nil, &ConfigError{Reason: fmt.Sprintf("missing policy for urgency level %d", u)}
		}
	}

	return &Table{chains: chains}, nil
}

// TimeoutFor 查询报警在指定档位的停留时长
// 返回 false 表示终档（该档位没有定时器，不再升级）
func (t *Table) TimeoutFor(urgency, tier int) (time.Duration, bool) {
	chain, ok := t.chains[urgency]
	if !ok || tier < 1 || tier > len(chain) {
		return 0, false
	}
	return time.Duration(chain[tier-1].TimeoutMinutes) * time.Minute, true
}

// TargetRoleFor 查询升级进入指定档位时通知的目标角色
func (t *Table) TargetRoleFor(urgency, tier int) (models.Role, bool) {
	chain, ok := t.chains[urgency]
	if !ok || tier < 1 || tier > len(chain) {
		return "", false
	}
	return chain[tier-1].TargetRole, true
}

// MaxTier 查询指定紧急级别的终档档位
func (t *Table) MaxTier(urgency int) int {
	return len(t.chains[urgency])
}
