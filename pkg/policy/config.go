package policy

import (
	"dnsgate/pkg/config"
)

// FromConfig compiles the configured rules into an engine. Rules with no
// explicit enabled flag are enabled; actions default to BLOCK.
func FromConfig(cfg *config.PolicyConfig) (*Engine, error) {
	e := NewEngine()
	if cfg == nil {
		return e, nil
	}
	for _, rc := range cfg.Rules {
		rule := &Rule{
			Name:    rc.Name,
			Logic:   rc.Logic,
			Action:  rc.Action,
			Enabled: rc.Enabled == nil || *rc.Enabled,
		}
		if rule.Action == "" {
			rule.Action = ActionBlock
		}
		if err := e.AddRule(rule); err != nil {
			return nil, err
		}
	}
	return e, nil
}
