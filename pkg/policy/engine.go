// Package policy evaluates expression rules against incoming queries.
// Rules run after the whitelist check and before the blacklist, so an
// operator can block by pattern without enumerating domains.
package policy

import (
	"fmt"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// Rule actions.
const (
	ActionBlock = "BLOCK"
	ActionAllow = "ALLOW"
)

// Context is the evaluation environment exposed to rule expressions.
type Context struct {
	Domain   string
	ClientIP string
	Qtype    string
}

// NewContext builds the evaluation environment for one query.
func NewContext(domain, clientIP, qtype string) Context {
	return Context{Domain: domain, ClientIP: clientIP, Qtype: qtype}
}

// Rule is a single policy rule. Logic is an expr expression over the
// Context fields; it must evaluate to a boolean.
type Rule struct {
	Name    string `json:"name" yaml:"name"`
	Logic   string `json:"logic" yaml:"logic"`
	Action  string `json:"action" yaml:"action"`
	Enabled bool   `json:"enabled" yaml:"enabled"`

	program *vm.Program
}

// Engine holds compiled rules and evaluates them in insertion order.
type Engine struct {
	rules []*Rule
}

// NewEngine creates an empty policy engine.
func NewEngine() *Engine {
	return &Engine{}
}

// AddRule compiles and registers a rule. The expression is validated
// against the Context environment at add time, so a bad rule fails fast
// instead of at query time.
func (e *Engine) AddRule(rule *Rule) error {
	action := strings.ToUpper(rule.Action)
	if action != ActionBlock && action != ActionAllow {
		return fmt.Errorf("rule %q: unknown action %q", rule.Name, rule.Action)
	}
	rule.Action = action

	program, err := expr.Compile(rule.Logic, expr.Env(Context{}), expr.AsBool())
	if err != nil {
		return fmt.Errorf("rule %q: compile: %w", rule.Name, err)
	}
	rule.program = program
	e.rules = append(e.rules, rule)
	return nil
}

// Count returns the number of registered rules.
func (e *Engine) Count() int {
	return len(e.rules)
}

// Rules returns the registered rules in evaluation order.
func (e *Engine) Rules() []*Rule {
	out := make([]*Rule, len(e.rules))
	copy(out, e.rules)
	return out
}

// Evaluate runs the rules in order and returns the first enabled rule
// whose expression is true. Evaluation errors skip the rule.
func (e *Engine) Evaluate(ctx Context) (bool, *Rule) {
	for _, rule := range e.rules {
		if !rule.Enabled || rule.program == nil {
			continue
		}
		out, err := expr.Run(rule.program, ctx)
		if err != nil {
			continue
		}
		if matched, ok := out.(bool); ok && matched {
			return true, rule
		}
	}
	return false, nil
}
