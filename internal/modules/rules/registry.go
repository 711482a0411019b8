package rules

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/adpilot/adpilot/internal/domain"
)

// Registry is the ordered, immutable set of enabled rules. Built once at
// startup; evaluation order equals registration order.
type Registry struct {
	rules []Rule
	index map[string]int // rule id -> registry position
	log   zerolog.Logger
}

// NewRegistry validates every rule and builds the registry. A single invalid
// rule fails the whole load.
func NewRegistry(ruleSet []Rule, log zerolog.Logger) (*Registry, error) {
	index := make(map[string]int, len(ruleSet))
	for i, r := range ruleSet {
		if err := r.Validate(); err != nil {
			return nil, fmt.Errorf("rule registry load failed: %w", err)
		}
		if _, dup := index[r.ID]; dup {
			return nil, fmt.Errorf("rule registry load failed: duplicate rule id %q", r.ID)
		}
		index[r.ID] = i
	}

	reg := &Registry{
		rules: ruleSet,
		index: index,
		log:   log.With().Str("component", "rule_registry").Logger(),
	}
	reg.log.Info().Int("rules", len(ruleSet)).Msg("Rule registry loaded")
	return reg, nil
}

// EnabledFor returns the rules for an entity kind in registry order.
func (reg *Registry) EnabledFor(kind domain.EntityKind) []Rule {
	var out []Rule
	for _, r := range reg.rules {
		if r.EntityKind == kind {
			out = append(out, r)
		}
	}
	return out
}

// Get returns a rule by id.
func (reg *Registry) Get(id string) (Rule, bool) {
	i, ok := reg.index[id]
	if !ok {
		return Rule{}, false
	}
	return reg.rules[i], true
}

// Position returns the registry position of a rule id; unknown ids sort last.
func (reg *Registry) Position(id string) int {
	if i, ok := reg.index[id]; ok {
		return i
	}
	return len(reg.rules)
}

// All returns every rule in registry order.
func (reg *Registry) All() []Rule {
	return reg.rules
}
