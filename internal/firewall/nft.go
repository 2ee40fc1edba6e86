package firewall

import (
	"fmt"

	"github.com/google/nftables"
	"github.com/google/nftables/expr"
)

// Applier pushes a rendered ruleset to the packet filter.
type Applier interface {
	Apply(rs *Ruleset) error
}

// NFTApplier replaces the console's inet table in a single netlink batch.
type NFTApplier struct{}

// Apply deletes and recreates the table with its sets, chain and rules.
// Nothing changes if the batch is rejected.
func (NFTApplier) Apply(rs *Ruleset) error {
	conn, err := nftables.New(nftables.AsLasting())
	if err != nil {
		return fmt.Errorf("nftables conn: %w", err)
	}
	defer conn.CloseLasting()

	table := &nftables.Table{Family: nftables.TableFamilyINet, Name: rs.Table}
	// add before delete so the delete never fails on a missing table
	conn.AddTable(table)
	conn.DelTable(table)
	table = conn.AddTable(table)

	sets := make(map[string]*nftables.Set, len(rs.Sets))
	for _, spec := range rs.Sets {
		set := &nftables.Set{
			Table:    table,
			Name:     spec.Name,
			KeyType:  keyType(spec.Kind),
			Interval: true,
		}
		if err := conn.AddSet(set, setElements(spec)); err != nil {
			return fmt.Errorf("add set %s: %w", spec.Name, err)
		}
		sets[spec.Name] = set
	}

	policy := nftables.ChainPolicyAccept
	chain := conn.AddChain(&nftables.Chain{
		Name:     rs.Chain,
		Table:    table,
		Type:     nftables.ChainTypeFilter,
		Hooknum:  nftables.ChainHookForward,
		Priority: nftables.ChainPriorityFilter,
		Policy:   &policy,
	})

	for _, rule := range rs.Rules {
		exprs := make([]expr.Any, len(rule.Exprs))
		for i, e := range rule.Exprs {
			if lookup, ok := e.(*expr.Lookup); ok {
				set, found := sets[lookup.SetName]
				if !found {
					return fmt.Errorf("rule %q references missing set %s", rule.Name, lookup.SetName)
				}
				resolved := *lookup
				resolved.SetID = set.ID
				e = &resolved
			}
			exprs[i] = e
		}
		conn.AddRule(&nftables.Rule{Table: table, Chain: chain, Exprs: exprs})
	}

	if err := conn.Flush(); err != nil {
		return fmt.Errorf("nftables flush: %w", err)
	}
	return nil
}

func keyType(kind string) nftables.SetDatatype {
	if kind == SetPort {
		return nftables.TypeInetService
	}
	return nftables.TypeIPAddr
}

func setElements(spec SetSpec) []nftables.SetElement {
	elements := make([]nftables.SetElement, 0, 2*len(spec.Elements))
	for _, interval := range spec.Elements {
		elements = append(elements, nftables.SetElement{Key: interval.From})
		if len(interval.To) > 0 {
			elements = append(elements, nftables.SetElement{Key: interval.To, IntervalEnd: true})
		}
	}
	return elements
}

// MockApplier records rulesets instead of touching the kernel.
type MockApplier struct {
	ApplyFunc func(rs *Ruleset) error
	Applied   []*Ruleset
}

func (m *MockApplier) Apply(rs *Ruleset) error {
	m.Applied = append(m.Applied, rs)
	if m.ApplyFunc != nil {
		return m.ApplyFunc(rs)
	}
	return nil
}
