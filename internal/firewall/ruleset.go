package firewall

import (
	"encoding/binary"
	"fmt"
	"net/netip"
	"sort"

	"github.com/google/nftables/binaryutil"
	"github.com/google/nftables/expr"
	"golang.org/x/sys/unix"

	"ovpn-console/internal/util"
)

const (
	TableName = "ovpn_console"
	ChainName = "forward"

	ipv4SrcOffset = 12
	ipv4DstOffset = 16
	dstPortOffset = 2
)

// Set key kinds.
const (
	SetIPv4 = "ipv4_addr"
	SetPort = "inet_service"
)

// Interval is one half-open [From, To) element of an interval set.
// An empty To means the range runs to the end of the key space.
type Interval struct {
	From []byte
	To   []byte
}

// SetSpec is a named interval set rendered from an alias.
type SetSpec struct {
	Name     string
	Kind     string
	Elements []Interval
}

// RuleSpec is one rendered chain rule.
type RuleSpec struct {
	RuleID int64
	Name   string
	Exprs  []expr.Any
}

// Ruleset is the full desired state of the console's nftables table.
type Ruleset struct {
	Table    string
	Chain    string
	Sets     []SetSpec
	Rules    []RuleSpec
	Warnings []string
}

// SetName returns the nftables set name used for alias name.
func SetName(alias string) string {
	return "alias_" + alias
}

// Build renders enabled rules in position order. subnets maps VPN instance
// ids to their tunnel subnet; a bound rule with no source matches that subnet.
func Build(aliases []Alias, rules []Rule, subnets map[int64]string) (*Ruleset, error) {
	rs := &Ruleset{Table: TableName, Chain: ChainName}
	byName := make(map[string]Alias, len(aliases))
	for _, alias := range aliases {
		byName[alias.Name] = alias
		set, err := buildSet(alias)
		if err != nil {
			return nil, err
		}
		rs.Sets = append(rs.Sets, set)
	}

	ordered := append([]Rule(nil), rules...)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].Position != ordered[j].Position {
			return ordered[i].Position < ordered[j].Position
		}
		return ordered[i].ID < ordered[j].ID
	})

	for _, rule := range ordered {
		if !rule.Enabled {
			continue
		}
		source := rule.Source
		if source == "" && rule.VPNInstanceID != nil {
			subnet, ok := subnets[*rule.VPNInstanceID]
			if !ok {
				rs.Warnings = append(rs.Warnings, fmt.Sprintf("rule %q skipped: vpn instance %d not found", rule.Name, *rule.VPNInstanceID))
				continue
			}
			source = subnet
		}
		exprs, err := ruleExprs(rule, source, byName)
		if err != nil {
			return nil, fmt.Errorf("rule %q: %w", rule.Name, err)
		}
		rs.Rules = append(rs.Rules, RuleSpec{RuleID: rule.ID, Name: rule.Name, Exprs: exprs})
	}
	return rs, nil
}

func buildSet(alias Alias) (SetSpec, error) {
	set := SetSpec{Name: SetName(alias.Name)}
	if alias.Type == AliasPort {
		set.Kind = SetPort
	} else {
		set.Kind = SetIPv4
	}
	if !alias.Enabled {
		return set, nil
	}
	switch alias.Type {
	case AliasPort:
		ranges, err := mergePortRanges(alias.Entries())
		if err != nil {
			return SetSpec{}, fmt.Errorf("alias %s: %w", alias.Name, err)
		}
		for _, r := range ranges {
			elem := Interval{From: binaryutil.BigEndian.PutUint16(r[0])}
			if r[1] < 65535 {
				elem.To = binaryutil.BigEndian.PutUint16(r[1] + 1)
			}
			set.Elements = append(set.Elements, elem)
		}
	default:
		ipset, err := util.BuildIPSet(alias.Entries())
		if err != nil {
			return SetSpec{}, fmt.Errorf("alias %s: %w", alias.Name, err)
		}
		for _, r := range ipset.Ranges() {
			if !r.From().Is4() {
				continue
			}
			from := r.From().As4()
			elem := Interval{From: from[:]}
			if next := r.To().Next(); next.IsValid() && next.Is4() {
				to := next.As4()
				elem.To = to[:]
			}
			set.Elements = append(set.Elements, elem)
		}
	}
	return set, nil
}

func ruleExprs(rule Rule, source string, aliases map[string]Alias) ([]expr.Any, error) {
	exprs := []expr.Any{
		&expr.Meta{Key: expr.MetaKeyNFPROTO, Register: 1},
		&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: []byte{unix.NFPROTO_IPV4}},
	}
	switch rule.Protocol {
	case ProtoTCP, ProtoUDP, ProtoICMP:
		exprs = append(exprs,
			&expr.Meta{Key: expr.MetaKeyL4PROTO, Register: 1},
			&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: []byte{protoNumber(rule.Protocol)}},
		)
	}

	src, err := addressMatch(source, ipv4SrcOffset, aliases)
	if err != nil {
		return nil, fmt.Errorf("source: %w", err)
	}
	exprs = append(exprs, src...)
	dst, err := addressMatch(rule.Destination, ipv4DstOffset, aliases)
	if err != nil {
		return nil, fmt.Errorf("destination: %w", err)
	}
	exprs = append(exprs, dst...)

	if rule.DestinationPort != "" {
		exprs = append(exprs, &expr.Payload{
			DestRegister: 1,
			Base:         expr.PayloadBaseTransportHeader,
			Offset:       dstPortOffset,
			Len:          2,
		})
		if name, ok := aliasRef(rule.DestinationPort); ok {
			if _, found := aliases[name]; !found {
				return nil, fmt.Errorf("unknown alias %q", name)
			}
			exprs = append(exprs, &expr.Lookup{SourceRegister: 1, SetName: SetName(name)})
		} else {
			from, to, err := ParsePortRange(rule.DestinationPort)
			if err != nil {
				return nil, err
			}
			if from == to {
				exprs = append(exprs, &expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: binaryutil.BigEndian.PutUint16(from)})
			} else {
				exprs = append(exprs, &expr.Range{
					Op:       expr.CmpOpEq,
					Register: 1,
					FromData: binaryutil.BigEndian.PutUint16(from),
					ToData:   binaryutil.BigEndian.PutUint16(to),
				})
			}
		}
	}

	verdict := expr.VerdictAccept
	if rule.Action == ActionDeny {
		verdict = expr.VerdictDrop
	}
	exprs = append(exprs, &expr.Counter{}, &expr.Verdict{Kind: verdict})
	return exprs, nil
}

func addressMatch(value string, offset uint32, aliases map[string]Alias) ([]expr.Any, error) {
	if value == "" {
		return nil, nil
	}
	load := &expr.Payload{DestRegister: 1, Base: expr.PayloadBaseNetworkHeader, Offset: offset, Len: 4}
	if name, ok := aliasRef(value); ok {
		if _, found := aliases[name]; !found {
			return nil, fmt.Errorf("unknown alias %q", name)
		}
		return []expr.Any{load, &expr.Lookup{SourceRegister: 1, SetName: SetName(name)}}, nil
	}
	prefix, err := parseAddrOrPrefix(value)
	if err != nil {
		return nil, err
	}
	if prefix.Bits() == 0 {
		return nil, nil
	}
	network := prefix.Addr().As4()
	if prefix.Bits() == 32 {
		return []expr.Any{load, &expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: network[:]}}, nil
	}
	return []expr.Any{
		load,
		&expr.Bitwise{SourceRegister: 1, DestRegister: 1, Len: 4, Mask: prefixMask(prefix), Xor: []byte{0, 0, 0, 0}},
		&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: network[:]},
	}, nil
}

func prefixMask(prefix netip.Prefix) []byte {
	mask := make([]byte, 4)
	binary.BigEndian.PutUint32(mask, ^uint32(0)<<(32-prefix.Bits()))
	return mask
}

func protoNumber(proto string) byte {
	switch proto {
	case ProtoTCP:
		return unix.IPPROTO_TCP
	case ProtoUDP:
		return unix.IPPROTO_UDP
	default:
		return unix.IPPROTO_ICMP
	}
}

// mergePortRanges returns sorted, non-overlapping inclusive ranges.
func mergePortRanges(entries []string) ([][2]uint16, error) {
	ranges := make([][2]uint16, 0, len(entries))
	for _, entry := range entries {
		from, to, err := ParsePortRange(entry)
		if err != nil {
			return nil, err
		}
		ranges = append(ranges, [2]uint16{from, to})
	}
	sort.Slice(ranges, func(i, j int) bool { return ranges[i][0] < ranges[j][0] })
	merged := make([][2]uint16, 0, len(ranges))
	for _, r := range ranges {
		if n := len(merged); n > 0 && uint32(r[0]) <= uint32(merged[n-1][1])+1 {
			if r[1] > merged[n-1][1] {
				merged[n-1][1] = r[1]
			}
			continue
		}
		merged = append(merged, r)
	}
	return merged, nil
}
