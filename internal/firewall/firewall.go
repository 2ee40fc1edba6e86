// Package firewall stores forwarding aliases and rules and enforces them with nftables.
package firewall

import (
	"errors"
	"fmt"
	"net/netip"
	"regexp"
	"strconv"
	"strings"

	"ovpn-console/internal/util"
)

var (
	ErrAliasNotFound = errors.New("alias not found")
	ErrAliasExists   = errors.New("alias already exists")
	ErrAliasInUse    = errors.New("alias in use")
	ErrRuleNotFound  = errors.New("rule not found")
	ErrValidation    = errors.New("invalid firewall object")
	ErrApplyFailed   = errors.New("firewall apply failed")
)

// Alias types.
const (
	AliasHost    = "host"
	AliasNetwork = "network"
	AliasPort    = "port"
)

// Rule actions and protocols.
const (
	ActionAllow = "allow"
	ActionDeny  = "deny"

	ProtoAny  = "any"
	ProtoTCP  = "tcp"
	ProtoUDP  = "udp"
	ProtoICMP = "icmp"
)

var aliasNamePattern = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_]{0,31}$`)

// Alias is a named list of hosts, networks or ports.
type Alias struct {
	ID          int64  `json:"id"`
	Enabled     bool   `json:"enabled"`
	Name        string `json:"name"`
	Type        string `json:"type"`
	Content     string `json:"content"`
	Description string `json:"description"`
	CreatedAt   int64  `json:"createdAt"`
	UpdatedAt   int64  `json:"updatedAt"`
}

// Entries returns the trimmed, non-empty content lines.
func (a Alias) Entries() []string {
	return util.SplitLines(strings.ReplaceAll(a.Content, ",", "\n"))
}

// AliasRequest carries optional alias fields.
type AliasRequest struct {
	Enabled     *bool   `json:"enabled"`
	Name        *string `json:"name"`
	Type        *string `json:"type"`
	Content     *string `json:"content"`
	Description *string `json:"description"`
}

func (r AliasRequest) apply(a *Alias) {
	if r.Enabled != nil {
		a.Enabled = *r.Enabled
	}
	if r.Name != nil {
		a.Name = strings.TrimSpace(*r.Name)
	}
	if r.Type != nil {
		a.Type = strings.TrimSpace(*r.Type)
	}
	if r.Content != nil {
		a.Content = strings.TrimSpace(*r.Content)
	}
	if r.Description != nil {
		a.Description = strings.TrimSpace(*r.Description)
	}
}

// Rule is one forward-chain rule.
type Rule struct {
	ID              int64  `json:"id"`
	Enabled         bool   `json:"enabled"`
	Name            string `json:"name"`
	Action          string `json:"action"`
	Protocol        string `json:"protocol"`
	Source          string `json:"source"`
	Destination     string `json:"destination"`
	DestinationPort string `json:"destinationPort"`
	VPNInstanceID   *int64 `json:"vpnInstanceId,omitempty"`
	Position        int    `json:"position"`
	Description     string `json:"description"`
	CreatedAt       int64  `json:"createdAt"`
	UpdatedAt       int64  `json:"updatedAt"`
}

// RuleRequest carries optional rule fields.
type RuleRequest struct {
	Enabled         *bool   `json:"enabled"`
	Name            *string `json:"name"`
	Action          *string `json:"action"`
	Protocol        *string `json:"protocol"`
	Source          *string `json:"source"`
	Destination     *string `json:"destination"`
	DestinationPort *string `json:"destinationPort"`
	VPNInstanceID   *int64  `json:"vpnInstanceId"`
	Position        *int    `json:"position"`
	Description     *string `json:"description"`
}

func (r RuleRequest) apply(rule *Rule) {
	if r.Enabled != nil {
		rule.Enabled = *r.Enabled
	}
	if r.Name != nil {
		rule.Name = strings.TrimSpace(*r.Name)
	}
	if r.Action != nil {
		rule.Action = strings.TrimSpace(*r.Action)
	}
	if r.Protocol != nil {
		rule.Protocol = strings.TrimSpace(*r.Protocol)
	}
	if r.Source != nil {
		rule.Source = strings.TrimSpace(*r.Source)
	}
	if r.Destination != nil {
		rule.Destination = strings.TrimSpace(*r.Destination)
	}
	if r.DestinationPort != nil {
		rule.DestinationPort = strings.TrimSpace(*r.DestinationPort)
	}
	if r.VPNInstanceID != nil {
		if *r.VPNInstanceID <= 0 {
			rule.VPNInstanceID = nil
		} else {
			id := *r.VPNInstanceID
			rule.VPNInstanceID = &id
		}
	}
	if r.Position != nil {
		rule.Position = *r.Position
	}
	if r.Description != nil {
		rule.Description = strings.TrimSpace(*r.Description)
	}
}

// ValidateAlias checks the name, type and every content entry.
func ValidateAlias(a Alias) error {
	if !aliasNamePattern.MatchString(a.Name) {
		return fmt.Errorf("%w: alias name must start with a letter and contain only letters, digits or '_'", ErrValidation)
	}
	entries := a.Entries()
	if len(entries) == 0 {
		return fmt.Errorf("%w: alias %s has no entries", ErrValidation, a.Name)
	}
	for _, entry := range entries {
		var err error
		switch a.Type {
		case AliasHost:
			_, err = parseIPv4Addr(entry)
		case AliasNetwork:
			_, err = util.ParseIPv4Prefix(entry, 0, 32)
		case AliasPort:
			_, _, err = ParsePortRange(entry)
		default:
			return fmt.Errorf("%w: unknown alias type %q", ErrValidation, a.Type)
		}
		if err != nil {
			return fmt.Errorf("%w: alias %s entry %q: %v", ErrValidation, a.Name, entry, err)
		}
	}
	return nil
}

// ValidateRule checks the rule fields against the known aliases (by name).
func ValidateRule(rule Rule, aliases map[string]Alias) error {
	if strings.TrimSpace(rule.Name) == "" {
		return fmt.Errorf("%w: rule name is required", ErrValidation)
	}
	switch rule.Action {
	case ActionAllow, ActionDeny:
	default:
		return fmt.Errorf("%w: action must be allow or deny", ErrValidation)
	}
	switch rule.Protocol {
	case ProtoAny, ProtoTCP, ProtoUDP, ProtoICMP:
	default:
		return fmt.Errorf("%w: protocol must be any, tcp, udp or icmp", ErrValidation)
	}
	for field, value := range map[string]string{"source": rule.Source, "destination": rule.Destination} {
		if err := validateAddressRef(value, aliases); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrValidation, field, err)
		}
	}
	if rule.DestinationPort != "" {
		if rule.Protocol != ProtoTCP && rule.Protocol != ProtoUDP {
			return fmt.Errorf("%w: destination port requires tcp or udp", ErrValidation)
		}
		if name, ok := aliasRef(rule.DestinationPort); ok {
			alias, found := aliases[name]
			if !found {
				return fmt.Errorf("%w: unknown alias %q", ErrValidation, name)
			}
			if alias.Type != AliasPort {
				return fmt.Errorf("%w: alias %q is not a port alias", ErrValidation, name)
			}
		} else if _, _, err := ParsePortRange(rule.DestinationPort); err != nil {
			return fmt.Errorf("%w: destination port: %v", ErrValidation, err)
		}
	}
	if rule.Position < 0 {
		return fmt.Errorf("%w: position must be >= 0", ErrValidation)
	}
	return nil
}

func validateAddressRef(value string, aliases map[string]Alias) error {
	if value == "" {
		return nil
	}
	if name, ok := aliasRef(value); ok {
		alias, found := aliases[name]
		if !found {
			return fmt.Errorf("unknown alias %q", name)
		}
		if alias.Type == AliasPort {
			return fmt.Errorf("alias %q is a port alias", name)
		}
		return nil
	}
	_, err := parseAddrOrPrefix(value)
	return err
}

// ParsePortRange parses "80" or "8000-8100".
func ParsePortRange(value string) (uint16, uint16, error) {
	from, to, isRange := strings.Cut(strings.TrimSpace(value), "-")
	start, err := parsePort(from)
	if err != nil {
		return 0, 0, err
	}
	if !isRange {
		return start, start, nil
	}
	end, err := parsePort(to)
	if err != nil {
		return 0, 0, err
	}
	if end < start {
		return 0, 0, fmt.Errorf("port range %s is reversed", value)
	}
	return start, end, nil
}

func parsePort(value string) (uint16, error) {
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil || n < 1 || n > 65535 {
		return 0, fmt.Errorf("invalid port %q", value)
	}
	return uint16(n), nil
}

func aliasRef(value string) (string, bool) {
	if strings.HasPrefix(value, "@") {
		return strings.TrimPrefix(value, "@"), true
	}
	return "", false
}

func parseIPv4Addr(value string) (netip.Addr, error) {
	addr, err := netip.ParseAddr(strings.TrimSpace(value))
	if err != nil {
		return netip.Addr{}, err
	}
	if !addr.Is4() {
		return netip.Addr{}, fmt.Errorf("%s is not an IPv4 address", value)
	}
	return addr, nil
}

// parseAddrOrPrefix accepts a single IPv4 address or an IPv4 CIDR.
func parseAddrOrPrefix(value string) (netip.Prefix, error) {
	prefix, err := util.ParseAddrOrPrefix(value)
	if err != nil {
		return netip.Prefix{}, err
	}
	if !prefix.Addr().Is4() {
		return netip.Prefix{}, fmt.Errorf("%s is not IPv4", value)
	}
	return prefix.Masked(), nil
}
