package util

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"regexp"
	"strings"

	"go4.org/netipx"
)

var hostnamePattern = regexp.MustCompile(`^(?i)[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?(\.[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?)*$`)

// NetworkAndMask converts an IPv4 CIDR into the dotted network and netmask
// pair used by OpenVPN's server and route directives. Host bits are masked.
func NetworkAndMask(cidr string) (string, string, error) {
	prefix, err := netip.ParsePrefix(strings.TrimSpace(cidr))
	if err != nil {
		return "", "", fmt.Errorf("invalid CIDR %q: %w", cidr, err)
	}
	if !prefix.Addr().Is4() {
		return "", "", fmt.Errorf("CIDR %q is not IPv4", cidr)
	}
	ipNet := netipx.PrefixIPNet(prefix.Masked())
	if ipNet == nil {
		return "", "", fmt.Errorf("invalid CIDR %q", cidr)
	}
	return ipNet.IP.String(), net.IP(ipNet.Mask).String(), nil
}

// ParseIPv4Prefix parses a CIDR and enforces IPv4 with a prefix length in [minBits, maxBits].
func ParseIPv4Prefix(cidr string, minBits, maxBits int) (netip.Prefix, error) {
	prefix, err := netip.ParsePrefix(strings.TrimSpace(cidr))
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("invalid CIDR %q", cidr)
	}
	if !prefix.Addr().Is4() {
		return netip.Prefix{}, fmt.Errorf("CIDR %q is not IPv4", cidr)
	}
	if prefix.Bits() < minBits || prefix.Bits() > maxBits {
		return netip.Prefix{}, fmt.Errorf("CIDR %q prefix must be between /%d and /%d", cidr, minBits, maxBits)
	}
	return prefix.Masked(), nil
}

// ParseAddrOrPrefix accepts a bare address or CIDR and returns it as a prefix.
func ParseAddrOrPrefix(entry string) (netip.Prefix, error) {
	trimmed := strings.TrimSpace(entry)
	if trimmed == "" {
		return netip.Prefix{}, errors.New("empty address")
	}
	if strings.Contains(trimmed, "/") {
		prefix, err := netip.ParsePrefix(trimmed)
		if err != nil {
			return netip.Prefix{}, fmt.Errorf("invalid CIDR %q: %w", entry, err)
		}
		return prefix.Masked(), nil
	}
	addr, err := netip.ParseAddr(trimmed)
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("invalid IP %q: %w", entry, err)
	}
	addr = addr.Unmap()
	return netip.PrefixFrom(addr, addr.BitLen()), nil
}

// BuildIPSet merges entries into a normalized netipx.IPSet.
func BuildIPSet(entries []string) (*netipx.IPSet, error) {
	var builder netipx.IPSetBuilder
	for _, entry := range entries {
		if strings.TrimSpace(entry) == "" {
			continue
		}
		prefix, err := ParseAddrOrPrefix(entry)
		if err != nil {
			return nil, err
		}
		builder.AddPrefix(prefix)
	}
	return builder.IPSet()
}

// IsHostname reports whether value is a syntactically valid DNS name.
func IsHostname(value string) bool {
	trimmed := strings.TrimSuffix(strings.TrimSpace(value), ".")
	if trimmed == "" || len(trimmed) > 253 {
		return false
	}
	return hostnamePattern.MatchString(trimmed)
}

// IsIPOrHostname accepts an IP literal or a DNS name.
func IsIPOrHostname(value string) bool {
	if _, err := netip.ParseAddr(strings.TrimSpace(value)); err == nil {
		return true
	}
	return IsHostname(value)
}

// SplitCSV splits a comma separated list and trims each entry, dropping blanks.
func SplitCSV(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// SplitLines splits newline separated text, trimming and dropping blank lines.
func SplitLines(raw string) []string {
	lines := strings.Split(strings.ReplaceAll(raw, "\r\n", "\n"), "\n")
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
