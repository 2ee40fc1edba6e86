package vpn

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode"

	"ovpn-console/internal/util"
)

var namePattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]{0,63}$`)

// forbiddenSequences are rejected as security violations because names end up
// in file paths and process command lines.
var forbiddenSequences = []string{"/", `\`, "..", "|", "&", ";", "$", "`"}

// hookDirectives run external programs and are never accepted from user input.
var hookDirectives = map[string]struct{}{
	"script-security":       {},
	"up":                    {},
	"down":                  {},
	"route-up":              {},
	"route-pre-down":        {},
	"ipchange":              {},
	"client-connect":        {},
	"client-disconnect":     {},
	"learn-address":         {},
	"auth-user-pass-verify": {},
	"tls-verify":            {},
	"tls-crypt-v2-verify":   {},
	"iproute":               {},
	"tmp-dir":               {},
	"setenv":                {},
	"setenv-safe":           {},
	"plugin":                {},
	"management":            {},
	"config":                {},
	"cd":                    {},
	"chroot":                {},
	"log":                   {},
	"log-append":            {},
	"status":                {},
	"writepid":              {},
}

var (
	validProtocols  = map[string]struct{}{"udp": {}, "tcp": {}, "udp6": {}, "tcp6": {}}
	validInterfaces = map[string]struct{}{"tun": {}, "tap": {}}
	validTopologies = map[string]struct{}{"subnet": {}, "net30": {}, "p2p": {}}
)

// ValidateName checks that an instance or client name is safe to use in file
// paths and process matching. Shell or path metacharacters yield ErrSecurity.
func ValidateName(name string) error {
	for _, seq := range forbiddenSequences {
		if strings.Contains(name, seq) {
			return fmt.Errorf("%w: name contains forbidden sequence %q", ErrSecurity, seq)
		}
	}
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return fmt.Errorf("%w: name is required", ErrVPNValidation)
	}
	if trimmed != name {
		return fmt.Errorf("%w: name must not start or end with whitespace", ErrVPNValidation)
	}
	if len(trimmed) > 64 {
		return fmt.Errorf("%w: name must be 64 characters or fewer", ErrVPNValidation)
	}
	for _, r := range trimmed {
		if unicode.IsSpace(r) || unicode.IsControl(r) {
			return fmt.Errorf("%w: name must not contain whitespace or control characters", ErrVPNValidation)
		}
	}
	if !namePattern.MatchString(trimmed) {
		return fmt.Errorf("%w: name must match ^[a-zA-Z0-9][a-zA-Z0-9._-]{0,63}$", ErrVPNValidation)
	}
	return nil
}

// Validate checks every user-controlled field of an instance.
func Validate(inst Instance) error {
	if err := ValidateName(inst.Name); err != nil {
		return err
	}
	var errs []error
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if inst.Port < 1 || inst.Port > 65535 {
		fail("port must be between 1 and 65535")
	}
	if _, ok := validProtocols[inst.Protocol]; !ok {
		fail("unsupported protocol %q", inst.Protocol)
	}
	if _, ok := validInterfaces[inst.InterfaceType]; !ok {
		fail("unsupported interface type %q", inst.InterfaceType)
	}
	if _, ok := validTopologies[inst.Topology]; !ok {
		fail("unsupported topology %q", inst.Topology)
	}
	if _, err := util.ParseIPv4Prefix(inst.Subnet, 8, 30); err != nil {
		fail("subnet: %v", err)
	}
	if inst.MaxClients < 1 {
		fail("max clients must be at least 1")
	}
	if inst.RenegotiateTime < 0 {
		fail("renegotiate time must not be negative")
	}
	if len(inst.Description) > 512 {
		fail("description must be 512 characters or fewer")
	}
	for _, server := range util.SplitCSV(inst.DNSServers) {
		if !util.IsIPOrHostname(server) {
			fail("invalid DNS server %q", server)
		}
	}
	for _, server := range util.SplitCSV(inst.NTPServers) {
		if !util.IsIPOrHostname(server) {
			fail("invalid NTP server %q", server)
		}
	}
	for _, network := range util.SplitCSV(inst.LocalNetwork) {
		if _, _, err := util.NetworkAndMask(network); err != nil {
			fail("local network: %v", err)
		}
	}
	if err := validateOptionLines(inst.OpenVPNOptions, false); err != nil {
		errs = append(errs, err)
	}
	if err := validateOptionLines(inst.PushOptions, true); err != nil {
		errs = append(errs, err)
	}
	if inst.Status != "" && !inst.Status.Valid() {
		fail("invalid status %q", inst.Status)
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %v", ErrVPNValidation, errors.Join(errs...))
	}
	return nil
}

func validateOptionLines(raw string, push bool) error {
	for _, line := range util.SplitLines(raw) {
		if strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") {
			continue
		}
		if strings.ContainsAny(line, "<>") {
			return fmt.Errorf("option %q must not contain inline blocks", line)
		}
		if push && strings.Contains(line, `"`) {
			return fmt.Errorf("push option %q must not contain quotes", line)
		}
		for _, r := range line {
			if unicode.IsControl(r) {
				return fmt.Errorf("option %q contains control characters", line)
			}
		}
		// openvpn accepts "--directive" in config files as well
		directive := strings.TrimLeft(strings.ToLower(strings.Fields(line)[0]), "-")
		if _, blocked := hookDirectives[directive]; blocked {
			return fmt.Errorf("directive %q is not allowed", directive)
		}
	}
	return nil
}
