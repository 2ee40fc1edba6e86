// Package ovpnconf renders OpenVPN server and client configuration text from
// instance records.
package ovpnconf

import (
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"ovpn-console/internal/util"
	"ovpn-console/internal/vpn"
)

// ErrMissingTLSAuthKey is returned when tls-auth is enabled but no static key was supplied.
var ErrMissingTLSAuthKey = errors.New("tls-auth enabled but no static key supplied")

const (
	cipher = "AES-256-CBC"
	digest = "SHA256"
)

// Generator renders and writes OpenVPN configuration files.
type Generator struct {
	OpenVPNDir string
	CADir      string
	CertsDir   string
	LogsDir    string
}

// ServerConfigPath is where the server config for name is written.
func (g Generator) ServerConfigPath(name string) string {
	return filepath.Join(g.OpenVPNDir, "servers", name, "server.conf")
}

// ServersDir is the root of all generated server configs.
func (g Generator) ServersDir() string {
	return filepath.Join(g.OpenVPNDir, "servers")
}

// ClientsDir holds the generated client profiles of instance.
func (g Generator) ClientsDir(instance string) string {
	return filepath.Join(g.OpenVPNDir, "clients", instance)
}

// ClientConfigPath is where the .ovpn for a client is written.
func (g Generator) ClientConfigPath(instance, client string) string {
	return filepath.Join(g.ClientsDir(instance), client+".ovpn")
}

// StatusLogPath is the status-version 3 file the server writes for name.
func (g Generator) StatusLogPath(name string) string {
	return filepath.Join(g.LogsDir, "openvpn-"+name+".log")
}

// RenderServer builds server.conf text. Output depends only on inst and g.
func (g Generator) RenderServer(inst vpn.Instance) (string, error) {
	if err := vpn.ValidateName(inst.Name); err != nil {
		return "", err
	}
	network, mask, err := util.NetworkAndMask(inst.Subnet)
	if err != nil {
		return "", fmt.Errorf("%w: %v", vpn.ErrVPNValidation, err)
	}

	var lines []string
	add := func(format string, args ...any) {
		lines = append(lines, fmt.Sprintf(format, args...))
	}

	add("port %d", inst.Port)
	add("proto %s", inst.Protocol)
	add("dev %s", inst.InterfaceType)
	add("topology %s", inst.Topology)

	add("ca %s", filepath.Join(g.CADir, "ca.crt"))
	add("cert %s", filepath.Join(g.CertsDir, "server.crt"))
	add("key %s", filepath.Join(g.CertsDir, "server.key"))
	add("dh %s", filepath.Join(g.CADir, "dh.pem"))
	if inst.TLSAuth {
		add("tls-auth %s 0", filepath.Join(g.CADir, "ta.key"))
	}
	if inst.CRLEnabled {
		add("crl-verify %s", filepath.Join(g.CADir, "crl.pem"))
	}

	add("server %s %s", network, mask)
	add("ifconfig-pool-persist ipp.txt")
	add("keepalive 10 120")
	add("cipher %s", cipher)
	add("auth %s", digest)
	add("user nobody")
	add("group nobody")
	add("persist-key")
	add("persist-tun")
	add("status %s", g.StatusLogPath(inst.Name))
	add("status-version 3")
	add("verb 3")

	if inst.VerifyClient {
		add("verify-client-cert require")
	}
	if inst.VerifyRemoteCert {
		add("remote-cert-tls client")
	}
	if inst.StrictUserCN {
		add("username-as-common-name")
	}
	if inst.RenegotiateTime > 0 {
		add("reneg-sec %d", inst.RenegotiateTime)
	}

	lines = append(lines, OpenVPNOptions(inst)...)
	routes, err := routePushes(inst.LocalNetwork)
	if err != nil {
		return "", err
	}
	lines = append(lines, PushOptions(inst)...)
	lines = append(lines, routes...)

	return strings.Join(lines, "\n") + "\n", nil
}

// OpenVPNOptions returns toggle-derived directives followed by custom option lines.
func OpenVPNOptions(inst vpn.Instance) []string {
	toggles := []struct {
		on        bool
		directive string
	}{
		{inst.ClientToClient, "client-to-client"},
		{inst.BlockIPv6, "block-ipv6"},
		{inst.DuplicateCN, "duplicate-cn"},
		{inst.Float, "float"},
		{inst.PassTOS, "passtos"},
		{inst.PersistRemoteIP, "persist-remote-ip"},
		{inst.RouteNoExec, "route-noexec"},
		{inst.RouteNoPull, "route-nopull"},
		{inst.ExplicitExitNotify, "explicit-exit-notify"},
		{inst.RemoteRandom, "remote-random"},
	}
	out := make([]string, 0, len(toggles))
	for _, toggle := range toggles {
		if toggle.on {
			out = append(out, toggle.directive)
		}
	}
	return append(out, util.SplitLines(inst.OpenVPNOptions)...)
}

// PushOptions returns the push directives derived from the instance, excluding local routes.
func PushOptions(inst vpn.Instance) []string {
	var out []string
	if inst.BlockIPv6 {
		out = append(out, `push "block-ipv6"`)
	}
	if inst.RedirectGateway {
		out = append(out, `push "redirect-gateway def1 bypass-dhcp"`)
	}
	for _, server := range util.SplitCSV(inst.DNSServers) {
		out = append(out, fmt.Sprintf(`push "dhcp-option DNS %s"`, server))
	}
	for _, server := range util.SplitCSV(inst.NTPServers) {
		out = append(out, fmt.Sprintf(`push "dhcp-option NTP %s"`, server))
	}
	for _, line := range util.SplitLines(inst.PushOptions) {
		out = append(out, fmt.Sprintf(`push "%s"`, line))
	}
	return out
}

func routePushes(localNetwork string) ([]string, error) {
	entries := util.SplitCSV(localNetwork)
	out := make([]string, 0, len(entries))
	for _, entry := range entries {
		network, mask, err := util.NetworkAndMask(entry)
		if err != nil {
			return nil, fmt.Errorf("%w: local network: %v", vpn.ErrVPNValidation, err)
		}
		out = append(out, fmt.Sprintf(`push "route %s %s"`, network, mask))
	}
	return out, nil
}

// ClientMaterial holds the PEM blocks and connection target embedded in a client profile.
type ClientMaterial struct {
	Remote  string
	Port    int
	CA      string
	Cert    string
	Key     string
	TLSAuth string
}

// RenderClient builds a self-contained .ovpn profile.
func (g Generator) RenderClient(inst vpn.Instance, clientName string, material ClientMaterial) (string, error) {
	if err := vpn.ValidateName(inst.Name); err != nil {
		return "", err
	}
	if err := vpn.ValidateName(clientName); err != nil {
		return "", err
	}
	if inst.TLSAuth && strings.TrimSpace(material.TLSAuth) == "" {
		return "", ErrMissingTLSAuthKey
	}

	lines := []string{
		"client",
		"dev " + inst.InterfaceType,
		"proto " + clientProtocol(inst.Protocol),
	}
	if remote := strings.TrimSpace(material.Remote); remote != "" {
		port := material.Port
		if port <= 0 {
			port = inst.Port
		}
		lines = append(lines, "remote "+remote+" "+strconv.Itoa(port))
	}
	lines = append(lines,
		"resolv-retry infinite",
		"nobind",
		"persist-key",
		"persist-tun",
	)
	lines = append(lines, inlineBlock("ca", material.CA)...)
	lines = append(lines, inlineBlock("cert", material.Cert)...)
	lines = append(lines, inlineBlock("key", material.Key)...)
	if inst.TLSAuth {
		lines = append(lines, inlineBlock("tls-auth", material.TLSAuth)...)
		lines = append(lines, "key-direction 1")
	}
	lines = append(lines,
		"remote-cert-tls server",
		"cipher "+cipher,
		"auth "+digest,
		"verb 3",
	)
	return strings.Join(lines, "\n") + "\n", nil
}

// clientProtocol maps server-side protocol names to their client counterpart.
func clientProtocol(proto string) string {
	switch proto {
	case "tcp", "tcp-server":
		return "tcp-client"
	case "tcp6":
		return "tcp6-client"
	}
	return proto
}

func inlineBlock(tag, body string) []string {
	return []string{"<" + tag + ">", strings.TrimRight(body, "\r\n"), "</" + tag + ">"}
}

// WriteServer renders and atomically writes server.conf with mode 0600.
func (g Generator) WriteServer(inst vpn.Instance) (string, error) {
	content, err := g.RenderServer(inst)
	if err != nil {
		return "", err
	}
	path := g.ServerConfigPath(inst.Name)
	if err := util.WriteFileAtomic(path, []byte(content), 0o600); err != nil {
		return "", fmt.Errorf("write server config: %w", err)
	}
	return path, nil
}

// WriteClient renders and atomically writes a client profile with mode 0600.
func (g Generator) WriteClient(inst vpn.Instance, clientName string, material ClientMaterial) (string, error) {
	content, err := g.RenderClient(inst, clientName, material)
	if err != nil {
		return "", err
	}
	path := g.ClientConfigPath(inst.Name, clientName)
	if err := util.WriteFileAtomic(path, []byte(content), 0o600); err != nil {
		return "", fmt.Errorf("write client config: %w", err)
	}
	return path, nil
}
