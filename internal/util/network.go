package util

import (
	"bufio"
	"errors"
	"net"
	"os"
	"sort"
	"strconv"
	"strings"
)

// InterfaceInfo summarises a network interface and its addresses.
type InterfaceInfo struct {
	Name      string   `json:"name"`
	Up        bool     `json:"up"`
	Addresses []string `json:"addresses"`
}

// DetectWANInterface returns the interface carrying the IPv4 default route, read from /proc/net/route.
func DetectWANInterface() (string, error) {
	file, err := os.Open("/proc/net/route")
	if err != nil {
		return "", err
	}
	defer file.Close()
	return defaultRouteInterface(bufio.NewScanner(file))
}

// route flags from linux/route.h
const (
	rtfUp      = 0x1
	rtfGateway = 0x2
)

func defaultRouteInterface(scanner *bufio.Scanner) (string, error) {
	// skip header
	if !scanner.Scan() {
		return "", errors.New("unexpected /proc/net/route format")
	}
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 11 {
			continue
		}
		if fields[1] != "00000000" {
			continue
		}
		flags, err := strconv.ParseUint(fields[3], 16, 32)
		if err != nil {
			continue
		}
		if flags&rtfUp != 0 && flags&rtfGateway != 0 {
			return fields[0], nil
		}
	}
	if err := scanner.Err(); err != nil {
		return "", err
	}
	return "", errors.New("default route not found")
}

// InterfacesWithAddrs returns all interfaces along with their addresses.
func InterfacesWithAddrs() ([]InterfaceInfo, error) {
	list, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	infos := make([]InterfaceInfo, 0, len(list))
	for _, iface := range list {
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		addresses := make([]string, 0, len(addrs))
		for _, addr := range addrs {
			addresses = append(addresses, addr.String())
		}
		infos = append(infos, InterfaceInfo{
			Name:      iface.Name,
			Up:        iface.Flags&net.FlagUp != 0,
			Addresses: addresses,
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos, nil
}

// InterfaceIPv4 returns the first IPv4 address bound to an interface.
func InterfaceIPv4(name string) (string, error) {
	iface, err := net.InterfaceByName(name)
	if err != nil {
		return "", err
	}
	addrs, err := iface.Addrs()
	if err != nil {
		return "", err
	}
	return firstIPv4(addrs)
}

func firstIPv4(addrs []net.Addr) (string, error) {
	for _, addr := range addrs {
		ip, _, err := net.ParseCIDR(addr.String())
		if err != nil {
			continue
		}
		if v4 := ip.To4(); v4 != nil {
			return v4.String(), nil
		}
	}
	return "", errors.New("no IPv4 address found")
}

// WANAddress guesses the public-facing IPv4 of this host from the default route interface.
func WANAddress() (string, error) {
	iface, err := DetectWANInterface()
	if err != nil {
		return "", err
	}
	return InterfaceIPv4(iface)
}
