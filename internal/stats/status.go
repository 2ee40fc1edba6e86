// Package stats reads the status-version 3 files written by running OpenVPN servers.
package stats

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"
)

// Client is one CLIENT_LIST row.
type Client struct {
	CommonName     string    `json:"commonName"`
	RealAddress    string    `json:"realAddress"`
	VirtualAddress string    `json:"virtualAddress"`
	VirtualIPv6    string    `json:"virtualIPv6,omitempty"`
	BytesReceived  uint64    `json:"bytesReceived"`
	BytesSent      uint64    `json:"bytesSent"`
	ConnectedSince time.Time `json:"connectedSince"`
	Username       string    `json:"username,omitempty"`
	ClientID       string    `json:"clientId,omitempty"`
	PeerID         string    `json:"peerId,omitempty"`
	Cipher         string    `json:"cipher,omitempty"`
}

// Route is one ROUTING_TABLE row.
type Route struct {
	VirtualAddress string    `json:"virtualAddress"`
	CommonName     string    `json:"commonName"`
	RealAddress    string    `json:"realAddress"`
	LastRef        time.Time `json:"lastRef"`
}

// Status is a parsed status file.
type Status struct {
	Title     string            `json:"title,omitempty"`
	UpdatedAt time.Time         `json:"updatedAt"`
	Clients   []Client          `json:"clients"`
	Routes    []Route           `json:"routes"`
	Global    map[string]string `json:"global,omitempty"`
}

// Default column layout used when a table has no HEADER line.
var (
	clientColumns = []string{
		"common name", "real address", "virtual address", "virtual ipv6 address",
		"bytes received", "bytes sent", "connected since", "connected since (time_t)",
		"username", "client id", "peer id", "data channel cipher",
	}
	routeColumns = []string{
		"virtual address", "common name", "real address", "last ref", "last ref (time_t)",
	}
)

// Parse reads a status-version 3 (tab separated) or version 2 (comma
// separated) status file. Unknown record types are ignored.
func Parse(r io.Reader) (*Status, error) {
	status := &Status{Clients: []Client{}, Routes: []Route{}, Global: map[string]string{}}
	headers := map[string][]string{}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if line == "" {
			continue
		}
		sep := "\t"
		if !strings.Contains(line, "\t") {
			sep = ","
		}
		fields := strings.Split(line, sep)
		switch fields[0] {
		case "TITLE":
			if len(fields) > 1 {
				status.Title = fields[1]
			}
		case "TIME":
			if len(fields) > 2 {
				status.UpdatedAt = parseUnix(fields[2])
			}
		case "HEADER":
			if len(fields) > 2 {
				cols := make([]string, 0, len(fields)-2)
				for _, col := range fields[2:] {
					cols = append(cols, strings.ToLower(strings.TrimSpace(col)))
				}
				headers[fields[1]] = cols
			}
		case "CLIENT_LIST":
			row := columns(fields[1:], headers["CLIENT_LIST"], clientColumns)
			status.Clients = append(status.Clients, Client{
				CommonName:     row("common name"),
				RealAddress:    row("real address"),
				VirtualAddress: row("virtual address"),
				VirtualIPv6:    row("virtual ipv6 address"),
				BytesReceived:  parseUint(row("bytes received")),
				BytesSent:      parseUint(row("bytes sent")),
				ConnectedSince: parseUnix(row("connected since (time_t)")),
				Username:       undef(row("username")),
				ClientID:       row("client id"),
				PeerID:         row("peer id"),
				Cipher:         row("data channel cipher"),
			})
		case "ROUTING_TABLE":
			row := columns(fields[1:], headers["ROUTING_TABLE"], routeColumns)
			status.Routes = append(status.Routes, Route{
				VirtualAddress: row("virtual address"),
				CommonName:     row("common name"),
				RealAddress:    row("real address"),
				LastRef:        parseUnix(row("last ref (time_t)")),
			})
		case "GLOBAL_STATS":
			if len(fields) > 2 {
				status.Global[strings.TrimSpace(fields[1])] = strings.TrimSpace(fields[2])
			}
		case "END":
			return status, nil
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read status: %w", err)
	}
	return status, nil
}

// ParseFile parses the status file at path.
func ParseFile(path string) (*Status, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Parse(f)
}

func columns(values, header, fallback []string) func(string) string {
	if len(header) == 0 {
		header = fallback
	}
	index := make(map[string]int, len(header))
	for i, name := range header {
		index[name] = i
	}
	return func(name string) string {
		if i, ok := index[name]; ok && i < len(values) {
			return strings.TrimSpace(values[i])
		}
		return ""
	}
}

func parseUint(value string) uint64 {
	n, _ := strconv.ParseUint(value, 10, 64)
	return n
}

func parseUnix(value string) time.Time {
	n, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
	if err != nil || n <= 0 {
		return time.Time{}
	}
	return time.Unix(n, 0).UTC()
}

func undef(value string) string {
	if value == "UNDEF" {
		return ""
	}
	return value
}

// PathFunc maps an instance name to its status file.
type PathFunc func(name string) string

// Reader loads status files for named instances.
type Reader struct {
	path PathFunc
	// MaxAge marks a status file stale; zero disables the check.
	MaxAge time.Duration
	now    func() time.Time
}

// NewReader builds a reader resolving paths with path.
func NewReader(path PathFunc) *Reader {
	return &Reader{path: path, now: time.Now}
}

// Status parses the current status file for name. A missing file yields an
// empty status since a stopped server leaves none behind.
func (r *Reader) Status(name string) (*Status, error) {
	status, err := ParseFile(r.path(name))
	if errors.Is(err, fs.ErrNotExist) {
		return &Status{Clients: []Client{}, Routes: []Route{}}, nil
	}
	if err != nil {
		return nil, err
	}
	if r.MaxAge > 0 && !status.UpdatedAt.IsZero() && r.now().Sub(status.UpdatedAt) > r.MaxAge {
		status.Clients = []Client{}
		status.Routes = []Route{}
	}
	return status, nil
}

// ConnectedClients returns the clients currently listed for name.
func (r *Reader) ConnectedClients(name string) ([]Client, error) {
	status, err := r.Status(name)
	if err != nil {
		return nil, err
	}
	return status.Clients, nil
}
