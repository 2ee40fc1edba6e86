// Package version carries the build metadata reported by the console.
package version

import (
	"encoding/json"
	"fmt"
	"runtime"
	"strings"
)

// Name is the product name.
const Name = "ovpn-console"

// Set with -ldflags "-X ovpn-console/internal/version.AppVersion=...".
var (
	AppVersion = "dev"
	GitCommit  = "unknown"
	BuildTime  = "unknown"
)

// Info describes the running binary.
type Info struct {
	Name      string `json:"name"`
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"buildTime"`
	GoVersion string `json:"goVersion"`
	Platform  string `json:"platform"`
}

// Current returns the metadata for this binary.
func Current() Info {
	return Info{
		Name:      Name,
		Version:   orDefault(AppVersion, "dev"),
		Commit:    orDefault(GitCommit, "unknown"),
		BuildTime: orDefault(BuildTime, "unknown"),
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
	}
}

func (i Info) String() string {
	return fmt.Sprintf("%s %s (commit %s, built %s, %s)",
		Name, orDefault(i.Version, "dev"), orDefault(i.Commit, "unknown"),
		orDefault(i.BuildTime, "unknown"), orDefault(i.GoVersion, runtime.Version()))
}

// JSON returns the metadata encoded as JSON.
func (i Info) JSON() ([]byte, error) {
	return json.Marshal(i)
}

func orDefault(value, fallback string) string {
	if v := strings.TrimSpace(value); v != "" {
		return v
	}
	return fallback
}
