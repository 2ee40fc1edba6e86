package ovpnconf

import (
	"bufio"
	"fmt"
	"os"
	"strings"
)

// Parsed is the directive view of an OpenVPN config file.
type Parsed struct {
	Directives   map[string][]string `json:"directives"`
	InlineBlocks map[string]string   `json:"inlineBlocks"`
	Lines        []string            `json:"-"`
}

// Has reports whether a directive appears at least once.
func (p *Parsed) Has(directive string) bool {
	_, ok := p.Directives[strings.ToLower(directive)]
	return ok
}

// First returns the first value of a directive.
func (p *Parsed) First(directive string) string {
	values := p.Directives[strings.ToLower(directive)]
	if len(values) == 0 {
		return ""
	}
	return values[0]
}

// Parse reads directives and inline <block> sections from raw config text.
func Parse(raw string) (*Parsed, error) {
	parsed := &Parsed{
		Directives:   make(map[string][]string),
		InlineBlocks: make(map[string]string),
	}

	scanner := bufio.NewScanner(strings.NewReader(raw))
	scanner.Buffer(make([]byte, 1024), 1024*1024)

	lineNum := 0
	activeBlock := ""
	blockLines := make([]string, 0)

	for scanner.Scan() {
		lineNum++
		rawLine := scanner.Text()
		line := strings.TrimSpace(rawLine)

		if activeBlock != "" {
			if strings.EqualFold(line, "</"+activeBlock+">") {
				parsed.InlineBlocks[activeBlock] = strings.Join(blockLines, "\n")
				parsed.Lines = append(parsed.Lines, "<"+activeBlock+">")
				activeBlock = ""
				blockLines = blockLines[:0]
				continue
			}
			blockLines = append(blockLines, rawLine)
			continue
		}

		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") {
			continue
		}
		if strings.HasPrefix(line, "</") {
			return nil, fmt.Errorf("line %d: unexpected closing block", lineNum)
		}
		if strings.HasPrefix(line, "<") && strings.HasSuffix(line, ">") {
			blockName := strings.ToLower(strings.TrimSpace(line[1 : len(line)-1]))
			if blockName == "" || strings.Contains(blockName, " ") {
				return nil, fmt.Errorf("line %d: invalid inline block name", lineNum)
			}
			activeBlock = blockName
			blockLines = blockLines[:0]
			continue
		}

		fields := strings.Fields(line)
		key := strings.ToLower(fields[0])
		value := ""
		if len(fields) > 1 {
			value = strings.TrimSpace(line[len(fields[0]):])
		}
		parsed.Directives[key] = append(parsed.Directives[key], value)
		parsed.Lines = append(parsed.Lines, strings.Join(fields, " "))
	}

	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if activeBlock != "" {
		return nil, fmt.Errorf("unclosed inline block <%s>", activeBlock)
	}
	return parsed, nil
}

// Drift compares the config on disk with what would be rendered now.
type Drift struct {
	Path    string   `json:"path"`
	Exists  bool     `json:"exists"`
	InSync  bool     `json:"inSync"`
	Missing []string `json:"missing,omitempty"` // rendered but absent on disk
	Extra   []string `json:"extra,omitempty"`   // on disk but no longer rendered
}

// CompareFile parses path and reports differences against rendered.
func CompareFile(path, rendered string) (*Drift, error) {
	drift := &Drift{Path: path}
	content, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return drift, nil
	}
	if err != nil {
		return nil, err
	}
	drift.Exists = true

	onDisk, err := Parse(string(content))
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	want, err := Parse(rendered)
	if err != nil {
		return nil, err
	}
	drift.Missing = lineDiff(want.Lines, onDisk.Lines)
	drift.Extra = lineDiff(onDisk.Lines, want.Lines)
	drift.InSync = string(content) == rendered
	return drift, nil
}

// lineDiff returns entries of a not present in b, preserving a's order and multiplicity.
func lineDiff(a, b []string) []string {
	counts := make(map[string]int, len(b))
	for _, line := range b {
		counts[line]++
	}
	var out []string
	for _, line := range a {
		if counts[line] > 0 {
			counts[line]--
			continue
		}
		out = append(out, line)
	}
	return out
}
