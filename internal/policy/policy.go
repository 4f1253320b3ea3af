// Package policy composes compact prompt fragments from static
// per-domain guidance documents.
package policy

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// docFilenames maps each domain to its guidance document.
var docFilenames = map[string]string{
	"mail":     "mail.md",
	"calendar": "calendar.md",
	"contacts": "contacts.md",
	"drive":    "drive.md",
	"maps":     "maps.md",
}

// noteSections are the headings whose bullet points become constraint
// notes in the summary.
var noteSections = map[string]bool{
	"important limitations for calling agents": true,
	"constraints":                          true,
	"constraints and limits":               true,
	"reliability notes for calling agents": true,
}

const (
	maxToolsInSummary = 12
	maxNotesInSummary = 2
)

// Builder parses guidance documents once and serves per-domain policy
// summaries for the life of the process.
type Builder struct {
	docsDir string

	once  sync.Once
	cache map[string]string
}

// NewBuilder returns a Builder reading documents from docsDir. Parsing
// is deferred until the first Context call.
func NewBuilder(docsDir string) *Builder {
	return &Builder{docsDir: docsDir}
}

// Context returns the policy prompt fragment for the given domains, or
// an empty string when no domain has a document.
func (b *Builder) Context(domains map[string]bool) string {
	if len(domains) == 0 {
		return ""
	}
	b.once.Do(b.load)

	names := make([]string, 0, len(domains))
	for name := range domains {
		names = append(names, name)
	}
	sort.Strings(names)

	var lines []string
	for _, name := range names {
		if summary, ok := b.cache[name]; ok {
			lines = append(lines, "- "+summary)
		}
	}
	if len(lines) == 0 {
		return ""
	}
	return "Provider policy summary:\n" + strings.Join(lines, "\n")
}

func (b *Builder) load() {
	b.cache = make(map[string]string)
	for domain, filename := range docFilenames {
		body, err := os.ReadFile(filepath.Join(b.docsDir, filename))
		if err != nil {
			continue
		}
		b.cache[domain] = summarize(domain, string(body))
	}
}

// summarize condenses a guidance document into a single line: purpose,
// a bounded tool list, and the leading constraint notes.
func summarize(domain, body string) string {
	var (
		section string
		purpose string
		tools   []string
		notes   []string
	)

	for _, rawLine := range strings.Split(body, "\n") {
		line := strings.TrimSpace(rawLine)
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "## ") {
			section = strings.ToLower(strings.TrimSpace(line[3:]))
			continue
		}
		switch {
		case section == "purpose" && purpose == "":
			purpose = line
		case section == "tool catalog" && strings.HasPrefix(line, "- `"):
			name := line[3:]
			if idx := strings.Index(name, "`"); idx >= 0 {
				tools = append(tools, name[:idx])
			}
		case noteSections[section] && strings.HasPrefix(line, "- "):
			notes = append(notes, strings.TrimSpace(line[2:]))
		}
	}

	toolPreview := "no tools listed"
	if len(tools) > 0 {
		if len(tools) > maxToolsInSummary {
			tools = tools[:maxToolsInSummary]
		}
		toolPreview = strings.Join(tools, ", ")
	}
	notePreview := "no additional constraints"
	if len(notes) > 0 {
		if len(notes) > maxNotesInSummary {
			notes = notes[:maxNotesInSummary]
		}
		notePreview = strings.Join(notes, "; ")
	}
	if purpose == "" {
		purpose = "no purpose section"
	}
	return fmt.Sprintf("%s: purpose=%s; tools=%s; notes=%s", domain, purpose, toolPreview, notePreview)
}
