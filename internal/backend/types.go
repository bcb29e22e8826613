package backend

import (
	"sort"
	"strings"
)

// Message represents a message sent to the backend: the task description
// plus the shared-contract context the agent needs to do its work.
type Message struct {
	Content string
	Role    string // "user" or "system"

	// InterfaceSpecs carries the serialized specification bodies of the
	// interfaces the task requires or provides, keyed by interface name.
	// Folded into the prompt by each adapter.
	InterfaceSpecs map[string]string

	// ScopeHints lists the files the task is authorised to touch.
	// Advisory: the agent is asked, not forced, to stay inside them.
	ScopeHints []string
}

// prompt renders the full prompt text an adapter sends: the task content,
// then any interface specs, then the file scope. A bare Content message
// renders as Content alone, so callers that never set the extra fields see
// the old behavior.
func (m Message) prompt() string {
	if len(m.InterfaceSpecs) == 0 && len(m.ScopeHints) == 0 {
		return m.Content
	}

	var b strings.Builder
	b.WriteString(m.Content)
	if len(m.InterfaceSpecs) > 0 {
		b.WriteString("\n\nShared interfaces:\n")
		for _, name := range sortedSpecNames(m.InterfaceSpecs) {
			b.WriteString("- ")
			b.WriteString(name)
			if spec := m.InterfaceSpecs[name]; spec != "" {
				b.WriteString(": ")
				b.WriteString(spec)
			}
			b.WriteString("\n")
		}
	}
	if len(m.ScopeHints) > 0 {
		b.WriteString("\nOnly touch these files:\n")
		for _, path := range m.ScopeHints {
			b.WriteString("- ")
			b.WriteString(path)
			b.WriteString("\n")
		}
	}
	return b.String()
}

func sortedSpecNames(specs map[string]string) []string {
	names := make([]string, 0, len(specs))
	for name := range specs {
		names = append(names, name)
	}
	// Deterministic prompt text keeps session resumption byte-stable.
	sort.Strings(names)
	return names
}

// Response represents a response from the backend.
type Response struct {
	Content   string
	SessionID string
	Error     string
}

// Config defines the configuration for a backend.
type Config struct {
	Type         string // "claude", "codex", or "goose"
	WorkDir      string
	SessionID    string
	Model        string
	Provider     string // For Goose local LLMs (e.g., "ollama", "lmstudio", "llama.cpp")
	SystemPrompt string
}
