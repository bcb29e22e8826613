package config

// DefaultConfig returns the default configuration with built-in providers and agents.
func DefaultConfig() *OrchestratorConfig {
	return &OrchestratorConfig{
		Providers: map[string]ProviderConfig{
			"claude": {
				Command: "claude",
				Type:    "claude",
			},
			"codex": {
				Command: "codex",
				Type:    "codex",
			},
			"goose": {
				Command: "goose",
				Type:    "goose",
			},
		},
		Agents: map[string]AgentConfig{
			"orchestrator": {
				Provider:     "claude",
				SystemPrompt: "You coordinate task planning and agent workflows.",
			},
			"coder": {
				Provider:     "claude",
				SystemPrompt: "You implement features and write production code.",
			},
			"reviewer": {
				Provider:     "claude",
				SystemPrompt: "You review code for correctness, style, and best practices.",
			},
			"tester": {
				Provider:     "claude",
				SystemPrompt: "You write comprehensive tests and validate functionality.",
			},
			"resolver": {
				Provider:     "claude",
				SystemPrompt: "You merge conflicting code hunks. Answer with the merged text, or DECLINE when the sides cannot be combined safely.",
			},
		},
	}
}
