package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// viperHandledExtensions lists file extensions mergeConfigFile already
// knows how to parse. A config file loaded by Viper in another format
// (yaml, toml) is left to Viper's own keys; only a JSON config file is
// additionally folded into the strongly-typed OrchestratorConfig here.
var viperHandledExtensions = map[string]bool{".json": true}

// LoadWithViper layers CLI flags and environment variables on top of the
// global+project JSON configuration, per the CLI surface. v should
// already have any --config / persistent flags bound by the caller (see
// cmd/clod/cmd/root.go); this only adds the env-var layer and merges the
// result over the JSON-derived base.
//
// Precedence (highest to lowest): viper overrides (flags, then CLOD_*
// env vars), project config, global config, defaults — the same
// left-to-right layering Load already does for the two JSON files, Viper
// only adding a layer on top rather than replacing it.
func LoadWithViper(v *viper.Viper, globalPath, projectPath string) (*OrchestratorConfig, error) {
	base, err := Load(globalPath, projectPath)
	if err != nil {
		return nil, err
	}

	v.SetEnvPrefix("CLOD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if provider := v.GetString("provider"); provider != "" {
		for role, agent := range base.Agents {
			agent.Provider = provider
			base.Agents[role] = agent
		}
	}
	if model := v.GetString("model"); model != "" {
		for role, agent := range base.Agents {
			agent.Model = model
			base.Agents[role] = agent
		}
	}

	if cfgFile := v.ConfigFileUsed(); cfgFile != "" && viperHandledExtensions[extOf(cfgFile)] {
		if err := mergeConfigFile(base, cfgFile); err != nil {
			return nil, fmt.Errorf("loading viper config file %s: %w", cfgFile, err)
		}
	}

	return base, nil
}

func extOf(path string) string {
	if i := strings.LastIndex(path, "."); i >= 0 {
		return path[i:]
	}
	return ""
}
