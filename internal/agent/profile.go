package agent

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Profile is the YAML-configurable persona for the orchestrator.
type Profile struct {
	Name         string   `yaml:"name"`
	Model        string   `yaml:"model"`
	SystemPrompt string   `yaml:"systemPrompt"`
	Instructions []string `yaml:"instructions"`
}

const defaultSystemPrompt = "You are a helpful assistant replying inside a messaging conversation. " +
	"Keep answers short and direct. Use the provided tools to read conversation " +
	"history when the user asks about earlier messages."

// DefaultProfile is used when no profile file is configured or present.
func DefaultProfile() Profile {
	return Profile{Name: "relaybot", SystemPrompt: defaultSystemPrompt}
}

// LoadProfile reads a persona definition from a YAML file. A missing file is
// not an error; the default profile applies.
func LoadProfile(path string, logger *slog.Logger) (Profile, error) {
	if path == "" {
		return DefaultProfile(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			logger.Debug("agent profile not found, using default", "path", path)
			return DefaultProfile(), nil
		}
		return Profile{}, fmt.Errorf("read agent profile: %w", err)
	}

	var p Profile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Profile{}, fmt.Errorf("parse agent profile: %w", err)
	}
	if p.Name == "" {
		p.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	if p.SystemPrompt == "" {
		p.SystemPrompt = defaultSystemPrompt
	}

	logger.Info("loaded agent profile", "name", p.Name, "path", path)
	return p, nil
}

// System renders the full system prompt including any extra instructions.
func (p Profile) System() string {
	if len(p.Instructions) == 0 {
		return p.SystemPrompt
	}
	var b strings.Builder
	b.WriteString(p.SystemPrompt)
	b.WriteString("\n\nAdditional instructions:\n")
	for _, line := range p.Instructions {
		b.WriteString("- ")
		b.WriteString(line)
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}
