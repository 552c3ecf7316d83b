package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/bmatcuk/doublestar/v4"
	"gopkg.in/yaml.v3"
)

// TransportStdio is the only transport agents can be configured with.
const TransportStdio = "stdio"

// Lifecycle event names an agent can map to custom topics.
var LifecycleEvents = []string{"prepare", "new", "lost", "exit", "error"}

// AgentConfig describes one agent the hub launches.
type AgentConfig struct {
	Type     string            `yaml:"type" json:"type"`
	Name     string            `yaml:"name" json:"name,omitempty"`
	ID       string            `yaml:"id" json:"id,omitempty"`
	Cmd      string            `yaml:"cmd" json:"cmd"`
	Args     []string          `yaml:"args" json:"args,omitempty"`
	Log      string            `yaml:"log" json:"log,omitempty"`
	LogLevel string            `yaml:"loglevel" json:"loglevel,omitempty"`
	Events   map[string]string `yaml:"events" json:"events,omitempty"`
}

func (a *AgentConfig) applyDefaults() {
	if a.Type == "" {
		a.Type = TransportStdio
	}
}

// Tag is the identity suffix of the agent: its id, or its command.
func (a AgentConfig) Tag() string {
	if a.ID != "" {
		return a.ID
	}
	return a.Cmd
}

// Map returns the descriptor in its wire form.
func (a AgentConfig) Map() map[string]any {
	m := map[string]any{
		"type": a.Type,
		"cmd":  a.Cmd,
	}
	if a.Name != "" {
		m["name"] = a.Name
	}
	if a.ID != "" {
		m["id"] = a.ID
	}
	if len(a.Args) > 0 {
		args := make([]any, len(a.Args))
		for i, arg := range a.Args {
			args[i] = arg
		}
		m["args"] = args
	}
	if a.Log != "" {
		m["log"] = a.Log
	}
	if a.LogLevel != "" {
		m["loglevel"] = a.LogLevel
	}
	if len(a.Events) > 0 {
		events := make(map[string]any, len(a.Events))
		for k, v := range a.Events {
			events[k] = v
		}
		m["events"] = events
	}
	return m
}

// AgentSource is the "agents" option: an inline list in config mode or a
// folder path in config_folder mode.
type AgentSource struct {
	Folder string
	List   []AgentConfig
}

// UnmarshalYAML accepts either a sequence of descriptors or a folder path.
func (s *AgentSource) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		return node.Decode(&s.Folder)
	case yaml.SequenceNode:
		return node.Decode(&s.List)
	default:
		return fmt.Errorf("line %d: agents must be a list or a folder path", node.Line)
	}
}

// ParseAgent builds a descriptor from a wire value: either a mapping with the
// descriptor fields or a string path to a descriptor file.
func ParseAgent(v any) (AgentConfig, error) {
	switch cfg := v.(type) {
	case string:
		return LoadAgentFile(cfg)
	case map[string]any:
		data, err := json.Marshal(cfg)
		if err != nil {
			return AgentConfig{}, fmt.Errorf("encode agent config: %w", err)
		}
		var a AgentConfig
		if err := json.Unmarshal(data, &a); err != nil {
			return AgentConfig{}, fmt.Errorf("decode agent config: %w", err)
		}
		a.applyDefaults()
		return a, nil
	default:
		return AgentConfig{}, fmt.Errorf("agent config must be a mapping or a file path, got %T", v)
	}
}

// LoadAgentFile reads a single descriptor from a JSON or YAML file.
func LoadAgentFile(path string) (AgentConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return AgentConfig{}, fmt.Errorf("read agent file: %w", err)
	}

	var a AgentConfig
	if err := decode(path, data, &a); err != nil {
		return AgentConfig{}, fmt.Errorf("parse agent file %s: %w", path, err)
	}
	a.applyDefaults()
	return a, nil
}

// LoadAgentFolder reads every agent-*.json, agent-*.yaml and agent-*.yml file
// in dir, in lexical order.
func LoadAgentFolder(dir string) ([]AgentConfig, error) {
	if dir == "" {
		return nil, fmt.Errorf("agents: folder path is required in %s mode", LoadModeFolder)
	}

	pattern := filepath.Join(doublestar.EscapeMeta(dir), "agent-*.{json,yaml,yml}")
	matches, err := doublestar.FilepathGlob(pattern, doublestar.WithFilesOnly(), doublestar.WithNoFollow())
	if err != nil {
		return nil, fmt.Errorf("scan agent folder: %w", err)
	}
	sort.Strings(matches)

	agents := make([]AgentConfig, 0, len(matches))
	for _, path := range matches {
		a, err := LoadAgentFile(path)
		if err != nil {
			return nil, err
		}
		agents = append(agents, a)
	}
	return agents, nil
}
