package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad_MissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, LoadModeConfig, cfg.LoadMode)
	assert.Equal(t, 5*time.Second, cfg.Heartbeat)
	assert.Equal(t, 12, cfg.SweepEvery)
	assert.Equal(t, 30*time.Second, cfg.PulseTTL)
	assert.Empty(t, cfg.Agents.List)
}

func TestLoad_Formats(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
	}{
		{
			name: "yaml",
			file: "lrmq.yaml",
			content: `
loglevel: debug
heartbeat: 2s
agents:
  - type: stdio
    name: echo
    cmd: cat
    args: ["-u"]
    events:
      new: demo/up
`,
		},
		{
			name: "jsonc",
			file: "lrmq.json",
			content: `{
	// comments and trailing commas are fine
	"loglevel": "debug",
	"heartbeat": "2s",
	"agents": [
		{"type": "stdio", "name": "echo", "cmd": "cat", "args": ["-u"], "events": {"new": "demo/up"},},
	],
}`,
		},
		{
			name: "toml",
			file: "lrmq.toml",
			content: `
loglevel = "debug"
heartbeat = "2s"

[[agents]]
type = "stdio"
name = "echo"
cmd = "cat"
args = ["-u"]
events = { new = "demo/up" }
`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			cfg, err := Load(writeFile(t, dir, tt.file, tt.content))
			require.NoError(t, err)

			assert.Equal(t, "debug", cfg.LogLevel)
			assert.Equal(t, 2*time.Second, cfg.Heartbeat)
			assert.Equal(t, dir, cfg.Dir)
			require.Len(t, cfg.Agents.List, 1)

			a := cfg.Agents.List[0]
			assert.Equal(t, "echo", a.Name)
			assert.Equal(t, "cat", a.Cmd)
			assert.Equal(t, []string{"-u"}, a.Args)
			assert.Equal(t, map[string]string{"new": "demo/up"}, a.Events)
		})
	}
}

func TestLoad_InvalidConfig(t *testing.T) {
	dir := t.TempDir()
	_, err := Load(writeFile(t, dir, "lrmq.yaml", "load_mode: sqlite\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid config")
}

func TestRead_SkipsValidation(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Read(writeFile(t, dir, "lrmq.yaml", "load_mode: sqlite\nheartbeat: 1ms\n"))
	require.NoError(t, err)
	assert.Equal(t, "sqlite", cfg.LoadMode)
	assert.Error(t, cfg.Validate())
}

func TestLoad_AgentsMustBeListOrPath(t *testing.T) {
	dir := t.TempDir()
	_, err := Load(writeFile(t, dir, "lrmq.yaml", "agents:\n  cmd: cat\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "list or a folder path")
}

func TestLoad_ConfigFolder(t *testing.T) {
	dir := t.TempDir()
	agentsDir := filepath.Join(dir, "agents.d")
	require.NoError(t, os.MkdirAll(agentsDir, 0o755))

	writeFile(t, agentsDir, "agent-b.yaml", "type: stdio\nname: b\ncmd: worker-b\n")
	writeFile(t, agentsDir, "agent-a.json", `{"type": "stdio", "name": "a", "cmd": "worker-a"}`)
	writeFile(t, agentsDir, "notes.json", `{"ignored": true}`)
	writeFile(t, agentsDir, "agent-c.txt", "not an agent")

	cfg, err := Load(writeFile(t, dir, "lrmq.yaml", "load_mode: config_folder\nagents: agents.d\n"))
	require.NoError(t, err)
	require.Len(t, cfg.Agents.List, 2)
	assert.Equal(t, "a", cfg.Agents.List[0].Name)
	assert.Equal(t, "b", cfg.Agents.List[1].Name)
}

func TestLoad_ConfigFolderRequiresPath(t *testing.T) {
	dir := t.TempDir()
	_, err := Load(writeFile(t, dir, "lrmq.yaml", "load_mode: config_folder\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "folder path is required")
}

func TestParseAgent(t *testing.T) {
	a, err := ParseAgent(map[string]any{
		"name": "child",
		"cmd":  "worker",
		"args": []any{"--fast"},
		"id":   "w1",
	})
	require.NoError(t, err)
	assert.Equal(t, TransportStdio, a.Type, "type defaults to stdio")
	assert.Equal(t, "child", a.Name)
	assert.Equal(t, []string{"--fast"}, a.Args)
	assert.Equal(t, "w1", a.Tag())

	path := writeFile(t, t.TempDir(), "agent-x.json", `{"type": "stdio", "cmd": "x"}`)
	a, err = ParseAgent(path)
	require.NoError(t, err)
	assert.Equal(t, "x", a.Cmd)
	assert.Equal(t, "x", a.Tag())

	_, err = ParseAgent(42.0)
	assert.Error(t, err)

	_, err = ParseAgent(map[string]any{"args": "not-a-list"})
	assert.Error(t, err)
}

func TestAgentConfig_Map(t *testing.T) {
	a := AgentConfig{Type: TransportStdio, Name: "n", Cmd: "c", Args: []string{"x"}}
	m := a.Map()
	assert.Equal(t, map[string]any{
		"type": "stdio",
		"name": "n",
		"cmd":  "c",
		"args": []any{"x"},
	}, m)

	back, err := ParseAgent(m)
	require.NoError(t, err)
	assert.Equal(t, a, back)
}
