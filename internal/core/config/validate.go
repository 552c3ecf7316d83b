package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/hay-kot/criterio"
	"github.com/rs/zerolog"
)

// MinHeartbeat guards against unit mistakes such as "heartbeat: 5".
const MinHeartbeat = 100 * time.Millisecond

// ValidationWarning represents a non-fatal configuration issue.
type ValidationWarning struct {
	Category string `json:"category"`
	Item     string `json:"item,omitempty"`
	Message  string `json:"message"`
}

// Validate checks that the configuration is valid. The returned error is a
// criterio.FieldErrors listing every problem found.
func (c *Config) Validate() error {
	var errs criterio.FieldErrors

	add := func(field string, err error) {
		errs = append(errs, criterio.FieldErrors{{Field: field, Err: err}}...)
	}

	if c.LogLevel != "" {
		if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
			add("loglevel", fmt.Errorf("invalid log level %q", c.LogLevel))
		}
	}

	switch c.LoadMode {
	case LoadModeConfig:
		if c.Agents.Folder != "" {
			add("agents", errors.New("folder path given but load_mode is \"config\""))
		}
	case LoadModeFolder:
	default:
		add("load_mode", fmt.Errorf("unknown load mode %q (want %q or %q)", c.LoadMode, LoadModeConfig, LoadModeFolder))
	}

	if c.Heartbeat < MinHeartbeat {
		add("heartbeat", fmt.Errorf("must be at least %s", MinHeartbeat))
	}
	if c.SweepEvery < 1 {
		add("sweep_every", errors.New("must be at least 1"))
	}
	if c.PulseTTL <= 0 {
		add("pulse_ttl", errors.New("must be positive"))
	}

	for i, a := range c.Agents.List {
		if err := a.Validate(); err != nil {
			var fieldErrs criterio.FieldErrors
			if errors.As(err, &fieldErrs) {
				for _, fe := range fieldErrs {
					add(fmt.Sprintf("agents[%d].%s", i, fe.Field), fe.Err)
				}
				continue
			}
			add(fmt.Sprintf("agents[%d]", i), err)
		}
	}

	if len(errs) == 0 {
		return nil
	}
	return errs
}

// Validate checks a single agent descriptor.
func (a AgentConfig) Validate() error {
	var errs criterio.FieldErrors

	add := func(field string, err error) {
		errs = append(errs, criterio.FieldErrors{{Field: field, Err: err}}...)
	}

	if a.Type != TransportStdio {
		add("type", fmt.Errorf("unknown transport type %q", a.Type))
	}
	if a.Cmd == "" {
		add("cmd", errors.New("command is required"))
	}
	if a.LogLevel != "" {
		if _, err := zerolog.ParseLevel(a.LogLevel); err != nil {
			add("loglevel", fmt.Errorf("invalid log level %q", a.LogLevel))
		}
	}
	for event, topic := range a.Events {
		if !slices.Contains(LifecycleEvents, event) {
			add("events."+event, fmt.Errorf("unknown lifecycle event %q", event))
		}
		if topic == "" {
			add("events."+event, errors.New("topic cannot be empty"))
		}
	}

	if len(errs) == 0 {
		return nil
	}
	return errs
}

// Warnings returns non-fatal configuration issues.
func (c *Config) Warnings() []ValidationWarning {
	var warnings []ValidationWarning

	if len(c.Agents.List) == 0 {
		warnings = append(warnings, ValidationWarning{
			Category: "Agents",
			Message:  "no agents configured, the hub stops as soon as it starts",
		})
	}

	seen := make(map[string]bool)
	for _, a := range c.Agents.List {
		if a.Name != "" {
			if seen[a.Name] {
				warnings = append(warnings, ValidationWarning{
					Category: "Agents",
					Item:     a.Name,
					Message:  "duplicate agent name, lifecycle topics will collide",
				})
			}
			seen[a.Name] = true
		}

		if a.Log != "" {
			dir := filepath.Dir(c.Resolve(a.Log))
			if _, err := os.Stat(dir); err != nil {
				warnings = append(warnings, ValidationWarning{
					Category: "Agents",
					Item:     a.Name,
					Message:  fmt.Sprintf("log directory %s does not exist", dir),
				})
			}
		}
	}

	return warnings
}
