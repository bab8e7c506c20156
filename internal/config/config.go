// Package config loads the taskflow configuration file.
//
// YAML and JSON are both accepted; the format follows the file extension.
// Unknown keys are rejected. Durations are Go duration strings ("500ms",
// "10s", "1m").
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"taskflow/internal/dispatch"
	"taskflow/internal/domain"
	"taskflow/internal/orchestrator"
	"taskflow/internal/scheduler"
)

type Config struct {
	HTTP      HTTPConfig      `json:"http"`
	DB        DBConfig        `json:"db"`
	Log       LogConfig       `json:"log"`
	Dispatch  DispatchConfig  `json:"dispatch"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Workers   WorkersConfig   `json:"workers"`

	// Workflows are templates the scheduler can trigger by ID.
	Workflows map[string]orchestrator.WorkflowSpec `json:"workflows,omitempty"`
}

type HTTPConfig struct {
	Addr string `json:"addr"`
}

type DBConfig struct {
	// Path of the SQLite file. ":memory:" keeps schedules in process memory.
	Path string `json:"path"`
}

type LogConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"` // console or json
}

type DispatchConfig struct {
	Policy         string `json:"policy"`
	MaxConcurrency int    `json:"max_concurrency,omitempty"`
	MessageLog     int    `json:"message_log,omitempty"`
}

// Defaults (when fields are omitted/zero):
//   - poll_interval: "10s"
//   - max_timer_delay: 2^31-1 ms
type SchedulerConfig struct {
	PollInterval  string `json:"poll_interval,omitempty"`
	MaxTimerDelay string `json:"max_timer_delay,omitempty"`
}

type WorkersConfig struct {
	// Size bounds concurrently running handlers across local workers.
	Size     int           `json:"size"`
	ShellDir string        `json:"shell_dir,omitempty"`
	Local    []LocalWorker `json:"local,omitempty"`
}

type LocalWorker struct {
	ID            string   `json:"id"`
	Name          string   `json:"name,omitempty"`
	Role          string   `json:"role,omitempty"`
	Capabilities  []string `json:"capabilities"`
	MaxConcurrent int      `json:"max_concurrent,omitempty"`
	Priority      int      `json:"priority,omitempty"`
	Timeout       string   `json:"timeout,omitempty"`
}

func Default() Config {
	return Config{
		HTTP:     HTTPConfig{Addr: ":8080"},
		DB:       DBConfig{Path: "taskflow.db"},
		Log:      LogConfig{Level: "info", Format: "console"},
		Dispatch: DispatchConfig{Policy: string(dispatch.Sequential), MessageLog: 1000},
		Workers:  WorkersConfig{Size: 8},
	}
}

// Load reads path over Default and validates the result. An empty path
// returns the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, cfg.Validate()
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	f := formatOf(path)
	if f == formatYAML {
		if b, err = yamlToJSON(b); err != nil {
			return Config{}, fmt.Errorf("%s: %w", path, err)
		}
	}
	if err := decodeStrict(b, &cfg); err != nil {
		return Config{}, fmt.Errorf("invalid %s config %s: %w", f, path, err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func decodeStrict(b []byte, cfg *Config) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			return fmt.Errorf("trailing data")
		}
		return err
	}
	return nil
}

func (c *Config) applyDefaults() {
	d := Default()
	if c.HTTP.Addr == "" {
		c.HTTP.Addr = d.HTTP.Addr
	}
	if c.DB.Path == "" {
		c.DB.Path = d.DB.Path
	}
	if c.Log.Level == "" {
		c.Log.Level = d.Log.Level
	}
	if c.Log.Format == "" {
		c.Log.Format = d.Log.Format
	}
	if c.Dispatch.Policy == "" {
		c.Dispatch.Policy = d.Dispatch.Policy
	}
	if c.Workers.Size <= 0 {
		c.Workers.Size = d.Workers.Size
	}
}

func (c Config) Validate() error {
	if _, err := zerolog.ParseLevel(strings.ToLower(c.Log.Level)); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	switch c.Log.Format {
	case "console", "json":
	default:
		return fmt.Errorf("log.format: must be console or json, got %q", c.Log.Format)
	}
	if _, err := dispatch.ParsePolicy(c.Dispatch.Policy); err != nil {
		return fmt.Errorf("dispatch.policy: %w", err)
	}
	if c.Dispatch.MaxConcurrency < 0 {
		return fmt.Errorf("dispatch.max_concurrency: must be >= 0")
	}
	if _, err := durationField("scheduler.poll_interval", c.Scheduler.PollInterval, scheduler.DefaultPollInterval); err != nil {
		return err
	}
	if _, err := durationField("scheduler.max_timer_delay", c.Scheduler.MaxTimerDelay, scheduler.DefaultMaxTimerDelay); err != nil {
		return err
	}

	seen := map[string]struct{}{}
	for i, w := range c.Workers.Local {
		path := fmt.Sprintf("workers.local[%d]", i)
		if strings.TrimSpace(w.ID) == "" {
			return fmt.Errorf("%s.id: required", path)
		}
		if _, dup := seen[w.ID]; dup {
			return fmt.Errorf("%s.id: duplicate worker %q", path, w.ID)
		}
		seen[w.ID] = struct{}{}
		if len(w.Capabilities) == 0 {
			return fmt.Errorf("%s.capabilities: at least one required", path)
		}
		if w.MaxConcurrent < 0 {
			return fmt.Errorf("%s.max_concurrent: must be >= 0", path)
		}
		if _, err := durationField(path+".timeout", w.Timeout, 0); err != nil {
			return err
		}
	}

	for id, wf := range c.Workflows {
		if len(wf.Tasks) == 0 {
			return fmt.Errorf("workflows.%s: no tasks", id)
		}
		if wf.Policy != "" {
			if _, err := dispatch.ParsePolicy(string(wf.Policy)); err != nil {
				return fmt.Errorf("workflows.%s.policy: %w", id, err)
			}
		}
	}
	return nil
}

func (c Config) PollInterval() time.Duration {
	d, _ := durationField("", c.Scheduler.PollInterval, scheduler.DefaultPollInterval)
	return d
}

func (c Config) MaxTimerDelay() time.Duration {
	d, _ := durationField("", c.Scheduler.MaxTimerDelay, scheduler.DefaultMaxTimerDelay)
	return d
}

func (c Config) Policy() dispatch.Policy {
	p, _ := dispatch.ParsePolicy(c.Dispatch.Policy)
	return p
}

// Worker converts a configured local worker into its domain form.
func (w LocalWorker) Worker() domain.Worker {
	caps := make(domain.Capabilities, len(w.Capabilities))
	for i, c := range w.Capabilities {
		caps[i] = domain.Capability(c)
	}
	name := w.Name
	if name == "" {
		name = w.ID
	}
	return domain.Worker{
		ID:            w.ID,
		Name:          name,
		Role:          domain.Role(w.Role),
		Capabilities:  caps,
		MaxConcurrent: w.MaxConcurrent,
		Priority:      w.Priority,
	}
}

func (w LocalWorker) HandlerTimeout() time.Duration {
	d, _ := durationField("", w.Timeout, 0)
	return d
}
