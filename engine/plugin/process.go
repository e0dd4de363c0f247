package plugin

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"sync"
	"time"

	"github.com/bruised-ego-labs/nancy/engine/packet"
	"github.com/bruised-ego-labs/nancy/pkg/resilience"
)

// State is a plugin process supervision state.
type State string

const (
	StateStarting   State = "starting"
	StateReady      State = "ready"
	StateBusy       State = "busy"
	StateUnhealthy  State = "unhealthy"
	StateTerminated State = "terminated"
)

// ErrPluginUnhealthy rejects requests to a plugin that is not Ready or Busy.
var ErrPluginUnhealthy = errors.New("plugin unhealthy")

// Manifest describes how to launch one plugin, loaded from the plugin
// manifest file at startup.
type Manifest struct {
	Name                string   `yaml:"name"`
	Command             string   `yaml:"command"`
	Args                []string `yaml:"args"`
	Enabled             bool     `yaml:"enabled"`
	SupportedExtensions []string `yaml:"supported_extensions"`
}

// HealthResult is the plugin's health_check response.
type HealthResult struct {
	Status              string   `json:"status"`
	Capabilities        []string `json:"capabilities"`
	SupportedExtensions []string `json:"supported_extensions"`
}

// IngestArgs are the parameters of the host→plugin ingest call.
type IngestArgs struct {
	FilePath      string            `json:"file_path"`
	MetadataHints map[string]string `json:"metadata_hints,omitempty"`
}

// IngestResult is the plugin's ingest response. A streaming plugin answers
// with Status "streaming" and pushes packets as nancy/packet notifications.
type IngestResult struct {
	Status   string                   `json:"status,omitempty"`
	Packets  []packet.KnowledgePacket `json:"packets,omitempty"`
	Warnings []string                 `json:"warnings,omitempty"`
}

// StatusStreaming marks an ingest response whose packets arrive as
// notifications.
const StatusStreaming = "streaming"

// Process supervises one plugin subprocess.
type Process struct {
	manifest Manifest
	onNotify NotifyHandler
	log      *slog.Logger
	restarts *resilience.Budget

	healthDeadline time.Duration
	failThreshold  int
	shutdownGrace  time.Duration

	mu          sync.Mutex
	state       State
	cmd         *exec.Cmd
	conn        *Conn
	caps        HealthResult
	healthFails int
}

// newProcess creates an unstarted Process.
func newProcess(m Manifest, onNotify NotifyHandler, opts HostOptions, log *slog.Logger) *Process {
	return &Process{
		manifest:       m,
		onNotify:       onNotify,
		log:            log.With("plugin", m.Name),
		restarts:       resilience.NewBudget(opts.RestartMax, opts.RestartWindow),
		healthDeadline: opts.HealthDeadline,
		failThreshold:  opts.HealthFailThreshold,
		shutdownGrace:  opts.ShutdownGrace,
		state:          StateStarting,
	}
}

// Name returns the manifest name.
func (p *Process) Name() string { return p.manifest.Name }

// State returns the current supervision state.
func (p *Process) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Process) setState(s State) {
	p.mu.Lock()
	prev := p.state
	p.state = s
	p.mu.Unlock()
	if prev != s {
		p.log.Info("plugin state", "from", string(prev), "to", string(s))
	}
}

// Extensions returns the extensions the plugin serves: the manifest list,
// overridden by whatever the last health check advertised.
func (p *Process) Extensions() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.caps.SupportedExtensions) > 0 {
		return p.caps.SupportedExtensions
	}
	return p.manifest.SupportedExtensions
}

// hasCapability reports whether the plugin advertised a capability.
func (p *Process) hasCapability(name string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range p.caps.Capabilities {
		if c == name {
			return true
		}
	}
	return false
}

// Start spawns the subprocess and promotes it to Ready on its first
// successful health check.
func (p *Process) Start(ctx context.Context) error {
	p.setState(StateStarting)

	cmd := exec.Command(p.manifest.Command, p.manifest.Args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("plugin %s: stdin pipe: %w", p.manifest.Name, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("plugin %s: stdout pipe: %w", p.manifest.Name, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("plugin %s: stderr pipe: %w", p.manifest.Name, err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("plugin %s: start %s: %w", p.manifest.Name, p.manifest.Command, err)
	}

	// Plugin stderr goes to the host log verbatim.
	go func() {
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			p.log.Info("plugin stderr", "line", scanner.Text())
		}
	}()

	conn := NewConn(stdout, stdin, p.onNotify, p.log)

	p.mu.Lock()
	p.cmd = cmd
	p.conn = conn
	p.healthFails = 0
	p.mu.Unlock()

	// Reap the process; an unexpected exit flips the plugin unhealthy.
	go func() {
		_ = cmd.Wait()
		<-conn.Done()
		if p.State() != StateTerminated {
			p.setState(StateUnhealthy)
		}
	}()

	if err := p.HealthCheck(ctx); err != nil {
		return fmt.Errorf("plugin %s: initial health check: %w", p.manifest.Name, err)
	}
	return nil
}

// HealthCheck probes the plugin within the configured deadline. Consecutive
// failures past the threshold flip the plugin Unhealthy.
func (p *Process) HealthCheck(ctx context.Context) error {
	p.mu.Lock()
	conn := p.conn
	p.mu.Unlock()
	if conn == nil {
		return ErrPluginUnhealthy
	}

	ctx, cancel := context.WithTimeout(ctx, p.healthDeadline)
	defer cancel()

	var result HealthResult
	err := conn.Call(ctx, "health_check", nil, &result)

	p.mu.Lock()
	defer p.mu.Unlock()
	if err != nil || result.Status == "error" {
		p.healthFails++
		if p.healthFails >= p.failThreshold && p.state != StateTerminated {
			p.state = StateUnhealthy
		}
		if err == nil {
			err = fmt.Errorf("plugin %s reported status error", p.manifest.Name)
		}
		return err
	}
	p.healthFails = 0
	p.caps = result
	if p.state == StateStarting || p.state == StateUnhealthy {
		p.state = StateReady
	}
	return nil
}

// Ingest asks the plugin to process a file. The plugin is Busy for the
// duration of the call.
func (p *Process) Ingest(ctx context.Context, args IngestArgs) (IngestResult, error) {
	p.mu.Lock()
	if p.state != StateReady && p.state != StateBusy {
		p.mu.Unlock()
		return IngestResult{}, fmt.Errorf("plugin %s: %w (state %s)", p.manifest.Name, ErrPluginUnhealthy, p.state)
	}
	p.state = StateBusy
	conn := p.conn
	p.mu.Unlock()

	var result IngestResult
	err := conn.Call(ctx, "ingest", args, &result)

	p.mu.Lock()
	if p.state == StateBusy {
		p.state = StateReady
	}
	p.mu.Unlock()

	if err != nil {
		return IngestResult{}, fmt.Errorf("plugin %s: ingest: %w", p.manifest.Name, err)
	}
	return result, nil
}

// Sniff asks the plugin whether it recognises a content sample.
func (p *Process) Sniff(ctx context.Context, sample []byte) bool {
	if !p.hasCapability("sniff") {
		return false
	}
	p.mu.Lock()
	conn := p.conn
	p.mu.Unlock()
	if conn == nil {
		return false
	}

	var matched bool
	if err := conn.Call(ctx, "sniff", map[string]any{"sample": sample}, &matched); err != nil {
		return false
	}
	return matched
}

// tryRestart restarts an unhealthy plugin if budget remains; otherwise it is
// terminated and its extensions are unregistered by the host.
func (p *Process) tryRestart(ctx context.Context) bool {
	if !p.restarts.Spend() {
		p.Terminate()
		return false
	}
	p.kill()
	if err := p.Start(ctx); err != nil {
		p.log.Warn("plugin restart failed", "err", err)
		return false
	}
	return true
}

// Shutdown asks the plugin to exit, then kills it after the grace period.
func (p *Process) Shutdown(ctx context.Context) {
	p.mu.Lock()
	conn := p.conn
	p.mu.Unlock()

	if conn != nil {
		_ = conn.Notify("shutdown", nil)
		select {
		case <-conn.Done():
		case <-time.After(p.shutdownGrace):
		case <-ctx.Done():
		}
	}
	p.Terminate()
}

// Terminate kills the subprocess and pins the terminal state.
func (p *Process) Terminate() {
	p.setState(StateTerminated)
	p.kill()
}

func (p *Process) kill() {
	p.mu.Lock()
	cmd := p.cmd
	p.mu.Unlock()
	if cmd != nil && cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
}

// decodePacket parses a nancy/packet notification payload.
func decodePacket(params json.RawMessage) (packet.KnowledgePacket, error) {
	var p packet.KnowledgePacket
	if err := json.Unmarshal(params, &p); err != nil {
		return p, fmt.Errorf("plugin: malformed packet notification: %w", err)
	}
	return p, nil
}
