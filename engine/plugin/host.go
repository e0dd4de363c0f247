package plugin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/bruised-ego-labs/nancy/engine/packet"
	"github.com/bruised-ego-labs/nancy/engine/queue"
)

// ErrNoPluginForType means no registered plugin claims the file.
var ErrNoPluginForType = errors.New("no plugin for file type")

// Notification methods the plugin may send to the host.
const (
	MethodPacket       = "nancy/packet"
	MethodLog          = "nancy/log"
	MethodBackpressure = "nancy/backpressure"
)

// HostOptions tunes plugin supervision.
type HostOptions struct {
	HealthInterval      time.Duration
	HealthDeadline      time.Duration
	HealthFailThreshold int
	ShutdownGrace       time.Duration
	RestartMax          int
	RestartWindow       time.Duration
	SniffBytes          int
}

// DefaultHostOptions returns sensible defaults.
func DefaultHostOptions() HostOptions {
	return HostOptions{
		HealthInterval:      15 * time.Second,
		HealthDeadline:      3 * time.Second,
		HealthFailThreshold: 3,
		ShutdownGrace:       5 * time.Second,
		RestartMax:          3,
		RestartWindow:       5 * time.Minute,
		SniffBytes:          512,
	}
}

// Host owns every plugin subprocess and the extension registry. Core-only
// operation with zero plugins is a valid, stable state: IngestFile fails
// cleanly with ErrNoPluginForType and everything else keeps working.
type Host struct {
	opts   HostOptions
	queue  *queue.Queue
	log    *slog.Logger

	mu      sync.Mutex
	plugins []*Process
	byExt   map[string]*Process
}

// LoadManifests reads the plugin manifest file. A missing path yields zero
// plugins rather than an error so core-only deployments need no file.
func LoadManifests(path string) ([]Manifest, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("plugin: read manifests %s: %w", path, err)
	}
	var doc struct {
		Plugins []Manifest `yaml:"plugins"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("plugin: parse manifests %s: %w", path, err)
	}
	return doc.Plugins, nil
}

// NewHost creates a Host that feeds the given ingest queue.
func NewHost(q *queue.Queue, opts HostOptions, log *slog.Logger) *Host {
	if log == nil {
		log = slog.Default()
	}
	return &Host{
		opts:  opts,
		queue: q,
		log:   log,
		byExt: make(map[string]*Process),
	}
}

// Start launches every enabled manifest and begins supervision. Plugins that
// fail to start are left Unhealthy for the supervision loop to retry.
func (h *Host) Start(ctx context.Context, manifests []Manifest) {
	for _, m := range manifests {
		if !m.Enabled {
			continue
		}
		proc := newProcess(m, h.notifyHandler(m.Name), h.opts, h.log)
		h.mu.Lock()
		h.plugins = append(h.plugins, proc)
		h.mu.Unlock()

		if err := proc.Start(ctx); err != nil {
			h.log.Warn("plugin start failed", "plugin", m.Name, "err", err)
			proc.setState(StateUnhealthy)
		}
		h.reindex()
	}
	go h.supervise(ctx)
}

// Stop shuts every plugin down.
func (h *Host) Stop(ctx context.Context) {
	h.mu.Lock()
	plugins := append([]*Process{}, h.plugins...)
	h.mu.Unlock()
	for _, p := range plugins {
		p.Shutdown(ctx)
	}
}

// Plugins lists the supervised processes.
func (h *Host) Plugins() []*Process {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]*Process{}, h.plugins...)
}

// supervise runs periodic health checks and bounded restarts.
func (h *Host) supervise(ctx context.Context) {
	ticker := time.NewTicker(h.opts.HealthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, p := range h.Plugins() {
				switch p.State() {
				case StateReady, StateBusy, StateStarting:
					if err := p.HealthCheck(ctx); err != nil {
						h.log.Warn("plugin health check failed", "plugin", p.Name(), "err", err)
					}
				case StateUnhealthy:
					if p.tryRestart(ctx) {
						h.log.Info("plugin restarted", "plugin", p.Name())
					}
				}
			}
			h.reindex()
		}
	}
}

// reindex rebuilds the extension registry from live plugins. First
// registration wins for contested extensions.
func (h *Host) reindex() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.byExt = make(map[string]*Process)
	for _, p := range h.plugins {
		if s := p.State(); s == StateTerminated || s == StateUnhealthy {
			continue
		}
		for _, ext := range p.Extensions() {
			key := normalizeExt(ext)
			if _, taken := h.byExt[key]; !taken {
				h.byExt[key] = p
			}
		}
	}
}

func normalizeExt(ext string) string {
	return strings.ToLower(strings.TrimPrefix(ext, "."))
}

// Select picks the plugin for a path: extension match first, then content
// sniffing across plugins that advertise the sniff capability.
func (h *Host) Select(ctx context.Context, path string) (*Process, error) {
	ext := normalizeExt(filepath.Ext(path))

	h.mu.Lock()
	proc := h.byExt[ext]
	h.mu.Unlock()
	if proc != nil {
		return proc, nil
	}

	sample := make([]byte, h.opts.SniffBytes)
	if f, err := os.Open(path); err == nil {
		n, _ := f.Read(sample)
		sample = sample[:n]
		f.Close()
	} else {
		sample = nil
	}
	if len(sample) > 0 {
		for _, p := range h.Plugins() {
			if p.State() == StateReady && p.Sniff(ctx, sample) {
				return p, nil
			}
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrNoPluginForType, path)
}

// IngestFile resolves the plugin for a path, runs its ingest call, validates
// the emitted packets, and returns the valid ones for enqueueing. Invalid
// packets are dropped with a log entry; the plugin is not penalised.
// Streaming plugins return no packets here — theirs arrive via nancy/packet.
func (h *Host) IngestFile(ctx context.Context, path string, hints map[string]string) ([]packet.KnowledgePacket, []string, error) {
	proc, err := h.Select(ctx, path)
	if err != nil {
		return nil, nil, err
	}

	result, err := proc.Ingest(ctx, IngestArgs{FilePath: path, MetadataHints: hints})
	if err != nil {
		return nil, nil, err
	}
	if result.Status == StatusStreaming {
		return nil, result.Warnings, nil
	}

	valid := make([]packet.KnowledgePacket, 0, len(result.Packets))
	for _, p := range result.Packets {
		if err := packet.Validate(p); err != nil {
			h.log.Warn("plugin emitted invalid packet",
				"plugin", proc.Name(), "packet_id", p.PacketID, "err", err)
			continue
		}
		valid = append(valid, p)
	}
	return valid, result.Warnings, nil
}

// notifyHandler builds the notification dispatcher for one plugin.
func (h *Host) notifyHandler(name string) NotifyHandler {
	return func(method string, params json.RawMessage) {
		switch method {
		case MethodPacket:
			h.handlePacket(name, params)
		case MethodLog:
			var entry struct {
				Level   string `json:"level"`
				Message string `json:"message"`
			}
			if json.Unmarshal(params, &entry) == nil {
				h.logAt(entry.Level, entry.Message, "plugin", name)
			}
		default:
			h.log.Debug("plugin notification ignored", "plugin", name, "method", method)
		}
	}
}

// handlePacket validates and enqueues one pushed packet. Invalid packets are
// dropped with a log entry and do not enter the queue; a full queue answers
// with a backpressure notification so cooperative plugins pause.
func (h *Host) handlePacket(name string, params json.RawMessage) {
	p, err := decodePacket(params)
	if err != nil {
		h.log.Warn("plugin pushed malformed packet", "plugin", name, "err", err)
		return
	}
	if err := packet.Validate(p); err != nil {
		h.log.Warn("plugin pushed invalid packet", "plugin", name, "packet_id", p.PacketID, "err", err)
		return
	}
	if err := h.queue.Enqueue(p); err != nil {
		h.log.Warn("ingest queue full, signalling backpressure", "plugin", name)
		if proc := h.byName(name); proc != nil {
			proc.mu.Lock()
			conn := proc.conn
			proc.mu.Unlock()
			if conn != nil {
				_ = conn.Notify(MethodBackpressure, map[string]string{"packet_id": p.PacketID})
			}
		}
	}
}

func (h *Host) byName(name string) *Process {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, p := range h.plugins {
		if p.Name() == name {
			return p
		}
	}
	return nil
}

func (h *Host) logAt(level, msg string, args ...any) {
	switch strings.ToLower(level) {
	case "debug":
		h.log.Debug(msg, args...)
	case "warn", "warning":
		h.log.Warn(msg, args...)
	case "error":
		h.log.Error(msg, args...)
	default:
		h.log.Info(msg, args...)
	}
}
