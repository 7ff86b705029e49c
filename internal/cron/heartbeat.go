package cron

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/corvidlabs/aegis/internal/agentapi"
	"github.com/corvidlabs/aegis/internal/spawn"
)

const (
	heartbeatInterval    = 600 * time.Second
	heartbeatStartDelay  = 30 * time.Second
)

// ProcessInfo is one running process surfaced by a ProcessLister.
type ProcessInfo struct {
	PID     string
	User    string
	CPU     float64
	Mem     float64
	Command string
}

// ProcessLister enumerates running processes (scan_processes in the
// original).
type ProcessLister interface {
	ListProcesses(ctx context.Context) ([]ProcessInfo, error)
}

// NetworkConnection is one open connection surfaced by a NetworkLister.
type NetworkConnection struct {
	PID     string
	Command string
	Name    string
}

// NetworkLister enumerates open network connections (scan_network).
type NetworkLister interface {
	ListConnections(ctx context.Context) ([]NetworkConnection, error)
}

// FileIntegrityResult is one file_integrity scan's findings, matching
// scan_file_integrity's shape.
type FileIntegrityResult struct {
	FilesScanned int
	Changed      []string
	New          []string
	Removed      []string
	IsFirstRun   bool
}

// FileIntegrityWatcher tracks a baseline of watched paths and reports
// drift on each scan. The fsnotify-backed implementation accumulates change
// events between scans so Scan is cheap.
type FileIntegrityWatcher interface {
	Scan(ctx context.Context) (FileIntegrityResult, error)
}

// Anomaly is one flagged irregularity, from either the security agent's
// analysis or a direct file-integrity check.
type Anomaly struct {
	Type     string `json:"type"`
	Detail   string `json:"detail"`
	Severity string `json:"severity"`
}

// SecurityAgent is the narrow view of the security agent the heartbeat
// needs: a raw LLM call for anomaly analysis.
type SecurityAgent interface {
	CallLLM(ctx context.Context, req agentapi.LLMRequest) (agentapi.LLMResponse, error)
}

// HeartbeatConfig mirrors SECURITY_HEARTBEAT_CONFIG.
type HeartbeatConfig struct {
	Enabled            bool
	IntervalSeconds    time.Duration
	ScanProcesses      bool
	ScanNetwork        bool
	ScanFileIntegrity  bool
	AlertOnFileChange  bool
}

func DefaultHeartbeatConfig() HeartbeatConfig {
	return HeartbeatConfig{
		Enabled:           true,
		IntervalSeconds:   heartbeatInterval,
		ScanProcesses:     true,
		ScanNetwork:       true,
		ScanFileIntegrity: true,
		AlertOnFileChange: true,
	}
}

// Heartbeat is the Security Heartbeat (spec.md C8): a recurring proactive
// scan fed to the security agent for anomaly analysis.
type Heartbeat struct {
	log     *slog.Logger
	rt      spawn.Runtime
	cfg     HeartbeatConfig
	procs   ProcessLister
	net     NetworkLister
	fi      FileIntegrityWatcher
	agent   SecurityAgent
	bcast   func(event map[string]any)

	mu        sync.Mutex
	scanCount int
	lastScan  time.Time
	anomalies int
	cancel    context.CancelFunc
}

func NewHeartbeat(log *slog.Logger, rt spawn.Runtime, cfg HeartbeatConfig, procs ProcessLister, net NetworkLister, fi FileIntegrityWatcher, agent SecurityAgent, bcast func(event map[string]any)) *Heartbeat {
	return &Heartbeat{log: log, rt: rt, cfg: cfg, procs: procs, net: net, fi: fi, agent: agent, bcast: bcast}
}

func (h *Heartbeat) Start(ctx context.Context) {
	if !h.cfg.Enabled {
		h.log.Info("security heartbeat disabled by config")
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	h.cancel = cancel
	h.rt.After(heartbeatStartDelay, func() {
		h.runScan(runCtx)
		h.rt.Every(runCtx, h.cfg.IntervalSeconds, func() { h.runScan(runCtx) })
	})
	h.log.Info("security heartbeat started", slog.Duration("interval", h.cfg.IntervalSeconds))
}

func (h *Heartbeat) Stop() {
	if h.cancel != nil {
		h.cancel()
	}
}

type scanData struct {
	timestamp time.Time
	processes []ProcessInfo
	conns     []NetworkConnection
	fi        FileIntegrityResult
	hasFI     bool
}

func (h *Heartbeat) runScan(ctx context.Context) {
	data := scanData{timestamp: time.Now()}

	if h.cfg.ScanProcesses && h.procs != nil {
		procs, err := h.procs.ListProcesses(ctx)
		if err != nil {
			h.log.Error("process scan failed", slog.Any("err", err))
		} else {
			data.processes = procs
		}
	}
	if h.cfg.ScanNetwork && h.net != nil {
		conns, err := h.net.ListConnections(ctx)
		if err != nil {
			h.log.Error("network scan failed", slog.Any("err", err))
		} else {
			data.conns = conns
		}
	}
	if h.cfg.ScanFileIntegrity && h.fi != nil {
		fi, err := h.fi.Scan(ctx)
		if err != nil {
			h.log.Error("file integrity scan failed", slog.Any("err", err))
		} else {
			data.fi = fi
			data.hasFI = true
		}
	}

	h.mu.Lock()
	h.scanCount++
	count := h.scanCount
	h.mu.Unlock()

	var anomalies []Anomaly
	if h.agent != nil {
		analysis, err := h.analyzeScan(ctx, data)
		if err != nil {
			h.log.Error("security analysis failed", slog.Any("err", err))
		} else {
			anomalies = extractAnomalies(analysis)
		}
	}
	anomalies = append(anomalies, fileIntegrityAnomalies(data, h.cfg.AlertOnFileChange)...)

	h.mu.Lock()
	h.lastScan = data.timestamp
	h.anomalies += len(anomalies)
	h.mu.Unlock()

	if len(anomalies) > 0 && h.bcast != nil {
		h.bcast(map[string]any{
			"type":      "security_alert",
			"severity":  "warning",
			"source":    "heartbeat",
			"message":   fmt.Sprintf("security heartbeat detected %d anomaly(ies)", len(anomalies)),
			"anomalies": anomalies,
		})
	}
	h.log.Info("security heartbeat scan complete", slog.Int("scan", count), slog.Int("anomalies", len(anomalies)))
}

func (h *Heartbeat) analyzeScan(ctx context.Context, data scanData) (string, error) {
	var parts []string

	if len(data.processes) > 0 {
		var notable []ProcessInfo
		for _, p := range data.processes {
			if p.CPU > 5 || p.Mem > 5 {
				notable = append(notable, p)
			}
		}
		var lines []string
		for i, p := range notable {
			if i >= 20 {
				break
			}
			cmd := p.Command
			if len(cmd) > 80 {
				cmd = cmd[:80]
			}
			lines = append(lines, fmt.Sprintf("  %s %s CPU=%.1f%% MEM=%.1f%% %s", p.PID, p.User, p.CPU, p.Mem, cmd))
		}
		parts = append(parts, fmt.Sprintf("PROCESSES: %d total, %d notable (high CPU/mem):\n%s",
			len(data.processes), len(notable), strings.Join(lines, "\n")))
	}

	if len(data.conns) > 0 {
		var lines []string
		for i, c := range data.conns {
			if i >= 30 {
				break
			}
			lines = append(lines, fmt.Sprintf("  %s (PID %s) %s", c.Command, c.PID, c.Name))
		}
		parts = append(parts, fmt.Sprintf("NETWORK: %d connections\n%s", len(data.conns), strings.Join(lines, "\n")))
	}

	if data.hasFI {
		summary := fmt.Sprintf("FILE INTEGRITY: %d files scanned", data.fi.FilesScanned)
		if len(data.fi.Changed) > 0 {
			summary += "\n  CHANGED: " + strings.Join(capAt(data.fi.Changed, 10), ", ")
		}
		if len(data.fi.New) > 0 {
			summary += "\n  NEW: " + strings.Join(capAt(data.fi.New, 10), ", ")
		}
		if len(data.fi.Removed) > 0 {
			summary += "\n  REMOVED: " + strings.Join(capAt(data.fi.Removed, 10), ", ")
		}
		if len(data.fi.Changed) == 0 && len(data.fi.New) == 0 && len(data.fi.Removed) == 0 {
			summary += " — no changes"
		}
		parts = append(parts, summary)
	}

	prompt := "Analyze this system scan for security anomalies. Focus on:\n" +
		"- Suspicious processes (crypto miners, reverse shells, unusual network tools)\n" +
		"- Unexpected network connections (unknown outbound, unusual ports)\n" +
		"- File integrity changes in system directories\n\n" +
		`Respond with ONLY a JSON object: {"anomalies": [{"type": "...", "detail": "...", "severity": "low|medium|high|critical"}], "summary": "..."}` + "\n" +
		`If everything looks normal, return {"anomalies": [], "summary": "All clear."}` + "\n\n" +
		strings.Join(parts, "\n\n")

	resp, err := h.agent.CallLLM(ctx, agentapi.LLMRequest{
		Messages: []agentapi.ChatMessage{{Role: "user", Content: prompt}},
	})
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}

var anomalyJSONPattern = regexp.MustCompile(`(?s)\{.*\}`)

func extractAnomalies(analysis string) []Anomaly {
	match := anomalyJSONPattern.FindString(analysis)
	if match == "" {
		return nil
	}
	var parsed struct {
		Anomalies []Anomaly `json:"anomalies"`
	}
	if err := json.Unmarshal([]byte(match), &parsed); err != nil {
		return nil
	}
	for i := range parsed.Anomalies {
		if parsed.Anomalies[i].Type == "" {
			parsed.Anomalies[i].Type = "unknown"
		}
		if parsed.Anomalies[i].Severity == "" {
			parsed.Anomalies[i].Severity = "medium"
		}
	}
	return parsed.Anomalies
}

// fileIntegrityAnomalies flags file changes directly, independent of the
// LLM's opinion — a changed system file is a short-circuit concern.
func fileIntegrityAnomalies(data scanData, alertOnChange bool) []Anomaly {
	if !data.hasFI || data.fi.IsFirstRun || !alertOnChange {
		return nil
	}
	var out []Anomaly
	if len(data.fi.Changed) > 0 {
		out = append(out, Anomaly{Type: "file_change", Detail: "Modified files: " + strings.Join(capAt(data.fi.Changed, 5), ", "), Severity: "medium"})
	}
	if len(data.fi.New) > 0 {
		out = append(out, Anomaly{Type: "new_file", Detail: "New files: " + strings.Join(capAt(data.fi.New, 5), ", "), Severity: "low"})
	}
	return out
}

func capAt(items []string, n int) []string {
	if len(items) <= n {
		return items
	}
	return items[:n]
}

// Status is the heartbeat's point-in-time view (get_status).
type Status struct {
	Running         bool
	ScanCount       int
	IntervalSeconds time.Duration
	LastScan        time.Time
	AnomaliesFound  int
}

func (h *Heartbeat) GetStatus() Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	return Status{
		Running:         h.cancel != nil,
		ScanCount:       h.scanCount,
		IntervalSeconds: h.cfg.IntervalSeconds,
		LastScan:        h.lastScan,
		AnomaliesFound:  h.anomalies,
	}
}
