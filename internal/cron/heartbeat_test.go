package cron

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corvidlabs/aegis/internal/agentapi"
	"github.com/corvidlabs/aegis/internal/logging"
	"github.com/corvidlabs/aegis/internal/spawn"
)

type fakeProcLister struct{ procs []ProcessInfo }

func (f fakeProcLister) ListProcesses(ctx context.Context) ([]ProcessInfo, error) { return f.procs, nil }

type fakeNetLister struct{ conns []NetworkConnection }

func (f fakeNetLister) ListConnections(ctx context.Context) ([]NetworkConnection, error) {
	return f.conns, nil
}

type fakeFIWatcher struct {
	result FileIntegrityResult
	err    error
}

func (f fakeFIWatcher) Scan(ctx context.Context) (FileIntegrityResult, error) { return f.result, f.err }

type fakeSecurityAgent struct {
	response string
	err      error
}

func (f fakeSecurityAgent) CallLLM(ctx context.Context, req agentapi.LLMRequest) (agentapi.LLMResponse, error) {
	if f.err != nil {
		return agentapi.LLMResponse{}, f.err
	}
	return agentapi.LLMResponse{Content: f.response}, nil
}

func newTestHeartbeat(t *testing.T, procs ProcessLister, net NetworkLister, fi FileIntegrityWatcher, agent SecurityAgent, bcast func(map[string]any)) (*Heartbeat, *spawn.Fake) {
	t.Helper()
	log := logging.New(0, os.Stderr, false)
	fake := &spawn.Fake{}
	cfg := DefaultHeartbeatConfig()
	h := NewHeartbeat(log, fake, cfg, procs, net, fi, agent, bcast)
	return h, fake
}

func TestRunScanBroadcastsOnLLMDetectedAnomaly(t *testing.T) {
	var broadcasts []map[string]any
	agent := fakeSecurityAgent{response: `{"anomalies": [{"type": "suspicious_process", "detail": "crypto miner", "severity": "high"}], "summary": "found one"}`}
	h, _ := newTestHeartbeat(t, fakeProcLister{}, fakeNetLister{}, fakeFIWatcher{}, agent, func(e map[string]any) { broadcasts = append(broadcasts, e) })

	h.runScan(context.Background())

	require.Len(t, broadcasts, 1)
	assert.Equal(t, "security_alert", broadcasts[0]["type"])
}

func TestRunScanNoAnomaliesDoesNotBroadcast(t *testing.T) {
	var broadcasts []map[string]any
	agent := fakeSecurityAgent{response: `{"anomalies": [], "summary": "All clear."}`}
	h, _ := newTestHeartbeat(t, fakeProcLister{}, fakeNetLister{}, fakeFIWatcher{}, agent, func(e map[string]any) { broadcasts = append(broadcasts, e) })

	h.runScan(context.Background())

	assert.Empty(t, broadcasts)
	status := h.GetStatus()
	assert.Equal(t, 1, status.ScanCount)
}

func TestRunScanFlagsFileChangesIndependentlyOfLLM(t *testing.T) {
	var broadcasts []map[string]any
	agent := fakeSecurityAgent{response: `{"anomalies": [], "summary": "All clear."}`}
	fi := fakeFIWatcher{result: FileIntegrityResult{FilesScanned: 3, Changed: []string{"/etc/hosts"}}}
	h, _ := newTestHeartbeat(t, fakeProcLister{}, fakeNetLister{}, fi, agent, func(e map[string]any) { broadcasts = append(broadcasts, e) })

	h.runScan(context.Background())

	require.Len(t, broadcasts, 1)
	anomalies, ok := broadcasts[0]["anomalies"].([]Anomaly)
	require.True(t, ok)
	require.Len(t, anomalies, 1)
	assert.Equal(t, "file_change", anomalies[0].Type)
}

func TestRunScanSkipsFileIntegrityAnomaliesOnFirstRun(t *testing.T) {
	var broadcasts []map[string]any
	agent := fakeSecurityAgent{response: `{"anomalies": [], "summary": "All clear."}`}
	fi := fakeFIWatcher{result: FileIntegrityResult{FilesScanned: 3, New: []string{"/tmp/new"}, IsFirstRun: true}}
	h, _ := newTestHeartbeat(t, fakeProcLister{}, fakeNetLister{}, fi, agent, func(e map[string]any) { broadcasts = append(broadcasts, e) })

	h.runScan(context.Background())

	assert.Empty(t, broadcasts, "first-run baseline must not be reported as drift")
}

func TestExtractAnomaliesHandlesMalformedJSON(t *testing.T) {
	assert.Nil(t, extractAnomalies("the model said something that isn't json"))
}

func TestStartDisabledConfigDoesNothing(t *testing.T) {
	log := logging.New(0, os.Stderr, false)
	fake := &spawn.Fake{}
	cfg := DefaultHeartbeatConfig()
	cfg.Enabled = false
	h := NewHeartbeat(log, fake, cfg, nil, nil, nil, nil, nil)

	h.Start(context.Background())
	assert.Equal(t, 0, fake.Pending())
}
