package core

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corvidlabs/aegis/internal/agentapi"
	"github.com/corvidlabs/aegis/internal/logging"
	"github.com/corvidlabs/aegis/internal/router"
	"github.com/corvidlabs/aegis/internal/store"
	"github.com/corvidlabs/aegis/internal/workspace"
)

type fakeTools struct {
	calls []string
}

func (f *fakeTools) Execute(ctx context.Context, name string, args map[string]any) (string, error) {
	f.calls = append(f.calls, name)
	return "ok:" + name, nil
}

type fakeChannel struct {
	posted []map[string]any
}

func (f *fakeChannel) Post(ctx context.Context, event map[string]any) {
	f.posted = append(f.posted, event)
}

func (f *fakeChannel) Read(ctx context.Context, limit int) []map[string]any { return nil }

func newTestCapabilities(t *testing.T, tools ToolRegistry, channel ChannelSink, filters map[string]agentapi.ToolFilter) *capabilities {
	t.Helper()
	log := logging.New(0, os.Stderr, false)
	r := router.New(log)
	st, err := store.OpenSQLite("file:" + t.TempDir() + "/ws.db")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	ws, err := workspace.New(context.Background(), log, st)
	require.NoError(t, err)
	var bcasts []map[string]any
	bcast := func(e map[string]any) { bcasts = append(bcasts, e) }
	return newCapabilities(log, r, ws, tools, channel, bcast, filters)
}

func TestExecuteToolAllowsWhenFilterPermits(t *testing.T) {
	tools := &fakeTools{}
	caps := newTestCapabilities(t, tools, nil, map[string]agentapi.ToolFilter{
		"coder": {"read_file", "write_file"},
	})

	out, err := caps.ExecuteTool(context.Background(), "coder", "read_file", nil)
	require.NoError(t, err)
	assert.Equal(t, "ok:read_file", out)
	assert.Equal(t, []string{"read_file"}, tools.calls)
}

func TestExecuteToolDeniesWhenFilterRejects(t *testing.T) {
	tools := &fakeTools{}
	caps := newTestCapabilities(t, tools, nil, map[string]agentapi.ToolFilter{
		"coder": {"read_file"},
	})

	_, err := caps.ExecuteTool(context.Background(), "coder", "delete_file", nil)
	require.Error(t, err)
	assert.Empty(t, tools.calls)
}

func TestExecuteToolWithNoFilterAllowsEverything(t *testing.T) {
	tools := &fakeTools{}
	caps := newTestCapabilities(t, tools, nil, map[string]agentapi.ToolFilter{})

	_, err := caps.ExecuteTool(context.Background(), "unknown-agent", "anything", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"anything"}, tools.calls)
}

func TestNoToolRegistryRejectsEveryCall(t *testing.T) {
	caps := newTestCapabilities(t, nil, nil, nil)
	_, err := caps.ExecuteTool(context.Background(), "coder", "read_file", nil)
	require.Error(t, err)
}

func TestBroadcastFansOutToBcastAndChannel(t *testing.T) {
	channel := &fakeChannel{}
	caps := newTestCapabilities(t, nil, channel, nil)

	caps.Broadcast(context.Background(), map[string]any{"type": "execution_status"})
	assert.Len(t, channel.posted, 1)
}
