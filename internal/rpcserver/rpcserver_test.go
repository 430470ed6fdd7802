package rpcserver

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bksd/bksd/internal/progress"
	"github.com/bksd/bksd/internal/status"
	"github.com/bksd/bksd/internal/store"
)

func newTestServer(t *testing.T) (*Server, *store.Store, *progress.Tracker) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "bksd.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	tracker := progress.New()
	s := New(st, tracker, Options{Bind: "127.0.0.1:0", Simulation: true, ActiveJobs: func() int { return 2 }})
	return s, st, tracker
}

func TestHandleLineRejectsMalformedJSON(t *testing.T) {
	s, _, _ := newTestServer(t)
	resp := s.handleLine(context.Background(), []byte("not json"))
	require.NotNil(t, resp.Error)
	assert.Equal(t, -32700, resp.Error.Code)
}

func TestHandleLineRejectsWrongVersionOrMissingMethod(t *testing.T) {
	s, _, _ := newTestServer(t)
	resp := s.handleLine(context.Background(), []byte(`{"jsonrpc":"1.0","method":"daemon.status"}`))
	require.NotNil(t, resp.Error)
	assert.Equal(t, -32600, resp.Error.Code)

	resp = s.handleLine(context.Background(), []byte(`{"jsonrpc":"2.0","id":1}`))
	require.NotNil(t, resp.Error)
	assert.Equal(t, -32600, resp.Error.Code)
}

func TestHandleLineUnknownMethod(t *testing.T) {
	s, _, _ := newTestServer(t)
	resp := s.handleLine(context.Background(), []byte(`{"jsonrpc":"2.0","id":1,"method":"nope.nope"}`))
	require.NotNil(t, resp.Error)
	assert.Equal(t, -32601, resp.Error.Code)
}

func TestDaemonStatus(t *testing.T) {
	s, _, _ := newTestServer(t)
	resp := s.handleLine(context.Background(), []byte(`{"jsonrpc":"2.0","id":1,"method":"daemon.status"}`))
	require.Nil(t, resp.Error)

	out, err := json.Marshal(resp.Result)
	require.NoError(t, err)
	var result daemonStatusResult
	require.NoError(t, json.Unmarshal(out, &result))
	assert.Equal(t, Version, result.Version)
	assert.Equal(t, 2, result.ActiveJobs)
	assert.True(t, result.Simulation)
}

func TestJobsListAndGet(t *testing.T) {
	s, st, _ := newTestServer(t)
	ctx := context.Background()

	require.NoError(t, st.UpsertTarget(ctx, store.Target{UUID: "uuid-1", Label: "DRIVE", CreatedAt: time.Now()}))
	require.NoError(t, st.CreateJob(ctx, store.Job{ID: "job-1", TargetID: "uuid-1", DestinationPath: "/backups/x", CreatedAt: time.Now()}))
	require.NoError(t, st.AppendStatus(ctx, "job-1", status.Complete, ""))

	listResp := s.handleLine(ctx, []byte(`{"jsonrpc":"2.0","id":1,"method":"jobs.list"}`))
	require.Nil(t, listResp.Error)
	listOut, _ := json.Marshal(listResp.Result)
	var headers []jobHeaderResult
	require.NoError(t, json.Unmarshal(listOut, &headers))
	require.Len(t, headers, 1)
	assert.Equal(t, "job-1", headers[0].ID)
	assert.Equal(t, "complete", headers[0].Status)

	getResp := s.handleLine(ctx, []byte(`{"jsonrpc":"2.0","id":2,"method":"jobs.get","params":{"id":"job-1"}}`))
	require.Nil(t, getResp.Error)
	getOut, _ := json.Marshal(getResp.Result)
	var detail jobDetailResult
	require.NoError(t, json.Unmarshal(getOut, &detail))
	require.Len(t, detail.History, 1)
	assert.Equal(t, "complete", detail.History[0].StatusTag)

	missingResp := s.handleLine(ctx, []byte(`{"jsonrpc":"2.0","id":3,"method":"jobs.get","params":{"id":"missing"}}`))
	require.NotNil(t, missingResp.Error)
	assert.Equal(t, -32000, missingResp.Error.Code)
}

func TestProgressActiveAndGet(t *testing.T) {
	s, _, tracker := newTestServer(t)
	tracker.Set("job-1", status.MakeInProgress(100, 50, "f", 50))

	activeResp := s.handleLine(context.Background(), []byte(`{"jsonrpc":"2.0","id":1,"method":"progress.active"}`))
	require.Nil(t, activeResp.Error)

	getResp := s.handleLine(context.Background(), []byte(`{"jsonrpc":"2.0","id":2,"method":"progress.get","params":{"id":"job-1"}}`))
	require.Nil(t, getResp.Error)

	missResp := s.handleLine(context.Background(), []byte(`{"jsonrpc":"2.0","id":3,"method":"progress.get","params":{"id":"missing"}}`))
	require.NotNil(t, missResp.Error)
	assert.Equal(t, -32000, missResp.Error.Code)
}
