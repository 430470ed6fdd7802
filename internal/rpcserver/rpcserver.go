// Package rpcserver implements BKSD's read-only JSON-RPC 2.0 surface:
// newline-delimited frames over plain TCP, one connection handled per
// goroutine, backed by Persistence and the Progress Tracker.
package rpcserver

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/bksd/bksd/internal/progress"
	"github.com/bksd/bksd/internal/status"
	"github.com/bksd/bksd/internal/store"
)

// Version is BKSD's reported daemon version.
const Version = "0.1.0"

// ErrorObject is a JSON-RPC 2.0 error.
type ErrorObject struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *ErrorObject) Error() string { return fmt.Sprintf("%d: %s", e.Code, e.Message) }

var (
	errParse          = &ErrorObject{Code: -32700, Message: "Parse error"}
	errInvalidRequest = &ErrorObject{Code: -32600, Message: "Invalid Request"}
	errMethodNotFound = &ErrorObject{Code: -32601, Message: "Method not found"}
	errInvalidParams  = &ErrorObject{Code: -32602, Message: "Invalid params"}
	errInternal       = &ErrorObject{Code: -32603, Message: "Internal error"}
)

func applicationError(message string) *ErrorObject {
	return &ErrorObject{Code: -32000, Message: message}
}

// requestObject is one JSON-RPC 2.0 request frame.
type requestObject struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// responseObject is one JSON-RPC 2.0 response frame.
type responseObject struct {
	JSONRPC string       `json:"jsonrpc"`
	ID      any          `json:"id,omitempty"`
	Result  any          `json:"result,omitempty"`
	Error   *ErrorObject `json:"error,omitempty"`
}

// handlerFunc services one method call; params may be nil.
type handlerFunc func(ctx context.Context, s *Server, params json.RawMessage) (any, *ErrorObject)

// methodMap is a name-validated, concurrency-safe method registry.
type methodMap struct {
	sync.Map
}

func isValidMethodName(name string) bool {
	if name == "" {
		return false
	}
	for _, r := range name {
		if (r < 'a' || r > 'z') && r != '.' {
			return false
		}
	}
	return true
}

func (m *methodMap) add(name string, fn handlerFunc) {
	if !isValidMethodName(name) {
		panic("rpcserver: invalid method name " + name)
	}
	m.Store(name, fn)
}

func (m *methodMap) get(name string) (handlerFunc, bool) {
	v, ok := m.Load(strings.ToLower(name))
	if !ok {
		return nil, false
	}
	fn, ok := v.(handlerFunc)
	return fn, ok
}

// Server is the RPC method surface: five read-only methods backed by
// Persistence and the Progress Tracker.
type Server struct {
	store      *store.Store
	tracker    *progress.Tracker
	bind       string
	simulation bool
	deadline   time.Duration
	startedAt  time.Time
	activeJobs func() int

	methods  methodMap
	listener net.Listener
}

// Options configures a Server.
type Options struct {
	Bind       string
	Simulation bool
	Deadline   time.Duration
	// ActiveJobs reports how many jobs are currently in flight, for
	// daemon.status. Typically the orchestrator's running-job count.
	ActiveJobs func() int
}

// New builds a Server. Call ListenAndServe to start accepting connections.
func New(st *store.Store, tracker *progress.Tracker, opts Options) *Server {
	if opts.Deadline <= 0 {
		opts.Deadline = 5 * time.Second
	}
	if opts.ActiveJobs == nil {
		opts.ActiveJobs = func() int { return 0 }
	}
	s := &Server{
		store:      st,
		tracker:    tracker,
		bind:       opts.Bind,
		simulation: opts.Simulation,
		deadline:   opts.Deadline,
		startedAt:  time.Now(),
		activeJobs: opts.ActiveJobs,
	}
	s.methods.add("daemon.status", handleDaemonStatus)
	s.methods.add("jobs.list", handleJobsList)
	s.methods.add("jobs.get", handleJobsGet)
	s.methods.add("progress.active", handleProgressActive)
	s.methods.add("progress.get", handleProgressGet)
	return s
}

// ListenAndServe binds and serves until ctx is canceled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", s.bind)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.bind, err)
	}
	s.listener = ln

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accept connection: %w", err)
		}
		go s.serveConn(ctx, conn)
	}
}

func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	defer func() { _ = conn.Close() }()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(strings.TrimSpace(string(line))) == 0 {
			continue
		}

		resp := s.handleLine(ctx, line)
		out, err := json.Marshal(resp)
		if err != nil {
			log.Error().Err(err).Msg("failed to marshal RPC response")
			continue
		}
		out = append(out, '\n')
		if _, err := conn.Write(out); err != nil {
			log.Warn().Err(err).Msg("failed to write RPC response")
			return
		}
	}
}

func (s *Server) handleLine(ctx context.Context, line []byte) responseObject {
	var req requestObject
	if err := json.Unmarshal(line, &req); err != nil {
		return responseObject{JSONRPC: "2.0", Error: errParse}
	}
	if req.JSONRPC != "2.0" || req.Method == "" {
		return responseObject{JSONRPC: "2.0", ID: req.ID, Error: errInvalidRequest}
	}

	fn, ok := s.methods.get(req.Method)
	if !ok {
		return responseObject{JSONRPC: "2.0", ID: req.ID, Error: errMethodNotFound}
	}

	reqCtx, cancel := context.WithTimeout(ctx, s.deadline)
	defer cancel()

	result, rpcErr := fn(reqCtx, s, req.Params)
	if rpcErr != nil {
		return responseObject{JSONRPC: "2.0", ID: req.ID, Error: rpcErr}
	}
	return responseObject{JSONRPC: "2.0", ID: req.ID, Result: result}
}

type daemonStatusResult struct {
	Version    string `json:"version"`
	UptimeSecs int64  `json:"uptime_secs"`
	ActiveJobs int    `json:"active_jobs"`
	RPCBind    string `json:"rpc_bind"`
	Simulation bool   `json:"simulation"`
}

func handleDaemonStatus(_ context.Context, s *Server, _ json.RawMessage) (any, *ErrorObject) {
	return daemonStatusResult{
		Version:    Version,
		UptimeSecs: int64(time.Since(s.startedAt).Seconds()),
		ActiveJobs: s.activeJobs(),
		RPCBind:    s.bind,
		Simulation: s.simulation,
	}, nil
}

type jobsListParams struct {
	Limit  int     `json:"limit"`
	Offset int     `json:"offset"`
	Status *string `json:"status"`
}

type jobHeaderResult struct {
	ID              string `json:"id"`
	TargetID        string `json:"target_id"`
	DestinationPath string `json:"destination_path"`
	CreatedAt       int64  `json:"created_at"`
	Status          string `json:"status"`
}

func handleJobsList(ctx context.Context, s *Server, raw json.RawMessage) (any, *ErrorObject) {
	params := jobsListParams{Limit: 50, Offset: 0}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &params); err != nil {
			return nil, errInvalidParams
		}
	}

	opts := store.ListOptions{Limit: params.Limit, Offset: params.Offset}
	if params.Status != nil {
		tag := status.Tag(*params.Status)
		if !validStatusTag(tag) {
			return nil, errInvalidParams
		}
		opts.StatusFilter = &tag
	}

	headers, err := s.store.ListJobs(ctx, opts)
	if err != nil {
		log.Error().Err(err).Msg("jobs.list query failed")
		return nil, errInternal
	}

	out := make([]jobHeaderResult, len(headers))
	for i, h := range headers {
		out[i] = jobHeaderResult{
			ID:              h.ID,
			TargetID:        h.TargetID,
			DestinationPath: h.DestinationPath,
			CreatedAt:       h.CreatedAt.Unix(),
			Status:          string(h.Latest),
		}
	}
	return out, nil
}

func validStatusTag(t status.Tag) bool {
	switch t {
	case status.Ready, status.InProgress, status.CopyComplete, status.Verifying, status.Complete, status.Failed:
		return true
	default:
		return false
	}
}

type jobsGetParams struct {
	ID string `json:"id"`
}

type statusLogResult struct {
	StatusTag   string `json:"status_tag"`
	Description string `json:"description"`
	CreatedAt   int64  `json:"created_at"`
}

type jobDetailResult struct {
	jobHeaderResult
	History []statusLogResult `json:"history"`
}

func handleJobsGet(ctx context.Context, s *Server, raw json.RawMessage) (any, *ErrorObject) {
	var params jobsGetParams
	if err := json.Unmarshal(raw, &params); err != nil || params.ID == "" {
		return nil, errInvalidParams
	}

	detail, err := s.store.GetJob(ctx, params.ID)
	if errors.Is(err, store.ErrJobNotFound) {
		return nil, applicationError("unknown job id")
	}
	if err != nil {
		log.Error().Err(err).Str("job_id", params.ID).Msg("jobs.get query failed")
		return nil, errInternal
	}

	history := make([]statusLogResult, len(detail.History))
	for i, row := range detail.History {
		history[i] = statusLogResult{
			StatusTag:   string(row.StatusTag),
			Description: row.Description,
			CreatedAt:   row.CreatedAt.Unix(),
		}
	}

	return jobDetailResult{
		jobHeaderResult: jobHeaderResult{
			ID:              detail.ID,
			TargetID:        detail.TargetID,
			DestinationPath: detail.DestinationPath,
			CreatedAt:       detail.CreatedAt.Unix(),
			Status:          string(detail.Latest),
		},
		History: history,
	}, nil
}

type progressActiveResult struct {
	Jobs  map[string]statusResult `json:"jobs"`
	Count int                     `json:"count"`
}

type statusResult struct {
	State         string  `json:"state"`
	TotalBytes    uint64  `json:"total_bytes,omitempty"`
	BytesCopied   uint64  `json:"bytes_copied,omitempty"`
	CurrentFile   string  `json:"current_file,omitempty"`
	Percentage    int     `json:"percentage,omitempty"`
	VerifyCurrent int     `json:"verify_current,omitempty"`
	VerifyTotal   int     `json:"verify_total,omitempty"`
	DurationSecs  float64 `json:"duration_secs,omitempty"`
	Message       string  `json:"message,omitempty"`
}

func toStatusResult(s status.JobStatus) statusResult {
	return statusResult{
		State:         string(s.Tag),
		TotalBytes:    s.TotalBytes,
		BytesCopied:   s.BytesCopied,
		CurrentFile:   s.CurrentFile,
		Percentage:    s.Percentage,
		VerifyCurrent: s.VerifyCurrent,
		VerifyTotal:   s.VerifyTotal,
		DurationSecs:  s.DurationSecs,
		Message:       s.Message,
	}
}

func handleProgressActive(_ context.Context, s *Server, _ json.RawMessage) (any, *ErrorObject) {
	active := s.tracker.Active()
	out := make(map[string]statusResult, len(active))
	for id, js := range active {
		out[id] = toStatusResult(js)
	}
	return progressActiveResult{Jobs: out, Count: len(out)}, nil
}

type progressGetParams struct {
	ID string `json:"id"`
}

func handleProgressGet(_ context.Context, s *Server, raw json.RawMessage) (any, *ErrorObject) {
	var params progressGetParams
	if err := json.Unmarshal(raw, &params); err != nil || params.ID == "" {
		return nil, errInvalidParams
	}

	js, ok := s.tracker.Get(params.ID)
	if !ok {
		return nil, applicationError("unknown or completed job id")
	}
	return toStatusResult(js), nil
}
