// Package operator implements the command-router surface spec.md §6
// describes: a small set of script-lifecycle operations (list, get,
// deploy, delete, enable, disable) exposed over a Unix domain socket so an
// external RPC layer (out of scope here — spec.md §1) can drive the
// engine's storage without ever touching engine internals directly.
//
// Protocol: one JSON request, one JSON response, newline-delimited, per
// connection — the same shape the teacher's operator-override socket used,
// adapted from PID state commands to script commands.
package operator

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/suderra/edge-agent/internal/model"
)

// HistoryReader is the subset of audit.Ledger the command router's
// diagnostic get_history operation needs.
type HistoryReader interface {
	History(scriptID string, limit int) ([]model.ExecutionResult, error)
}

const (
	maxConcurrentConns = 8
	maxRequestBytes     = 1 << 20 // a deploy_script body carries a full definition
	connTimeout         = 10 * time.Second
)

// ScriptStore is the subset of storage.Store the command router needs.
// Kept as an interface so the router can be tested against a fake without
// touching disk.
type ScriptStore interface {
	GetAll() []model.Script
	Get(id string) (model.Script, bool)
	AddScript(def model.ScriptDefinition) error
	Delete(id string) error
	Enable(id string) error
	Disable(id string) error
}

// Request is the JSON structure for command-router requests.
type Request struct {
	Cmd        string                 `json:"cmd"` // list_scripts | get_script | deploy_script | delete_script | enable_script | disable_script | get_history
	ID         string                 `json:"id,omitempty"`
	Definition *model.ScriptDefinition `json:"definition,omitempty"`
	Limit      int                    `json:"limit,omitempty"`
}

// Response is the JSON structure for command-router responses.
type Response struct {
	OK      bool                     `json:"ok"`
	Error   string                   `json:"error,omitempty"`
	Script  *model.Script            `json:"script,omitempty"`
	Scripts []model.Script           `json:"scripts,omitempty"`
	History []model.ExecutionResult `json:"history,omitempty"`
}

// Server is the command-router Unix domain socket server.
type Server struct {
	socketPath string
	store      ScriptStore
	ledger     HistoryReader
	log        *zap.Logger
	sem        chan struct{}
}

// NewServer creates a command-router Server. ledger may be nil, in which
// case get_history reports an error rather than panicking.
func NewServer(socketPath string, store ScriptStore, ledger HistoryReader, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{
		socketPath: socketPath,
		store:      store,
		ledger:     ledger,
		log:        log,
		sem:        make(chan struct{}, maxConcurrentConns),
	}
}

// ListenAndServe starts the command-router socket server, removing any
// stale socket file first. Blocks until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("operator: remove stale socket %q: %w", s.socketPath, err)
	}
	if err := os.MkdirAll(filepath.Dir(s.socketPath), 0o700); err != nil {
		return fmt.Errorf("operator: mkdir %q: %w", filepath.Dir(s.socketPath), err)
	}

	lis, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("operator: listen %q: %w", s.socketPath, err)
	}
	defer lis.Close()

	if err := os.Chmod(s.socketPath, 0o600); err != nil {
		return fmt.Errorf("operator: chmod %q: %w", s.socketPath, err)
	}

	s.log.Info("command router listening", zap.String("path", s.socketPath))

	go func() {
		<-ctx.Done()
		lis.Close()
	}()

	for {
		conn, err := lis.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				s.log.Error("operator: accept error", zap.Error(err))
				continue
			}
		}

		select {
		case s.sem <- struct{}{}:
		default:
			s.log.Warn("operator: max connections reached, rejecting")
			_ = conn.Close()
			continue
		}

		go func(c net.Conn) {
			defer func() { <-s.sem }()
			defer c.Close()
			s.handleConn(c)
		}(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	_ = conn.SetDeadline(time.Now().Add(connTimeout))

	buf := make([]byte, maxRequestBytes)
	n, err := conn.Read(buf)
	if err != nil && err != io.EOF {
		s.log.Warn("operator: read error", zap.Error(err))
		return
	}

	var req Request
	if err := json.Unmarshal(buf[:n], &req); err != nil {
		s.writeResponse(conn, Response{OK: false, Error: "invalid JSON: " + err.Error()})
		return
	}

	s.writeResponse(conn, s.dispatch(req))
}

// dispatch routes a request to the §6 operation it names. A request that
// cannot be served (unknown command, missing id, script not found, a
// storage or ledger error) gets OK:false with Error set; every other
// request gets OK:true.
func (s *Server) dispatch(req Request) Response {
	switch req.Cmd {
	case "list_scripts":
		return Response{OK: true, Scripts: s.store.GetAll()}
	case "get_script":
		return s.cmdGet(req)
	case "deploy_script":
		return s.cmdDeploy(req)
	case "delete_script":
		return s.cmdDelete(req)
	case "enable_script":
		return s.cmdEnable(req)
	case "disable_script":
		return s.cmdDisable(req)
	case "get_history":
		return s.cmdGetHistory(req)
	default:
		return Response{OK: false, Error: fmt.Sprintf("unknown command %q", req.Cmd)}
	}
}

func (s *Server) cmdGet(req Request) Response {
	if req.ID == "" {
		return Response{OK: false, Error: "id required for get_script"}
	}
	sc, ok := s.store.Get(req.ID)
	if !ok {
		return Response{OK: false, Error: fmt.Sprintf("script %q not found", req.ID)}
	}
	return Response{OK: true, Script: &sc}
}

func (s *Server) cmdDeploy(req Request) Response {
	if req.Definition == nil {
		return Response{OK: false, Error: "definition required for deploy_script"}
	}
	if req.Definition.ID == "" {
		return Response{OK: false, Error: "definition.id must not be empty"}
	}
	if err := s.store.AddScript(*req.Definition); err != nil {
		return Response{OK: false, Error: err.Error()}
	}
	s.log.Info("command: script deployed", zap.String("script_id", req.Definition.ID))
	sc, _ := s.store.Get(req.Definition.ID)
	return Response{OK: true, Script: &sc}
}

func (s *Server) cmdDelete(req Request) Response {
	if req.ID == "" {
		return Response{OK: false, Error: "id required for delete_script"}
	}
	if err := s.store.Delete(req.ID); err != nil {
		return Response{OK: false, Error: err.Error()}
	}
	s.log.Info("command: script deleted", zap.String("script_id", req.ID))
	return Response{OK: true}
}

func (s *Server) cmdEnable(req Request) Response {
	if req.ID == "" {
		return Response{OK: false, Error: "id required for enable_script"}
	}
	if err := s.store.Enable(req.ID); err != nil {
		return Response{OK: false, Error: err.Error()}
	}
	s.log.Info("command: script enabled", zap.String("script_id", req.ID))
	sc, _ := s.store.Get(req.ID)
	return Response{OK: true, Script: &sc}
}

func (s *Server) cmdDisable(req Request) Response {
	if req.ID == "" {
		return Response{OK: false, Error: "id required for disable_script"}
	}
	if err := s.store.Disable(req.ID); err != nil {
		return Response{OK: false, Error: err.Error()}
	}
	s.log.Info("command: script disabled", zap.String("script_id", req.ID))
	sc, _ := s.store.Get(req.ID)
	return Response{OK: true, Script: &sc}
}

// cmdGetHistory serves the diagnostic get_history operation (spec.md §6):
// read-only, never consulted by engine state on startup (SPEC_FULL.md §13.3).
// ID, if set, filters to one script's history; otherwise every script's
// history is returned.
func (s *Server) cmdGetHistory(req Request) Response {
	if s.ledger == nil {
		return Response{OK: false, Error: "audit ledger not configured"}
	}
	hist, err := s.ledger.History(req.ID, req.Limit)
	if err != nil {
		return Response{OK: false, Error: err.Error()}
	}
	return Response{OK: true, History: hist}
}

func (s *Server) writeResponse(conn net.Conn, resp Response) {
	data, _ := json.Marshal(resp)
	data = append(data, '\n')
	_, _ = conn.Write(data)
}
