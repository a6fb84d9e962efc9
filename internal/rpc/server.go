package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hiboss/hiboss/internal/bridge"
	"github.com/hiboss/hiboss/internal/common/config"
	"github.com/hiboss/hiboss/internal/common/logger"
	"github.com/hiboss/hiboss/internal/common/timeutil"
	"github.com/hiboss/hiboss/internal/cronmat"
	"github.com/hiboss/hiboss/internal/executor"
	"github.com/hiboss/hiboss/internal/hberr"
	"github.com/hiboss/hiboss/internal/policy"
	"github.com/hiboss/hiboss/internal/router"
	"github.com/hiboss/hiboss/internal/store"
)

// Deps wires the server to the rest of the daemon.
type Deps struct {
	Store    *store.Store
	Policy   *policy.Engine
	Router   *router.Router
	Executor *executor.Manager
	Cron     *cronmat.Materializer
	Bridge   *bridge.Bridge
	Config   *config.Config
	Clock    timeutil.Clock

	Version   string
	StartedAt time.Time
	Adapters  func() []string // registered adapter platforms
	Shutdown  func()          // invoked by daemon.stop
}

// handlerFunc serves one method. caller is nil for bootstrap methods.
type handlerFunc func(ctx context.Context, caller *policy.Identity, params json.RawMessage) (any, error)

// Server accepts connections on the daemon socket and dispatches requests.
type Server struct {
	deps     Deps
	logger   *logger.Logger
	handlers map[string]handlerFunc

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	closed   bool
	wg       sync.WaitGroup
}

func NewServer(deps Deps, log *logger.Logger) *Server {
	s := &Server{
		deps:   deps,
		logger: log.WithFields(zap.String("component", "rpc")),
		conns:  make(map[net.Conn]struct{}),
	}
	s.handlers = map[string]handlerFunc{
		policy.MethodSetupCheck:   s.handleSetupCheck,
		policy.MethodSetupExecute: s.handleSetupExecute,
		policy.MethodBossVerify:   s.handleBossVerify,

		"envelope.send": s.handleEnvelopeSend,
		"envelope.list": s.handleEnvelopeList,
		"envelope.get":  s.handleEnvelopeGet,

		"cron.create":  s.handleCronCreate,
		"cron.list":    s.handleCronList,
		"cron.get":     s.handleCronGet,
		"cron.enable":  s.handleCronEnable,
		"cron.disable": s.handleCronDisable,
		"cron.delete":  s.handleCronDelete,

		"reaction.set": s.handleReactionSet,

		"agent.register":           s.handleAgentRegister,
		"agent.set":                s.handleAgentSet,
		"agent.list":               s.handleAgentList,
		"agent.bind":               s.handleAgentBind,
		"agent.unbind":             s.handleAgentUnbind,
		"agent.status":             s.handleAgentStatus,
		"agent.refresh":            s.handleAgentRefresh,
		"agent.abort":              s.handleAgentAbort,
		"agent.delete":             s.handleAgentDelete,
		"agent.self":               s.handleAgentSelf,
		"agent.session-policy.set": s.handleSessionPolicySet,

		"daemon.status": s.handleDaemonStatus,
		"daemon.start":  s.handleDaemonStart,
		"daemon.stop":   s.handleDaemonStop,
		"daemon.ping":   s.handleDaemonPing,
		"daemon.time":   s.handleDaemonTime,
	}
	return s
}

// Start binds the unix socket and launches the accept loop. A stale socket
// file from a crashed daemon is removed first; the pid-file lock guarantees no
// live daemon owns it.
func (s *Server) Start() error {
	path := s.deps.Config.SocketPath()
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	ln, err := net.Listen("unix", path)
	if err != nil {
		return err
	}
	if err := os.Chmod(path, 0o600); err != nil {
		_ = ln.Close()
		return err
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	s.wg.Add(1)
	go s.acceptLoop(ln)
	s.logger.Info("rpc server listening", zap.String("socket", path))
	return nil
}

// Stop closes the listener and every open connection, then waits for the
// connection goroutines to drain.
func (s *Server) Stop() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	ln := s.listener
	for conn := range s.conns {
		_ = conn.Close()
	}
	s.mu.Unlock()
	if ln != nil {
		_ = ln.Close()
	}
	s.wg.Wait()
}

func (s *Server) acceptLoop(ln net.Listener) {
	defer s.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				s.logger.Error("accept failed", zap.Error(err))
			}
			return
		}
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			_ = conn.Close()
			return
		}
		s.conns[conn] = struct{}{}
		s.mu.Unlock()
		s.wg.Add(1)
		go s.serveConn(conn)
	}
}

func (s *Server) serveConn(conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		_ = conn.Close()
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
	}()

	for {
		payload, err := ReadFrame(conn)
		if err != nil {
			return
		}
		var req Request
		if err := json.Unmarshal(payload, &req); err != nil {
			s.respond(conn, &Response{JSONRPC: "2.0", Error: &Error{Code: CodeParseError, Message: "malformed request"}})
			continue
		}
		if req.Method == "" {
			s.respond(conn, &Response{JSONRPC: "2.0", ID: req.ID, Error: &Error{Code: CodeInvalidRequest, Message: "missing method"}})
			continue
		}
		resp := s.dispatch(context.Background(), &req)
		if req.ID == nil {
			continue // notification
		}
		s.respond(conn, resp)
	}
}

func (s *Server) respond(conn net.Conn, resp *Response) {
	payload, err := json.Marshal(resp)
	if err != nil {
		s.logger.Error("failed to marshal response", zap.Error(err))
		return
	}
	if err := WriteFrame(conn, payload); err != nil {
		s.logger.Debug("failed to write response", zap.Error(err))
	}
}

// tokenParams extracts just the token field; the handler re-parses the rest.
type tokenParams struct {
	Token string `json:"token"`
}

func (s *Server) dispatch(ctx context.Context, req *Request) *Response {
	resp := &Response{JSONRPC: "2.0", ID: req.ID}
	handler, ok := s.handlers[req.Method]
	if !ok {
		resp.Error = &Error{Code: CodeMethodNotFound, Message: "unknown method " + req.Method}
		return resp
	}

	var caller *policy.Identity
	if policy.IsBootstrap(req.Method) {
		allowed, err := s.deps.Policy.BootstrapAllowed(ctx, req.Method)
		if err != nil {
			resp.Error = errorFor(err)
			return resp
		}
		if !allowed {
			resp.Error = errorFor(hberr.New(hberr.KindAuth, "%s is not available after setup", req.Method))
			return resp
		}
	} else {
		var tp tokenParams
		if len(req.Params) > 0 {
			_ = json.Unmarshal(req.Params, &tp)
		}
		id, err := s.deps.Policy.Authorize(ctx, req.Method, tp.Token)
		if err != nil {
			resp.Error = errorFor(err)
			return resp
		}
		caller = id
	}

	result, err := handler(ctx, caller, req.Params)
	if err != nil {
		resp.Error = errorFor(err)
		s.logger.Debug("request failed",
			zap.String("method", req.Method),
			zap.Error(err))
		return resp
	}
	raw, err := json.Marshal(result)
	if err != nil {
		resp.Error = &Error{Code: CodeInternalError, Message: "failed to encode result"}
		return resp
	}
	resp.Result = raw
	return resp
}

func unmarshalParams(raw json.RawMessage, dst any) error {
	if len(raw) == 0 {
		return hberr.New(hberr.KindValidation, "missing params")
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return hberr.Wrap(err, hberr.KindValidation, "malformed params")
	}
	return nil
}
