package ipc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/rpc"
	"net/rpc/jsonrpc"
	"os"
	"strings"
	"sync"

	"cliprun/internal/api"
	"cliprun/internal/approval"
	"cliprun/internal/daemon"
	"cliprun/internal/logging"
	"cliprun/internal/runstate"
	"cliprun/internal/services"
)

// Server exposes daemon control via JSON-RPC over a Unix domain socket.
type Server struct {
	path      string
	daemon    *daemon.Daemon
	logger    *slog.Logger
	listener  net.Listener
	rpcServer *rpc.Server

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewServer configures the IPC server at the given socket path.
func NewServer(ctx context.Context, path string, d *daemon.Daemon, logger *slog.Logger) (*Server, error) {
	if d == nil {
		return nil, errors.New("ipc server requires daemon")
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	logger = logging.NewComponentLogger(logger, "ipc")

	if err := os.RemoveAll(path); err != nil {
		return nil, fmt.Errorf("remove existing socket: %w", err)
	}

	listener, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("listen on socket: %w", err)
	}

	serverCtx, cancel := context.WithCancel(ctx)
	rpcServer := rpc.NewServer()
	srv := &service{daemon: d, logger: logger, ctx: serverCtx}
	if err := rpcServer.RegisterName(ServiceName, srv); err != nil {
		cancel()
		listener.Close()
		return nil, fmt.Errorf("register rpc service: %w", err)
	}

	return &Server{
		path:      path,
		daemon:    d,
		logger:    logger,
		listener:  listener,
		rpcServer: rpcServer,
		ctx:       serverCtx,
		cancel:    cancel,
	}, nil
}

// Serve starts accepting RPC connections until the context is canceled.
func (s *Server) Serve() {
	s.logger.Debug("IPC server listening", logging.String("socket", s.path))
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			conn, err := s.listener.Accept()
			if err != nil {
				select {
				case <-s.ctx.Done():
					return
				default:
				}
				if errors.Is(err, net.ErrClosed) {
					return
				}
				s.logger.Warn("accept failed",
					logging.Error(err),
					logging.String(logging.FieldEventType, "ipc_accept_failed"),
					logging.String(logging.FieldImpact, "IPC clients may fail to connect"),
					logging.String(logging.FieldErrorHint, "Check socket permissions and restart the daemon if needed"))
				continue
			}
			s.wg.Add(1)
			go func(c net.Conn) {
				defer s.wg.Done()
				s.rpcServer.ServeCodec(jsonrpc.NewServerCodec(c))
			}(conn)
		}
	}()
}

// Close stops the server and removes the socket file.
func (s *Server) Close() {
	s.cancel()
	if s.listener != nil {
		_ = s.listener.Close()
	}
	s.wg.Wait()
	if err := os.RemoveAll(s.path); err != nil {
		s.logger.Warn("failed to remove socket",
			logging.String("socket", s.path),
			logging.Error(err),
			logging.String(logging.FieldEventType, "ipc_socket_cleanup_failed"),
			logging.String(logging.FieldImpact, "stale IPC socket may block future starts"),
			logging.String(logging.FieldErrorHint, "Remove the socket file manually"))
	}
}

type service struct {
	daemon *daemon.Daemon
	logger *slog.Logger
	ctx    context.Context
}

func requireRunID(runID string) (string, error) {
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return "", wireError(services.Wrap(services.ErrInvalidInput, "", "ipc", "run id is required", nil))
	}
	return runID, nil
}

func (s *service) Start(_ StartRequest, resp *StartResponse) error {
	s.logger.Debug("daemon start requested")
	if err := s.daemon.Start(s.ctx); err != nil {
		resp.Started = false
		resp.Message = err.Error()
		return nil
	}
	resp.Started = true
	resp.Message = "daemon started"
	s.logger.Info("daemon started via IPC",
		logging.String(logging.FieldEventType, "daemon_start"))
	return nil
}

func (s *service) Stop(_ StopRequest, resp *StopResponse) error {
	s.logger.Debug("daemon stop requested")
	s.daemon.Stop()
	resp.Stopped = true
	s.logger.Info("daemon stopped via IPC",
		logging.String(logging.FieldEventType, "daemon_stop"))
	return nil
}

func (s *service) StartRun(req StartRunRequest, resp *StartRunResponse) error {
	run, err := s.daemon.StartRun(s.ctx, req.Input)
	if err != nil {
		s.logger.Debug("start run rejected", logging.Error(err))
		return wireError(err)
	}
	resp.Run = api.FromRun(run)
	s.logger.Info("run started via IPC",
		logging.String(logging.FieldEventType, "run_start"),
		logging.String(logging.FieldRunID, run.ID))
	return nil
}

func (s *service) Progress(req RunRequest, resp *ProgressResponse) error {
	runID, err := requireRunID(req.RunID)
	if err != nil {
		return err
	}
	progress, err := s.daemon.Progress(s.ctx, runID)
	if err != nil {
		return wireError(err)
	}
	resp.Progress = api.FromProgress(progress)
	return nil
}

func (s *service) Approve(req RunRequest, resp *SignalResponse) error {
	return s.signal(req, resp, s.daemon.Approve)
}

func (s *service) Retry(req RunRequest, resp *SignalResponse) error {
	return s.signal(req, resp, s.daemon.Retry)
}

func (s *service) signal(req RunRequest, resp *SignalResponse, deliver func(context.Context, string) (approval.Ack, error)) error {
	runID, err := requireRunID(req.RunID)
	if err != nil {
		return err
	}
	ack, err := deliver(s.ctx, runID)
	if err != nil {
		return wireError(err)
	}
	resp.Signal = string(ack.Signal)
	resp.Duplicate = ack.Duplicate
	resp.Progress = api.FromProgress(ack.Progress)
	return nil
}

func (s *service) Cancel(req RunRequest, resp *ProgressResponse) error {
	runID, err := requireRunID(req.RunID)
	if err != nil {
		return err
	}
	progress, err := s.daemon.Cancel(s.ctx, runID)
	if err != nil {
		return wireError(err)
	}
	resp.Progress = api.FromProgress(progress)
	return nil
}

func (s *service) List(req ListRequest, resp *ListResponse) error {
	statuses := make([]runstate.Status, 0, len(req.Statuses))
	for _, raw := range req.Statuses {
		parsed, err := runstate.ParseStatus(raw)
		if err != nil {
			return wireError(services.Wrap(services.ErrInvalidInput, "", "list", err.Error(), nil))
		}
		statuses = append(statuses, parsed)
	}
	runs, err := s.daemon.ListRuns(s.ctx, statuses, req.Limit)
	if err != nil {
		return wireError(err)
	}
	resp.Runs = api.FromRuns(runs)
	return nil
}

func (s *service) History(req RunRequest, resp *HistoryResponse) error {
	runID, err := requireRunID(req.RunID)
	if err != nil {
		return err
	}
	history, err := s.daemon.History(s.ctx, runID)
	if err != nil {
		return wireError(err)
	}
	resp.Run = api.FromRun(history.Run)
	resp.Events = api.FromEvents(history.Events)
	resp.Executions = api.FromExecutions(history.Executions)
	return nil
}

func (s *service) Status(_ StatusRequest, resp *StatusResponse) error {
	status := s.daemon.Status(s.ctx)
	resp.Running = status.Running
	resp.PID = status.PID
	resp.StoreDriver = status.StoreDriver
	resp.StoreLocation = status.StoreLocation
	resp.SchemaVersion = status.SchemaVersion
	resp.ResultStore = status.ResultStore
	resp.LockPath = status.LockFilePath
	resp.Workflow = api.FromStatusSummary(status.Workflow)
	return nil
}

func (s *service) TestNotification(_ TestNotificationRequest, resp *TestNotificationResponse) error {
	sent, message, err := s.daemon.TestNotification(s.ctx)
	if err != nil {
		s.logger.Warn("test notification failed",
			logging.Error(err),
			logging.String(logging.FieldEventType, "notification_test_failed"),
			logging.String(logging.FieldErrorHint, "check notifications.webhook_url"),
			logging.String(logging.FieldImpact, "run alerts will not be delivered"))
		return wireError(err)
	}
	resp.Sent = sent
	resp.Message = message
	return nil
}
