package enclave

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"enc-mnist/shared"

	"github.com/google/uuid"
	"github.com/mdlayher/vsock"
	"go.uber.org/zap"
)

// listenRetryDelay is the pause between listener attempts.
const listenRetryDelay = 2 * time.Second

// TAServer serves the TA command protocol on vsock or TCP.
type TAServer struct {
	config     *Config
	dispatcher *Dispatcher
	sessions   *SessionManager
	logger     *shared.Logger

	wg      sync.WaitGroup
	mu      sync.Mutex
	conns   map[net.Conn]struct{}
	closing bool
}

// NewTAServer creates a server. Sessions closed for any reason abandon the
// model load they own.
func NewTAServer(config *Config, dispatcher *Dispatcher, logger *shared.Logger) *TAServer {
	if logger == nil {
		logger = shared.NewNopLogger()
	}
	s := &TAServer{
		config:     config,
		dispatcher: dispatcher,
		logger:     logger,
		conns:      make(map[net.Conn]struct{}),
	}
	s.sessions = NewSessionManager(config.SessionTimeout, s.abandonLoad, logger)
	return s
}

// Sessions exposes the session registry.
func (s *TAServer) Sessions() *SessionManager {
	return s.sessions
}

func (s *TAServer) abandonLoad(sessionID string) {
	if s.dispatcher.State().Loader().Abandon(sessionID) {
		s.logger.WithSession(sessionID).Warn("Session closed with model load in progress; load abandoned")
	}
}

// Listen opens the configured listener, retrying until it succeeds or ctx
// ends. A nil listener with a nil error means shutdown was requested.
func (s *TAServer) Listen(ctx context.Context) (net.Listener, error) {
	for {
		listener, err := s.listenOnce()
		if err == nil {
			s.logger.Info("TA listener started", zap.String("addr", s.config.ListenAddr()))
			return listener, nil
		}
		s.logger.Warn("Failed to listen, retrying",
			zap.String("addr", s.config.ListenAddr()),
			zap.Error(err),
			zap.Duration("retry_in", listenRetryDelay))
		select {
		case <-ctx.Done():
			s.logger.Info("Stopping listener retry due to shutdown")
			return nil, nil
		case <-time.After(listenRetryDelay):
		}
	}
}

func (s *TAServer) listenOnce() (net.Listener, error) {
	if s.config.EnclaveMode {
		return vsock.Listen(s.config.VsockPort, nil)
	}
	return net.Listen("tcp", s.config.TCPAddr)
}

// Serve accepts connections until ctx ends or the listener fails.
func (s *TAServer) Serve(ctx context.Context, listener net.Listener) error {
	s.sessions.StartCleanupRoutine(time.Minute)
	defer s.sessions.Stop()

	go func() {
		<-ctx.Done()
		listener.Close()
		s.closeConns()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				s.wg.Wait()
				return nil
			}
			s.logger.Error("Accept failed", zap.Error(err))
			s.wg.Wait()
			return err
		}
		// Registered here, not in the goroutine, so a shutdown racing with
		// Accept still closes it.
		if !s.track(conn) {
			conn.Close()
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.ServeConn(conn)
		}()
	}
}

// track registers conn for shutdown. It reports false once closeConns has
// run.
func (s *TAServer) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		delete(s.conns, conn)
		return false
	}
	s.conns[conn] = struct{}{}
	return true
}

func (s *TAServer) closeConns() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closing = true
	for conn := range s.conns {
		conn.Close()
	}
}

// ServeConn processes frames from one host connection in order. Sessions
// opened on the connection are closed when it ends.
func (s *TAServer) ServeConn(conn net.Conn) {
	remote := conn.RemoteAddr().String()
	logger := s.logger.WithConnection(remote)
	owned := make(map[string]struct{})

	if !s.track(conn) {
		conn.Close()
		return
	}

	defer func() {
		for sessionID := range owned {
			s.sessions.CloseSession(sessionID)
		}
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		conn.Close()
		logger.Debug("Connection closed", zap.Int("sessions_released", len(owned)))
	}()

	logger.Debug("Connection accepted")
	for {
		var req shared.Request
		if err := shared.ReadFrame(conn, &req, s.config.MaxFrameSize); err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				logger.Warn("Failed to read frame", zap.Error(err))
			}
			return
		}
		reply := s.handle(remote, &req, owned)
		err := shared.WriteFrameLimit(conn, reply, s.config.MaxFrameSize)
		if shared.KindOf(err) == shared.ErrOutOfMemory {
			err = shared.WriteFrameLimit(conn, errorReply(reply.Session, shared.OriginComms, err), s.config.MaxFrameSize)
		}
		if err != nil {
			logger.Warn("Failed to write reply", zap.Error(err))
			return
		}
	}
}

func (s *TAServer) handle(remote string, req *shared.Request, owned map[string]struct{}) *shared.Reply {
	switch req.Kind {
	case shared.FrameOpenSession:
		return s.openSession(remote, req, owned)
	case shared.FrameInvoke:
		return s.invoke(req, owned)
	case shared.FrameCloseSession:
		if _, ok := owned[req.Session]; !ok {
			return errorReply(req.Session, shared.OriginTEE, shared.NewError(shared.ErrItemNotFound, "close session", "session not open on this connection"))
		}
		delete(owned, req.Session)
		if err := s.sessions.CloseSession(req.Session); err != nil {
			return errorReply(req.Session, shared.OriginTEE, err)
		}
		return &shared.Reply{Session: req.Session, Code: shared.ResultSuccess}
	default:
		return errorReply(req.Session, shared.OriginComms, shared.NewError(shared.ErrBadParameters, "frame", "unknown frame kind %s", req.Kind))
	}
}

func (s *TAServer) openSession(remote string, req *shared.Request, owned map[string]struct{}) *shared.Reply {
	taUUID, err := uuid.Parse(req.TAUUID)
	if err != nil || taUUID != s.config.TAUUID {
		return errorReply("", shared.OriginTEE, shared.NewError(shared.ErrItemNotFound, "open session", "unknown TA %q", req.TAUUID))
	}
	sessionID, err := s.sessions.CreateSession(remote)
	if err != nil {
		return errorReply("", shared.OriginTEE, shared.WrapError(shared.ErrGeneric, "open session", err))
	}
	owned[sessionID] = struct{}{}
	return &shared.Reply{Session: sessionID, Code: shared.ResultSuccess}
}

func (s *TAServer) invoke(req *shared.Request, owned map[string]struct{}) *shared.Reply {
	if _, ok := owned[req.Session]; !ok {
		return errorReply(req.Session, shared.OriginTEE, shared.NewError(shared.ErrItemNotFound, "invoke", "session not open on this connection"))
	}
	if err := s.sessions.Touch(req.Session); err != nil {
		delete(owned, req.Session)
		return errorReply(req.Session, shared.OriginTEE, err)
	}

	params := req.Params
	err := s.dispatcher.Invoke(req.Session, req.Command, &params)
	reply := &shared.Reply{Session: req.Session, Params: params}
	// Inputs are not echoed back.
	for i := range reply.Params {
		if reply.Params[i].Type == shared.ParamMemrefInput {
			reply.Params[i].Data = nil
		}
	}
	if err != nil {
		reply.Code = uint32(shared.KindOf(err))
		reply.Origin = shared.OriginTrustedApp
		reply.Message = err.Error()
	}
	return reply
}

func errorReply(sessionID string, origin shared.ErrorOrigin, err error) *shared.Reply {
	return &shared.Reply{
		Session: sessionID,
		Code:    uint32(shared.KindOf(err)),
		Origin:  origin,
		Message: err.Error(),
	}
}
