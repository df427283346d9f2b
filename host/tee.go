// Package host is the untrusted side: a TEE client context that talks to
// the TA over vsock or TCP, connectors for each command cluster, the host
// encryption driver and the encrypted model file formats.
package host

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"enc-mnist/shared"

	"github.com/google/uuid"
	"github.com/mdlayher/vsock"
	"go.uber.org/zap"
)

// Dialer opens the transport to the TA.
type Dialer func(ctx context.Context) (net.Conn, error)

// VsockDialer connects to the TA inside an enclave.
func VsockDialer(cid, port uint32) Dialer {
	return func(ctx context.Context) (net.Conn, error) {
		return vsock.Dial(cid, port, nil)
	}
}

// TCPDialer connects to a standalone TA.
func TCPDialer(addr string) Dialer {
	return func(ctx context.Context) (net.Conn, error) {
		var d net.Dialer
		return d.DialContext(ctx, "tcp", addr)
	}
}

// Context is a connection to the TA shared by any number of sessions.
// Calls are serialised; the TA answers frames in order.
type Context struct {
	mu       sync.Mutex
	conn     net.Conn
	broken   error
	maxFrame uint32
	logger   *shared.Logger
}

// NewContext dials the TA, retrying transient failures with backoff.
func NewContext(ctx context.Context, dial Dialer, retry *shared.RetryConfig, logger *shared.Logger) (*Context, error) {
	if logger == nil {
		logger = shared.NewNopLogger()
	}
	var conn net.Conn
	attempt := 0
	err := shared.RetryWithBackoff(ctx, retry, func() error {
		attempt++
		c, err := dial(ctx)
		if err != nil {
			logger.Warn("Failed to connect to TA", zap.Int("attempt", attempt), zap.Error(err))
			return shared.WrapError(shared.ErrCommunication, "dial", err)
		}
		conn = c
		return nil
	})
	if err != nil {
		return nil, err
	}
	return NewContextFromConn(conn, logger), nil
}

// NewContextFromConn wraps an established connection.
func NewContextFromConn(conn net.Conn, logger *shared.Logger) *Context {
	if logger == nil {
		logger = shared.NewNopLogger()
	}
	return &Context{conn: conn, maxFrame: shared.MaxFrameSize, logger: logger}
}

// SetMaxFrameSize bounds request and reply frames. It must match the TA's
// ENCLAVE_MAX_FRAME_SIZE; zero restores MaxFrameSize.
func (c *Context) SetMaxFrameSize(n uint32) {
	if n == 0 {
		n = shared.MaxFrameSize
	}
	c.mu.Lock()
	c.maxFrame = n
	c.mu.Unlock()
}

// Close drops the connection. The TA closes every session opened on it.
func (c *Context) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.broken == nil {
		c.broken = net.ErrClosed
	}
	return c.conn.Close()
}

func (c *Context) roundTrip(ctx context.Context, req *shared.Request) (*shared.Reply, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.broken != nil {
		return nil, shared.WrapError(shared.ErrCommunication, req.Kind.String(), c.broken)
	}

	if deadline, ok := ctx.Deadline(); ok {
		c.conn.SetDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() {
		c.conn.SetDeadline(time.Now())
	})
	defer func() {
		stop()
		c.conn.SetDeadline(time.Time{})
	}()

	if err := shared.WriteFrameLimit(c.conn, req, c.maxFrame); err != nil {
		// An oversized request is refused before any byte is sent.
		if shared.KindOf(err) != shared.ErrOutOfMemory {
			c.broken = err
		}
		return nil, err
	}
	var reply shared.Reply
	if err := shared.ReadFrame(c.conn, &reply, c.maxFrame); err != nil {
		c.broken = err
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	return &reply, nil
}

// Session is an open session against one TA.
type Session struct {
	tc *Context
	id string
}

// OpenSession opens a session against the TA identified by taUUID.
func (c *Context) OpenSession(ctx context.Context, taUUID uuid.UUID) (*Session, error) {
	reply, err := c.roundTrip(ctx, &shared.Request{Kind: shared.FrameOpenSession, TAUUID: taUUID.String()})
	if err != nil {
		return nil, err
	}
	if err := reply.Err("open session"); err != nil {
		return nil, err
	}
	if reply.Session == "" {
		return nil, shared.NewError(shared.ErrCommunication, "open session", "TA returned no session id")
	}
	c.logger.DebugIf("Session opened", zap.String("session_id", reply.Session))
	return &Session{tc: c, id: reply.Session}, nil
}

// ID returns the TA-assigned session id.
func (s *Session) ID() string {
	return s.id
}

// InvokeCommand runs cmd with op. Output slots of op are updated from the
// reply even when the command fails, so a ShortBuffer failure carries the
// required size.
func (s *Session) InvokeCommand(ctx context.Context, cmd shared.Command, op *Operation) error {
	if op == nil {
		op = NewOperation()
	}
	req := &shared.Request{
		Kind:    shared.FrameInvoke,
		Session: s.id,
		Command: uint32(cmd),
		Params:  op.Params,
	}
	reply, err := s.tc.roundTrip(ctx, req)
	if err != nil {
		return err
	}
	for i := range op.Params {
		switch op.Params[i].Type {
		case shared.ParamMemrefOutput, shared.ParamMemrefInout:
			op.Params[i].Data = reply.Params[i].Data
			op.Params[i].Size = reply.Params[i].Size
		case shared.ParamValueOutput, shared.ParamValueInout:
			op.Params[i].A = reply.Params[i].A
			op.Params[i].B = reply.Params[i].B
		}
	}
	return reply.Err(cmd.String())
}

// Close closes the session on the TA.
func (s *Session) Close(ctx context.Context) error {
	reply, err := s.tc.roundTrip(ctx, &shared.Request{Kind: shared.FrameCloseSession, Session: s.id})
	if err != nil {
		return err
	}
	return reply.Err("close session")
}

// Operation carries the four parameter slots of one invocation.
type Operation struct {
	Params shared.Params
}

// NewOperation fills the slots in order; missing slots are ParamNone.
func NewOperation(params ...shared.Param) *Operation {
	op := &Operation{}
	for i, p := range params {
		if i >= len(op.Params) {
			break
		}
		op.Params[i] = p
	}
	return op
}

// TmpRefInput passes data into the TA.
func TmpRefInput(data []byte) shared.Param {
	return shared.Param{Type: shared.ParamMemrefInput, Data: data, Size: uint32(len(data))}
}

// TmpRefOutput reserves capacity bytes for TA output.
func TmpRefOutput(capacity int) shared.Param {
	return shared.Param{Type: shared.ParamMemrefOutput, Size: uint32(capacity)}
}

func ValueInput(a, b uint32) shared.Param {
	return shared.Param{Type: shared.ParamValueInput, A: a, B: b}
}

func ValueOutput() shared.Param {
	return shared.Param{Type: shared.ParamValueOutput}
}

func NoParam() shared.Param {
	return shared.Param{Type: shared.ParamNone}
}

// UpdatedSize is the size the TA reported for slot i.
func (op *Operation) UpdatedSize(i int) int {
	return int(op.Params[i].Size)
}

// Output returns the bytes the TA wrote to slot i.
func (op *Operation) Output(i int) []byte {
	return op.Params[i].Data
}

// Value returns the value pair of slot i.
func (op *Operation) Value(i int) (uint32, uint32) {
	return op.Params[i].A, op.Params[i].B
}

func (op *Operation) String() string {
	return fmt.Sprintf("[%s %s %s %s]", op.Params[0].Type, op.Params[1].Type, op.Params[2].Type, op.Params[3].Type)
}
