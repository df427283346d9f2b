package shared

import (
	"errors"
	"fmt"
)

// ErrorKind is a TEE result code. The numeric values follow the GlobalPlatform
// TEE client API so that codes reported across the session boundary keep
// their meaning on both sides.
type ErrorKind uint32

const (
	ErrGeneric       ErrorKind = 0xFFFF0000
	ErrAccessDenied  ErrorKind = 0xFFFF0001
	ErrBadFormat     ErrorKind = 0xFFFF0005
	ErrBadParameters ErrorKind = 0xFFFF0006
	ErrBadState      ErrorKind = 0xFFFF0007
	ErrItemNotFound  ErrorKind = 0xFFFF0008
	ErrNotSupported  ErrorKind = 0xFFFF000A
	ErrOutOfMemory   ErrorKind = 0xFFFF000C
	ErrBusy          ErrorKind = 0xFFFF000D
	ErrCommunication ErrorKind = 0xFFFF000E
	ErrShortBuffer   ErrorKind = 0xFFFF0010
	ErrCorruptObject ErrorKind = 0xF0100001
)

// ResultSuccess is the wire code of a successful command.
const ResultSuccess uint32 = 0

var kindNames = map[ErrorKind]string{
	ErrGeneric:       "Generic",
	ErrAccessDenied:  "AccessDenied",
	ErrBadFormat:     "BadFormat",
	ErrBadParameters: "BadParameters",
	ErrBadState:      "BadState",
	ErrItemNotFound:  "ItemNotFound",
	ErrNotSupported:  "NotSupported",
	ErrOutOfMemory:   "OutOfMemory",
	ErrBusy:          "Busy",
	ErrCommunication: "Communication",
	ErrShortBuffer:   "ShortBuffer",
	ErrCorruptObject: "CorruptObject",
}

func (k ErrorKind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("TEE_Result(0x%08x)", uint32(k))
}

// Error implements the error interface so a bare kind can be returned and
// matched with errors.Is.
func (k ErrorKind) Error() string {
	return k.String()
}

// ErrorOrigin tells the host which layer produced a failure.
type ErrorOrigin uint32

const (
	OriginAPI ErrorOrigin = iota + 1
	OriginComms
	OriginTEE
	OriginTrustedApp
)

// Error is a TEE failure with the operation that produced it.
type Error struct {
	Kind    ErrorKind
	Op      string
	Message string
	Err     error
}

// NewError builds an Error with a formatted message.
func NewError(kind ErrorKind, op, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Op: op, Message: fmt.Sprintf(format, args...)}
}

// WrapError attaches a kind and operation to an underlying cause.
func WrapError(kind ErrorKind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches on the kind so errors.Is(err, ErrItemNotFound) works through
// any amount of %w wrapping.
func (e *Error) Is(target error) bool {
	k, ok := target.(ErrorKind)
	return ok && k == e.Kind
}

// KindOf extracts the result code carried by err. Errors that carry no kind
// are reported as ErrGeneric.
func KindOf(err error) ErrorKind {
	if err == nil {
		return 0
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	var k ErrorKind
	if errors.As(err, &k) {
		return k
	}
	return ErrGeneric
}
