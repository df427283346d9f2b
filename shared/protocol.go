package shared

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
)

// Command is a TA command id. The set is closed; ParseCommand rejects
// anything not listed here.
type Command uint32

const (
	CmdInfer              Command = 0
	CmdEncryptModel       Command = 1
	CmdStoreKey           Command = 3
	CmdBeginModelLoad     Command = 4
	CmdPushEncryptedChunk Command = 5
	CmdFinalizeModelLoad  Command = 6
	CmdExportKey          Command = 7
	CmdKeyStatus          Command = 8
)

var commandNames = map[Command]string{
	CmdInfer:              "infer",
	CmdEncryptModel:       "encrypt_model",
	CmdStoreKey:           "store_key",
	CmdBeginModelLoad:     "begin_model_load",
	CmdPushEncryptedChunk: "push_encrypted_chunk",
	CmdFinalizeModelLoad:  "finalize_model_load",
	CmdExportKey:          "export_key",
	CmdKeyStatus:          "key_status",
}

func (c Command) String() string {
	if name, ok := commandNames[c]; ok {
		return name
	}
	return fmt.Sprintf("command(%d)", uint32(c))
}

// Commands lists every known command in id order.
func Commands() []Command {
	return []Command{
		CmdInfer,
		CmdEncryptModel,
		CmdStoreKey,
		CmdBeginModelLoad,
		CmdPushEncryptedChunk,
		CmdFinalizeModelLoad,
		CmdExportKey,
		CmdKeyStatus,
	}
}

// ParseCommand maps a raw id onto the closed command set.
func ParseCommand(id uint32) (Command, error) {
	c := Command(id)
	if _, ok := commandNames[c]; !ok {
		return 0, NewError(ErrBadParameters, "parse command", "unknown command id %d", id)
	}
	return c, nil
}

// ParamType mirrors the TEE client API parameter types.
type ParamType uint8

const (
	ParamNone ParamType = iota
	ParamValueInput
	ParamValueOutput
	ParamValueInout
	ParamMemrefInput
	ParamMemrefOutput
	ParamMemrefInout
)

func (t ParamType) String() string {
	switch t {
	case ParamNone:
		return "none"
	case ParamValueInput:
		return "value_input"
	case ParamValueOutput:
		return "value_output"
	case ParamValueInout:
		return "value_inout"
	case ParamMemrefInput:
		return "memref_input"
	case ParamMemrefOutput:
		return "memref_output"
	case ParamMemrefInout:
		return "memref_inout"
	default:
		return fmt.Sprintf("param_type(%d)", uint8(t))
	}
}

// Param is one of the four fixed slots of an invocation.
//
// For memref outputs the host sends Size as the buffer capacity. The TA
// answers with the written bytes in Data and the updated size in Size, or
// with only Size set to the required capacity when it fails with
// ShortBuffer.
type Param struct {
	Type ParamType `cbor:"1,keyasint"`
	A    uint32    `cbor:"2,keyasint,omitempty"`
	B    uint32    `cbor:"3,keyasint,omitempty"`
	Data []byte    `cbor:"4,keyasint,omitempty"`
	Size uint32    `cbor:"5,keyasint,omitempty"`
}

// Params holds the four parameter slots.
type Params [4]Param

// Types returns the slot types in order.
func (p *Params) Types() [4]ParamType {
	return [4]ParamType{p[0].Type, p[1].Type, p[2].Type, p[3].Type}
}

// FrameKind tags a host to TA request.
type FrameKind uint8

const (
	FrameOpenSession FrameKind = iota + 1
	FrameInvoke
	FrameCloseSession
)

func (k FrameKind) String() string {
	switch k {
	case FrameOpenSession:
		return "open_session"
	case FrameInvoke:
		return "invoke"
	case FrameCloseSession:
		return "close_session"
	default:
		return fmt.Sprintf("frame(%d)", uint8(k))
	}
}

// Request is sent by the host.
type Request struct {
	Kind    FrameKind `cbor:"1,keyasint"`
	TAUUID  string    `cbor:"2,keyasint,omitempty"`
	Session string    `cbor:"3,keyasint,omitempty"`
	Command uint32    `cbor:"4,keyasint,omitempty"`
	Params  Params    `cbor:"5,keyasint"`
}

// Reply answers exactly one Request.
type Reply struct {
	Session string      `cbor:"1,keyasint,omitempty"`
	Code    uint32      `cbor:"2,keyasint"`
	Origin  ErrorOrigin `cbor:"3,keyasint,omitempty"`
	Params  Params      `cbor:"4,keyasint"`
	Message string      `cbor:"5,keyasint,omitempty"`
}

// Err converts a failed reply back into a typed error.
func (r *Reply) Err(op string) error {
	if r.Code == ResultSuccess {
		return nil
	}
	return &Error{Kind: ErrorKind(r.Code), Op: op, Message: r.Message}
}

var (
	frameEncMode cbor.EncMode
	frameDecMode cbor.DecMode
)

func init() {
	var err error
	frameEncMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	frameDecMode, err = cbor.DecOptions{
		DupMapKey:        cbor.DupMapKeyEnforcedAPF,
		MaxArrayElements: 16,
	}.DecMode()
	if err != nil {
		panic(err)
	}
}

// WriteFrame writes v as a big-endian length prefixed CBOR frame.
func WriteFrame(w io.Writer, v interface{}) error {
	return WriteFrameLimit(w, v, 0)
}

// WriteFrameLimit writes one frame, refusing with OutOfMemory before
// anything is written when it would exceed maxSize. Zero means MaxFrameSize.
func WriteFrameLimit(w io.Writer, v interface{}, maxSize uint32) error {
	if maxSize == 0 {
		maxSize = MaxFrameSize
	}
	payload, err := frameEncMode.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode frame: %w", err)
	}
	if uint64(len(payload)) > uint64(maxSize) {
		return NewError(ErrOutOfMemory, "write frame", "frame of %d bytes exceeds limit %d", len(payload), maxSize)
	}

	buf := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(buf[:4], uint32(len(payload)))
	copy(buf[4:], payload)
	if _, err := w.Write(buf); err != nil {
		return WrapError(ErrCommunication, "write frame", err)
	}
	return nil
}

// ReadFrame reads one frame into v. maxSize of zero means MaxFrameSize.
func ReadFrame(r io.Reader, v interface{}, maxSize uint32) error {
	if maxSize == 0 {
		maxSize = MaxFrameSize
	}

	var lenBytes [4]byte
	if _, err := io.ReadFull(r, lenBytes[:]); err != nil {
		if err == io.EOF {
			return io.EOF
		}
		return WrapError(ErrCommunication, "read frame", err)
	}
	length := binary.BigEndian.Uint32(lenBytes[:])
	if length == 0 {
		return NewError(ErrCommunication, "read frame", "empty frame")
	}
	if length > maxSize {
		return NewError(ErrCommunication, "read frame", "frame of %d bytes exceeds limit %d", length, maxSize)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return WrapError(ErrCommunication, "read frame", err)
	}
	if err := frameDecMode.Unmarshal(payload, v); err != nil {
		return WrapError(ErrCommunication, "decode frame", err)
	}
	return nil
}

// LoadFormat selects how pushed bytes are interpreted. It travels in the
// optional value parameter of begin_model_load.
type LoadFormat uint32

const (
	// LoadFormatStream treats all pushes as one sealed blob split at
	// arbitrary offsets.
	LoadFormatStream LoadFormat = iota
	// LoadFormatSealedChunks treats each push as an independent sealed blob
	// of one plaintext slice.
	LoadFormatSealedChunks
)

func (f LoadFormat) String() string {
	switch f {
	case LoadFormatStream:
		return "stream"
	case LoadFormatSealedChunks:
		return "sealed_chunks"
	default:
		return fmt.Sprintf("load_format(%d)", uint32(f))
	}
}

// KeyProvenance records where the active key came from.
type KeyProvenance uint32

const (
	KeyNone KeyProvenance = iota
	KeyGenerated
	KeyImported
	KeyRestored
)

func (p KeyProvenance) String() string {
	switch p {
	case KeyNone:
		return "none"
	case KeyGenerated:
		return "generated"
	case KeyImported:
		return "imported"
	case KeyRestored:
		return "restored"
	default:
		return fmt.Sprintf("provenance(%d)", uint32(p))
	}
}
