package enclave

import (
	"errors"

	"enc-mnist/inference"
	"enc-mnist/shared"

	"go.uber.org/zap"
)

// DispatcherOptions are the per-deployment switches of the dispatcher.
type DispatcherOptions struct {
	Provisioning       ProvisioningMode
	DecryptStrategy    DecryptStrategy
	EnableEncryptModel bool
	EnableKeyExport    bool
}

// OptionsFromConfig extracts dispatcher options from the service config.
func OptionsFromConfig(c *Config) DispatcherOptions {
	return DispatcherOptions{
		Provisioning:       c.Provisioning,
		DecryptStrategy:    c.DecryptStrategy,
		EnableEncryptModel: c.EnableEncryptModel,
		EnableKeyExport:    c.EnableKeyExport,
	}
}

type handlerFunc func(d *Dispatcher, session string, params *shared.Params) error

// slot lists the parameter types a slot accepts.
type slot []shared.ParamType

var (
	slotNone     = slot{shared.ParamNone}
	slotMemIn    = slot{shared.ParamMemrefInput}
	slotMemOut   = slot{shared.ParamMemrefOutput}
	slotValueOut = slot{shared.ParamValueOutput}
	slotOptValue = slot{shared.ParamNone, shared.ParamValueInput}
)

type commandSpec struct {
	params  [4]slot
	enabled func(o *DispatcherOptions) bool
	handler handlerFunc
}

// commandTable must have an entry for every shared.Command.
var commandTable = map[shared.Command]commandSpec{
	shared.CmdInfer: {
		params:  [4]slot{slotMemIn, slotMemOut, slotNone, slotNone},
		handler: (*Dispatcher).infer,
	},
	shared.CmdEncryptModel: {
		params:  [4]slot{slotMemIn, slotMemOut, slotNone, slotNone},
		enabled: func(o *DispatcherOptions) bool { return o.EnableEncryptModel },
		handler: (*Dispatcher).encryptModel,
	},
	shared.CmdStoreKey: {
		params:  [4]slot{slotMemIn, slotNone, slotNone, slotNone},
		handler: (*Dispatcher).storeKey,
	},
	shared.CmdBeginModelLoad: {
		params:  [4]slot{slotOptValue, slotNone, slotNone, slotNone},
		handler: (*Dispatcher).beginModelLoad,
	},
	shared.CmdPushEncryptedChunk: {
		params:  [4]slot{slotMemIn, slotNone, slotNone, slotNone},
		handler: (*Dispatcher).pushEncryptedChunk,
	},
	shared.CmdFinalizeModelLoad: {
		params:  [4]slot{slotOptValue, slotNone, slotNone, slotNone},
		handler: (*Dispatcher).finalizeModelLoad,
	},
	shared.CmdExportKey: {
		params:  [4]slot{slotMemOut, slotNone, slotNone, slotNone},
		enabled: func(o *DispatcherOptions) bool { return o.EnableKeyExport },
		handler: (*Dispatcher).exportKey,
	},
	shared.CmdKeyStatus: {
		params:  [4]slot{slotValueOut, slotNone, slotNone, slotNone},
		handler: (*Dispatcher).keyStatus,
	},
}

// Dispatcher routes numbered commands onto the enclave state.
type Dispatcher struct {
	state  *EnclaveState
	opts   DispatcherOptions
	logger *shared.Logger
}

// NewDispatcher returns a dispatcher over state.
func NewDispatcher(state *EnclaveState, opts DispatcherOptions, logger *shared.Logger) *Dispatcher {
	if logger == nil {
		logger = shared.NewNopLogger()
	}
	if opts.Provisioning == "" {
		opts.Provisioning = ProvisionEncrypted
	}
	if opts.DecryptStrategy == "" {
		opts.DecryptStrategy = DecryptBuffered
	}
	return &Dispatcher{state: state, opts: opts, logger: logger}
}

// State returns the shared enclave state.
func (d *Dispatcher) State() *EnclaveState {
	return d.state
}

// Invoke runs one command for session. params is updated in place with the
// command's outputs.
func (d *Dispatcher) Invoke(session string, id uint32, params *shared.Params) error {
	cmd, err := shared.ParseCommand(id)
	if err != nil {
		d.logger.WithSession(session).Warn("Unknown command", zap.Uint32("cmd_id", id))
		return err
	}
	spec, ok := commandTable[cmd]
	if !ok {
		return shared.NewError(shared.ErrBadParameters, cmd.String(), "no handler")
	}
	if spec.enabled != nil && !spec.enabled(&d.opts) {
		return shared.NewError(shared.ErrNotSupported, cmd.String(), "command disabled in this deployment")
	}
	if err := checkParams(cmd, spec.params, params); err != nil {
		return err
	}

	logger := d.logger.WithCommand(session, cmd)
	logger.Debug("Invoking command")
	if err := spec.handler(d, session, params); err != nil {
		logger.Warn("Command failed", zap.Stringer("result", shared.KindOf(err)), zap.Error(err))
		return err
	}
	return nil
}

func checkParams(cmd shared.Command, want [4]slot, params *shared.Params) error {
	for i, allowed := range want {
		got := params[i].Type
		ok := false
		for _, t := range allowed {
			if got == t {
				ok = true
				break
			}
		}
		if !ok {
			return shared.NewError(shared.ErrBadParameters, cmd.String(), "param %d has type %s", i, got)
		}
	}
	return nil
}

// writeOutput fills a memref output or reports the capacity it needs.
func writeOutput(op string, p *shared.Param, data []byte) error {
	if uint64(p.Size) < uint64(len(data)) {
		capacity := p.Size
		p.Size = uint32(len(data))
		p.Data = nil
		return shared.NewError(shared.ErrShortBuffer, op, "output needs %d bytes, buffer has %d", len(data), capacity)
	}
	p.Data = data
	p.Size = uint32(len(data))
	return nil
}

func (d *Dispatcher) infer(session string, params *shared.Params) error {
	images, err := inference.ImagesFromBytes(params[0].Data)
	if err != nil {
		return shared.WrapError(shared.ErrBadParameters, "infer", err)
	}
	model, err := d.state.Model()
	if err != nil {
		return err
	}
	result := model.Forward(images)
	return writeOutput("infer", &params[1], result)
}

func (d *Dispatcher) encryptModel(session string, params *shared.Params) error {
	ct, err := d.state.Encrypt(params[0].Data)
	if err != nil {
		return err
	}
	return writeOutput("encrypt model", &params[1], ct)
}

func (d *Dispatcher) storeKey(session string, params *shared.Params) error {
	key := params[0].Data
	if len(key) != shared.AESKeySize {
		return shared.NewError(shared.ErrBadParameters, "store key", "key must be %d bytes, got %d", shared.AESKeySize, len(key))
	}
	if err := d.state.InstallKey(key); err != nil {
		return err
	}
	d.logger.Security("Key provisioned into secure storage", zap.String("session_id", session))
	return nil
}

// newAccumulator builds the accumulator for a load in the given format.
func (d *Dispatcher) newAccumulator(format shared.LoadFormat) (accumulator, error) {
	if d.opts.Provisioning == ProvisionPlaintext {
		if format != shared.LoadFormatStream {
			return nil, shared.NewError(shared.ErrBadParameters, "begin model load", "format %s needs encrypted provisioning", format)
		}
		return &plainAccumulator{}, nil
	}

	block, err := d.state.keySnapshot()
	if err != nil {
		return nil, err
	}
	switch format {
	case shared.LoadFormatStream:
		if d.opts.DecryptStrategy == DecryptStreaming {
			return &streamingAccumulator{dec: shared.NewBlockDecrypter(block)}, nil
		}
		return &bufferedAccumulator{block: block, window: shared.ChunkSize}, nil
	case shared.LoadFormatSealedChunks:
		return &sealedChunksAccumulator{block: block, window: shared.ChunkSize}, nil
	default:
		return nil, shared.NewError(shared.ErrBadParameters, "begin model load", "unknown load format %d", uint32(format))
	}
}

func (d *Dispatcher) beginModelLoad(session string, params *shared.Params) error {
	format := shared.LoadFormatStream
	if params[0].Type == shared.ParamValueInput {
		format = shared.LoadFormat(params[0].A)
	}
	acc, err := d.newAccumulator(format)
	if err != nil {
		return err
	}
	if err := d.state.Loader().Begin(session, acc); err != nil {
		return err
	}
	d.logger.WithSession(session).Info("Model load started",
		zap.Stringer("format", format),
		zap.String("provisioning", string(d.opts.Provisioning)))
	return nil
}

func (d *Dispatcher) pushEncryptedChunk(session string, params *shared.Params) error {
	return d.state.Loader().Push(session, params[0].Data)
}

func (d *Dispatcher) finalizeModelLoad(session string, params *shared.Params) error {
	acc, err := d.state.Loader().Take(session)
	if err != nil {
		return err
	}
	received := acc.Received()

	record, err := acc.Finish()
	if err != nil {
		return toBadParameters("finalize model load", err)
	}
	if params[0].Type == shared.ParamValueInput && uint64(len(record)) != uint64(params[0].A) {
		return shared.NewError(shared.ErrBadParameters, "finalize model load", "model is %d bytes, expected %d", len(record), params[0].A)
	}
	model, err := inference.Import(record)
	if err != nil {
		return shared.WrapError(shared.ErrBadParameters, "finalize model load", err)
	}
	if err := StoreModelBytes(d.state.storage, record); err != nil {
		return err
	}
	d.state.InstallModel(model)

	d.logger.WithSession(session).Info("Model installed",
		zap.String("received", shared.FormatBytes(received)),
		zap.String("model_size", shared.FormatBytes(len(record))),
		zap.Int("hidden", model.Hidden),
		zap.Int("classes", model.Classes))
	return nil
}

func (d *Dispatcher) exportKey(session string, params *shared.Params) error {
	key, err := d.state.ExportStoredKey()
	if err != nil {
		return err
	}
	if err := writeOutput("export key", &params[0], key); err != nil {
		return err
	}
	d.logger.Security("TA key exported to host", zap.String("session_id", session))
	return nil
}

func (d *Dispatcher) keyStatus(session string, params *shared.Params) error {
	provenance, stored := d.state.KeyStatus()
	params[0].A = uint32(provenance)
	params[0].B = 0
	if stored {
		params[0].B = 1
	}
	return nil
}

// toBadParameters keeps BadParameters failures as they are and folds
// anything else into BadParameters.
func toBadParameters(op string, err error) error {
	var teeErr *shared.Error
	if errors.As(err, &teeErr) && teeErr.Kind == shared.ErrBadParameters {
		return err
	}
	return shared.WrapError(shared.ErrBadParameters, op, err)
}
