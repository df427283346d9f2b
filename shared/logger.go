package shared

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LoggerConfig selects the output profile of a service logger.
type LoggerConfig struct {
	ServiceName string // "ta" or "host"
	EnclaveMode bool
	Development bool
	// Level overrides the profile's default level outside the enclave.
	Level string
}

// Logger is a zap logger tagged with the service it belongs to.
type Logger struct {
	*zap.Logger
	service string
	quiet   bool
}

func buildZap(cfg LoggerConfig) (*zap.Logger, error) {
	var zc zap.Config
	switch {
	case cfg.EnclaveMode:
		// Nothing below error leaves the enclave: key and model metadata
		// would otherwise reach the parent's console.
		zc = zap.NewProductionConfig()
		zc.Level = zap.NewAtomicLevelAt(zapcore.ErrorLevel)
		zc.DisableCaller = true
		zc.DisableStacktrace = true
		return zc.Build()
	case cfg.Development:
		zc = zap.NewDevelopmentConfig()
		zc.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	default:
		zc = zap.NewProductionConfig()
		zc.EncoderConfig.TimeKey = "ts"
		zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}
	if cfg.Level != "" {
		lvl, err := zapcore.ParseLevel(cfg.Level)
		if err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
		}
		zc.Level = zap.NewAtomicLevelAt(lvl)
	}
	return zc.Build()
}

// NewLogger builds a service logger. Every entry carries the service name
// and whether it came from inside the enclave.
func NewLogger(cfg LoggerConfig) (*Logger, error) {
	zl, err := buildZap(cfg)
	if err != nil {
		return nil, err
	}
	zl = zl.With(
		zap.String("service", cfg.ServiceName),
		zap.Bool("enclave_mode", cfg.EnclaveMode),
	)
	return &Logger{Logger: zl, service: cfg.ServiceName, quiet: cfg.EnclaveMode}, nil
}

// NewLoggerFromEnv reads ENCLAVE_MODE, DEVELOPMENT and LOG_LEVEL.
func NewLoggerFromEnv(serviceName string) (*Logger, error) {
	return NewLogger(LoggerConfig{
		ServiceName: serviceName,
		EnclaveMode: GetEnvBoolOrDefault("ENCLAVE_MODE", false),
		Development: GetEnvBoolOrDefault("DEVELOPMENT", false),
		Level:       GetEnvOrDefault("LOG_LEVEL", ""),
	})
}

// WrapLogger adapts an existing zap logger, mostly for tests.
func WrapLogger(l *zap.Logger, serviceName string) *Logger {
	if l == nil {
		l = zap.NewNop()
	}
	return &Logger{Logger: l, service: serviceName}
}

// NewNopLogger returns a logger that discards everything.
func NewNopLogger() *Logger {
	return WrapLogger(zap.NewNop(), "nop")
}

// Service is the name the logger was created for.
func (l *Logger) Service() string { return l.service }

func (l *Logger) WithSession(sessionID string) *zap.Logger {
	if sessionID == "" {
		return l.Logger
	}
	return l.Logger.With(zap.String("session_id", sessionID))
}

// WithCommand scopes a logger to a session and a TA command.
func (l *Logger) WithCommand(sessionID string, cmd Command) *zap.Logger {
	return l.WithSession(sessionID).With(zap.Stringer("command", cmd))
}

func (l *Logger) WithConnection(remoteAddr string) *zap.Logger {
	if remoteAddr == "" {
		return l.Logger
	}
	return l.Logger.With(zap.String("remote_addr", remoteAddr))
}

// Critical logs at error level, which survives the enclave filter.
func (l *Logger) Critical(msg string, fields ...zap.Field) {
	l.Logger.Error(msg, append(fields, zap.Bool("critical", true))...)
}

// Security flags key handling events such as import and export.
func (l *Logger) Security(msg string, fields ...zap.Field) {
	l.Logger.Warn(msg, append(fields, zap.Bool("security_event", true))...)
}

// DebugIf and InfoIf are dropped entirely inside the enclave, so callers
// may pass sizes and timings that must not reach the parent.
func (l *Logger) DebugIf(msg string, fields ...zap.Field) {
	if !l.quiet {
		l.Logger.Debug(msg, fields...)
	}
}

func (l *Logger) InfoIf(msg string, fields ...zap.Field) {
	if !l.quiet {
		l.Logger.Info(msg, fields...)
	}
}

func (l *Logger) Sync() error {
	return l.Logger.Sync()
}
