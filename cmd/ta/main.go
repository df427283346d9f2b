// Command ta runs the trusted application: the model loading and inference
// service that owns the key and the resident model.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"enc-mnist/enclave"
	"enc-mnist/shared"

	"go.uber.org/zap"
)

func main() {
	config, err := enclave.LoadConfig()
	if err != nil {
		log.Fatalf("[TA] Invalid configuration: %v", err)
	}

	logger, err := shared.NewLoggerFromEnv("ta")
	if err != nil {
		log.Fatalf("[TA] Failed to create logger: %v", err)
	}
	defer logger.Sync()

	if err := run(config, logger); err != nil {
		logger.Critical("TA stopped with error", zap.Error(err))
		logger.Sync()
		os.Exit(1)
	}
}

func run(config *enclave.Config, logger *shared.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	storage, err := openStorage(config, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := storage.Close(); err != nil {
			logger.Error("Failed to close secure storage", zap.Error(err))
		}
	}()

	random, err := enclave.NewRandomSource(config.EnclaveMode)
	if err != nil {
		return err
	}
	defer random.Close()

	state := enclave.NewEnclaveState(storage, random, logger)
	dispatcher := enclave.NewDispatcher(state, enclave.OptionsFromConfig(config), logger)
	server := enclave.NewTAServer(config, dispatcher, logger)

	logger.Info("Starting TA",
		zap.Bool("enclave_mode", config.EnclaveMode),
		zap.String("listen", config.ListenAddr()),
		zap.String("ta_uuid", config.TAUUID.String()),
		zap.String("provisioning", string(config.Provisioning)),
		zap.String("decrypt_strategy", string(config.DecryptStrategy)),
		zap.Bool("encrypt_model", config.EnableEncryptModel),
		zap.Bool("key_export", config.EnableKeyExport))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigChan:
			logger.Info("Shutting down...", zap.String("signal", sig.String()))
			cancel()
		case <-ctx.Done():
		}
	}()

	listener, err := server.Listen(ctx)
	if err != nil {
		return err
	}
	if listener == nil {
		return nil
	}
	if err := server.Serve(ctx, listener); err != nil {
		return err
	}
	logger.Info("Shutdown complete")
	return nil
}

func openStorage(config *enclave.Config, logger *shared.Logger) (enclave.SecureStorage, error) {
	storage, err := enclave.OpenBadgerStorage(enclave.BadgerConfig{
		Dir:        config.StorageDir,
		InMemory:   config.StorageInMemory,
		SealSecret: config.StorageSealSecret,
	}, logger.Named("storage"))
	if err != nil {
		return nil, err
	}
	if config.StorageInMemory {
		logger.Warn("Secure storage is in memory; key and model will not survive a restart")
	}
	return storage, nil
}
