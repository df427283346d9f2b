// Command host drives the TA from the untrusted side: inference on local
// image files, model encryption and provisioning, and key management.
package main

import (
	"context"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"enc-mnist/host"
	"enc-mnist/inference"
	"enc-mnist/shared"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

const usage = `usage: host <command> [flags]

commands:
  infer          classify raw 28x28 images (--binary, repeatable)
  encrypt-model  write an encrypted model file (--input, --output, --key or --tee)
  provision      push a plaintext model record (plaintext provisioning builds)
  load-model     load an encrypted model file into the TA (--file)
  store-key      install a key (--key, or --kms-provider/--kms-key-id/--kms-blob)
  export-key     print the TA key as hex (when enabled in the TA)
  key-status     print where the TA key came from
  verify-model   check a model record (--input) or an encrypted file (--file, --key)
`

type commandFunc func(ctx context.Context, env *cliEnv, args []string) error

var commands = map[string]commandFunc{
	"infer":         runInfer,
	"encrypt-model": runEncryptModel,
	"provision":     runProvision,
	"load-model":    runLoadModel,
	"store-key":     runStoreKey,
	"export-key":    runExportKey,
	"key-status":    runKeyStatus,
	"verify-model":  runVerifyModel,
}

// stringList collects a repeatable flag.
type stringList []string

func (s *stringList) String() string     { return strings.Join(*s, ",") }
func (s *stringList) Set(v string) error { *s = append(*s, v); return nil }

// cliEnv carries the connection settings shared by every subcommand.
type cliEnv struct {
	enclave  bool
	cid      uint32
	port     uint32
	addr     string
	taUUID   uuid.UUID
	timeout  time.Duration
	maxFrame uint32
	logger   *shared.Logger
}

func (e *cliEnv) register(fs *flag.FlagSet) {
	fs.BoolVar(&e.enclave, "enclave", shared.GetEnvBoolOrDefault("ENCLAVE_MODE", false), "connect over vsock instead of TCP")
	fs.Func("cid", "enclave CID for vsock", func(v string) error { return parseUint32(v, &e.cid) })
	fs.Func("port", "vsock port", func(v string) error { return parseUint32(v, &e.port) })
	fs.StringVar(&e.addr, "addr", e.addr, "TA TCP address")
	fs.Func("ta-uuid", "TA UUID", func(v string) error {
		id, err := uuid.Parse(v)
		if err != nil {
			return err
		}
		e.taUUID = id
		return nil
	})
	fs.DurationVar(&e.timeout, "timeout", e.timeout, "overall deadline for the command")
	fs.Func("max-frame", "frame size limit, matching the TA's ENCLAVE_MAX_FRAME_SIZE", func(v string) error { return parseUint32(v, &e.maxFrame) })
}

func parseUint32(v string, out *uint32) error {
	var n uint32
	if _, err := fmt.Sscanf(v, "%d", &n); err != nil {
		return fmt.Errorf("invalid number %q", v)
	}
	*out = n
	return nil
}

func (e *cliEnv) dialer() host.Dialer {
	if e.enclave {
		return host.VsockDialer(e.cid, e.port)
	}
	return host.TCPDialer(e.addr)
}

func (e *cliEnv) connect(ctx context.Context) (*host.Context, error) {
	tc, err := host.NewContext(ctx, e.dialer(), shared.DefaultRetryConfig(), e.logger)
	if err != nil {
		return nil, err
	}
	tc.SetMaxFrameSize(e.maxFrame)
	return tc, nil
}

func main() {
	if err := godotenv.Load(); err != nil {
		log.Printf("Warning: Error loading .env file: %v", err)
	}

	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	name := os.Args[1]
	run, ok := commands[name]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", name, usage)
		os.Exit(2)
	}

	logger, err := shared.NewLoggerFromEnv("host")
	if err != nil {
		log.Fatalf("[Host] Failed to create logger: %v", err)
	}
	defer logger.Sync()

	env := &cliEnv{
		cid:      shared.GetEnvUint32OrDefault("ENCLAVE_CID", shared.DefaultEnclaveCID),
		port:     shared.GetEnvUint32OrDefault("ENCLAVE_VSOCK_PORT", shared.DefaultVsockPort),
		addr:     shared.GetEnvOrDefault("ENCLAVE_TCP_ADDR", shared.DefaultTCPAddr),
		taUUID:   shared.DefaultTAUUID,
		timeout:  10 * time.Minute,
		maxFrame: shared.GetEnvUint32OrDefault("ENCLAVE_MAX_FRAME_SIZE", shared.MaxFrameSize),
		logger:   logger,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, env, os.Args[2:]); err != nil {
		logger.Sync()
		fmt.Fprintf(os.Stderr, "%s: %v\n", name, err)
		os.Exit(1)
	}
}

// parse registers the shared flags, parses args and applies the deadline.
func (e *cliEnv) parse(ctx context.Context, fs *flag.FlagSet, args []string) (context.Context, context.CancelFunc, error) {
	e.register(fs)
	if err := fs.Parse(args); err != nil {
		return nil, nil, err
	}
	if fs.NArg() > 0 {
		return nil, nil, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}
	if e.timeout <= 0 {
		ctx, cancel := context.WithCancel(ctx)
		return ctx, cancel, nil
	}
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	return ctx, cancel, nil
}

func withInference(ctx context.Context, env *cliEnv, fn func(*host.InferenceConnector) error) error {
	tc, err := env.connect(ctx)
	if err != nil {
		return err
	}
	defer tc.Close()
	c, err := host.NewInferenceConnector(ctx, tc, env.taUUID)
	if err != nil {
		return err
	}
	defer c.Close(ctx)
	return fn(c)
}

func withKeys(ctx context.Context, env *cliEnv, fn func(*host.KeyProvisionConnector) error) error {
	tc, err := env.connect(ctx)
	if err != nil {
		return err
	}
	defer tc.Close()
	c, err := host.NewKeyProvisionConnector(ctx, tc, env.taUUID)
	if err != nil {
		return err
	}
	defer c.Close(ctx)
	return fn(c)
}

func runInfer(ctx context.Context, env *cliEnv, args []string) error {
	fs := flag.NewFlagSet("infer", flag.ContinueOnError)
	var files stringList
	fs.Var(&files, "binary", "file of raw 28x28 grayscale images (repeatable)")
	ctx, cancel, err := env.parse(ctx, fs, args)
	if err != nil {
		return err
	}
	defer cancel()
	if len(files) == 0 {
		return errors.New("at least one --binary is required")
	}

	return withInference(ctx, env, func(c *host.InferenceConnector) error {
		for _, path := range files {
			raw, err := os.ReadFile(path)
			if err != nil {
				return err
			}
			images, err := inference.ImagesFromBytes(raw)
			if err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}
			classes, err := c.InferBatch(ctx, images)
			if err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}
			for i, class := range classes {
				fmt.Printf("%s[%d]: %d\n", path, i, class)
			}
		}
		return nil
	})
}

func runEncryptModel(ctx context.Context, env *cliEnv, args []string) error {
	fs := flag.NewFlagSet("encrypt-model", flag.ContinueOnError)
	input := fs.String("input", "", "plaintext model record")
	output := fs.String("output", "", "encrypted model file to write")
	keyHex := fs.String("key", "", "64 hex character AES-256 key")
	useTEE := fs.Bool("tee", false, "encrypt inside the TA with its own key")
	threshold := fs.Int("threshold", host.DefaultChunkThreshold, "write the chunked form above this many bytes; negative disables chunking")
	chunkSize := fs.Int("chunk-size", shared.ChunkSize, "plaintext bytes per chunk")
	ctx, cancel, err := env.parse(ctx, fs, args)
	if err != nil {
		return err
	}
	defer cancel()
	if *input == "" || *output == "" {
		return errors.New("--input and --output are required")
	}
	if (*keyHex == "") == !*useTEE {
		return errors.New("exactly one of --key and --tee is required")
	}

	record, err := os.ReadFile(*input)
	if err != nil {
		return err
	}

	var file *host.ModelFile
	if *useTEE {
		tc, err := env.connect(ctx)
		if err != nil {
			return err
		}
		defer tc.Close()
		enc, err := host.NewModelEncryptorConnector(ctx, tc, env.taUUID)
		if err != nil {
			return err
		}
		defer enc.Close(ctx)
		file, err = host.EncryptModelRecord(ctx, enc, record, *threshold, *chunkSize)
		if err != nil {
			return fmt.Errorf("%s: %w", *input, err)
		}
	} else {
		key, err := shared.ParseHexKey(*keyHex)
		if err != nil {
			return err
		}
		enc, err := host.NewHostEncryptor(key[:], nil)
		if err != nil {
			return err
		}
		file, err = host.EncryptModelRecord(ctx, enc, record, *threshold, *chunkSize)
		if err != nil {
			return fmt.Errorf("%s: %w", *input, err)
		}
	}

	if err := host.WriteModelFile(*output, file); err != nil {
		return err
	}
	env.logger.Info("Encrypted model written",
		zap.String("output", *output),
		zap.String("size", shared.FormatBytes(len(record))),
		zap.Bool("chunked", file.Chunked != nil))
	return nil
}

func runProvision(ctx context.Context, env *cliEnv, args []string) error {
	fs := flag.NewFlagSet("provision", flag.ContinueOnError)
	model := fs.String("model", "", "plaintext model record")
	ctx, cancel, err := env.parse(ctx, fs, args)
	if err != nil {
		return err
	}
	defer cancel()
	if *model == "" {
		return errors.New("--model is required")
	}
	record, err := os.ReadFile(*model)
	if err != nil {
		return err
	}
	return withInference(ctx, env, func(c *host.InferenceConnector) error {
		if err := host.ProvisionPlaintext(ctx, c, record); err != nil {
			return err
		}
		fmt.Printf("provisioned %s\n", shared.FormatBytes(len(record)))
		return nil
	})
}

func runLoadModel(ctx context.Context, env *cliEnv, args []string) error {
	fs := flag.NewFlagSet("load-model", flag.ContinueOnError)
	path := fs.String("file", "", "encrypted model file")
	ctx, cancel, err := env.parse(ctx, fs, args)
	if err != nil {
		return err
	}
	defer cancel()
	if *path == "" {
		return errors.New("--file is required")
	}
	file, err := host.ReadModelFile(*path)
	if err != nil {
		return err
	}
	return withInference(ctx, env, func(c *host.InferenceConnector) error {
		if err := host.LoadModelFile(ctx, c, file); err != nil {
			return err
		}
		fmt.Printf("loaded %s\n", *path)
		return nil
	})
}

func runStoreKey(ctx context.Context, env *cliEnv, args []string) error {
	fs := flag.NewFlagSet("store-key", flag.ContinueOnError)
	keyHex := fs.String("key", "", "64 hex character AES-256 key")
	provider := fs.String("kms-provider", shared.GetEnvOrDefault("KMS_PROVIDER", host.KMSProviderAWS), "aws or gcp")
	keyID := fs.String("kms-key-id", shared.GetEnvOrDefault("KMS_KEY_ID", ""), "KMS key id, ARN or resource name")
	blobPath := fs.String("kms-blob", shared.GetEnvOrDefault("KMS_BLOB", ""), "escrow blob; created when missing")
	region := fs.String("kms-region", shared.GetEnvOrDefault("AWS_REGION", ""), "AWS region")
	ctx, cancel, err := env.parse(ctx, fs, args)
	if err != nil {
		return err
	}
	defer cancel()

	var key [shared.AESKeySize]byte
	switch {
	case *keyHex != "" && *keyID != "":
		return errors.New("--key and --kms-key-id are mutually exclusive")
	case *keyHex != "":
		key, err = shared.ParseHexKey(*keyHex)
	case *keyID != "":
		if *blobPath == "" {
			return errors.New("--kms-blob is required with --kms-key-id")
		}
		key, err = escrowedKey(ctx, env, *provider, *keyID, *region, *blobPath)
	default:
		return errors.New("one of --key or --kms-key-id is required")
	}
	if err != nil {
		return err
	}

	return withKeys(ctx, env, func(c *host.KeyProvisionConnector) error {
		if err := c.StoreKey(ctx, key); err != nil {
			return err
		}
		fmt.Println("key stored")
		return nil
	})
}

func escrowedKey(ctx context.Context, env *cliEnv, provider, keyID, region, blobPath string) ([shared.AESKeySize]byte, error) {
	wrapper, err := host.NewKeyWrapperFromEnv(ctx, provider, keyID, region)
	if err != nil {
		return [shared.AESKeySize]byte{}, err
	}
	return host.NewKeyEscrow(wrapper, env.logger).ResolveKey(ctx, blobPath)
}

func runExportKey(ctx context.Context, env *cliEnv, args []string) error {
	fs := flag.NewFlagSet("export-key", flag.ContinueOnError)
	ctx, cancel, err := env.parse(ctx, fs, args)
	if err != nil {
		return err
	}
	defer cancel()
	return withKeys(ctx, env, func(c *host.KeyProvisionConnector) error {
		key, err := c.ExportKey(ctx)
		if err != nil {
			return err
		}
		fmt.Println(hex.EncodeToString(key[:]))
		return nil
	})
}

func runKeyStatus(ctx context.Context, env *cliEnv, args []string) error {
	fs := flag.NewFlagSet("key-status", flag.ContinueOnError)
	ctx, cancel, err := env.parse(ctx, fs, args)
	if err != nil {
		return err
	}
	defer cancel()
	return withKeys(ctx, env, func(c *host.KeyProvisionConnector) error {
		status, err := c.KeyStatus(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("provenance: %s\nstored: %t\n", status.Provenance, status.Stored)
		return nil
	})
}

func runVerifyModel(ctx context.Context, env *cliEnv, args []string) error {
	fs := flag.NewFlagSet("verify-model", flag.ContinueOnError)
	input := fs.String("input", "", "plaintext model record")
	path := fs.String("file", "", "encrypted model file")
	keyHex := fs.String("key", "", "key for --file")
	_, cancel, err := env.parse(ctx, fs, args)
	if err != nil {
		return err
	}
	defer cancel()

	var summary *host.ModelSummary
	switch {
	case *input != "" && *path == "":
		record, err := os.ReadFile(*input)
		if err != nil {
			return err
		}
		summary, err = host.VerifyModelRecord(record)
		if err != nil {
			return err
		}
	case *path != "" && *input == "":
		if *keyHex == "" {
			return errors.New("--key is required with --file")
		}
		key, err := shared.ParseHexKey(*keyHex)
		if err != nil {
			return err
		}
		file, err := host.ReadModelFile(*path)
		if err != nil {
			return err
		}
		summary, err = host.VerifyModelFile(file, key[:])
		if err != nil {
			return err
		}
	default:
		return errors.New("exactly one of --input and --file is required")
	}
	fmt.Printf("ok: %s\n", summary)
	return nil
}
