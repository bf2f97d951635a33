package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/juno-intents/pool-ingest/internal/archive"
	"github.com/juno-intents/pool-ingest/internal/chain"
	"github.com/juno-intents/pool-ingest/internal/ingest"
	"github.com/juno-intents/pool-ingest/internal/leases"
	leasespg "github.com/juno-intents/pool-ingest/internal/leases/postgres"
	"github.com/juno-intents/pool-ingest/internal/metrics"
	"github.com/juno-intents/pool-ingest/internal/notify"
	"github.com/juno-intents/pool-ingest/internal/pool"
	poolpg "github.com/juno-intents/pool-ingest/internal/pool/postgres"
	"github.com/juno-intents/pool-ingest/internal/poolabi"
	"github.com/juno-intents/pool-ingest/internal/poolconfig"
	"github.com/juno-intents/pool-ingest/internal/queue"
	"github.com/juno-intents/pool-ingest/internal/secrets"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const (
	modeSingle = "single"
	modeRange  = "range"
	modeLive   = "live"

	sourceRPC     = "rpc"
	sourceArchive = "archive"

	driverNone = "none"

	releaseTimeout = 5 * time.Second
)

const (
	exitOK     = 0
	exitFatal  = 1
	exitConfig = 2
)

type config struct {
	mode       string
	block      uint64
	from, to   uint64
	startBlock uint64

	pools []poolconfig.Pool

	secretsDriver string
	rpcURLEnv     string
	dsnEnv        string
	storeDriver   string
	rpcTimeout    time.Duration
	source        string
	leaseTTL      time.Duration

	ingest ingest.Config

	logLevel    string
	logFormat   string
	metricsAddr string

	publishDriver  string
	publishBrokers []string
	publishTopic   string

	archiveDriver string
	archiveBucket string
	archivePrefix string
	// s3Client replaces the client built from the default AWS config.
	s3Client archive.S3Client
}

func main() {
	cfg, err := parseArgs(os.Args[1:], os.Stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(exitOK)
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(exitConfig)
	}

	runID := uuid.NewString()
	log := newLogger(os.Stderr, cfg.logFormat, cfg.logLevel).With("run_id", runID, "mode", cfg.mode)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, cfg, runID, log)
	stop()
	os.Exit(code)
}

func parseArgs(args []string, stderr io.Writer) (config, error) {
	fs := flag.NewFlagSet("pool-ingest", flag.ContinueOnError)
	fs.SetOutput(stderr)

	def := ingest.DefaultConfig()
	var (
		cfg config

		pools     = fs.String("pools", "", "comma-separated pool contract addresses")
		poolsFile = fs.String("pools-file", "", "YAML file listing pool contracts (merged with --pools)")
		brokers   = fs.String("publish-brokers", "", "comma-separated kafka brokers (required for --publish-driver=kafka)")
	)
	fs.StringVar(&cfg.mode, "mode", modeLive, "run mode: single|range|live")
	fs.Uint64Var(&cfg.block, "block", 0, "block to ingest (required for --mode=single)")
	fs.Uint64Var(&cfg.from, "from", 0, "first block of the range (required for --mode=range)")
	fs.Uint64Var(&cfg.to, "to", 0, "last block of the range, inclusive (required for --mode=range)")
	fs.Uint64Var(&cfg.startBlock, "start-block", 0, "block to start from in live mode when nothing is persisted")

	fs.StringVar(&cfg.secretsDriver, "secrets-driver", secrets.DriverEnv, "where --rpc-url-env and --postgres-dsn-env are looked up: env|aws")
	fs.StringVar(&cfg.rpcURLEnv, "rpc-url-env", "RPC_URL", "env var (or secret id) holding the JSON-RPC URL")
	fs.StringVar(&cfg.dsnEnv, "postgres-dsn-env", "DATABASE_URL", "env var (or secret id) holding the Postgres DSN")
	fs.StringVar(&cfg.storeDriver, "store-driver", "postgres", "event store driver: postgres|memory")
	fs.DurationVar(&cfg.rpcTimeout, "rpc-timeout", 30*time.Second, "timeout for each RPC round trip")
	fs.StringVar(&cfg.source, "source", sourceRPC, "where blocks are read from: rpc|archive (replays --archive-driver)")
	fs.DurationVar(&cfg.leaseTTL, "lease-ttl", time.Minute, "expiry of the single-writer lease on the store")

	fs.DurationVar(&cfg.ingest.BlockDelay, "block-delay", 0, "pause between blocks in range mode")
	fs.DurationVar(&cfg.ingest.PollInterval, "poll-interval", def.PollInterval, "wait at the chain head in live mode")
	fs.IntVar(&cfg.ingest.MaxAttempts, "max-attempts", def.MaxAttempts, "fetch attempts per block before giving up")
	fs.DurationVar(&cfg.ingest.InitialBackoff, "initial-backoff", def.InitialBackoff, "delay before the first fetch retry")
	fs.DurationVar(&cfg.ingest.MaxBackoff, "max-backoff", def.MaxBackoff, "upper bound on fetch retry delay")
	fs.Float64Var(&cfg.ingest.BackoffMultiplier, "backoff-multiplier", def.BackoffMultiplier, "growth factor of the fetch retry delay")
	fs.IntVar(&cfg.ingest.Prefetch, "prefetch", 0, "blocks to fetch ahead of the writer in range mode")

	fs.StringVar(&cfg.logLevel, "log-level", "info", "log level: debug|info|warn|error")
	fs.StringVar(&cfg.logFormat, "log-format", "text", "log format: text|json")
	fs.StringVar(&cfg.metricsAddr, "metrics-addr", "", "listen address for /metrics and /healthz (disabled when empty)")

	fs.StringVar(&cfg.publishDriver, "publish-driver", driverNone, "committed-block notifications: none|kafka|stdio")
	fs.StringVar(&cfg.publishTopic, "publish-topic", notify.PayloadVersion, "topic for committed-block notifications")

	fs.StringVar(&cfg.archiveDriver, "archive-driver", driverNone, "raw block archive: none|s3")
	fs.StringVar(&cfg.archiveBucket, "archive-bucket", "", "S3 bucket for --archive-driver=s3")
	fs.StringVar(&cfg.archivePrefix, "archive-prefix", "", "key prefix inside the archive")

	if err := fs.Parse(args); err != nil {
		return config{}, err
	}
	if fs.NArg() > 0 {
		return config{}, fmt.Errorf("unexpected arguments: %s", strings.Join(fs.Args(), " "))
	}
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })

	cfg.mode = strings.ToLower(strings.TrimSpace(cfg.mode))
	switch cfg.mode {
	case modeSingle:
		if !set["block"] {
			return config{}, errors.New("--block is required for --mode=single")
		}
	case modeRange:
		if !set["from"] || !set["to"] {
			return config{}, errors.New("--from and --to are required for --mode=range")
		}
		if cfg.from > cfg.to {
			return config{}, fmt.Errorf("--from %d is after --to %d", cfg.from, cfg.to)
		}
	case modeLive:
		cfg.ingest.StartBlock = cfg.startBlock
	default:
		return config{}, fmt.Errorf("unsupported --mode %q", cfg.mode)
	}

	var err error
	if cfg.pools, err = poolconfig.Load(*pools, *poolsFile); err != nil {
		return config{}, err
	}

	cfg.storeDriver = strings.ToLower(strings.TrimSpace(cfg.storeDriver))
	if cfg.storeDriver != "postgres" && cfg.storeDriver != "memory" {
		return config{}, fmt.Errorf("unsupported --store-driver %q", cfg.storeDriver)
	}
	if cfg.rpcTimeout <= 0 {
		return config{}, errors.New("--rpc-timeout must be > 0")
	}
	cfg.source = strings.ToLower(strings.TrimSpace(cfg.source))
	switch cfg.source {
	case sourceRPC:
		if strings.TrimSpace(cfg.rpcURLEnv) == "" {
			return config{}, errors.New("--rpc-url-env is required")
		}
	case sourceArchive:
	default:
		return config{}, fmt.Errorf("unsupported --source %q", cfg.source)
	}
	if cfg.storeDriver == "postgres" && strings.TrimSpace(cfg.dsnEnv) == "" {
		return config{}, errors.New("--postgres-dsn-env is required when --store-driver=postgres")
	}

	if cfg.ingest.MaxAttempts <= 0 {
		return config{}, errors.New("--max-attempts must be > 0")
	}
	if cfg.ingest.InitialBackoff <= 0 || cfg.ingest.MaxBackoff < cfg.ingest.InitialBackoff {
		return config{}, errors.New("--initial-backoff must be > 0 and <= --max-backoff")
	}
	if cfg.ingest.BackoffMultiplier < 1 {
		return config{}, errors.New("--backoff-multiplier must be >= 1")
	}
	if cfg.ingest.PollInterval <= 0 {
		return config{}, errors.New("--poll-interval must be > 0")
	}
	if cfg.ingest.BlockDelay < 0 || cfg.ingest.Prefetch < 0 {
		return config{}, errors.New("--block-delay and --prefetch must be >= 0")
	}
	// The lease is renewed between block units, so one unit must fit in it.
	if cfg.leaseTTL <= cfg.rpcTimeout || cfg.leaseTTL <= cfg.ingest.PollInterval || cfg.leaseTTL <= cfg.ingest.MaxBackoff {
		return config{}, errors.New("--lease-ttl must exceed --rpc-timeout, --poll-interval and --max-backoff")
	}

	switch cfg.logFormat = strings.ToLower(strings.TrimSpace(cfg.logFormat)); cfg.logFormat {
	case "text", "json":
	default:
		return config{}, fmt.Errorf("unsupported --log-format %q", cfg.logFormat)
	}

	cfg.publishDriver = strings.ToLower(strings.TrimSpace(cfg.publishDriver))
	cfg.publishBrokers = queue.SplitCommaList(*brokers)
	switch cfg.publishDriver {
	case driverNone, queue.DriverStdio:
	case queue.DriverKafka:
		if len(cfg.publishBrokers) == 0 {
			return config{}, errors.New("--publish-brokers is required for --publish-driver=kafka")
		}
	default:
		return config{}, fmt.Errorf("unsupported --publish-driver %q", cfg.publishDriver)
	}
	if cfg.publishDriver != driverNone && strings.TrimSpace(cfg.publishTopic) == "" {
		return config{}, errors.New("--publish-topic is required when publishing")
	}

	cfg.archiveDriver = strings.ToLower(strings.TrimSpace(cfg.archiveDriver))
	switch cfg.archiveDriver {
	case driverNone:
	case archive.DriverS3:
		if strings.TrimSpace(cfg.archiveBucket) == "" {
			return config{}, errors.New("--archive-bucket is required for --archive-driver=s3")
		}
	default:
		return config{}, fmt.Errorf("unsupported --archive-driver %q", cfg.archiveDriver)
	}
	if cfg.source == sourceArchive && cfg.archiveDriver == driverNone {
		return config{}, errors.New("--source=archive requires --archive-driver=s3")
	}
	return cfg, nil
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func newLogger(w io.Writer, format, level string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(level)}
	if format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// run wires the pipeline and returns the process exit code.
func run(ctx context.Context, cfg config, runID string, log *slog.Logger) int {
	prov, err := secrets.New(ctx, cfg.secretsDriver)
	if err != nil {
		log.Error("init secrets provider", "err", err)
		return exitConfig
	}
	rpcKey, dsnKey := "", ""
	if cfg.source == sourceRPC {
		rpcKey = cfg.rpcURLEnv
	}
	if cfg.storeDriver == "postgres" {
		dsnKey = cfg.dsnEnv
	}
	endpoints, err := secrets.Resolve(ctx, prov, rpcKey, dsnKey)
	if err != nil {
		log.Error("resolve endpoints", "err", err)
		return exitConfig
	}

	var (
		store      pool.Store
		leaseStore leases.Store
	)
	switch cfg.storeDriver {
	case "postgres":
		pgPool, err := poolpg.Connect(ctx, endpoints.DatabaseDSN)
		if err != nil {
			log.Error("init pgx pool", "err", err)
			return exitConfig
		}
		defer pgPool.Close()

		pgStore, err := poolpg.New(pgPool)
		if err != nil {
			log.Error("init pool store", "err", err)
			return exitConfig
		}
		if err := pgStore.EnsureSchema(ctx); err != nil {
			log.Error("ensure pool schema", "err", err)
			return exitConfig
		}
		store = pgStore

		pgLeases, err := leasespg.New(pgPool)
		if err != nil {
			log.Error("init lease store", "err", err)
			return exitConfig
		}
		if err := pgLeases.EnsureSchema(ctx); err != nil {
			log.Error("ensure lease schema", "err", err)
			return exitConfig
		}
		leaseStore = pgLeases
	default:
		log.Warn("using in-memory store; nothing persists across runs")
		store = pool.NewMemoryStore()
		leaseStore = leases.NewMemoryStore(nil)
	}

	var arc *archive.Archive
	if cfg.archiveDriver != driverNone {
		client := cfg.s3Client
		if client == nil {
			awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
			if err != nil {
				log.Error("load aws config", "err", err)
				return exitConfig
			}
			client = s3.NewFromConfig(awsCfg)
		}
		arc, err = archive.New(archive.Config{Driver: cfg.archiveDriver, Bucket: cfg.archiveBucket, Prefix: cfg.archivePrefix, S3Client: client})
		if err != nil {
			log.Error("init archive", "err", err)
			return exitConfig
		}
	}

	var fetcher ingest.Fetcher
	if cfg.source == sourceArchive {
		log.Info("replaying blocks from archive", "bucket", cfg.archiveBucket, "prefix", cfg.archivePrefix)
		fetcher = arc
	} else {
		src, err := chain.DialRPC(ctx, endpoints.RPCURL, chain.WithTimeout(cfg.rpcTimeout))
		if err != nil {
			log.Error("init rpc client", "err", err)
			return exitConfig
		}
		defer src.Close()

		if fetcher, err = chain.NewFetcher(src, poolconfig.Addresses(cfg.pools)); err != nil {
			log.Error("init fetcher", "err", err)
			return exitConfig
		}
	}
	decoder, err := poolabi.NewDecoder()
	if err != nil {
		log.Error("init decoder", "err", err)
		return exitConfig
	}
	for _, p := range cfg.pools {
		log.Info("tracking pool", "address", p.Address.Hex(), "name", p.Name)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg, "")
	if cfg.metricsAddr != "" {
		go func() {
			if err := metrics.Serve(ctx, cfg.metricsAddr, reg, log); err != nil {
				log.Error("metrics server", "err", err)
			}
		}()
	}
	opts := []ingest.Option{ingest.WithMetrics(m)}

	if cfg.publishDriver != driverNone {
		producer, err := queue.NewProducer(queue.ProducerConfig{
			Driver:  cfg.publishDriver,
			Brokers: cfg.publishBrokers,
			Writer:  os.Stdout,
		})
		if err != nil {
			log.Error("init queue producer", "err", err)
			return exitConfig
		}
		defer func() { _ = producer.Close() }()

		pub, err := notify.New(producer, cfg.publishTopic, runID)
		if err != nil {
			log.Error("init publisher", "err", err)
			return exitConfig
		}
		opts = append(opts, ingest.WithPublisher(pub))
	}

	if arc != nil && cfg.source != sourceArchive {
		opts = append(opts, ingest.WithArchiver(arc))
	}

	guard, err := leases.NewGuard(leaseStore, leases.WriterLease, runID, cfg.leaseTTL, nil)
	if err != nil {
		log.Error("init writer lease", "err", err)
		return exitConfig
	}
	if err := guard.Acquire(ctx); err != nil {
		log.Error("acquire writer lease", "err", err)
		return exitFatal
	}
	defer func() {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
		defer cancel()
		if err := guard.Release(rctx); err != nil {
			log.Warn("release writer lease", "err", err)
		}
	}()
	opts = append(opts, ingest.WithLease(guard))

	in, err := ingest.New(cfg.ingest, fetcher, decoder, store, log, opts...)
	if err != nil {
		log.Error("init ingestor", "err", err)
		return exitConfig
	}

	switch cfg.mode {
	case modeSingle:
		err = in.ProcessBlock(ctx, cfg.block)
	case modeRange:
		err = in.ProcessRange(ctx, cfg.from, cfg.to)
	default:
		err = in.Follow(ctx)
	}
	switch {
	case err == nil:
		log.Info("done")
		return exitOK
	case errors.Is(err, context.Canceled):
		log.Info("stopped")
		return exitOK
	default:
		log.Error("ingestion failed", "err", err)
		return exitFatal
	}
}
