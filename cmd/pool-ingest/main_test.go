package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

const testPool = "0x88e6a0c2ddd26feeb64f039a2c41296fcb3f5640"

func TestParseArgs(t *testing.T) {
	t.Parallel()

	poolsFile := filepath.Join(t.TempDir(), "pools.yaml")
	if err := os.WriteFile(poolsFile, []byte("pools:\n  - address: "+testPool+"\n    name: USDC/WETH\n"), 0o600); err != nil {
		t.Fatalf("write pools file: %v", err)
	}

	tests := []struct {
		name      string
		args      []string
		wantError string
		check     func(t *testing.T, c config)
	}{
		{
			name: "single",
			args: []string{"--mode", "single", "--block", "0", "--pools", testPool},
			check: func(t *testing.T, c config) {
				if c.mode != modeSingle || c.block != 0 {
					t.Fatalf("mode/block: got %q/%d", c.mode, c.block)
				}
				if c.storeDriver != "postgres" || c.rpcURLEnv != "RPC_URL" || c.dsnEnv != "DATABASE_URL" {
					t.Fatalf("defaults: got %+v", c)
				}
				if c.source != sourceRPC || c.leaseTTL != time.Minute {
					t.Fatalf("source/lease defaults: got %q/%v", c.source, c.leaseTTL)
				}
				if c.ingest.MaxAttempts != 3 || c.ingest.InitialBackoff != 100*time.Millisecond || c.ingest.PollInterval != 2*time.Second {
					t.Fatalf("ingest defaults: got %+v", c.ingest)
				}
			},
		},
		{
			name: "range from file",
			args: []string{"--mode", "range", "--from", "10", "--to", "20", "--pools-file", poolsFile, "--prefetch", "4", "--block-delay", "250ms"},
			check: func(t *testing.T, c config) {
				if c.from != 10 || c.to != 20 || c.ingest.Prefetch != 4 || c.ingest.BlockDelay != 250*time.Millisecond {
					t.Fatalf("range config: got %+v", c)
				}
				if len(c.pools) != 1 || c.pools[0].Name != "USDC/WETH" {
					t.Fatalf("pools: got %+v", c.pools)
				}
			},
		},
		{
			name: "live with start block",
			args: []string{"--pools", testPool, "--start-block", "12369621", "--log-format", "JSON"},
			check: func(t *testing.T, c config) {
				if c.mode != modeLive || c.ingest.StartBlock != 12369621 || c.logFormat != "json" {
					t.Fatalf("live config: got %+v", c)
				}
			},
		},
		{
			name: "kafka publishing",
			args: []string{"--pools", testPool, "--publish-driver", "kafka", "--publish-brokers", "a:9092, b:9092"},
			check: func(t *testing.T, c config) {
				if len(c.publishBrokers) != 2 || c.publishTopic != "pool.block.v1" {
					t.Fatalf("publish config: got %v %q", c.publishBrokers, c.publishTopic)
				}
			},
		},
		{
			name: "archive replay",
			args: []string{"--mode", "range", "--from", "1", "--to", "2", "--pools", testPool, "--source", "archive", "--archive-driver", "s3", "--archive-bucket", "pool-archive", "--rpc-url-env", ""},
			check: func(t *testing.T, c config) {
				if c.source != sourceArchive || c.archiveBucket != "pool-archive" {
					t.Fatalf("replay config: got %q %q", c.source, c.archiveBucket)
				}
			},
		},
		{name: "single without block", args: []string{"--mode", "single", "--pools", testPool}, wantError: "--block is required"},
		{name: "range without to", args: []string{"--mode", "range", "--from", "1", "--pools", testPool}, wantError: "--from and --to are required"},
		{name: "inverted range", args: []string{"--mode", "range", "--from", "5", "--to", "4", "--pools", testPool}, wantError: "is after --to"},
		{name: "unknown mode", args: []string{"--mode", "backfill", "--pools", testPool}, wantError: "unsupported --mode"},
		{name: "no pools", args: []string{"--mode", "live"}, wantError: "no pool addresses"},
		{name: "bad pool", args: []string{"--pools", "0x1234"}, wantError: "not a hex address"},
		{name: "bad store", args: []string{"--pools", testPool, "--store-driver", "sqlite"}, wantError: "unsupported --store-driver"},
		{name: "zero attempts", args: []string{"--pools", testPool, "--max-attempts", "0"}, wantError: "--max-attempts must be > 0"},
		{name: "backoff bounds", args: []string{"--pools", testPool, "--initial-backoff", "5s", "--max-backoff", "1s"}, wantError: "--initial-backoff"},
		{name: "kafka without brokers", args: []string{"--pools", testPool, "--publish-driver", "kafka"}, wantError: "--publish-brokers is required"},
		{name: "memory archive", args: []string{"--pools", testPool, "--archive-driver", "memory"}, wantError: "unsupported --archive-driver"},
		{name: "replay without archive", args: []string{"--pools", testPool, "--source", "archive"}, wantError: "--source=archive requires --archive-driver=s3"},
		{name: "unknown source", args: []string{"--pools", testPool, "--source", "ipfs"}, wantError: "unsupported --source"},
		{name: "lease shorter than rpc timeout", args: []string{"--pools", testPool, "--lease-ttl", "10s"}, wantError: "--lease-ttl must exceed"},
		{name: "s3 without bucket", args: []string{"--pools", testPool, "--archive-driver", "s3"}, wantError: "--archive-bucket is required"},
		{name: "bad log format", args: []string{"--pools", testPool, "--log-format", "xml"}, wantError: "unsupported --log-format"},
		{name: "stray args", args: []string{"--pools", testPool, "extra"}, wantError: "unexpected arguments"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			c, err := parseArgs(tc.args, io.Discard)
			if tc.wantError != "" {
				if err == nil || !strings.Contains(err.Error(), tc.wantError) {
					t.Fatalf("error: got %v want substring %q", err, tc.wantError)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseArgs: %v", err)
			}
			tc.check(t, c)
		})
	}
}

func TestParseArgs_Help(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	if _, err := parseArgs([]string{"-h"}, &out); !errors.Is(err, flag.ErrHelp) {
		t.Fatalf("got %v want flag.ErrHelp", err)
	}
	if !strings.Contains(out.String(), "-mode") {
		t.Fatalf("usage missing flags: %q", out.String())
	}
}

func TestNewLogger(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	log := newLogger(&out, "json", "warn")
	log.Info("hidden")
	log.Warn("shown", "block", 7)

	var rec map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(out.Bytes()), &rec); err != nil {
		t.Fatalf("expected one json record, got %q: %v", out.String(), err)
	}
	if rec["msg"] != "shown" || rec["block"] != float64(7) {
		t.Fatalf("record: got %v", rec)
	}

	if got := parseLevel("DEBUG"); got != slog.LevelDebug {
		t.Fatalf("parseLevel: got %v", got)
	}
	if got := parseLevel("bogus"); got != slog.LevelInfo {
		t.Fatalf("parseLevel default: got %v", got)
	}
}

// newChainServer answers eth_getBlockByNumber up to head and returns no logs.
func newChainServer(t *testing.T, head uint64) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID     json.RawMessage   `json:"id"`
			Method string            `json:"method"`
			Params []json.RawMessage `json:"params"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
			return
		}
		var result any
		switch req.Method {
		case "eth_getBlockByNumber":
			var tag string
			_ = json.Unmarshal(req.Params[0], &tag)
			n, err := hexutil.DecodeUint64(tag)
			if err != nil {
				t.Errorf("block tag %q: %v", tag, err)
				return
			}
			if n <= head {
				result = map[string]any{"number": tag, "timestamp": hexutil.EncodeUint64(1_700_000_000 + n)}
			}
		case "eth_getLogs":
			result = []any{}
		default:
			t.Errorf("unexpected method %q", req.Method)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"jsonrpc": "2.0", "id": req.ID, "result": result})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func mustParse(t *testing.T, args ...string) config {
	t.Helper()
	c, err := parseArgs(append([]string{"--pools", testPool, "--store-driver", "memory", "--rpc-url-env", "POOL_INGEST_TEST_RPC_URL", "--initial-backoff", "1ms", "--max-backoff", "2ms"}, args...), io.Discard)
	if err != nil {
		t.Fatalf("parseArgs: %v", err)
	}
	return c
}

func TestRun_ExitCodes(t *testing.T) {
	srv := newChainServer(t, 10)
	t.Setenv("POOL_INGEST_TEST_RPC_URL", srv.URL)
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	cases := []struct {
		name string
		args []string
		want int
	}{
		{name: "single block", args: []string{"--mode", "single", "--block", "5"}, want: exitOK},
		{name: "range with prefetch", args: []string{"--mode", "range", "--from", "1", "--to", "10", "--prefetch", "2"}, want: exitOK},
		{name: "block past head", args: []string{"--mode", "single", "--block", "11", "--max-attempts", "2"}, want: exitFatal},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := run(context.Background(), mustParse(t, tc.args...), "test-run", log); got != tc.want {
				t.Fatalf("exit code: got %d want %d", got, tc.want)
			}
		})
	}
}

func TestRun_LiveStopsCleanlyOnCancel(t *testing.T) {
	srv := newChainServer(t, 3)
	t.Setenv("POOL_INGEST_TEST_RPC_URL", srv.URL)
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	time.AfterFunc(100*time.Millisecond, cancel)

	cfg := mustParse(t, "--mode", "live", "--poll-interval", "10ms")
	if got := run(ctx, cfg, "test-run", log); got != exitOK {
		t.Fatalf("exit code: got %d want %d", got, exitOK)
	}
}

func TestRun_MissingRPCURL(t *testing.T) {
	t.Setenv("POOL_INGEST_TEST_RPC_URL", "")
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	if got := run(context.Background(), mustParse(t, "--mode", "single", "--block", "1"), "test-run", log); got != exitConfig {
		t.Fatalf("exit code: got %d want %d", got, exitConfig)
	}
}

func TestRun_PostgresNeedsDSN(t *testing.T) {
	srv := newChainServer(t, 1)
	t.Setenv("POOL_INGEST_TEST_RPC_URL", srv.URL)
	t.Setenv("POOL_INGEST_TEST_DSN", "")
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	cfg, err := parseArgs([]string{"--pools", testPool, "--mode", "single", "--block", "1", "--rpc-url-env", "POOL_INGEST_TEST_RPC_URL", "--postgres-dsn-env", "POOL_INGEST_TEST_DSN"}, io.Discard)
	if err != nil {
		t.Fatalf("parseArgs: %v", err)
	}
	if got := run(context.Background(), cfg, "test-run", log); got != exitConfig {
		t.Fatalf("exit code: got %d want %d", got, exitConfig)
	}
}

// objectBucket is an in-memory S3 bucket that answers misses with NoSuchKey.
type objectBucket struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func (b *objectBucket) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.objects == nil {
		b.objects = make(map[string][]byte)
	}
	b.objects[aws.ToString(in.Key)] = data
	return &s3.PutObjectOutput{}, nil
}

func (b *objectBucket) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	data, ok := b.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &smithy.GenericAPIError{Code: "NoSuchKey", Message: "missing"}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (b *objectBucket) len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.objects)
}

func TestRun_ReplaysFromArchiveWithoutRPC(t *testing.T) {
	srv := newChainServer(t, 10)
	t.Setenv("POOL_INGEST_TEST_RPC_URL", srv.URL)
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	bucket := &objectBucket{}
	archiveArgs := []string{"--archive-driver", "s3", "--archive-bucket", "pool-archive", "--archive-prefix", "mainnet"}

	record := mustParse(t, append([]string{"--mode", "range", "--from", "1", "--to", "5"}, archiveArgs...)...)
	record.s3Client = bucket
	if got := run(context.Background(), record, "record-run", log); got != exitOK {
		t.Fatalf("recording run: got %d want %d", got, exitOK)
	}
	if got := bucket.len(); got != 5 {
		t.Fatalf("archived blocks: got %d want 5", got)
	}

	// No RPC endpoint from here on.
	t.Setenv("POOL_INGEST_TEST_RPC_URL", "")
	replay := mustParse(t, append([]string{"--mode", "range", "--from", "1", "--to", "5", "--source", "archive"}, archiveArgs...)...)
	replay.s3Client = bucket
	if got := run(context.Background(), replay, "replay-run", log); got != exitOK {
		t.Fatalf("replay run: got %d want %d", got, exitOK)
	}
	if got := bucket.len(); got != 5 {
		t.Fatalf("replay wrote to the archive: %d objects", got)
	}

	missing := mustParse(t, append([]string{"--mode", "single", "--block", "6", "--max-attempts", "2", "--source", "archive"}, archiveArgs...)...)
	missing.s3Client = bucket
	if got := run(context.Background(), missing, "replay-run", log); got != exitFatal {
		t.Fatalf("replay of unarchived block: got %d want %d", got, exitFatal)
	}
}
