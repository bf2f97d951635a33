package secrets

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

type fakeAWSClient struct {
	values map[string]*secretsmanager.GetSecretValueOutput
	err    error
}

func (c *fakeAWSClient) GetSecretValue(_ context.Context, in *secretsmanager.GetSecretValueInput, _ ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error) {
	if c.err != nil {
		return nil, c.err
	}
	out, ok := c.values[*in.SecretId]
	if !ok {
		return &secretsmanager.GetSecretValueOutput{}, nil
	}
	return out, nil
}

func TestEnvProvider(t *testing.T) {
	const key = "POOL_INGEST_TEST_RPC_URL"
	t.Setenv(key, "  https://rpc.example  ")
	p := NewEnv()
	got, err := p.Get(context.Background(), key)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != "https://rpc.example" {
		t.Fatalf("value mismatch: got %q", got)
	}

	if _, err := p.Get(context.Background(), "POOL_INGEST_MISSING_ENV_XYZ"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := p.Get(context.Background(), " "); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
}

func TestAWSProvider(t *testing.T) {
	t.Parallel()

	p, err := NewAWSWithClient(&fakeAWSClient{values: map[string]*secretsmanager.GetSecretValueOutput{
		"pool/rpc": {SecretString: strPtr(" https://rpc.example ")},
		"pool/dsn": {SecretBinary: []byte("postgres://u:p@db/pool\n")},
	}})
	if err != nil {
		t.Fatalf("NewAWSWithClient: %v", err)
	}
	ctx := context.Background()
	if got, err := p.Get(ctx, "pool/rpc"); err != nil || got != "https://rpc.example" {
		t.Fatalf("string secret: got %q, %v", got, err)
	}
	if got, err := p.Get(ctx, "pool/dsn"); err != nil || got != "postgres://u:p@db/pool" {
		t.Fatalf("binary secret: got %q, %v", got, err)
	}
	if _, err := p.Get(ctx, "pool/empty"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	if _, err := NewAWSWithClient(nil); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("nil client: got %v", err)
	}
}

func TestResolve(t *testing.T) {
	t.Setenv("POOL_INGEST_TEST_RPC", "http://localhost:8545")
	t.Setenv("POOL_INGEST_TEST_DSN", "postgres://localhost/pool")
	ctx := context.Background()

	got, err := Resolve(ctx, NewEnv(), "POOL_INGEST_TEST_RPC", "POOL_INGEST_TEST_DSN")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got.RPCURL != "http://localhost:8545" || got.DatabaseDSN != "postgres://localhost/pool" {
		t.Fatalf("endpoints: got %+v", got)
	}

	got, err = Resolve(ctx, NewEnv(), "POOL_INGEST_TEST_RPC", "")
	if err != nil || got.DatabaseDSN != "" {
		t.Fatalf("rpc only: got %+v, %v", got, err)
	}

	got, err = Resolve(ctx, NewEnv(), "", "POOL_INGEST_TEST_DSN")
	if err != nil || got.RPCURL != "" || got.DatabaseDSN != "postgres://localhost/pool" {
		t.Fatalf("dsn only: got %+v, %v", got, err)
	}

	if _, err := Resolve(ctx, NewEnv(), "POOL_INGEST_TEST_RPC", "POOL_INGEST_MISSING_DSN"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing dsn: got %v", err)
	}
}

func TestNewDriver(t *testing.T) {
	t.Parallel()

	p, err := New(context.Background(), "")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, ok := p.(*EnvProvider); !ok {
		t.Fatalf("default driver: got %T want *EnvProvider", p)
	}
	if _, err := New(context.Background(), "vault"); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("unsupported driver: got %v", err)
	}
}

func strPtr(v string) *string { return &v }
