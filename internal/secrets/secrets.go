// Package secrets loads the ledger's operational key set: the account
// derivation key, the custody and bridge API credentials, and the sweeper
// signing key. Key-shaped secrets are decoded and checked here so a
// misconfigured deployment fails at startup, not on first use.
package secrets

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

// Secret drivers accepted by NewProvider.
const (
	DriverEnv = "env"
	DriverAWS = "aws"
)

// Default secret names shared by the ledger binaries.
const (
	DeriveKeyName    = "LEDGER_DERIVE_KEY"
	CustodyAPIKey    = "CUSTODY_API_KEY"
	BridgeTokenName  = "BRIDGE_API_TOKEN"
	SweeperSignerKey = "SWEEPER_SIGNER_KEY"
)

var (
	ErrInvalidConfig = errors.New("secrets: invalid config")
	ErrNotFound      = errors.New("secrets: not found")
	ErrInvalidKey    = errors.New("secrets: invalid key material")
)

// Provider resolves a named secret to its value, with surrounding
// whitespace stripped.
type Provider interface {
	Get(ctx context.Context, name string) (string, error)
}

// NewProvider selects a secret backend by driver name: env for local runs,
// aws for managed deployments.
func NewProvider(ctx context.Context, driver string) (Provider, error) {
	switch driver {
	case DriverEnv:
		return NewEnv(), nil
	case DriverAWS:
		return NewAWS(ctx)
	default:
		return nil, fmt.Errorf("%w: unknown secret driver %q", ErrInvalidConfig, driver)
	}
}

// deriveKeyMinBytes mirrors the deriver's minimum key size.
const deriveKeyMinBytes = 16

// DeriveKey resolves and decodes the hex account derivation key. A 0x
// prefix is accepted.
func DeriveKey(ctx context.Context, p Provider, name string) ([]byte, error) {
	raw, err := p.Get(ctx, name)
	if err != nil {
		return nil, err
	}
	key, err := hex.DecodeString(strings.TrimPrefix(raw, "0x"))
	if err != nil {
		return nil, fmt.Errorf("%w: derive key %s is not hex", ErrInvalidKey, name)
	}
	if len(key) < deriveKeyMinBytes {
		return nil, fmt.Errorf("%w: derive key %s is %d bytes, need at least %d", ErrInvalidKey, name, len(key), deriveKeyMinBytes)
	}
	return key, nil
}

// SignerKey resolves the sweeper signing key and checks it is a 32-byte hex
// scalar before it reaches the crypto layer. The returned value is
// normalized hex without a 0x prefix.
func SignerKey(ctx context.Context, p Provider, name string) (string, error) {
	raw, err := p.Get(ctx, name)
	if err != nil {
		return "", err
	}
	b, err := hex.DecodeString(strings.TrimPrefix(raw, "0x"))
	if err != nil {
		return "", fmt.Errorf("%w: signer key %s is not hex", ErrInvalidKey, name)
	}
	if len(b) != 32 {
		return "", fmt.Errorf("%w: signer key %s is %d bytes, want 32", ErrInvalidKey, name, len(b))
	}
	return hex.EncodeToString(b), nil
}

// EnvProvider reads secrets from the process environment.
type EnvProvider struct{}

func NewEnv() *EnvProvider { return &EnvProvider{} }

func (p *EnvProvider) Get(_ context.Context, name string) (string, error) {
	if p == nil {
		return "", fmt.Errorf("%w: nil env provider", ErrInvalidConfig)
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return "", fmt.Errorf("%w: empty secret name", ErrInvalidConfig)
	}
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return "", fmt.Errorf("%w: env %s is empty", ErrNotFound, name)
	}
	return v, nil
}

type secretsManagerAPI interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// AWSProvider reads secrets from AWS Secrets Manager.
type AWSProvider struct {
	sm secretsManagerAPI
}

func NewAWS(ctx context.Context) (*AWSProvider, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: load aws config: %v", ErrInvalidConfig, err)
	}
	return NewAWSWithClient(secretsmanager.NewFromConfig(cfg))
}

func NewAWSWithClient(sm secretsManagerAPI) (*AWSProvider, error) {
	if sm == nil {
		return nil, fmt.Errorf("%w: nil secretsmanager client", ErrInvalidConfig)
	}
	return &AWSProvider{sm: sm}, nil
}

func (p *AWSProvider) Get(ctx context.Context, name string) (string, error) {
	if p == nil || p.sm == nil {
		return "", fmt.Errorf("%w: nil aws provider", ErrInvalidConfig)
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return "", fmt.Errorf("%w: empty secret name", ErrInvalidConfig)
	}
	out, err := p.sm.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{SecretId: &name})
	if err != nil {
		return "", fmt.Errorf("secrets: get %q: %w", name, err)
	}
	if out.SecretString != nil {
		if v := strings.TrimSpace(*out.SecretString); v != "" {
			return v, nil
		}
	}
	if len(out.SecretBinary) > 0 {
		return string(out.SecretBinary), nil
	}
	return "", fmt.Errorf("%w: secret %q has no value", ErrNotFound, name)
}
