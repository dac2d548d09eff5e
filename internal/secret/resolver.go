// Package secret provides an abstraction for retrieving secrets from
// different backends (SSM Parameter Store, environment variables, etc.).
package secret

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
)

// SSMClient is the subset of *ssm.Client methods used by SSMResolver.
type SSMClient interface {
	GetParameter(ctx context.Context, params *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// Resolver retrieves secret values by name.
type Resolver interface {
	GetSecret(ctx context.Context, name string) (string, error)
}

// SSMResolver fetches secrets from AWS Systems Manager Parameter Store.
type SSMResolver struct {
	client SSMClient
}

// NewSSMResolver returns a Resolver backed by SSM Parameter Store.
func NewSSMResolver(client SSMClient) Resolver {
	return &SSMResolver{client: client}
}

// GetSecret retrieves a SecureString parameter from SSM with decryption.
func (r *SSMResolver) GetSecret(ctx context.Context, name string) (string, error) {
	out, err := r.client.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(name),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return "", fmt.Errorf("ssm get parameter %q: %w", name, err)
	}
	if out.Parameter == nil || out.Parameter.Value == nil {
		return "", fmt.Errorf("ssm parameter %q has no value", name)
	}
	return *out.Parameter.Value, nil
}

// EnvResolver fetches secrets from environment variables.
// The parameter name is converted from SSM path format (e.g. "/trailhunt/lock-token-secret")
// to the corresponding environment variable name (e.g. "LOCK_TOKEN_SECRET") by taking the
// last segment, uppercasing, and replacing hyphens with underscores.
type EnvResolver struct{}

// NewEnvResolver returns a Resolver that reads from environment variables.
func NewEnvResolver() Resolver {
	return &EnvResolver{}
}

// GetSecret reads from the environment variable derived from the parameter name.
func (r *EnvResolver) GetSecret(_ context.Context, name string) (string, error) {
	envName := paramNameToEnvVar(name)
	val := os.Getenv(envName)
	if val == "" {
		return "", fmt.Errorf("environment variable %q (from param %q) is not set", envName, name)
	}
	return val, nil
}

// paramNameToEnvVar converts an SSM parameter name to an environment variable name.
// "/trailhunt/lock-token-secret" -> "LOCK_TOKEN_SECRET"
// "/trailhunt/database-url" -> "DATABASE_URL"
func paramNameToEnvVar(name string) string {
	parts := strings.Split(name, "/")
	last := parts[len(parts)-1]
	return strings.ToUpper(strings.ReplaceAll(last, "-", "_"))
}

// CachingResolver memoises successful lookups so a warm Lambda container
// does not call SSM on every cold path.
type CachingResolver struct {
	next   Resolver
	values map[string]string
	mu     sync.Mutex
}

// NewCachingResolver wraps next.
func NewCachingResolver(next Resolver) *CachingResolver {
	return &CachingResolver{next: next, values: make(map[string]string)}
}

// GetSecret returns the cached value or asks the wrapped resolver.
func (c *CachingResolver) GetSecret(ctx context.Context, name string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if v, ok := c.values[name]; ok {
		return v, nil
	}
	v, err := c.next.GetSecret(ctx, name)
	if err != nil {
		return "", err
	}
	c.values[name] = v
	return v, nil
}

// Params names the parameters holding each application secret.
type Params struct {
	LockTokenSecret   string
	DatabaseURL       string
	OriginSecret      string
	DriveRefreshToken string
	DriveClientSecret string
}

// DefaultParams returns the parameter names used when no override is set.
func DefaultParams() Params {
	return Params{
		LockTokenSecret:   "/trailhunt/lock-token-secret",
		DatabaseURL:       "/trailhunt/database-url",
		OriginSecret:      "/trailhunt/api-gateway-secret",
		DriveRefreshToken: "/trailhunt/drive-refresh-token",
		DriveClientSecret: "/trailhunt/google-client-secret",
	}
}

// Secrets are the resolved values. Optional ones may be empty.
type Secrets struct {
	LockTokenSecret   string
	DatabaseURL       string
	OriginSecret      string
	DriveRefreshToken string
	DriveClientSecret string
}

// ErrMissing is returned by Load when a required secret cannot be resolved.
var ErrMissing = errors.New("required secret missing")

// Load resolves every secret in p. The lock token secret is required; the
// rest are returned empty when they cannot be resolved and the caller
// decides whether the feature using them can run.
func Load(ctx context.Context, r Resolver, p Params) (*Secrets, []error, error) {
	var warnings []error
	optional := func(name string) string {
		if name == "" {
			return ""
		}
		v, err := r.GetSecret(ctx, name)
		if err != nil {
			warnings = append(warnings, err)
			return ""
		}
		return v
	}

	lockSecret, err := r.GetSecret(ctx, p.LockTokenSecret)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrMissing, err)
	}

	return &Secrets{
		LockTokenSecret:   lockSecret,
		DatabaseURL:       optional(p.DatabaseURL),
		OriginSecret:      optional(p.OriginSecret),
		DriveRefreshToken: optional(p.DriveRefreshToken),
		DriveClientSecret: optional(p.DriveClientSecret),
	}, warnings, nil
}
