// Package credentials supplies the caller identity and the AWS credentials
// used by the blob store, indexed database and notification clients.
package credentials

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awscreds "github.com/aws/aws-sdk-go-v2/credentials"

	"github.com/bleepstore/rfstore/internal/config"
)

// DefaultIdentity names callers that configured neither an identity nor
// static keys.
const DefaultIdentity = "default"

// Provider holds a stable identity string and, when static keys are
// configured, a caching AWS credentials provider. A nil AWS provider means
// clients use the SDK's default chain.
type Provider struct {
	identity string
	aws      aws.CredentialsProvider
}

// NewProvider builds a Provider from configuration.
func NewProvider(cfg config.CredentialsConfig) *Provider {
	p := &Provider{identity: cfg.Identity}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		static := awscreds.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken)
		p.aws = aws.NewCredentialsCache(static)
		if p.identity == "" {
			p.identity = cfg.AccessKeyID
		}
	}
	if p.identity == "" {
		p.identity = DefaultIdentity
	}
	return p
}

// Identity returns the caller identity string.
func (p *Provider) Identity() string {
	return p.identity
}

// AWS returns the credentials provider to hand to AWS clients, or nil.
func (p *Provider) AWS() aws.CredentialsProvider {
	return p.aws
}

// Validate confirms credentials can be retrieved for the next call. It is a
// no-op when the default chain is in use.
func (p *Provider) Validate(ctx context.Context) error {
	if p.aws == nil {
		return nil
	}
	creds, err := p.aws.Retrieve(ctx)
	if err != nil {
		return fmt.Errorf("retrieving credentials: %w", err)
	}
	if !creds.HasKeys() {
		return fmt.Errorf("credentials for %s have no keys", p.identity)
	}
	return nil
}
