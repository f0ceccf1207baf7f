// Package kms decrypts secrets that are stored on disk as AWS KMS
// ciphertext, such as the Kalshi signing key.
package kms

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/kms"
)

// API is the subset of the KMS SDK the client calls.
type API interface {
	Decrypt(ctx context.Context, in *kms.DecryptInput, optFns ...func(*kms.Options)) (*kms.DecryptOutput, error)
}

// Client wraps the AWS KMS SDK.
type Client struct {
	api API
}

// New creates a KMS Client. If localStackEndpoint is non-empty the client
// targets that endpoint with dummy credentials; otherwise it uses the
// default credential chain.
func New(ctx context.Context, region, localStackEndpoint string) (*Client, error) {
	opts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if localStackEndpoint != "" {
		opts = append(opts,
			config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider("test", "test", "test")),
		)
	}

	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("kms: load aws config: %w", err)
	}

	var kmsOpts []func(*kms.Options)
	if localStackEndpoint != "" {
		kmsOpts = append(kmsOpts, func(o *kms.Options) {
			o.BaseEndpoint = aws.String(localStackEndpoint)
		})
	}
	return NewWithAPI(kms.NewFromConfig(cfg, kmsOpts...)), nil
}

// NewWithAPI wraps an existing KMS client.
func NewWithAPI(api API) *Client {
	return &Client{api: api}
}

// Decrypt returns the plaintext of a ciphertext blob. The caller owns the
// returned bytes and should seal or wipe them.
func (c *Client) Decrypt(ctx context.Context, ciphertext []byte) ([]byte, error) {
	out, err := c.api.Decrypt(ctx, &kms.DecryptInput{
		CiphertextBlob: ciphertext,
	})
	if err != nil {
		return nil, fmt.Errorf("kms: decrypt: %w", err)
	}
	return out.Plaintext, nil
}

// DecryptFile reads a ciphertext file and decrypts it. The file may hold
// the raw blob or its base64 text, which is what `aws kms encrypt` prints.
func (c *Client) DecryptFile(ctx context.Context, path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("kms: read %s: %w", path, err)
	}
	if blob, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(data))); err == nil {
		data = blob
	}
	return c.Decrypt(ctx, data)
}
