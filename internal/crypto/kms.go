// Package crypto unwraps secrets that are stored encrypted, such as the
// Drive refresh token. Encryption happens out of band with the KMS CLI.
package crypto

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kms"
)

// ErrEmptyCiphertext is returned for a blank stored value.
var ErrEmptyCiphertext = errors.New("empty ciphertext")

// Decrypter recovers a plaintext secret from its stored form.
type Decrypter interface {
	Decrypt(ctx context.Context, ciphertext string) (string, error)
}

// KMSClient is the subset of *kms.Client used by KMSDecrypter.
type KMSClient interface {
	Decrypt(ctx context.Context, params *kms.DecryptInput, optFns ...func(*kms.Options)) (*kms.DecryptOutput, error)
}

// KMSDecrypter decrypts base64 ciphertext blobs produced by
// `aws kms encrypt`. When keyID is set KMS rejects blobs from other keys.
type KMSDecrypter struct {
	client KMSClient
	keyID  string
}

// NewKMSDecrypter creates a KMSDecrypter. keyID may be a key id, ARN or
// alias such as "alias/trailhunt-drive-token".
func NewKMSDecrypter(client KMSClient, keyID string) *KMSDecrypter {
	return &KMSDecrypter{client: client, keyID: keyID}
}

func (d *KMSDecrypter) Decrypt(ctx context.Context, ciphertext string) (string, error) {
	ciphertext = strings.TrimSpace(ciphertext)
	if ciphertext == "" {
		return "", ErrEmptyCiphertext
	}
	blob, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("failed to decode ciphertext: %w", err)
	}

	input := &kms.DecryptInput{CiphertextBlob: blob}
	if d.keyID != "" {
		input.KeyId = aws.String(d.keyID)
	}
	out, err := d.client.Decrypt(ctx, input)
	if err != nil {
		return "", fmt.Errorf("kms decrypt: %w", err)
	}
	return string(out.Plaintext), nil
}
