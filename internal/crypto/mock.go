package crypto

import (
	"context"
	"strings"
)

// DevPrefix marks a plaintext value standing in for ciphertext in DEV_MODE.
const DevPrefix = "mock:"

// DevDecrypter is the DEV_MODE Decrypter. It strips DevPrefix and passes
// anything else through unchanged.
type DevDecrypter struct{}

func (DevDecrypter) Decrypt(ctx context.Context, ciphertext string) (string, error) {
	if ciphertext == "" {
		return "", ErrEmptyCiphertext
	}
	return strings.TrimPrefix(ciphertext, DevPrefix), nil
}
