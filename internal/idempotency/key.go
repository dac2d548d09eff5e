// Package idempotency derives the short content keys that make a retried
// upload land on the same external object and progress row.
package idempotency

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/jun/trailhunt/backend/internal/logging"
)

// KeyLength is the number of hex characters kept from the digest.
const KeyLength = 16

var overridePattern = regexp.MustCompile(`^[A-Za-z0-9_-]{8,64}$`)

// Key is a derived idempotency key. Deterministic is false only when the
// digest could not be computed and a random key was substituted; such a key
// does not deduplicate retries.
type Key struct {
	Value         string
	Deterministic bool
}

// FallbackRecorder is notified whenever a random key replaces a derived one.
type FallbackRecorder interface {
	IdempotencyFallback()
}

// Deriver computes keys from streamed content.
type Deriver struct {
	log      logging.Logger
	recorder FallbackRecorder
	random   func() string
}

// NewDeriver creates a Deriver. recorder may be nil.
func NewDeriver(log logging.Logger, recorder FallbackRecorder) *Deriver {
	return &Deriver{
		log:      log,
		recorder: recorder,
		random:   randomKey,
	}
}

// Derive hashes content, sessionID and contextString. If content cannot be
// read the key falls back to a random value; the fallback is logged and
// counted because it breaks deduplication for this request.
func (d *Deriver) Derive(ctx context.Context, content io.Reader, sessionID, contextString string) Key {
	sum, err := digest(content, sessionID, contextString)
	if err != nil {
		key := d.random()
		d.log.Warn(ctx, "idempotency key fell back to random value; retries of this request will not deduplicate",
			"error", err, "session_id", sessionID, "idempotency_key", key)
		if d.recorder != nil {
			d.recorder.IdempotencyFallback()
		}
		return Key{Value: key, Deterministic: false}
	}
	return Key{Value: sum, Deterministic: true}
}

// Derive is the in-memory form of Deriver.Derive. Reading a byte slice
// cannot fail, so the result is always deterministic.
func Derive(content []byte, sessionID, contextString string) string {
	sum, _ := digest(bytes.NewReader(content), sessionID, contextString)
	return sum
}

// ValidOverride reports whether a client-supplied key may replace the derived one.
func ValidOverride(key string) bool {
	return overridePattern.MatchString(key)
}

// digest writes each input with its length so that shifting bytes between
// sessionID and contextString changes the key.
func digest(content io.Reader, sessionID, contextString string) (string, error) {
	if content == nil {
		return "", fmt.Errorf("no content")
	}
	h := sha256.New()
	n, err := io.Copy(h, content)
	if err != nil {
		return "", fmt.Errorf("read content: %w", err)
	}
	writeLen(h, uint64(n))
	writeField(h, sessionID)
	writeField(h, contextString)
	return hex.EncodeToString(h.Sum(nil))[:KeyLength], nil
}

func writeField(h hash.Hash, s string) {
	writeLen(h, uint64(len(s)))
	h.Write([]byte(s))
}

func writeLen(h hash.Hash, n uint64) {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], n)
	h.Write(buf[:])
}

func randomKey() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:KeyLength]
}
