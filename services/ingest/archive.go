package ingest

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"path"

	"github.com/klauspost/compress/zstd"

	"ransomeye/pkg/envelope"
)

// Archiver keeps a copy of every accepted envelope outside the database.
type Archiver interface {
	Archive(ctx context.Context, env *envelope.Envelope, raw []byte) error
}

// ObjectPutter is the subset of pkg/s3.Client the archive needs.
type ObjectPutter interface {
	PutObject(ctx context.Context, bucket, key string, r io.Reader, size int64, sha256 string) error
}

// ObjectArchiver writes zstd-compressed envelopes to an object store.
type ObjectArchiver struct {
	objects ObjectPutter
	bucket  string
	enc     *zstd.Encoder
}

// NewObjectArchiver returns an archiver writing to bucket.
func NewObjectArchiver(objects ObjectPutter, bucket string) (*ObjectArchiver, error) {
	if objects == nil {
		return nil, errors.New("object store is required")
	}
	if bucket == "" {
		return nil, errors.New("bucket is required")
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	return &ObjectArchiver{objects: objects, bucket: bucket, enc: enc}, nil
}

// ArchiveKey is the object key for env.
func ArchiveKey(env *envelope.Envelope) string {
	return path.Join("events", env.ComponentInstanceID, env.EventID+".json.zst")
}

// Archive stores raw exactly as received so the archived copy still verifies.
func (a *ObjectArchiver) Archive(ctx context.Context, env *envelope.Envelope, raw []byte) error {
	compressed := a.enc.EncodeAll(raw, make([]byte, 0, len(raw)))
	sum := sha256.Sum256(compressed)

	key := ArchiveKey(env)
	if err := a.objects.PutObject(ctx, a.bucket, key, bytes.NewReader(compressed), int64(len(compressed)), hex.EncodeToString(sum[:])); err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

// Close releases encoder resources.
func (a *ObjectArchiver) Close() error {
	if a == nil || a.enc == nil {
		return nil
	}
	return a.enc.Close()
}
