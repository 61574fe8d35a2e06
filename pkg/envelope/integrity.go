package envelope

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/gowebpki/jcs"
)

// Canonical returns the RFC 8785 (JCS) serialization of e with hash_sha256
// blanked. Verifiers must hash exactly these bytes.
func Canonical(e *Envelope) ([]byte, error) {
	if e == nil {
		return nil, errors.New("canonicalize: nil envelope")
	}

	blank := e.Clone()
	blank.Integrity.HashSHA256 = ""

	raw, err := json.Marshal(blank)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: marshal envelope: %w", err)
	}

	canonical, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: transform: %w", err)
	}
	return canonical, nil
}

// Hash returns the lowercase hex SHA-256 of the canonical form of e.
func Hash(e *Envelope) (string, error) {
	canonical, err := Canonical(e)
	if err != nil {
		return "", err
	}

	sum := sha256.Sum256(canonical)
	digest := hex.EncodeToString(sum[:])
	if !IsDigest(digest) {
		return "", fmt.Errorf("%w: got %d", ErrDigestLength, len(digest))
	}
	return digest, nil
}

// Seal computes the digest of e and installs it as hash_sha256. It must be the
// last mutation before the envelope is serialized for transmission.
func Seal(e *Envelope) error {
	digest, err := Hash(e)
	if err != nil {
		return err
	}
	e.Integrity.HashSHA256 = digest
	return nil
}

// Verify recomputes the digest of e and compares it with the stored value.
func Verify(e *Envelope) error {
	if e == nil {
		return errors.New("verify: nil envelope")
	}
	if !IsDigest(e.Integrity.HashSHA256) {
		return fmt.Errorf("verify: hash_sha256: %w", ErrDigestLength)
	}

	digest, err := Hash(e)
	if err != nil {
		return err
	}
	if digest != e.Integrity.HashSHA256 {
		return fmt.Errorf("%w: stored %s, computed %s", ErrHashMismatch, e.Integrity.HashSHA256, digest)
	}
	return nil
}
