// Package blob holds opaque solution payloads. The coordinator only ever
// sees a Ref: the SHA3-256 content hash, a URI and the size. Payload bytes
// live in a Store.
package blob

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/sha3"
)

// URIScheme prefixes refs produced by ShardStore.
const URIScheme = "shard://"

var (
	ErrNotFound     = errors.New("blob not found")
	ErrHashMismatch = errors.New("blob content hash mismatch")
	ErrInvalidRef   = errors.New("invalid blob ref")
)

// Ref points at a payload by content hash.
type Ref struct {
	Hash string `json:"hash"`
	URI  string `json:"uri,omitempty"`
	Size int64  `json:"size"`
}

// IsZero reports whether the ref points at nothing.
func (r Ref) IsZero() bool { return r.Hash == "" }

// Hash returns the lowercase hex SHA3-256 digest of data.
func Hash(data []byte) string {
	sum := sha3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// RefFor builds a ref for data without storing it.
func RefFor(data []byte) Ref {
	h := Hash(data)
	return Ref{Hash: h, URI: URIScheme + h, Size: int64(len(data))}
}

// Verify checks data against the ref's hash and size.
func (r Ref) Verify(data []byte) error {
	if int64(len(data)) != r.Size {
		return fmt.Errorf("%w: size %d, want %d", ErrHashMismatch, len(data), r.Size)
	}
	if Hash(data) != r.Hash {
		return ErrHashMismatch
	}
	return nil
}

// Validate checks that the ref names a well-formed content hash and, when a
// URI is set, that it points at the same hash.
func (r Ref) Validate() error {
	if !validHash(r.Hash) {
		return fmt.Errorf("%w: hash %q", ErrInvalidRef, r.Hash)
	}
	if r.Size < 0 {
		return fmt.Errorf("%w: size %d", ErrInvalidRef, r.Size)
	}
	if r.URI == "" {
		return nil
	}
	h, err := ParseURI(r.URI)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRef, err)
	}
	if h != r.Hash {
		return fmt.Errorf("%w: uri names %s, hash is %s", ErrInvalidRef, h, r.Hash)
	}
	return nil
}

// validHash accepts exactly a lowercase hex SHA3-256 digest.
func validHash(h string) bool {
	if len(h) != 64 || strings.ToLower(h) != h {
		return false
	}
	_, err := hex.DecodeString(h)
	return err == nil
}

// ParseURI extracts the content hash from a shard:// URI.
func ParseURI(uri string) (string, error) {
	if !strings.HasPrefix(uri, URIScheme) {
		return "", fmt.Errorf("unsupported blob uri %q", uri)
	}
	h := strings.TrimPrefix(uri, URIScheme)
	if !validHash(h) {
		return "", fmt.Errorf("invalid blob hash in uri %q", uri)
	}
	return h, nil
}

// Store persists payloads by content hash.
type Store interface {
	Put(data []byte) (Ref, error)
	Get(ref Ref) ([]byte, error)
}
