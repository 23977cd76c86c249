package blob

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/klauspost/reedsolomon"
)

const (
	defaultDataShards   = 4
	defaultParityShards = 2
	manifestName        = "manifest.json"
)

// manifest records how a payload was split so it can be rebuilt.
type manifest struct {
	Hash         string `json:"hash"`
	Size         int64  `json:"size"`
	DataShards   int    `json:"data_shards"`
	ParityShards int    `json:"parity_shards"`
}

// ShardStore keeps each payload as Reed-Solomon erasure coded shards under
// dir/<hash>/. Up to ParityShards shard files may be lost and the payload is
// still recoverable.
type ShardStore struct {
	mu           sync.Mutex
	dir          string
	dataShards   int
	parityShards int
}

// NewShardStore creates the directory if needed. Zero shard counts use the
// defaults (4 data, 2 parity).
func NewShardStore(dir string, dataShards, parityShards int) (*ShardStore, error) {
	if dataShards <= 0 {
		dataShards = defaultDataShards
	}
	if parityShards <= 0 {
		parityShards = defaultParityShards
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create blob dir: %w", err)
	}
	return &ShardStore{dir: dir, dataShards: dataShards, parityShards: parityShards}, nil
}

// Put shards and writes data. Storing the same content twice is a no-op.
func (s *ShardStore) Put(data []byte) (Ref, error) {
	ref := RefFor(data)

	s.mu.Lock()
	defer s.mu.Unlock()

	dir := filepath.Join(s.dir, ref.Hash)
	if _, err := os.Stat(filepath.Join(dir, manifestName)); err == nil {
		return ref, nil
	}

	shards, err := splitShards(data, s.dataShards, s.parityShards)
	if err != nil {
		return Ref{}, err
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return Ref{}, fmt.Errorf("create shard dir: %w", err)
	}
	for i, shard := range shards {
		if err := os.WriteFile(filepath.Join(dir, strconv.Itoa(i)), shard, 0600); err != nil {
			return Ref{}, fmt.Errorf("write shard %d: %w", i, err)
		}
	}

	m, err := json.Marshal(manifest{
		Hash:         ref.Hash,
		Size:         ref.Size,
		DataShards:   s.dataShards,
		ParityShards: s.parityShards,
	})
	if err != nil {
		return Ref{}, err
	}
	// The manifest is written last; its presence marks a complete payload.
	if err := os.WriteFile(filepath.Join(dir, manifestName), m, 0600); err != nil {
		return Ref{}, fmt.Errorf("write manifest: %w", err)
	}
	return ref, nil
}

// Get rebuilds the payload, tolerating missing shard files, and verifies it
// against the ref.
func (s *ShardStore) Get(ref Ref) ([]byte, error) {
	if err := ref.Validate(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	dir := filepath.Join(s.dir, ref.Hash)
	raw, err := os.ReadFile(filepath.Join(dir, manifestName))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, ref.Hash)
	}
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	var m manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}

	shards := make([][]byte, m.DataShards+m.ParityShards)
	for i := range shards {
		b, err := os.ReadFile(filepath.Join(dir, strconv.Itoa(i)))
		if err != nil {
			continue // lost shard, reconstructed below
		}
		shards[i] = b
	}

	data, err := joinShards(shards, m.DataShards, m.ParityShards, int(m.Size))
	if err != nil {
		return nil, err
	}
	if err := ref.Verify(data); err != nil {
		return nil, err
	}
	return data, nil
}

// splitShards erasure codes data into dataShards + parityShards pieces.
func splitShards(data []byte, dataShards, parityShards int) ([][]byte, error) {
	enc, err := reedsolomon.New(dataShards, parityShards)
	if err != nil {
		return nil, fmt.Errorf("creating reed-solomon encoder: %w", err)
	}
	// Split refuses empty input; pad a zero byte, the size in the manifest trims it.
	if len(data) == 0 {
		data = []byte{0}
	}
	shards, err := enc.Split(data)
	if err != nil {
		return nil, fmt.Errorf("splitting payload into shards: %w", err)
	}
	if err := enc.Encode(shards); err != nil {
		return nil, fmt.Errorf("encoding parity shards: %w", err)
	}
	return shards, nil
}

// joinShards reconstructs missing shards and returns the first size bytes.
func joinShards(shards [][]byte, dataShards, parityShards, size int) ([]byte, error) {
	enc, err := reedsolomon.New(dataShards, parityShards)
	if err != nil {
		return nil, fmt.Errorf("creating reed-solomon encoder: %w", err)
	}
	if err := enc.Reconstruct(shards); err != nil {
		return nil, fmt.Errorf("reconstructing shards: %w", err)
	}
	ok, err := enc.Verify(shards)
	if err != nil {
		return nil, fmt.Errorf("verifying shards: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("shard verification failed after reconstruction")
	}

	var out []byte
	for i := 0; i < dataShards; i++ {
		out = append(out, shards[i]...)
	}
	if size > len(out) {
		return nil, fmt.Errorf("payload size %d exceeds reconstructed length %d", size, len(out))
	}
	return out[:size], nil
}
