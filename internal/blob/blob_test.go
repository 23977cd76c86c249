package blob

import (
	"bytes"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRefFor(t *testing.T) {
	ref := RefFor([]byte("solution"))
	assert.Len(t, ref.Hash, 64)
	assert.Equal(t, URIScheme+ref.Hash, ref.URI)
	assert.EqualValues(t, 8, ref.Size)
	assert.NoError(t, ref.Verify([]byte("solution")))
	assert.ErrorIs(t, ref.Verify([]byte("solutioN")), ErrHashMismatch)
	assert.ErrorIs(t, ref.Verify([]byte("short")), ErrHashMismatch)
}

func TestParseURI(t *testing.T) {
	ref := RefFor([]byte("x"))
	h, err := ParseURI(ref.URI)
	require.NoError(t, err)
	assert.Equal(t, ref.Hash, h)

	_, err = ParseURI("s3://bucket/key")
	assert.Error(t, err)
	_, err = ParseURI(URIScheme + "nothex")
	assert.Error(t, err)
}

func TestShardStore_RoundTrip(t *testing.T) {
	store, err := NewShardStore(t.TempDir(), 0, 0)
	require.NoError(t, err)

	payload := bytes.Repeat([]byte("consensus payload "), 100)
	ref, err := store.Put(payload)
	require.NoError(t, err)

	got, err := store.Get(ref)
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	again, err := store.Put(payload)
	require.NoError(t, err)
	assert.Equal(t, ref, again)
}

func TestShardStore_SurvivesLostShards(t *testing.T) {
	dir := t.TempDir()
	store, err := NewShardStore(dir, 4, 2)
	require.NoError(t, err)

	payload := []byte("the quick brown fox jumps over the lazy dog")
	ref, err := store.Put(payload)
	require.NoError(t, err)

	// Lose one data shard and one parity shard.
	require.NoError(t, os.Remove(filepath.Join(dir, ref.Hash, strconv.Itoa(1))))
	require.NoError(t, os.Remove(filepath.Join(dir, ref.Hash, strconv.Itoa(5))))

	got, err := store.Get(ref)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestShardStore_TooManyLost(t *testing.T) {
	dir := t.TempDir()
	store, err := NewShardStore(dir, 4, 2)
	require.NoError(t, err)

	ref, err := store.Put([]byte("fragile payload bytes"))
	require.NoError(t, err)
	for _, i := range []int{0, 1, 2} {
		require.NoError(t, os.Remove(filepath.Join(dir, ref.Hash, strconv.Itoa(i))))
	}

	_, err = store.Get(ref)
	assert.Error(t, err)
}

func TestShardStore_EmptyPayload(t *testing.T) {
	store, err := NewShardStore(t.TempDir(), 0, 0)
	require.NoError(t, err)

	ref, err := store.Put(nil)
	require.NoError(t, err)
	got, err := store.Get(ref)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestShardStore_Unknown(t *testing.T) {
	store, err := NewShardStore(t.TempDir(), 0, 0)
	require.NoError(t, err)
	_, err = store.Get(RefFor([]byte("never stored")))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRef_Validate(t *testing.T) {
	ref := RefFor([]byte("x"))
	assert.NoError(t, ref.Validate())
	assert.NoError(t, Ref{Hash: ref.Hash}.Validate())

	for name, bad := range map[string]Ref{
		"empty":        {},
		"traversal":    {Hash: "../../etc/passwd"},
		"short":        {Hash: ref.Hash[:63]},
		"upper":        {Hash: strings.ToUpper(ref.Hash)},
		"uri mismatch": {Hash: ref.Hash, URI: RefFor([]byte("y")).URI},
		"uri scheme":   {Hash: ref.Hash, URI: "file:///" + ref.Hash},
		"size":         {Hash: ref.Hash, Size: -1},
	} {
		assert.ErrorIs(t, bad.Validate(), ErrInvalidRef, name)
	}
}

func TestShardStore_RejectsMalformedRef(t *testing.T) {
	dir := t.TempDir()
	store, err := NewShardStore(filepath.Join(dir, "blobs"), 0, 0)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, manifestName), []byte(`{}`), 0600))

	_, err = store.Get(Ref{Hash: ".."})
	assert.ErrorIs(t, err, ErrInvalidRef)
}
