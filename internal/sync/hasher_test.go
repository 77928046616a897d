package sync

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHasherSHA256(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f.txt")
	payload := []byte("the quick brown fox")
	require.NoError(t, os.WriteFile(path, payload, 0o644))

	h, err := NewHasher("")
	require.NoError(t, err)
	assert.Equal(t, HashAlgoSHA256, h.Algorithm())

	res, err := h.HashFile(context.Background(), path)
	require.NoError(t, err)

	want := sha256.Sum256(payload)
	assert.Equal(t, hex.EncodeToString(want[:]), res.Hash)
	assert.Equal(t, HashAlgoSHA256, res.Algorithm)
	assert.EqualValues(t, len(payload), res.Size)
}

func TestHasherSHA1(t *testing.T) {
	h, err := NewHasher(HashAlgoSHA1)
	require.NoError(t, err)

	res, err := h.HashReader(context.Background(), bytes.NewReader([]byte("abc")))
	require.NoError(t, err)
	// sha1("abc")
	assert.Equal(t, "a9993e364706816aba3e25717850c26c9cd0d89d", res.Hash)
	assert.Equal(t, HashAlgoSHA1, res.Algorithm)
}

func TestHasherUnsupportedAlgo(t *testing.T) {
	_, err := NewHasher("md5")
	assert.Error(t, err)
}

func TestHasherLargeFileStreams(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "big.bin")

	// larger than one chunk so the loop runs more than once
	payload := bytes.Repeat([]byte{0xAB}, hashChunkSize*3+17)
	require.NoError(t, os.WriteFile(path, payload, 0o644))

	h, err := NewHasher(HashAlgoSHA256)
	require.NoError(t, err)

	res, err := h.HashFile(context.Background(), path)
	require.NoError(t, err)

	want := sha256.Sum256(payload)
	assert.Equal(t, hex.EncodeToString(want[:]), res.Hash)
	assert.EqualValues(t, len(payload), res.Size)
}

func TestHasherMissingFile(t *testing.T) {
	h, err := NewHasher(HashAlgoSHA256)
	require.NoError(t, err)

	_, err = h.HashFile(context.Background(), filepath.Join(t.TempDir(), "absent"))
	assert.Error(t, err)
}

func TestHasherCanceledContext(t *testing.T) {
	h, err := NewHasher(HashAlgoSHA256)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = h.HashReader(ctx, bytes.NewReader([]byte("x")))
	assert.ErrorIs(t, err, context.Canceled)
}
