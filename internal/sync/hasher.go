package sync

import (
	"context"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"
)

const (
	HashAlgoSHA256 = "sha-256"
	HashAlgoSHA1   = "sha-1"

	hashChunkSize = 256 * 1024
)

// HashResult describes one hashed file.
type HashResult struct {
	Hash      string
	Algorithm string
	Size      int64
}

// Hasher computes streaming content hashes. Files are read in fixed chunks
// so memory stays flat regardless of file size.
type Hasher struct {
	algo string
}

func NewHasher(algo string) (*Hasher, error) {
	switch algo {
	case "", HashAlgoSHA256:
		algo = HashAlgoSHA256
	case HashAlgoSHA1:
	default:
		return nil, fmt.Errorf("unsupported hash algorithm %q", algo)
	}
	return &Hasher{algo: algo}, nil
}

func (h *Hasher) Algorithm() string {
	return h.algo
}

func (h *Hasher) newHash() hash.Hash {
	if h.algo == HashAlgoSHA1 {
		return sha1.New()
	}
	return sha256.New()
}

// HashFile streams the file at absPath through the configured hash. The
// context is checked between chunks so large files cancel promptly.
func (h *Hasher) HashFile(ctx context.Context, absPath string) (*HashResult, error) {
	f, err := os.Open(absPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	return h.hashReader(ctx, f)
}

// HashReader consumes r fully and returns its hash.
func (h *Hasher) HashReader(ctx context.Context, r io.Reader) (*HashResult, error) {
	return h.hashReader(ctx, r)
}

func (h *Hasher) hashReader(ctx context.Context, r io.Reader) (*HashResult, error) {
	hasher := h.newHash()
	buf := make([]byte, hashChunkSize)
	var size int64

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		n, err := r.Read(buf)
		if n > 0 {
			size += int64(n)
			hasher.Write(buf[:n])
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
	}

	return &HashResult{
		Hash:      hex.EncodeToString(hasher.Sum(nil)),
		Algorithm: h.algo,
		Size:      size,
	}, nil
}
