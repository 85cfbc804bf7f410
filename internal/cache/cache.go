// Package cache defines the versioned key-value cache contract used to
// store transformed artifacts: inline storage for small bodies, chunked
// storage with a trailing manifest for large ones, and a monotonic
// per-logical-key version counter used to defeat upstream caches. Chunks
// are written in order and the manifest is published last, so a reader
// never observes a partially-written entry.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"
)

// Default layout sizes (§4.5).
const (
	DefaultInlineThreshold = 20 * 1024 * 1024 // 20 MB
	DefaultChunkSize       = 5 * 1024 * 1024  // 5 MB
)

// cacheBustingParams are stripped during path normalization so that
// debugging/cache-busting query params don't fragment the keyspace.
var cacheBustingParams = []string{"nocache", "bypass", "debug"}

// Kind tags how a stored entry's bytes are laid out.
type Kind string

const (
	KindInline   Kind = "inline"
	KindChunk    Kind = "chunk"
	KindManifest Kind = "manifest"
)

// Metadata describes a cached entry, independent of its physical layout.
type Metadata struct {
	ContentType string
	TotalLength int64
	Chunked     bool
	ChunkSize   int64
	ChunkCount  int
	CreatedAt   time.Time
}

// Store is the versioned KV cache contract. Get/PutInline structurally
// satisfy internal/signer.KVStore, so the signer's presigned-URL cache and
// internal/upstream's learned-limits persistence can depend on this
// interface without importing this package.
type Store interface {
	// Get reads a single inline-stored value (no metadata, no chunking) —
	// the narrow accessor used by ancillary KV consumers like the presign
	// cache and learned-limits persistence.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	// PutInline writes a single inline-stored value with the given TTL.
	PutInline(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Open performs the full read protocol: look up key, and if present
	// return a reader over its bytes (transparently concatenating chunks
	// for a chunked/manifest entry) plus its Metadata.
	Open(ctx context.Context, key string) (io.ReadCloser, Metadata, bool, error)

	// OpenRange performs the range-read protocol over [start, end] inclusive
	// byte offsets, streaming only the chunks the range touches.
	OpenRange(ctx context.Context, key string, start, end int64) (io.ReadCloser, Metadata, error)

	// PutBody writes body under key per the write protocol: inline if it
	// fits within inlineThreshold, otherwise chunked with the manifest
	// written last. Chunk writes that fail abandon the write without
	// publishing a manifest.
	PutBody(ctx context.Context, key string, body io.Reader, meta Metadata, inlineThreshold, chunkSize int64, ttl time.Duration) error

	// BumpVersion increments the version counter for logicalKey and returns
	// the new value, storing the counter with the given TTL (twice the
	// content TTL, by convention of the caller).
	BumpVersion(ctx context.Context, logicalKey string, ttl time.Duration) (uint64, error)
	// ReadVersion returns the current version counter for logicalKey,
	// defaulting to 1 when absent.
	ReadVersion(ctx context.Context, logicalKey string) (uint64, error)

	// Delete removes an entry (and, for a manifest key, all of its chunks).
	Delete(ctx context.Context, key string) error
	// ListPrefix lists keys beginning with prefix, for cheap presence checks.
	ListPrefix(ctx context.Context, prefix string) ([]string, error)
}

// NormalizePath lowercases path and strips cache-busting query parameters
// before it is used as cache-key input.
func NormalizePath(rawPath string) string {
	u, err := url.Parse(rawPath)
	if err != nil {
		return strings.ToLower(rawPath)
	}
	q := u.Query()
	for _, p := range cacheBustingParams {
		q.Del(p)
	}
	u.RawQuery = q.Encode()
	return strings.ToLower(u.String())
}

// OptionsDigest hashes the canonical (alphabetically ordered) parameter
// encoding produced by internal/transform into a stable digest suitable for
// key construction.
func OptionsDigest(canonicalParams string) string {
	sum := sha256.Sum256([]byte(canonicalParams))
	return hex.EncodeToString(sum[:])
}

// LogicalKey identifies a (path, options) pair independent of version: the
// version counter is stored under VersionKey(LogicalKey(...)).
func LogicalKey(path, optionsDigest string) string {
	norm := NormalizePath(path)
	sum := sha256.Sum256([]byte(norm + "|" + optionsDigest))
	return hex.EncodeToString(sum[:])
}

// Key builds the full, version-qualified cache key:
// "v" + version + ":" + logicalKey.
func Key(logicalKey string, version uint64) string {
	return fmt.Sprintf("v%d:%s", version, logicalKey)
}

// VersionKey builds the key under which logicalKey's version counter is
// stored.
func VersionKey(logicalKey string) string {
	return "v:" + logicalKey
}

// ChunkKey builds the key for the index'th chunk of a chunked entry stored
// under key.
func ChunkKey(key string, index int) string {
	return fmt.Sprintf("chunk:%s:%d", key, index)
}

// ChunkInterval computes the inclusive chunk-index range [firstChunk,
// lastChunk] that covers the byte range [start, end] for the given
// chunkSize, plus the intra-chunk byte offsets needed to slice the first
// and last chunk.
func ChunkInterval(start, end, chunkSize int64) (firstChunk, lastChunk int, startOffset, endOffset int64) {
	firstChunk = int(start / chunkSize)
	lastChunk = int(end / chunkSize)
	startOffset = start % chunkSize
	endOffset = end % chunkSize
	return
}
