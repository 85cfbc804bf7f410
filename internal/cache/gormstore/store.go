// Package gormstore implements internal/cache.Store over GORM, so the
// versioned KV cache can run against SQLite (the zero-config default via
// glebarez/sqlite, a pure-Go driver with no cgo toolchain requirement) or
// any other database for which the caller supplies a gorm.Dialector.
package gormstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/edgevideo/gateway/internal/cache"
)

var _ cache.Store = (*Store)(nil)

// cacheRow is the GORM model backing every inline, chunk, and manifest
// entry. A single table keeps lookups (including prefix scans) to one
// query regardless of layout.
type cacheRow struct {
	Key         string `gorm:"primaryKey"`
	Kind        string `gorm:"index"`
	Value       []byte
	ContentType string
	TotalLength int64
	ChunkSize   int64
	ChunkCount  int
	ExpiresAt   time.Time `gorm:"index"`
	CreatedAt   time.Time
}

func (cacheRow) TableName() string { return "cache_entries" }

// versionRow backs the per-logical-key monotonic version counter.
type versionRow struct {
	LogicalKey string `gorm:"primaryKey"`
	Counter    uint64
	ExpiresAt  time.Time
}

func (versionRow) TableName() string { return "cache_versions" }

// Store implements cache.Store over a *gorm.DB.
type Store struct {
	db    *gorm.DB
	clock func() time.Time
}

// Open runs AutoMigrate against dialector and returns a ready Store. Pass
// glebarez/sqlite's Open(path) for the zero-config default, or any other
// gorm.Dialector implementation.
func Open(dialector gorm.Dialector) (*Store, error) {
	db, err := gorm.Open(dialector, &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("opening cache database: %w", err)
	}
	if err := db.AutoMigrate(&cacheRow{}, &versionRow{}); err != nil {
		return nil, fmt.Errorf("migrating cache schema: %w", err)
	}
	return &Store{db: db, clock: time.Now}, nil
}

// OpenSQLite is the zero-config default: a pure-Go SQLite database file (or
// ":memory:") via glebarez/sqlite, requiring no cgo toolchain.
func OpenSQLite(path string) (*Store, error) {
	return Open(sqlite.Open(path))
}

// farFuture stands in for "no expiry" since the schema always carries an
// ExpiresAt column.
var farFuture = time.Date(2999, 1, 1, 0, 0, 0, 0, time.UTC)

func expiryFor(ttl time.Duration, now time.Time) time.Time {
	if ttl <= 0 {
		return farFuture
	}
	return now.Add(ttl)
}

func (s *Store) now() time.Time {
	if s.clock != nil {
		return s.clock()
	}
	return time.Now()
}

// Get reads a single inline-stored value.
func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var row cacheRow
	err := s.db.WithContext(ctx).
		Where("key = ? AND kind = ? AND expires_at > ?", key, string(cache.KindInline), s.now()).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("reading cache entry: %w", err)
	}
	return row.Value, true, nil
}

// PutInline writes a single inline-stored value.
func (s *Store) PutInline(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	now := s.now()
	row := cacheRow{
		Key:         key,
		Kind:        string(cache.KindInline),
		Value:       value,
		TotalLength: int64(len(value)),
		ExpiresAt:   expiryFor(ttl, now),
		CreatedAt:   now,
	}
	return s.upsert(ctx, &row)
}

func (s *Store) upsert(ctx context.Context, row *cacheRow) error {
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		UpdateAll: true,
	}).Create(row).Error
	if err != nil {
		return fmt.Errorf("writing cache entry %s: %w", row.Key, err)
	}
	return nil
}

// Open performs the full read protocol.
func (s *Store) Open(ctx context.Context, key string) (io.ReadCloser, cache.Metadata, bool, error) {
	var row cacheRow
	err := s.db.WithContext(ctx).
		Where("key = ? AND expires_at > ?", key, s.now()).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, cache.Metadata{}, false, nil
	}
	if err != nil {
		return nil, cache.Metadata{}, false, fmt.Errorf("reading cache entry: %w", err)
	}

	meta := cache.Metadata{
		ContentType: row.ContentType,
		TotalLength: row.TotalLength,
		Chunked:     row.Kind == string(cache.KindManifest),
		ChunkSize:   row.ChunkSize,
		ChunkCount:  row.ChunkCount,
		CreatedAt:   row.CreatedAt,
	}

	if row.Kind == string(cache.KindInline) {
		return io.NopCloser(bytes.NewReader(row.Value)), meta, true, nil
	}

	reader := &chunkedReader{ctx: ctx, store: s, key: key, chunkCount: row.ChunkCount}
	return reader, meta, true, nil
}

// OpenRange performs the range-read protocol over [start, end] inclusive.
func (s *Store) OpenRange(ctx context.Context, key string, start, end int64) (io.ReadCloser, cache.Metadata, error) {
	var row cacheRow
	err := s.db.WithContext(ctx).
		Where("key = ? AND expires_at > ?", key, s.now()).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, cache.Metadata{}, fmt.Errorf("cache entry %s not found", key)
	}
	if err != nil {
		return nil, cache.Metadata{}, fmt.Errorf("reading cache entry: %w", err)
	}

	meta := cache.Metadata{
		ContentType: row.ContentType,
		TotalLength: row.TotalLength,
		Chunked:     row.Kind == string(cache.KindManifest),
		ChunkSize:   row.ChunkSize,
		ChunkCount:  row.ChunkCount,
		CreatedAt:   row.CreatedAt,
	}

	if row.Kind == string(cache.KindInline) {
		if end >= int64(len(row.Value)) {
			end = int64(len(row.Value)) - 1
		}
		if start > end || start < 0 {
			return nil, meta, fmt.Errorf("range [%d,%d] not satisfiable against length %d", start, end, len(row.Value))
		}
		return io.NopCloser(bytes.NewReader(row.Value[start : end+1])), meta, nil
	}

	firstChunk, lastChunk, startOffset, endOffset := cache.ChunkInterval(start, end, row.ChunkSize)
	reader := &chunkedReader{
		ctx: ctx, store: s, key: key,
		chunkCount:   row.ChunkCount,
		rangeMode:    true,
		firstChunk:   firstChunk,
		lastChunk:    lastChunk,
		startOffset:  startOffset,
		endOffset:    endOffset,
	}
	return reader, meta, nil
}

// PutBody writes body under key per the write protocol: inline if it fits,
// otherwise chunked with the manifest written last. A chunk write failure
// abandons the write — the manifest is never published, and the chunks
// already written are removed.
func (s *Store) PutBody(ctx context.Context, key string, body io.Reader, meta cache.Metadata, inlineThreshold, chunkSize int64, ttl time.Duration) error {
	buf := make([]byte, inlineThreshold+1)
	n, readErr := io.ReadFull(body, buf)
	if readErr != nil && readErr != io.ErrUnexpectedEOF && readErr != io.EOF {
		return fmt.Errorf("reading body: %w", readErr)
	}

	if int64(n) <= inlineThreshold {
		now := s.now()
		row := cacheRow{
			Key:         key,
			Kind:        string(cache.KindInline),
			Value:       buf[:n],
			ContentType: meta.ContentType,
			TotalLength: int64(n),
			ExpiresAt:   expiryFor(ttl, now),
			CreatedAt:   now,
		}
		return s.upsert(ctx, &row)
	}

	return s.putChunked(ctx, key, io.MultiReader(bytes.NewReader(buf[:n]), body), meta, chunkSize, ttl)
}

func (s *Store) putChunked(ctx context.Context, key string, body io.Reader, meta cache.Metadata, chunkSize int64, ttl time.Duration) error {
	now := s.now()
	expiresAt := expiryFor(ttl, now)

	var total int64
	index := 0
	chunkBuf := make([]byte, chunkSize)

	for {
		n, err := io.ReadFull(body, chunkBuf)
		if n > 0 {
			row := cacheRow{
				Key:       cache.ChunkKey(key, index),
				Kind:      string(cache.KindChunk),
				Value:     append([]byte(nil), chunkBuf[:n]...),
				ExpiresAt: expiresAt,
				CreatedAt: now,
			}
			if upsertErr := s.upsert(ctx, &row); upsertErr != nil {
				s.abandonChunks(ctx, key, index)
				return fmt.Errorf("writing chunk %d: %w", index, upsertErr)
			}
			total += int64(n)
			index++
		}
		if err == io.EOF {
			break
		}
		if err == io.ErrUnexpectedEOF {
			break
		}
		if err != nil {
			s.abandonChunks(ctx, key, index)
			return fmt.Errorf("reading body for chunk %d: %w", index, err)
		}
	}

	manifest := cacheRow{
		Key:         key,
		Kind:        string(cache.KindManifest),
		ContentType: meta.ContentType,
		TotalLength: total,
		ChunkSize:   chunkSize,
		ChunkCount:  index,
		ExpiresAt:   expiresAt,
		CreatedAt:   now,
	}
	return s.upsert(ctx, &manifest)
}

// abandonChunks deletes chunks [0, writtenCount) for key after a failed
// chunked write; the manifest for key is never written in that case.
func (s *Store) abandonChunks(ctx context.Context, key string, writtenCount int) {
	for i := 0; i < writtenCount; i++ {
		s.db.WithContext(ctx).Where("key = ?", cache.ChunkKey(key, i)).Delete(&cacheRow{})
	}
}

// BumpVersion increments the version counter for logicalKey.
func (s *Store) BumpVersion(ctx context.Context, logicalKey string, ttl time.Duration) (uint64, error) {
	var newCounter uint64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row versionRow
		err := tx.Where("logical_key = ?", logicalKey).First(&row).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			newCounter = 2
		case err != nil:
			return err
		default:
			newCounter = row.Counter + 1
		}

		now := s.now()
		updated := versionRow{LogicalKey: logicalKey, Counter: newCounter, ExpiresAt: expiryFor(ttl, now)}
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "logical_key"}},
			UpdateAll: true,
		}).Create(&updated).Error
	})
	if err != nil {
		return 0, fmt.Errorf("bumping version for %s: %w", logicalKey, err)
	}
	return newCounter, nil
}

// ReadVersion returns the current version counter, defaulting to 1 when
// absent or expired.
func (s *Store) ReadVersion(ctx context.Context, logicalKey string) (uint64, error) {
	var row versionRow
	err := s.db.WithContext(ctx).
		Where("logical_key = ? AND expires_at > ?", logicalKey, s.now()).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 1, nil
	}
	if err != nil {
		return 0, fmt.Errorf("reading version for %s: %w", logicalKey, err)
	}
	return row.Counter, nil
}

// Delete removes an entry and, if it was a manifest, all of its chunks.
func (s *Store) Delete(ctx context.Context, key string) error {
	var row cacheRow
	err := s.db.WithContext(ctx).Where("key = ?", key).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading cache entry for delete: %w", err)
	}

	if row.Kind == string(cache.KindManifest) {
		s.db.WithContext(ctx).Where("key LIKE ?", fmt.Sprintf("chunk:%s:%%", key)).Delete(&cacheRow{})
	}
	return s.db.WithContext(ctx).Where("key = ?", key).Delete(&cacheRow{}).Error
}

// ListPrefix lists keys beginning with prefix.
func (s *Store) ListPrefix(ctx context.Context, prefix string) ([]string, error) {
	var rows []cacheRow
	err := s.db.WithContext(ctx).
		Select("key").
		Where("key LIKE ? AND expires_at > ?", prefix+"%", s.now()).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("listing cache entries with prefix %s: %w", prefix, err)
	}
	keys := make([]string, len(rows))
	for i, r := range rows {
		keys[i] = r.Key
	}
	return keys, nil
}

// chunkedReader lazily fetches and concatenates chunk rows, in order, for a
// manifest entry. rangeMode restricts iteration to [firstChunk, lastChunk]
// and slices the first/last chunk to the requested intra-chunk offsets.
type chunkedReader struct {
	ctx   context.Context
	store *Store
	key   string

	chunkCount int

	rangeMode   bool
	firstChunk  int
	lastChunk   int
	startOffset int64
	endOffset   int64

	current int
	pending []byte
}

func (r *chunkedReader) Read(p []byte) (int, error) {
	for len(r.pending) == 0 {
		idx := r.nextIndex()
		if idx < 0 {
			return 0, io.EOF
		}

		var row cacheRow
		err := r.store.db.WithContext(r.ctx).Where("key = ?", cache.ChunkKey(r.key, idx)).First(&row).Error
		if err != nil {
			return 0, fmt.Errorf("reading chunk %d of %s: %w", idx, r.key, err)
		}

		r.pending = r.sliceChunk(idx, row.Value)
		r.current = idx + 1
	}

	n := copy(p, r.pending)
	r.pending = r.pending[n:]
	return n, nil
}

func (r *chunkedReader) nextIndex() int {
	if !r.rangeMode {
		if r.current >= r.chunkCount {
			return -1
		}
		return r.current
	}
	if r.current == 0 {
		r.current = r.firstChunk
	}
	if r.current > r.lastChunk {
		return -1
	}
	return r.current
}

func (r *chunkedReader) sliceChunk(idx int, value []byte) []byte {
	if !r.rangeMode {
		return value
	}
	start, end := int64(0), int64(len(value))
	if idx == r.firstChunk {
		start = r.startOffset
	}
	if idx == r.lastChunk {
		end = r.endOffset + 1
	}
	if start > int64(len(value)) {
		start = int64(len(value))
	}
	if end > int64(len(value)) {
		end = int64(len(value))
	}
	if start > end {
		start = end
	}
	return value[start:end]
}

func (r *chunkedReader) Close() error { return nil }
