package index

import (
	"context"
	"fmt"

	"github.com/vinceanalytics/keywords/internal/storage"
)

// Load fetches and decodes the full header blob. Chunk data stays on
// storage until a search touches it.
func Load(ctx context.Context, store storage.Adapter, base, prefix string) (*Header, error) {
	b, err := store.Get(ctx, FiltersPath(base, prefix))
	if err != nil {
		if storage.IsNotFound(err) {
			return nil, ErrMissingIndex
		}
		return nil, fmt.Errorf("index: reading %s: %w", FiltersName, err)
	}
	return DecodeHeader(b)
}

// ReadChunk fetches one chunk payload with a single range GET and decodes
// it. global selects the column 0 record form.
func ReadChunk(ctx context.Context, store storage.Adapter, base, prefix string, c ChunkInfo, global bool) ([]Record, error) {
	b, err := store.GetRange(ctx, DataPath(base, prefix), int64(c.Offset), int64(c.Length))
	if err != nil {
		if storage.IsNotFound(err) {
			return nil, ErrMissingIndex
		}
		return nil, fmt.Errorf("index: reading %s: %w", DataName, err)
	}
	return DecodeChunk(b, global)
}

// Validate compares the persisted source identity against the data file.
// The etags are compared when both sides have one; size and mtime (to the
// second) are always compared. Any difference reports ErrStaleIndex.
func Validate(ctx context.Context, store storage.Adapter, base string, h *Header) error {
	attrs, err := store.Head(ctx, base)
	if err != nil {
		return fmt.Errorf("index: source file: %w", err)
	}
	if h.Source.ETag != "" && attrs.ETag != "" && h.Source.ETag != attrs.ETag {
		return ErrStaleIndex
	}
	if attrs.Size != h.Source.Size || attrs.ModTime.Unix() != h.Source.ModTime.Unix() {
		return ErrStaleIndex
	}
	return nil
}
