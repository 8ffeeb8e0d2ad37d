// Package keywords builds and queries pre-computed keyword indexes over
// Parquet files, so selective lookups on high cardinality string columns
// answer from a compact sidecar instead of scanning the data file.
//
// The sidecar lives in a <file>.index/ directory next to the data file,
// locally or in an object store, and holds a header with per column
// membership filters plus a chunked keyword directory loaded lazily at
// search time.
package keywords

import (
	"context"

	"github.com/vinceanalytics/keywords/internal/index"
	"github.com/vinceanalytics/keywords/internal/search"
	"github.com/vinceanalytics/keywords/internal/storage"
)

// Errors surfaced by the API. FormatError and ConfigError carry detail and
// match with errors.As.
var (
	ErrStaleIndex   = index.ErrStaleIndex
	ErrMissingIndex = index.ErrMissingIndex
	ErrEmptyQuery   = index.ErrEmptyQuery
)

type (
	FormatError = index.FormatError
	ConfigError = index.ConfigError

	// Result and friends are returned by Search.
	Result        = search.Result
	ColumnMatches = search.ColumnMatches
	Info          = search.Info
)

// BuildOptions configures BuildAndSaveIndex. The zero value gets the
// defaults: 1% false positive rate, 4096 keywords per chunk.
type BuildOptions struct {
	// FPR is the bloom filter false positive rate, (0, 1).
	FPR float64
	// ChunkSize is the keyword count per directory chunk.
	ChunkSize uint32
	// Exclude lists string columns to leave unindexed.
	Exclude []string
	// Prefix versions the sidecar object names ("v2_" yields
	// v2_filters.rkyv).
	Prefix string
}

// BuildAndSaveIndex indexes every string column of the Parquet file at
// location and writes the sidecar next to it. location is a local path or
// an s3:// URI. An existing sidecar is only replaced once the new one is
// fully written.
func BuildAndSaveIndex(ctx context.Context, location string, opts BuildOptions) error {
	store, base, err := storage.Open(location)
	if err != nil {
		return err
	}
	cfg := index.BuildConfig{
		FPR:       opts.FPR,
		ChunkSize: opts.ChunkSize,
		Exclude:   opts.Exclude,
		Prefix:    opts.Prefix,
	}
	if cfg.FPR == 0 {
		cfg.FPR = 0.01
	}
	if cfg.ChunkSize == 0 {
		cfg.ChunkSize = index.DefaultChunkSize
	}
	return index.Build(ctx, store, base, cfg)
}

// SearchOptions configures Search.
type SearchOptions struct {
	// Columns restricts the search to the named columns; empty searches
	// everywhere.
	Columns []string
	// Verify opts in to reading data file cells when phrase verification
	// is inconclusive from index state.
	Verify bool
	// AcceptStale searches an index whose source identity no longer
	// matches the data file.
	AcceptStale bool
	// Prefix selects a prefixed sidecar.
	Prefix string
}

// Search answers a keyword or phrase query from the sidecar of the file at
// location. A query that shreds to a single token returns its verified row
// runs directly; multi token phrases are verified through parent chains,
// falling back to cell reads only when opts.Verify is set.
func Search(ctx context.Context, location, query string, opts SearchOptions) (*Result, error) {
	store, base, err := storage.Open(location)
	if err != nil {
		return nil, err
	}
	s, err := search.Open(ctx, store, base, opts.Prefix)
	if err != nil {
		return nil, err
	}
	return s.Search(ctx, query, search.Options{
		Columns:     opts.Columns,
		Verify:      opts.Verify,
		AcceptStale: opts.AcceptStale,
	})
}

// ValidateIndex reports nil for a fresh index, ErrStaleIndex when the data
// file changed since the build, and ErrMissingIndex when there is no
// sidecar.
func ValidateIndex(ctx context.Context, location, prefix string) error {
	store, base, err := storage.Open(location)
	if err != nil {
		return err
	}
	s, err := search.Open(ctx, store, base, prefix)
	if err != nil {
		return err
	}
	return s.Validate(ctx)
}

// IndexInfo loads the sidecar header and summarizes it.
func IndexInfo(ctx context.Context, location, prefix string) (Info, error) {
	store, base, err := storage.Open(location)
	if err != nil {
		return Info{}, err
	}
	s, err := search.Open(ctx, store, base, prefix)
	if err != nil {
		return Info{}, err
	}
	return s.Info(), nil
}

// IsNoMatch reports whether a search result is a clean absence rather than
// an error.
func IsNoMatch(res *Result, err error) bool {
	return err == nil && res != nil && res.Empty()
}
