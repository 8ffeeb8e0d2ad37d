package index

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/RoaringBitmap/roaring"
	"github.com/vinceanalytics/keywords/internal/columns"
	"github.com/vinceanalytics/keywords/internal/filter"
	"github.com/vinceanalytics/keywords/internal/parquetx"
	"github.com/vinceanalytics/keywords/internal/shred"
	"github.com/vinceanalytics/keywords/internal/storage"
)

// BuildConfig controls one index build.
type BuildConfig struct {
	// FPR is the bloom false positive rate, (0, 1).
	FPR float64
	// ChunkSize is the keyword count per directory chunk.
	ChunkSize uint32
	// BloomThreshold switches a column from exact set to bloom. Zero
	// means the filter package default.
	BloomThreshold int
	// Exclude names string columns to leave out of the index. Naming a
	// column the file does not have is a configuration error.
	Exclude []string
	// Prefix versions the sidecar object names.
	Prefix string
}

const DefaultChunkSize = 4096

func (c *BuildConfig) validate() error {
	if c.FPR <= 0 || c.FPR >= 1 {
		return &ConfigError{Reason: fmt.Sprintf("false positive rate %v out of range", c.FPR)}
	}
	if c.ChunkSize == 0 {
		return &ConfigError{Reason: "chunk size must be positive"}
	}
	return nil
}

// variant accumulates occurrences for one (keyword, parent) pair in one
// column. Rows are bitmaps per row group and become maximal RLE runs at
// serialization.
type variant struct {
	level uint8
	rows  map[uint16]*roaring.Bitmap
	// cols is only tracked in the global aggregate
	cols *roaring.Bitmap
}

// accumulator is one column's keyword map under construction.
type accumulator struct {
	global   bool
	keywords map[string]map[string]*variant
}

func newAccumulator(global bool) *accumulator {
	return &accumulator{global: global, keywords: make(map[string]map[string]*variant)}
}

func (a *accumulator) add(e shred.Emit, rowGroup uint16, row uint32, col uint32) {
	parents, ok := a.keywords[e.Keyword]
	if !ok {
		parents = make(map[string]*variant)
		a.keywords[e.Keyword] = parents
	}
	v, ok := parents[e.Parent]
	if !ok {
		v = &variant{level: e.Level, rows: make(map[uint16]*roaring.Bitmap)}
		if a.global {
			v.cols = roaring.New()
		}
		parents[e.Parent] = v
	}
	if e.Level < v.level {
		v.level = e.Level
	}
	rows, ok := v.rows[rowGroup]
	if !ok {
		rows = roaring.New()
		v.rows[rowGroup] = rows
	}
	rows.Add(row)
	if a.global {
		v.cols.Add(col)
	}
}

// records flattens the accumulator into the directory order: keywords byte
// ascending, parents byte ascending within a keyword.
func (a *accumulator) records() []Record {
	keys := make([]string, 0, len(a.keywords))
	for k := range a.keywords {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]Record, 0, len(keys))
	for _, k := range keys {
		parents := a.keywords[k]
		ps := make([]string, 0, len(parents))
		for p := range parents {
			ps = append(ps, p)
		}
		sort.Strings(ps)
		for _, p := range ps {
			v := parents[p]
			out = append(out, Record{
				Keyword: k,
				Parent:  p,
				Level:   v.level,
				Runs:    RunsFromRows(v.rows),
				Columns: v.cols,
			})
		}
	}
	return out
}

// Build shreds every included string column of the data file and writes the
// sidecar. The write is transactional: data.bin lands before filters.rkyv,
// and each object is staged by the storage adapter, so a failed or
// cancelled build leaves any prior sidecar intact.
func Build(ctx context.Context, store storage.Adapter, base string, cfg BuildConfig) error {
	if err := cfg.validate(); err != nil {
		return err
	}
	attrs, err := store.Head(ctx, base)
	if err != nil {
		return fmt.Errorf("index: source file: %w", err)
	}
	pf, err := parquetx.Open(storage.ReaderAt(ctx, store, base), attrs.Size)
	if err != nil {
		return &FormatError{Object: base, Reason: err.Error()}
	}

	excluded := make(map[string]bool, len(cfg.Exclude))
	for _, name := range cfg.Exclude {
		excluded[name] = true
	}
	discovered := make(map[string]bool)
	pool := columns.NewPool()
	var included []string
	for _, name := range pf.StringColumns() {
		discovered[name] = true
		if excluded[name] {
			continue
		}
		if _, err := pool.Intern(name); err != nil {
			return &ConfigError{Reason: err.Error()}
		}
		included = append(included, name)
	}
	for name := range excluded {
		if !discovered[name] {
			return &ConfigError{Reason: fmt.Sprintf("excluded column %q not in file", name)}
		}
	}

	accs := map[uint32]*accumulator{columns.Global: newAccumulator(true)}
	for _, name := range included {
		id, _ := pool.Lookup(name)
		accs[id] = newAccumulator(false)
	}

	// Rows stream in (row_group, row) ascending order per column; the
	// accumulator bitmaps absorb the cross column interleaving that the
	// global aggregate sees.
	for rg := 0; rg < pf.RowGroups(); rg++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		rowGroup := uint16(rg)
		for _, name := range included {
			id, _ := pool.Lookup(name)
			acc := accs[id]
			global := accs[columns.Global]
			err := pf.Scan(rg, name, func(row uint32, cell string) error {
				shred.Cell(cell, func(e shred.Emit) {
					acc.add(e, rowGroup, row, id)
					global.add(e, rowGroup, row, id)
				})
				return ctx.Err()
			})
			if err != nil {
				return err
			}
		}
	}

	header := &Header{
		Source: attrs,
		Config: Config{
			FPR:          cfg.FPR,
			ChunkSize:    cfg.ChunkSize,
			TableVersion: shred.TableVersion,
		},
		Pool:    pool,
		Filters: make(map[uint32]*filter.Filter),
		Chunks:  make(map[uint32][]ChunkInfo),
	}

	var blob []byte
	for _, id := range columnOrder(accs) {
		acc := accs[id]
		records := acc.records()
		keys := make([]string, 0, len(acc.keywords))
		for k := range acc.keywords {
			keys = append(keys, k)
		}
		header.Filters[id] = filter.Build(keys, cfg.FPR, cfg.BloomThreshold)

		for _, chunk := range chunkRecords(records, int(cfg.ChunkSize)) {
			payload, err := EncodeChunk(chunk, acc.global)
			if err != nil {
				return err
			}
			header.Chunks[id] = append(header.Chunks[id], ChunkInfo{
				First:  chunk[0].Keyword,
				Last:   chunk[len(chunk)-1].Keyword,
				Offset: uint64(len(blob)),
				Length: uint32(len(payload)),
			})
			blob = append(blob, payload...)
		}
	}

	if err := store.Put(ctx, DataPath(base, cfg.Prefix), blob); err != nil {
		return fmt.Errorf("index: writing %s: %w", DataName, err)
	}
	if err := store.Put(ctx, FiltersPath(base, cfg.Prefix), EncodeHeader(header)); err != nil {
		return fmt.Errorf("index: writing %s: %w", FiltersName, err)
	}
	slog.Debug("built keyword index",
		"file", base,
		"columns", pool.Len(),
		"keywords", len(accs[columns.Global].keywords),
		"bytes", len(blob),
	)
	return nil
}

// chunkRecords packs directory records into chunks of about size keywords,
// never splitting one keyword's parent variants across a chunk boundary so
// chunk key ranges stay disjoint.
func chunkRecords(records []Record, size int) [][]Record {
	var out [][]Record
	var cur []Record
	kwCount := 0
	for i := 0; i < len(records); {
		j := i
		for j < len(records) && records[j].Keyword == records[i].Keyword {
			j++
		}
		if kwCount >= size {
			out = append(out, cur)
			cur = nil
			kwCount = 0
		}
		cur = append(cur, records[i:j]...)
		kwCount++
		i = j
	}
	if len(cur) > 0 {
		out = append(out, cur)
	}
	return out
}
