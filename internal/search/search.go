// Package search answers keyword and phrase queries from a sidecar index,
// reading as little of it as possible: the header at open, then at most
// one directory chunk per (column, keyword) touched.
package search

import (
	"context"
	"log/slog"
	"sort"
	"strings"

	"github.com/RoaringBitmap/roaring"
	"github.com/vinceanalytics/keywords/internal/columns"
	"github.com/vinceanalytics/keywords/internal/index"
	"github.com/vinceanalytics/keywords/internal/parquetx"
	"github.com/vinceanalytics/keywords/internal/shred"
	"github.com/vinceanalytics/keywords/internal/storage"
)

// Searcher owns private scratch state (chunk cache, lazily opened data
// file); it is not safe for concurrent use. Callers wanting parallel
// queries open one searcher each.
type Searcher struct {
	store  storage.Adapter
	base   string
	prefix string
	header *index.Header

	chunks map[chunkKey][]index.Record
	pf     *parquetx.File
}

type chunkKey struct {
	col   uint32
	chunk int
}

// Open fetches and decodes the header. Chunk data is left on storage.
func Open(ctx context.Context, store storage.Adapter, base, prefix string) (*Searcher, error) {
	h, err := index.Load(ctx, store, base, prefix)
	if err != nil {
		return nil, err
	}
	if h.Config.TableVersion != shred.TableVersion {
		return nil, index.ErrStaleIndex
	}
	return &Searcher{
		store:  store,
		base:   base,
		prefix: prefix,
		header: h,
		chunks: make(map[chunkKey][]index.Record),
	}, nil
}

// Validate checks index freshness against the current data file.
func (s *Searcher) Validate(ctx context.Context) error {
	return index.Validate(ctx, s.store, s.base, s.header)
}

// Info summarizes the open index.
type Info struct {
	Version   uint32
	Columns   []string
	Chunks    int
	Source    storage.Attributes
	FPR       float64
	ChunkSize uint32
}

func (s *Searcher) Info() Info {
	n := 0
	for _, c := range s.header.Chunks {
		n += len(c)
	}
	return Info{
		Version:   index.Version,
		Columns:   s.header.Pool.Names(),
		Chunks:    n,
		Source:    s.header.Source,
		FPR:       s.header.Config.FPR,
		ChunkSize: s.header.Config.ChunkSize,
	}
}

// Options controls one search.
type Options struct {
	// Columns restricts the search; empty means all columns.
	Columns []string
	// Verify opts in to data file reads when phrase verification is
	// inconclusive from index state alone.
	Verify bool
	// AcceptStale skips the freshness check.
	AcceptStale bool
}

// Search runs the full pipeline: global reject, per column filters, chunk
// binary search, exact match, and phrase verification via parent chains.
func (s *Searcher) Search(ctx context.Context, query string, opts Options) (*Result, error) {
	if !opts.AcceptStale {
		if err := s.Validate(ctx); err != nil {
			return nil, err
		}
	}
	tokens := shred.Query(query)
	if len(tokens) == 0 {
		return nil, index.ErrEmptyQuery
	}
	res := &Result{Query: query, Tokens: tokens}

	// One probe against the global aggregate rejects absent keywords
	// before any column work. Legacy sidecars without column 0 fall
	// through to per column filters.
	if global, ok := s.header.Filters[columns.Global]; ok {
		for _, t := range tokens {
			if !global.MayContain(t) {
				return res, nil
			}
		}
	}

	for _, id := range s.candidateColumns(opts.Columns) {
		f, ok := s.header.Filters[id]
		if !ok {
			continue
		}
		rejected := false
		for _, t := range tokens {
			if !f.MayContain(t) {
				rejected = true
				break
			}
		}
		if rejected {
			continue
		}
		if err := s.searchColumn(ctx, id, tokens, query, opts, res); err != nil {
			return nil, err
		}
	}
	return res, nil
}

// candidateColumns resolves the restriction to ids in ascending order so
// result assembly is deterministic.
func (s *Searcher) candidateColumns(restrict []string) []uint32 {
	if len(restrict) == 0 {
		ids := make([]uint32, 0, s.header.Pool.Len())
		for i := 1; i <= s.header.Pool.Len(); i++ {
			ids = append(ids, uint32(i))
		}
		return ids
	}
	var ids []uint32
	for _, name := range restrict {
		id, ok := s.header.Pool.Lookup(name)
		if !ok {
			slog.Debug("search: unknown column in restriction", "column", name)
			continue
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (s *Searcher) searchColumn(ctx context.Context, id uint32, tokens []string, query string, opts Options, res *Result) error {
	name := s.header.Pool.Name(id)
	recs := make([][]index.Record, len(tokens))
	for i, t := range tokens {
		r, err := s.lookup(ctx, id, t)
		if err != nil {
			return err
		}
		if len(r) == 0 {
			return nil
		}
		recs[i] = r
	}

	if len(tokens) == 1 {
		rows := rowSets(recs[0])
		res.Verified = append(res.Verified, matchesFor(name, rows))
		return nil
	}

	// Phrase: intersect row sets, then prove co-occurrence in one cell by
	// walking parent chains up to the query itself.
	common := rowSets(recs[0])
	for _, r := range recs[1:] {
		common = intersectRows(common, rowSets(r))
		if len(common) == 0 {
			return nil
		}
	}

	rootRecs, err := s.lookup(ctx, id, query)
	if err != nil {
		return err
	}
	if len(rootRecs) == 0 {
		// The query string itself was never indexed as a keyword, so
		// parent chains cannot reach it. Confirm from the data file when
		// the caller opted in; otherwise report candidates.
		if !opts.Verify {
			res.Candidates = append(res.Candidates, matchesFor(name, common))
			return nil
		}
		confirmed, err := s.verifyFromFile(ctx, name, query, common)
		if err != nil {
			return err
		}
		if len(confirmed) > 0 {
			res.Fallback = append(res.Fallback, matchesFor(name, confirmed))
		}
		return nil
	}

	verified := make(map[uint16]*roaring.Bitmap)
	for rg, rows := range common {
		it := rows.Iterator()
		for it.HasNext() {
			row := it.Next()
			ok, err := s.rowReachesRoot(ctx, id, recs, rg, row, query)
			if err != nil {
				return err
			}
			if ok {
				set, have := verified[rg]
				if !have {
					set = roaring.New()
					verified[rg] = set
				}
				set.Add(row)
			}
		}
	}
	if len(verified) > 0 {
		res.Verified = append(res.Verified, matchesFor(name, verified))
	}
	return nil
}

// rowReachesRoot reports whether any token's occurrence at (rg, row) has
// the query as an ancestor in its parent chain.
func (s *Searcher) rowReachesRoot(ctx context.Context, col uint32, recs [][]index.Record, rg uint16, row uint32, root string) (bool, error) {
	for _, tokenRecs := range recs {
		for i := range tokenRecs {
			rec := &tokenRecs[i]
			if !covers(rec, rg, row) {
				continue
			}
			ok, err := s.chainReachesRoot(ctx, col, rec, rg, row, root)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
	}
	return false, nil
}

// chainReachesRoot walks parents by value. A keyword can sit under several
// parents at the same row, so every covering parent record branches. The
// walk terminates because a parent is always strictly longer than its
// child.
func (s *Searcher) chainReachesRoot(ctx context.Context, col uint32, rec *index.Record, rg uint16, row uint32, root string) (bool, error) {
	if rec.Parent == "" {
		return false, nil
	}
	if rec.Parent == root {
		return true, nil
	}
	parents, err := s.lookup(ctx, col, rec.Parent)
	if err != nil {
		return false, err
	}
	for i := range parents {
		p := &parents[i]
		if !covers(p, rg, row) {
			continue
		}
		ok, err := s.chainReachesRoot(ctx, col, p, rg, row, root)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

// verifyFromFile reads the candidate cells and checks the query literally.
func (s *Searcher) verifyFromFile(ctx context.Context, column, query string, rows map[uint16]*roaring.Bitmap) (map[uint16]*roaring.Bitmap, error) {
	if s.pf == nil {
		attrs, err := s.store.Head(ctx, s.base)
		if err != nil {
			return nil, err
		}
		pf, err := parquetx.Open(storage.ReaderAt(ctx, s.store, s.base), attrs.Size)
		if err != nil {
			return nil, &index.FormatError{Object: s.base, Reason: err.Error()}
		}
		s.pf = pf
	}
	out := make(map[uint16]*roaring.Bitmap)
	for rg, set := range rows {
		it := set.Iterator()
		for it.HasNext() {
			row := it.Next()
			cell, err := s.pf.Cell(int(rg), column, row)
			if err != nil {
				return nil, err
			}
			if strings.Contains(cell, query) {
				confirmed, ok := out[rg]
				if !ok {
					confirmed = roaring.New()
					out[rg] = confirmed
				}
				confirmed.Add(row)
			}
		}
	}
	return out, nil
}

// Contains is the single keyword fast path: a filter probe and at most one
// chunk read for the named column.
func (s *Searcher) Contains(ctx context.Context, keyword, column string) (bool, error) {
	id, ok := s.header.Pool.Lookup(column)
	if !ok {
		return false, nil
	}
	f, ok := s.header.Filters[id]
	if !ok || !f.MayContain(keyword) {
		return false, nil
	}
	recs, err := s.lookup(ctx, id, keyword)
	if err != nil {
		return false, err
	}
	return len(recs) > 0, nil
}

// lookup returns every directory record for keyword in the column: chunk
// index binary search, one range read, then exact binary search within the
// chunk. Chunks stay cached for the life of the searcher.
func (s *Searcher) lookup(ctx context.Context, col uint32, keyword string) ([]index.Record, error) {
	chunks := s.header.Chunks[col]
	i := sort.Search(len(chunks), func(i int) bool { return chunks[i].First > keyword })
	if i == 0 {
		return nil, nil
	}
	i--
	if chunks[i].Last < keyword {
		return nil, nil
	}
	key := chunkKey{col: col, chunk: i}
	records, ok := s.chunks[key]
	if !ok {
		var err error
		records, err = index.ReadChunk(ctx, s.store, s.base, s.prefix, chunks[i], col == columns.Global)
		if err != nil {
			return nil, err
		}
		s.chunks[key] = records
	}
	lo := sort.Search(len(records), func(i int) bool { return records[i].Keyword >= keyword })
	hi := lo
	for hi < len(records) && records[hi].Keyword == keyword {
		hi++
	}
	if lo == hi {
		return nil, nil
	}
	return records[lo:hi], nil
}

func covers(rec *index.Record, rg uint16, row uint32) bool {
	for _, run := range rec.Runs {
		if run.RowGroup == rg && row >= run.Start && row < run.Start+run.Length {
			return true
		}
	}
	return false
}

// rowSets unions record runs into per row group bitmaps.
func rowSets(recs []index.Record) map[uint16]*roaring.Bitmap {
	out := make(map[uint16]*roaring.Bitmap)
	for _, rec := range recs {
		for _, run := range rec.Runs {
			set, ok := out[run.RowGroup]
			if !ok {
				set = roaring.New()
				out[run.RowGroup] = set
			}
			set.AddRange(uint64(run.Start), uint64(run.Start)+uint64(run.Length))
		}
	}
	return out
}

func intersectRows(a, b map[uint16]*roaring.Bitmap) map[uint16]*roaring.Bitmap {
	out := make(map[uint16]*roaring.Bitmap)
	for rg, set := range a {
		other, ok := b[rg]
		if !ok {
			continue
		}
		and := roaring.And(set, other)
		if !and.IsEmpty() {
			out[rg] = and
		}
	}
	return out
}

func matchesFor(column string, rows map[uint16]*roaring.Bitmap) ColumnMatches {
	runs := index.RunsFromRows(rows)
	var n uint64
	for _, r := range runs {
		n += uint64(r.Length)
	}
	return ColumnMatches{Column: column, Runs: runs, Rows: n}
}
