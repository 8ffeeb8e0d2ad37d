package search

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/parquet-go/parquet-go"
	"github.com/stretchr/testify/require"
	"github.com/vinceanalytics/keywords/internal/index"
	"github.com/vinceanalytics/keywords/internal/shred"
	"github.com/vinceanalytics/keywords/internal/storage"
)

type testRow struct {
	Email   string `parquet:"email"`
	Message string `parquet:"message"`
}

func writeParquet(t *testing.T, path string, groups ...[]testRow) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	w := parquet.NewGenericWriter[testRow](f)
	for i, rows := range groups {
		_, err = w.Write(rows)
		require.NoError(t, err)
		if i < len(groups)-1 {
			require.NoError(t, w.Flush())
		}
	}
	require.NoError(t, w.Close())
	require.NoError(t, f.Close())
}

// countingAdapter tallies reads per object so tests can prove which parts
// of storage a search touched.
type countingAdapter struct {
	storage.Adapter
	reads map[string]int
}

func counting(a storage.Adapter) *countingAdapter {
	return &countingAdapter{Adapter: a, reads: make(map[string]int)}
}

func (c *countingAdapter) Get(ctx context.Context, name string) ([]byte, error) {
	c.reads[name]++
	return c.Adapter.Get(ctx, name)
}

func (c *countingAdapter) GetRange(ctx context.Context, name string, off, length int64) ([]byte, error) {
	c.reads[name]++
	return c.Adapter.GetRange(ctx, name, off, length)
}

func (c *countingAdapter) readsOf(name string) int { return c.reads[name] }

func fixture(t *testing.T, groups ...[]testRow) (*countingAdapter, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "data.parquet")
	writeParquet(t, path, groups...)
	store, base, err := storage.Open(path)
	require.NoError(t, err)
	cfg := index.BuildConfig{FPR: 0.01, ChunkSize: index.DefaultChunkSize}
	require.NoError(t, index.Build(context.Background(), store, base, cfg))
	return counting(store), base
}

func open(t *testing.T, store storage.Adapter, base string) *Searcher {
	t.Helper()
	s, err := Open(context.Background(), store, base, "")
	require.NoError(t, err)
	return s
}

func TestSingleKeyword(t *testing.T) {
	store, base := fixture(t, []testRow{
		{Email: "user@example.com", Message: "hello world"},
	})
	s := open(t, store, base)
	res, err := s.Search(context.Background(), "example", Options{})
	require.NoError(t, err)
	require.Len(t, res.Verified, 1)
	require.Equal(t, "email", res.Verified[0].Column)
	require.Equal(t, []index.Run{{RowGroup: 0, Start: 0, Length: 1}}, res.Verified[0].Runs)
	require.Equal(t, uint64(1), res.Occurrences())
	require.Empty(t, res.Candidates)
}

func TestWholeCellKeywordNeedsNoDataFileRead(t *testing.T) {
	store, base := fixture(t, []testRow{
		{Email: "user@example.com", Message: "hello world"},
	})
	s := open(t, store, base)
	before := store.readsOf(base)
	res, err := s.Search(context.Background(), "user@example.com", Options{})
	require.NoError(t, err)
	require.Len(t, res.Verified, 1)
	require.Equal(t, "email", res.Verified[0].Column)
	require.Equal(t, []index.Run{{RowGroup: 0, Start: 0, Length: 1}}, res.Verified[0].Runs)
	require.Equal(t, before, store.readsOf(base), "search read the data file")
}

func TestAbsentKeywordStopsAtGlobalFilter(t *testing.T) {
	store, base := fixture(t, []testRow{
		{Email: "user@example.com", Message: "hello world"},
	})
	s := open(t, store, base)
	res, err := s.Search(context.Background(), "nonexistent", Options{})
	require.NoError(t, err)
	require.True(t, res.Empty())
	require.Zero(t, store.readsOf(index.DataPath(base, "")), "global reject must not read data.bin")
	require.Zero(t, store.readsOf(base))
}

func TestPhraseVerifiedThroughParentChain(t *testing.T) {
	store, base := fixture(t, []testRow{
		{Email: "user@example.com", Message: "hello world"},
	})
	s := open(t, store, base)
	res, err := s.Search(context.Background(), "example.com", Options{})
	require.NoError(t, err)
	require.Equal(t, []string{"example", "com"}, res.Tokens)
	require.Len(t, res.Verified, 1)
	require.Equal(t, "email", res.Verified[0].Column)
	require.Equal(t, []index.Run{{RowGroup: 0, Start: 0, Length: 1}}, res.Verified[0].Runs)
	require.Zero(t, store.readsOf(base), "phrase verified from index state alone")
}

func TestPhraseRejectsWrongCell(t *testing.T) {
	store, base := fixture(t, []testRow{
		{Email: "e@x", Message: "alpha beta"},
		{Email: "e@x", Message: "alpha gamma"},
	})
	s := open(t, store, base)
	res, err := s.Search(context.Background(), "alpha beta", Options{})
	require.NoError(t, err)
	require.Len(t, res.Verified, 1)
	require.Equal(t, "message", res.Verified[0].Column)
	require.Equal(t, []index.Run{{RowGroup: 0, Start: 0, Length: 1}}, res.Verified[0].Runs)
}

// Shared tokens in different cells must not verify: both rows hold "alpha"
// and "common", but only row 0's cell is the phrase.
func TestPhraseParentIdentity(t *testing.T) {
	store, base := fixture(t, []testRow{
		{Email: "e@x", Message: "alpha common"},
		{Email: "e@x", Message: "common alpha extra"},
	})
	s := open(t, store, base)
	res, err := s.Search(context.Background(), "alpha common", Options{})
	require.NoError(t, err)
	require.Len(t, res.Verified, 1)
	require.Equal(t, []index.Run{{RowGroup: 0, Start: 0, Length: 1}}, res.Verified[0].Runs)
}

func TestPhraseInconclusiveWithoutVerify(t *testing.T) {
	store, base := fixture(t, []testRow{
		{Email: "e@x", Message: "x foo_bar baz"},
	})
	s := open(t, store, base)
	res, err := s.Search(context.Background(), "foo_bar baz", Options{})
	require.NoError(t, err)
	require.Empty(t, res.Verified)
	require.Len(t, res.Candidates, 1)
	require.Equal(t, "message", res.Candidates[0].Column)
	require.Zero(t, store.readsOf(base))
}

func TestPhraseVerifyFallsBackToDataFile(t *testing.T) {
	store, base := fixture(t, []testRow{
		{Email: "e@x", Message: "x foo_bar baz"},
		{Email: "e@x", Message: "baz then foo_bar elsewhere"},
	})
	s := open(t, store, base)
	res, err := s.Search(context.Background(), "foo_bar baz", Options{Verify: true})
	require.NoError(t, err)
	require.Empty(t, res.Candidates)
	require.Len(t, res.Fallback, 1)
	require.Equal(t, "message", res.Fallback[0].Column)
	require.Equal(t, []index.Run{{RowGroup: 0, Start: 0, Length: 1}}, res.Fallback[0].Runs)
	require.NotZero(t, store.readsOf(base), "fallback must read the data file")
}

func TestEmptyQuery(t *testing.T) {
	store, base := fixture(t, []testRow{{Email: "a@b", Message: "m"}})
	s := open(t, store, base)
	for _, q := range []string{"", "   ", "!!!", "(){}"} {
		_, err := s.Search(context.Background(), q, Options{})
		require.ErrorIs(t, err, index.ErrEmptyQuery, "query %q", q)
	}
}

func TestColumnRestriction(t *testing.T) {
	store, base := fixture(t, []testRow{
		{Email: "shared@host", Message: "shared words"},
	})
	s := open(t, store, base)

	res, err := s.Search(context.Background(), "shared", Options{Columns: []string{"email"}})
	require.NoError(t, err)
	require.Len(t, res.Verified, 1)
	require.Equal(t, "email", res.Verified[0].Column)

	// unknown columns are dropped from the restriction
	res, err = s.Search(context.Background(), "shared", Options{Columns: []string{"missing"}})
	require.NoError(t, err)
	require.True(t, res.Empty())

	res, err = s.Search(context.Background(), "shared", Options{})
	require.NoError(t, err)
	require.Len(t, res.Verified, 2)
	require.Equal(t, "email", res.Verified[0].Column)
	require.Equal(t, "message", res.Verified[1].Column)
}

func TestSearchAcrossRowGroups(t *testing.T) {
	store, base := fixture(t,
		[]testRow{{Email: "a@b", Message: "needle here"}, {Email: "a@b", Message: "nothing"}},
		[]testRow{{Email: "a@b", Message: "needle again"}},
	)
	s := open(t, store, base)
	res, err := s.Search(context.Background(), "needle", Options{})
	require.NoError(t, err)
	require.Len(t, res.Verified, 1)
	require.Equal(t, []index.Run{
		{RowGroup: 0, Start: 0, Length: 1},
		{RowGroup: 1, Start: 0, Length: 1},
	}, res.Verified[0].Runs)
	require.Equal(t, uint64(2), res.Occurrences())
}

func TestStaleIndexRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.parquet")
	writeParquet(t, path, []testRow{{Email: "a@b", Message: "needle"}})
	store, base, err := storage.Open(path)
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, index.Build(ctx, store, base, index.BuildConfig{FPR: 0.01, ChunkSize: 64}))
	s := open(t, store, base)

	time.Sleep(10 * time.Millisecond)
	writeParquet(t, path, []testRow{{Email: "a@b", Message: "needle changed"}})

	_, err = s.Search(ctx, "needle", Options{})
	require.ErrorIs(t, err, index.ErrStaleIndex)

	res, err := s.Search(ctx, "needle", Options{AcceptStale: true})
	require.NoError(t, err)
	require.False(t, res.Empty())
}

func TestContains(t *testing.T) {
	store, base := fixture(t, []testRow{{Email: "user@example.com", Message: "hello"}})
	s := open(t, store, base)
	ctx := context.Background()

	ok, err := s.Contains(ctx, "example", "email")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.Contains(ctx, "hello", "email")
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = s.Contains(ctx, "example", "missing")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestInfo(t *testing.T) {
	store, base := fixture(t, []testRow{{Email: "user@example.com", Message: "hello"}})
	s := open(t, store, base)
	info := s.Info()
	require.Equal(t, uint32(index.Version), info.Version)
	require.Equal(t, []string{"email", "message"}, info.Columns)
	require.NotZero(t, info.Chunks)
	require.Equal(t, 0.01, info.FPR)
}

// Every keyword the shredder produced at build time must come back with
// exactly the rows a linear scan finds.
func TestSearchMatchesLinearScan(t *testing.T) {
	rows := []testRow{
		{Email: "user@example.com", Message: "GET /api/v1/users?id=42"},
		{Email: "other@example.org", Message: "hello-world foo_bar"},
		{Email: "user@example.com", Message: "hello again"},
		{Email: "third@host.net", Message: "unrelated text"},
	}
	store, base := fixture(t, rows)
	s := open(t, store, base)
	ctx := context.Background()

	keywords := make(map[string]struct{})
	for _, r := range rows {
		for _, cell := range []string{r.Email, r.Message} {
			shred.Cell(cell, func(e shred.Emit) {
				keywords[e.Keyword] = struct{}{}
			})
		}
	}
	for kw := range keywords {
		if len(shred.Query(kw)) != 1 {
			// multi token keywords exercise the phrase path elsewhere
			continue
		}
		res, err := s.Search(ctx, kw, Options{})
		require.NoError(t, err)
		got := make(map[string]map[uint32]bool)
		for _, c := range res.Verified {
			rowsSet := make(map[uint32]bool)
			for _, run := range c.Runs {
				for i := uint32(0); i < run.Length; i++ {
					rowsSet[run.Start+i] = true
				}
			}
			got[c.Column] = rowsSet
		}
		want := linearScan(rows, kw)
		require.Equal(t, want, got, "keyword %q", kw)
	}
}

func linearScan(rows []testRow, keyword string) map[string]map[uint32]bool {
	out := make(map[string]map[uint32]bool)
	add := func(col string, row uint32) {
		if out[col] == nil {
			out[col] = make(map[uint32]bool)
		}
		out[col][row] = true
	}
	for i, r := range rows {
		for col, cell := range map[string]string{"email": r.Email, "message": r.Message} {
			found := false
			shred.Cell(cell, func(e shred.Emit) {
				if e.Keyword == keyword {
					found = true
				}
			})
			if found {
				add(col, uint32(i))
			}
		}
	}
	return out
}

func TestOpenMissingIndex(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.parquet")
	writeParquet(t, path, []testRow{{Email: "a@b", Message: "m"}})
	store, base, err := storage.Open(path)
	require.NoError(t, err)
	_, err = Open(context.Background(), store, base, "")
	require.ErrorIs(t, err, index.ErrMissingIndex)
}

func TestResultOrderingDeterministic(t *testing.T) {
	store, base := fixture(t, []testRow{
		{Email: "tok here", Message: "tok there"},
	})
	s := open(t, store, base)
	res, err := s.Search(context.Background(), "tok", Options{})
	require.NoError(t, err)
	cols := make([]string, 0, len(res.Verified))
	for _, c := range res.Verified {
		cols = append(cols, c.Column)
	}
	require.Equal(t, []string{"email", "message"}, cols, "columns come back in id order")
}
