package parquetx

import (
	"bytes"
	"testing"

	"github.com/parquet-go/parquet-go"
	"github.com/stretchr/testify/require"
)

type testRow struct {
	Email string `parquet:"email"`
	Count int64  `parquet:"count"`
	Note  string `parquet:"note"`
}

func writeBuffer(t *testing.T, groups ...[]testRow) *bytes.Reader {
	t.Helper()
	var buf bytes.Buffer
	w := parquet.NewGenericWriter[testRow](&buf)
	for i, rows := range groups {
		_, err := w.Write(rows)
		require.NoError(t, err)
		if i < len(groups)-1 {
			require.NoError(t, w.Flush())
		}
	}
	require.NoError(t, w.Close())
	return bytes.NewReader(buf.Bytes())
}

func TestOpenDiscoversStringColumns(t *testing.T) {
	r := writeBuffer(t, []testRow{{Email: "a@b", Count: 1, Note: "n"}})
	f, err := Open(r, r.Size())
	require.NoError(t, err)
	// int64 column is not a string column
	require.Equal(t, []string{"email", "note"}, f.StringColumns())
	require.Equal(t, 1, f.RowGroups())
}

func TestScanRowOrder(t *testing.T) {
	r := writeBuffer(t,
		[]testRow{{Email: "one", Note: "x"}, {Email: "two", Note: "y"}},
		[]testRow{{Email: "three", Note: "z"}},
	)
	f, err := Open(r, r.Size())
	require.NoError(t, err)
	require.Equal(t, 2, f.RowGroups())

	type seen struct {
		row  uint32
		cell string
	}
	var got []seen
	require.NoError(t, f.Scan(0, "email", func(row uint32, cell string) error {
		got = append(got, seen{row, cell})
		return nil
	}))
	require.Equal(t, []seen{{0, "one"}, {1, "two"}}, got)

	got = nil
	require.NoError(t, f.Scan(1, "email", func(row uint32, cell string) error {
		got = append(got, seen{row, cell})
		return nil
	}))
	require.Equal(t, []seen{{0, "three"}}, got)
}

func TestCell(t *testing.T) {
	r := writeBuffer(t, []testRow{
		{Email: "first", Note: "a"},
		{Email: "second", Note: "b"},
		{Email: "third", Note: "c"},
	})
	f, err := Open(r, r.Size())
	require.NoError(t, err)

	cell, err := f.Cell(0, "email", 1)
	require.NoError(t, err)
	require.Equal(t, "second", cell)

	cell, err = f.Cell(0, "note", 2)
	require.NoError(t, err)
	require.Equal(t, "c", cell)

	_, err = f.Cell(0, "missing", 0)
	require.Error(t, err)
}

func TestScanUnknownColumn(t *testing.T) {
	r := writeBuffer(t, []testRow{{Email: "a", Note: "b"}})
	f, err := Open(r, r.Size())
	require.NoError(t, err)
	err = f.Scan(0, "count", func(uint32, string) error { return nil })
	require.Error(t, err)
}
