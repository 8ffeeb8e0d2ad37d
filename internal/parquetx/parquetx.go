// Package parquetx is the thin slice of Parquet the index consumes: the
// names of string columns, their cells streamed per row group in row order,
// and single cell reads for search time verification.
package parquetx

import (
	"errors"
	"fmt"
	"io"

	"github.com/parquet-go/parquet-go"
)

type File struct {
	pf      *parquet.File
	strings []column
}

type column struct {
	name string
	leaf int
}

// Open reads the Parquet footer through r and discovers string columns in
// schema order.
func Open(r io.ReaderAt, size int64) (*File, error) {
	pf, err := parquet.OpenFile(r, size)
	if err != nil {
		return nil, err
	}
	f := &File{pf: pf}
	schema := pf.Schema()
	for _, field := range schema.Fields() {
		if !field.Leaf() || field.Type().Kind() != parquet.ByteArray {
			continue
		}
		leaf, ok := schema.Lookup(field.Name())
		if !ok {
			continue
		}
		f.strings = append(f.strings, column{name: field.Name(), leaf: leaf.ColumnIndex})
	}
	return f, nil
}

// StringColumns lists string column names in schema discovery order.
func (f *File) StringColumns() []string {
	out := make([]string, len(f.strings))
	for i, c := range f.strings {
		out[i] = c.name
	}
	return out
}

func (f *File) RowGroups() int { return len(f.pf.RowGroups()) }

func (f *File) lookup(name string) (column, error) {
	for _, c := range f.strings {
		if c.name == name {
			return c, nil
		}
	}
	return column{}, fmt.Errorf("parquetx: no string column %q", name)
}

// Scan streams every cell of a column within one row group, in row order.
// Null cells are skipped but still advance the row number.
func (f *File) Scan(rowGroup int, name string, fn func(row uint32, cell string) error) error {
	col, err := f.lookup(name)
	if err != nil {
		return err
	}
	pages := f.pf.RowGroups()[rowGroup].ColumnChunks()[col.leaf].Pages()
	defer pages.Close()
	var row uint32
	buf := make([]parquet.Value, 256)
	for {
		page, err := pages.ReadPage()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		values := page.Values()
		for {
			n, err := values.ReadValues(buf)
			for _, v := range buf[:n] {
				if !v.IsNull() {
					if err := fn(row, string(v.ByteArray())); err != nil {
						return err
					}
				}
				row++
			}
			if err != nil {
				if errors.Is(err, io.EOF) {
					break
				}
				return err
			}
		}
	}
}

var errStop = errors.New("parquetx: stop scan")

// Cell reads one cell for verification fallback. Null or absent rows read
// as "".
func (f *File) Cell(rowGroup int, name string, row uint32) (string, error) {
	var out string
	err := f.Scan(rowGroup, name, func(r uint32, cell string) error {
		if r > row {
			return errStop
		}
		if r == row {
			out = cell
			return errStop
		}
		return nil
	})
	if err != nil && !errors.Is(err, errStop) {
		return "", err
	}
	return out, nil
}
