// On-disk sidecar layout.
//
// The sidecar is a directory next to the data file holding two objects:
// filters.rkyv with the header (column pool, source identity, config echo,
// per column filters and chunk indices) and data.bin with the concatenated
// chunk payloads. The header is one contiguous little endian blob fetched
// whole at search open; chunks are addressed by (offset, length) and read
// with single range GETs.
package index

import (
	"bytes"
	"encoding/binary"
	"math"
	"sort"
	"time"

	"github.com/RoaringBitmap/roaring"
	"github.com/vinceanalytics/keywords/internal/columns"
	"github.com/vinceanalytics/keywords/internal/filter"
	"github.com/vinceanalytics/keywords/internal/storage"
)

const (
	Magic   = "KIDX"
	Version = 1

	FiltersName = "filters.rkyv"
	DataName    = "data.bin"
)

// SidecarDir returns the sidecar directory name for a data file base name.
func SidecarDir(base string) string { return base + ".index" }

// FiltersPath and DataPath resolve sidecar object names relative to the
// data file's parent. prefix supports versioned or test sidecars
// ("v2_filters.rkyv").
func FiltersPath(base, prefix string) string {
	return SidecarDir(base) + "/" + prefix + FiltersName
}

func DataPath(base, prefix string) string {
	return SidecarDir(base) + "/" + prefix + DataName
}

// Run is length consecutive rows of one row group that all contain a
// keyword.
type Run struct {
	RowGroup uint16
	Start    uint32
	Length   uint32
}

// Record is one directory entry: a keyword under one parent. A keyword
// shredded out of several distinct parents owns one record per parent,
// stored adjacently in keyword order.
type Record struct {
	Keyword string
	Parent  string
	Level   uint8
	Runs    []Run

	// Columns is the set of column ids the occurrences came from. Only
	// present in the global aggregate directory.
	Columns *roaring.Bitmap
}

// RunsFromRows turns per row group row bitmaps into sorted maximal runs.
// Runs never span row groups.
func RunsFromRows(rows map[uint16]*roaring.Bitmap) []Run {
	groups := make([]uint16, 0, len(rows))
	for g := range rows {
		groups = append(groups, g)
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i] < groups[j] })
	var out []Run
	for _, g := range groups {
		it := rows[g].Iterator()
		for it.HasNext() {
			row := it.Next()
			if n := len(out); n > 0 && out[n-1].RowGroup == g && row == out[n-1].Start+out[n-1].Length {
				out[n-1].Length++
				continue
			}
			out = append(out, Run{RowGroup: g, Start: row, Length: 1})
		}
	}
	return out
}

// ChunkInfo locates one chunk of a column directory inside data.bin.
type ChunkInfo struct {
	First  string
	Last   string
	Offset uint64
	Length uint32
}

// Config echoes the build configuration into the header so a reader can
// shred queries the same way the builder shredded cells.
type Config struct {
	FPR          float64
	ChunkSize    uint32
	TableVersion uint16
}

// Header is everything loaded eagerly at search open.
type Header struct {
	Source  storage.Attributes
	Config  Config
	Pool    *columns.Pool
	Filters map[uint32]*filter.Filter
	Chunks  map[uint32][]ChunkInfo
}

// columnOrder returns filter/chunk map keys in ascending id order for
// deterministic serialization.
func columnOrder[T any](m map[uint32]T) []uint32 {
	ids := make([]uint32, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// EncodeHeader serializes the header blob.
func EncodeHeader(h *Header) []byte {
	var b []byte
	b = append(b, Magic...)
	b = binary.LittleEndian.AppendUint32(b, Version)

	names := h.Pool.Names()
	b = binary.LittleEndian.AppendUint32(b, uint32(len(names)))
	for i, name := range names {
		b = binary.LittleEndian.AppendUint32(b, uint32(i+1))
		b = binary.LittleEndian.AppendUint16(b, uint16(len(name)))
		b = append(b, name...)
	}

	b = binary.LittleEndian.AppendUint64(b, uint64(h.Source.Size))
	b = binary.LittleEndian.AppendUint16(b, uint16(len(h.Source.ETag)))
	b = append(b, h.Source.ETag...)
	b = binary.LittleEndian.AppendUint64(b, uint64(h.Source.ModTime.Unix()))

	b = binary.LittleEndian.AppendUint64(b, math.Float64bits(h.Config.FPR))
	b = binary.LittleEndian.AppendUint32(b, h.Config.ChunkSize)
	b = binary.LittleEndian.AppendUint16(b, h.Config.TableVersion)

	b = binary.LittleEndian.AppendUint32(b, uint32(len(h.Filters)))
	for _, id := range columnOrder(h.Filters) {
		f := h.Filters[id]
		payload := f.Encode()
		b = binary.LittleEndian.AppendUint32(b, id)
		b = append(b, byte(f.Kind()))
		b = binary.LittleEndian.AppendUint32(b, uint32(len(payload)))
		b = append(b, payload...)
	}

	b = binary.LittleEndian.AppendUint32(b, uint32(len(h.Chunks)))
	for _, id := range columnOrder(h.Chunks) {
		chunks := h.Chunks[id]
		b = binary.LittleEndian.AppendUint32(b, id)
		b = binary.LittleEndian.AppendUint32(b, uint32(len(chunks)))
		for _, c := range chunks {
			b = binary.LittleEndian.AppendUint16(b, uint16(len(c.First)))
			b = append(b, c.First...)
			b = binary.LittleEndian.AppendUint16(b, uint16(len(c.Last)))
			b = append(b, c.Last...)
			b = binary.LittleEndian.AppendUint64(b, c.Offset)
			b = binary.LittleEndian.AppendUint32(b, c.Length)
		}
	}
	return b
}

type reader struct {
	b   []byte
	off int
	err *FormatError
}

func (r *reader) fail(reason string) {
	if r.err == nil {
		r.err = &FormatError{Object: FiltersName, Reason: reason}
	}
}

func (r *reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if r.off+n > len(r.b) {
		r.fail("truncated")
		return nil
	}
	out := r.b[r.off : r.off+n]
	r.off += n
	return out
}

func (r *reader) u16() uint16 {
	b := r.take(2)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint16(b)
}

func (r *reader) u32() uint32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

func (r *reader) u64() uint64 {
	b := r.take(8)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint64(b)
}

func (r *reader) str16() string {
	n := int(r.u16())
	return string(r.take(n))
}

// DecodeHeader parses a filters.rkyv blob.
func DecodeHeader(b []byte) (*Header, error) {
	r := &reader{b: b}
	if magic := r.take(4); magic == nil || !bytes.Equal(magic, []byte(Magic)) {
		return nil, &FormatError{Object: FiltersName, Reason: "bad magic"}
	}
	if v := r.u32(); r.err == nil && v != Version {
		return nil, &FormatError{Object: FiltersName, Reason: "unsupported version"}
	}

	count := int(r.u32())
	names := make([]string, count)
	for i := 0; i < count && r.err == nil; i++ {
		id := r.u32()
		name := r.str16()
		if int(id) != i+1 {
			r.fail("column pool ids out of order")
			break
		}
		names[i] = name
	}

	h := &Header{
		Pool:    columns.FromNames(names),
		Filters: make(map[uint32]*filter.Filter),
		Chunks:  make(map[uint32][]ChunkInfo),
	}
	h.Source.Size = int64(r.u64())
	h.Source.ETag = r.str16()
	h.Source.ModTime = time.Unix(int64(r.u64()), 0).UTC()

	h.Config.FPR = math.Float64frombits(r.u64())
	h.Config.ChunkSize = r.u32()
	h.Config.TableVersion = r.u16()

	nf := int(r.u32())
	for i := 0; i < nf && r.err == nil; i++ {
		id := r.u32()
		kind := r.take(1)
		n := int(r.u32())
		payload := r.take(n)
		if r.err != nil {
			break
		}
		f, err := filter.Decode(filter.Kind(kind[0]), payload)
		if err != nil {
			r.fail(err.Error())
			break
		}
		h.Filters[id] = f
	}

	nc := int(r.u32())
	for i := 0; i < nc && r.err == nil; i++ {
		id := r.u32()
		n := int(r.u32())
		chunks := make([]ChunkInfo, 0, n)
		for j := 0; j < n && r.err == nil; j++ {
			chunks = append(chunks, ChunkInfo{
				First:  r.str16(),
				Last:   r.str16(),
				Offset: r.u64(),
				Length: r.u32(),
			})
		}
		h.Chunks[id] = chunks
	}
	if r.err != nil {
		return nil, r.err
	}
	return h, nil
}

// EncodeChunk serializes one chunk payload. global selects the column 0
// record form that carries the columns bitset.
func EncodeChunk(records []Record, global bool) ([]byte, error) {
	var b []byte
	b = binary.LittleEndian.AppendUint32(b, uint32(len(records)))
	for _, rec := range records {
		b = binary.LittleEndian.AppendUint16(b, uint16(len(rec.Keyword)))
		b = append(b, rec.Keyword...)
		b = binary.LittleEndian.AppendUint16(b, uint16(len(rec.Parent)))
		b = append(b, rec.Parent...)
		b = append(b, rec.Level)
		b = binary.LittleEndian.AppendUint32(b, uint32(len(rec.Runs)))
		for _, run := range rec.Runs {
			b = binary.LittleEndian.AppendUint16(b, run.RowGroup)
			b = binary.LittleEndian.AppendUint32(b, run.Start)
			b = binary.LittleEndian.AppendUint32(b, run.Length)
		}
		if global {
			set, err := rec.Columns.MarshalBinary()
			if err != nil {
				return nil, err
			}
			b = binary.LittleEndian.AppendUint32(b, uint32(len(set)))
			b = append(b, set...)
		}
	}
	return b, nil
}

// DecodeChunk parses one chunk payload read from data.bin.
func DecodeChunk(b []byte, global bool) ([]Record, error) {
	r := &reader{b: b}
	count := int(r.u32())
	records := make([]Record, 0, count)
	for i := 0; i < count && r.err == nil; i++ {
		rec := Record{
			Keyword: r.str16(),
			Parent:  r.str16(),
		}
		if lvl := r.take(1); lvl != nil {
			rec.Level = lvl[0]
		}
		runs := int(r.u32())
		rec.Runs = make([]Run, 0, runs)
		for j := 0; j < runs && r.err == nil; j++ {
			rec.Runs = append(rec.Runs, Run{
				RowGroup: r.u16(),
				Start:    r.u32(),
				Length:   r.u32(),
			})
		}
		if global {
			n := int(r.u32())
			set := r.take(n)
			if r.err == nil {
				rec.Columns = roaring.New()
				if err := rec.Columns.UnmarshalBinary(set); err != nil {
					r.fail(err.Error())
					break
				}
			}
		}
		records = append(records, rec)
	}
	if r.err != nil {
		return nil, &FormatError{Object: DataName, Reason: r.err.Reason}
	}
	return records, nil
}
