// Package filter answers per column keyword membership.
//
// Small keyword sets are kept exact as a sorted list; larger ones become a
// bloom filter sized for the requested false positive rate. The chosen
// variant is a tagged kind byte in the sidecar header, so the search side
// dispatches on the tag without indirection.
package filter

import (
	"encoding/binary"
	"fmt"
	"math"
	"slices"
	"sort"

	"github.com/cespare/xxhash/v2"
)

type Kind uint8

const (
	KindSet   Kind = 0
	KindBloom Kind = 1
)

// Threshold is the keyword count at which a column switches from the exact
// set to the bloom variant.
const Threshold = 1024

// Double hashing seeds. Fixed so the same build input always serializes to
// the same bytes.
var (
	seedA = []byte{0x9e, 0x37, 0x79, 0xb9, 0x7f, 0x4a, 0x7c, 0x15}
	seedB = []byte{0xc2, 0xb2, 0xae, 0x3d, 0x27, 0xd4, 0xeb, 0x4f}
)

type Filter struct {
	kind Kind

	// exact variant
	keys []string

	// bloom variant
	bits      []byte
	numBits   uint64
	numHashes uint32
}

// Build constructs a filter for the keyword set. Keywords at or above
// threshold get a bloom filter targeting fpr; below it the exact sorted
// set. threshold <= 0 uses Threshold.
func Build(keywords []string, fpr float64, threshold int) *Filter {
	if threshold <= 0 {
		threshold = Threshold
	}
	keys := slices.Clone(keywords)
	sort.Strings(keys)
	keys = slices.Compact(keys)
	if len(keys) < threshold {
		return &Filter{kind: KindSet, keys: keys}
	}
	numBits, numHashes := bloomParams(len(keys), fpr)
	f := &Filter{
		kind:      KindBloom,
		bits:      make([]byte, (numBits+7)/8),
		numBits:   numBits,
		numHashes: numHashes,
	}
	for _, k := range keys {
		f.insert(k)
	}
	return f
}

// bloomParams returns the standard sizing m = -n ln(p)/ln(2)^2 and
// k = (m/n) ln(2), with k at least 1.
func bloomParams(n int, fpr float64) (uint64, uint32) {
	m := uint64(math.Ceil(-float64(n) * math.Log(fpr) / (math.Ln2 * math.Ln2)))
	if m == 0 {
		m = 1
	}
	k := uint32(math.Ceil(float64(m) / float64(n) * math.Ln2))
	if k == 0 {
		k = 1
	}
	return m, k
}

func hashPair(keyword string) (uint64, uint64) {
	d := new(xxhash.Digest)
	d.Reset()
	d.Write(seedA)
	d.WriteString(keyword)
	h1 := d.Sum64()
	d.Reset()
	d.Write(seedB)
	d.WriteString(keyword)
	return h1, d.Sum64()
}

func (f *Filter) insert(keyword string) {
	h1, h2 := hashPair(keyword)
	for i := uint32(0); i < f.numHashes; i++ {
		pos := (h1 + uint64(i)*h2) % f.numBits
		f.bits[pos/8] |= 1 << (pos % 8)
	}
}

func (f *Filter) Kind() Kind { return f.kind }

// MayContain reports whether keyword may be in the build set. The set
// variant is exact; the bloom variant admits false positives up to the
// build fpr, never false negatives.
func (f *Filter) MayContain(keyword string) bool {
	if f.kind == KindSet {
		_, ok := slices.BinarySearch(f.keys, keyword)
		return ok
	}
	h1, h2 := hashPair(keyword)
	for i := uint32(0); i < f.numHashes; i++ {
		pos := (h1 + uint64(i)*h2) % f.numBits
		if f.bits[pos/8]&(1<<(pos%8)) == 0 {
			return false
		}
	}
	return true
}

// Encode serializes the variant payload. Set payload is a u32 count
// followed by length prefixed keys; bloom payload is u64 bit count, u32
// hash count, then the bit array.
func (f *Filter) Encode() []byte {
	if f.kind == KindSet {
		n := 4
		for _, k := range f.keys {
			n += 2 + len(k)
		}
		out := make([]byte, 0, n)
		out = binary.LittleEndian.AppendUint32(out, uint32(len(f.keys)))
		for _, k := range f.keys {
			out = binary.LittleEndian.AppendUint16(out, uint16(len(k)))
			out = append(out, k...)
		}
		return out
	}
	out := make([]byte, 0, 12+len(f.bits))
	out = binary.LittleEndian.AppendUint64(out, f.numBits)
	out = binary.LittleEndian.AppendUint32(out, f.numHashes)
	return append(out, f.bits...)
}

// Decode reconstructs a filter from its kind tag and payload bytes.
func Decode(kind Kind, payload []byte) (*Filter, error) {
	switch kind {
	case KindSet:
		if len(payload) < 4 {
			return nil, fmt.Errorf("filter: truncated set payload")
		}
		count := binary.LittleEndian.Uint32(payload)
		payload = payload[4:]
		keys := make([]string, 0, count)
		for i := uint32(0); i < count; i++ {
			if len(payload) < 2 {
				return nil, fmt.Errorf("filter: truncated set payload")
			}
			n := int(binary.LittleEndian.Uint16(payload))
			payload = payload[2:]
			if len(payload) < n {
				return nil, fmt.Errorf("filter: truncated set payload")
			}
			keys = append(keys, string(payload[:n]))
			payload = payload[n:]
		}
		return &Filter{kind: KindSet, keys: keys}, nil
	case KindBloom:
		if len(payload) < 12 {
			return nil, fmt.Errorf("filter: truncated bloom payload")
		}
		numBits := binary.LittleEndian.Uint64(payload)
		numHashes := binary.LittleEndian.Uint32(payload[8:])
		bits := payload[12:]
		if uint64(len(bits)) != (numBits+7)/8 {
			return nil, fmt.Errorf("filter: bloom bit array size mismatch")
		}
		return &Filter{
			kind:      KindBloom,
			bits:      slices.Clone(bits),
			numBits:   numBits,
			numHashes: numHashes,
		}, nil
	default:
		return nil, fmt.Errorf("filter: unknown kind %d", kind)
	}
}
