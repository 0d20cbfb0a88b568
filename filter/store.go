package filter

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"

	"gonum.org/v1/gonum/mat"
)

var storeMagic = [4]byte{'H', 'C', 'F', 'S'}

const (
	storeVersion     = 1
	storeFileMode    = 0o644
	storeTempPattern = ".filters-*.tmp"
	// maxStoreFilters bounds the count read from a store header.
	maxStoreFilters = 1 << 24
)

var (
	// ErrBadMagic is returned for files that are not filter stores.
	ErrBadMagic = errors.New("filter: bad magic")
	// ErrUnsupportedVersion is returned for filter stores of an unknown version.
	ErrUnsupportedVersion = errors.New("filter: unsupported store version")
	// ErrMalformed is returned for truncated or inconsistent filter data.
	ErrMalformed = errors.New("filter: malformed filter data")
)

type storeHeader struct {
	Magic   [4]byte
	Version uint16
	Count   uint32
}

// filterHead is the fixed-size prefix of one encoded filter.
type filterHead struct {
	B         [numTS]float64
	C         float64
	MinTS     uint32
	MaxTS     uint32
	HasMatrix uint8
}

// MarshalBinary implements encoding.BinaryMarshaler.
func (f Filter) MarshalBinary() ([]byte, error) {
	return f.AppendBinary(nil)
}

// AppendBinary implements encoding.BinaryAppender. The layout is the linear
// coefficients, the intercept, minTS and maxTS as uint32, a matrix presence
// byte, and the matrix in row-major order, all little-endian.
func (f Filter) AppendBinary(b []byte) ([]byte, error) {
	h := filterHead{B: f.b, C: f.c, MinTS: uint32(f.minTS), MaxTS: uint32(f.maxTS)}
	if f.a != nil {
		h.HasMatrix = 1
	}

	b, err := binary.Append(b, binary.LittleEndian, &h)
	if err != nil {
		return nil, err
	}

	if f.a != nil {
		n := f.a.SymmetricDim()
		for i := 0; i < n; i++ {
			for j := 0; j < n; j++ {
				b = binary.LittleEndian.AppendUint64(b, math.Float64bits(f.a.At(i, j)))
			}
		}
	}

	return b, nil
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
func (f *Filter) UnmarshalBinary(data []byte) error {
	r := bytes.NewReader(data)
	if err := f.decode(r); err != nil {
		return err
	}
	if r.Len() != 0 {
		return fmt.Errorf("%w: %d trailing bytes", ErrMalformed, r.Len())
	}
	return nil
}

func (f *Filter) decode(r io.Reader) error {
	var h filterHead
	if err := binary.Read(r, binary.LittleEndian, &h); err != nil {
		return fmt.Errorf("%w: header: %v", ErrMalformed, err)
	}

	minTS, maxTS := int(h.MinTS), int(h.MaxTS)
	valid := minTS != 0 || maxTS != 0
	if valid {
		if err := checkRange(minTS, maxTS); err != nil {
			return fmt.Errorf("%w: %v", ErrMalformed, err)
		}
	}

	out := Filter{b: h.B, c: h.C, minTS: minTS, maxTS: maxTS}

	switch h.HasMatrix {
	case 0:
	case 1:
		if !valid {
			return fmt.Errorf("%w: matrix on invalid filter", ErrMalformed)
		}
		n := maxTS - minTS
		data := make([]float64, n*n)
		if err := binary.Read(r, binary.LittleEndian, data); err != nil {
			return fmt.Errorf("%w: matrix: %v", ErrMalformed, err)
		}
		for i := 0; i < n; i++ {
			for j := 0; j < i; j++ {
				if math.Float64bits(data[i*n+j]) != math.Float64bits(data[j*n+i]) {
					return fmt.Errorf("%w: matrix not symmetric at (%d,%d)", ErrMalformed, i, j)
				}
			}
		}
		out.a = mat.NewSymDense(n, data)
	default:
		return fmt.Errorf("%w: matrix flag %d", ErrMalformed, h.HasMatrix)
	}

	*f = out
	return nil
}

// Encode writes a filter store holding filters to w.
func Encode(w io.Writer, filters []Filter) error {
	bw := bufio.NewWriter(w)

	h := storeHeader{Magic: storeMagic, Version: storeVersion, Count: uint32(len(filters))}
	if err := binary.Write(bw, binary.LittleEndian, &h); err != nil {
		return fmt.Errorf("filter: write store header: %w", err)
	}

	var buf []byte
	for i := range filters {
		var err error
		buf, err = filters[i].AppendBinary(buf[:0])
		if err != nil {
			return fmt.Errorf("filter: encode filter %d: %w", i, err)
		}
		if _, err := bw.Write(buf); err != nil {
			return fmt.Errorf("filter: write filter %d: %w", i, err)
		}
	}

	return bw.Flush()
}

// Decode reads a filter store from r.
func Decode(r io.Reader) ([]Filter, error) {
	br := bufio.NewReader(r)

	var h storeHeader
	if err := binary.Read(br, binary.LittleEndian, &h); err != nil {
		return nil, fmt.Errorf("filter: read store header: %w", err)
	}
	if h.Magic != storeMagic {
		return nil, ErrBadMagic
	}
	if h.Version != storeVersion {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, h.Version)
	}
	if h.Count > maxStoreFilters {
		return nil, fmt.Errorf("%w: filter count %d", ErrMalformed, h.Count)
	}

	filters := make([]Filter, h.Count)
	for i := range filters {
		if err := filters[i].decode(br); err != nil {
			return nil, fmt.Errorf("filter: filter %d: %w", i, err)
		}
	}

	if _, err := br.ReadByte(); err != io.EOF {
		return nil, fmt.Errorf("%w: trailing data after %d filters", ErrMalformed, h.Count)
	}

	return filters, nil
}

// WriteStore writes filters to path through a temporary file in the same
// directory that replaces path on success.
func WriteStore(path string, filters []Filter) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), storeTempPattern)
	if err != nil {
		return fmt.Errorf("filter: create temp store: %w", err)
	}

	tmpName := tmp.Name()
	cleanup := true
	defer func() {
		if cleanup {
			_ = os.Remove(tmpName)
		}
	}()

	if err := Encode(tmp, filters); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Chmod(storeFileMode); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("filter: chmod temp store: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("filter: sync temp store: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("filter: close temp store: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("filter: replace store: %w", err)
	}
	cleanup = false

	return nil
}

// ReadStore reads the filter store at path.
func ReadStore(path string) ([]Filter, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("filter: open store: %w", err)
	}
	defer f.Close()

	filters, err := Decode(f)
	if err != nil {
		return nil, fmt.Errorf("filter: %s: %w", path, err)
	}
	return filters, nil
}
