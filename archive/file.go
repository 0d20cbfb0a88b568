package archive

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/klauspost/compress/zstd"
)

var fileMagic = [4]byte{'C', 'C', 'M', 'X'}

const (
	fileVersion = 1
	// ctxCheckInterval is the number of records between context checks.
	ctxCheckInterval = 4096
)

var (
	// ErrBadMagic is returned for files that are not charge-mix archives.
	ErrBadMagic = errors.New("archive: bad magic")
	// ErrUnsupportedVersion is returned for archive files of an unknown version.
	ErrUnsupportedVersion = errors.New("archive: unsupported version")
	// ErrTruncated is returned when the stream ends inside a record.
	ErrTruncated = errors.New("archive: truncated record")
	// ErrClosed is returned by Append after Close.
	ErrClosed = errors.New("archive: writer closed")
)

// RecordSize is the encoded size of one record in bytes.
var RecordSize = binary.Size(ChannelChargeMix{})

type fileHeader struct {
	Magic   [4]byte
	Version uint16
}

// FileWriter writes an archive file.
type FileWriter struct {
	f     *os.File
	enc   *zstd.Encoder
	buf   []byte
	count int
}

var _ Writer = (*FileWriter)(nil)

// CreateFile creates or truncates the archive file at path.
func CreateFile(path string) (*FileWriter, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("archive: create %s: %w", path, err)
	}

	if err := binary.Write(f, binary.LittleEndian, fileHeader{Magic: fileMagic, Version: fileVersion}); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("archive: write header: %w", err)
	}

	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("archive: zstd encoder: %w", err)
	}

	return &FileWriter{f: f, enc: enc, buf: make([]byte, 0, RecordSize)}, nil
}

// Append writes one record.
func (w *FileWriter) Append(_ context.Context, rec *ChannelChargeMix) error {
	if w.enc == nil {
		return ErrClosed
	}

	var err error
	w.buf, err = binary.Append(w.buf[:0], binary.LittleEndian, rec)
	if err != nil {
		return fmt.Errorf("archive: encode record: %w", err)
	}
	if _, err := w.enc.Write(w.buf); err != nil {
		return fmt.Errorf("archive: write record: %w", err)
	}

	w.count++
	return nil
}

// Count returns the number of records written.
func (w *FileWriter) Count() int { return w.count }

// Close flushes the compressed stream and closes the file.
func (w *FileWriter) Close() error {
	if w.enc == nil {
		return nil
	}

	encErr := w.enc.Close()
	w.enc = nil
	fileErr := w.f.Close()

	if encErr != nil {
		return fmt.Errorf("archive: flush: %w", encErr)
	}
	if fileErr != nil {
		return fmt.Errorf("archive: close: %w", fileErr)
	}
	return nil
}

// File is a read-only archive file. Every Scan reads the file from the start.
type File struct {
	path string
}

var _ Scanner = (*File)(nil)

// OpenFile checks the header of the archive at path.
func OpenFile(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("archive: open %s: %w", path, err)
	}
	defer f.Close()

	if err := readHeader(f); err != nil {
		return nil, fmt.Errorf("archive: %s: %w", path, err)
	}

	return &File{path: path}, nil
}

// Path returns the file location.
func (a *File) Path() string { return a.path }

// Scan implements Scanner.
func (a *File) Scan(ctx context.Context, fn func(*ChannelChargeMix) error) error {
	f, err := os.Open(a.path)
	if err != nil {
		return fmt.Errorf("archive: open %s: %w", a.path, err)
	}
	defer f.Close()

	br := bufio.NewReader(f)
	if err := readHeader(br); err != nil {
		return fmt.Errorf("archive: %s: %w", a.path, err)
	}

	dec, err := zstd.NewReader(br)
	if err != nil {
		return fmt.Errorf("archive: zstd decoder: %w", err)
	}
	defer dec.Close()

	buf := make([]byte, RecordSize)
	var rec ChannelChargeMix
	for n := 0; ; n++ {
		if n%ctxCheckInterval == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}

		if _, err := io.ReadFull(dec, buf); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			if errors.Is(err, io.ErrUnexpectedEOF) {
				return fmt.Errorf("%w: record %d", ErrTruncated, n)
			}
			return fmt.Errorf("archive: read record %d: %w", n, err)
		}

		if _, err := binary.Decode(buf, binary.LittleEndian, &rec); err != nil {
			return fmt.Errorf("archive: decode record %d: %w", n, err)
		}

		if err := fn(&rec); err != nil {
			if errors.Is(err, ErrStopScan) {
				return nil
			}
			return err
		}
	}
}

func readHeader(r io.Reader) error {
	var h fileHeader
	if err := binary.Read(r, binary.LittleEndian, &h); err != nil {
		return fmt.Errorf("read header: %w", err)
	}
	if h.Magic != fileMagic {
		return ErrBadMagic
	}
	if h.Version != fileVersion {
		return fmt.Errorf("%w: %d", ErrUnsupportedVersion, h.Version)
	}
	return nil
}
