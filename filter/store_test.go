package filter

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestStoreRoundTrip(t *testing.T) {
	filters := []Filter{sampleLinear(t), Invalid(), sampleQuadratic(t), Invalid()}
	path := filepath.Join(t.TempDir(), "filters.bin")

	if err := WriteStore(path, filters); err != nil {
		t.Fatalf("WriteStore: %v", err)
	}

	got, err := ReadStore(path)
	if err != nil {
		t.Fatalf("ReadStore: %v", err)
	}
	if !EqualSlices(got, filters) {
		t.Fatal("store round trip changed the filters")
	}

	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("temp files left behind: %d entries", len(entries))
	}
}

func TestStoreEmpty(t *testing.T) {
	var buf bytes.Buffer
	if err := Encode(&buf, nil); err != nil {
		t.Fatal(err)
	}
	got, err := Decode(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Fatalf("got %d filters", len(got))
	}
}

func TestDecodeErrors(t *testing.T) {
	var buf bytes.Buffer
	if err := Encode(&buf, []Filter{sampleLinear(t), sampleQuadratic(t)}); err != nil {
		t.Fatal(err)
	}
	good := buf.Bytes()

	badMagic := append([]byte("XXXX"), good[4:]...)
	if _, err := Decode(bytes.NewReader(badMagic)); !errors.Is(err, ErrBadMagic) {
		t.Fatalf("bad magic: got %v", err)
	}

	badVersion := append([]byte(nil), good...)
	badVersion[4] = 9
	if _, err := Decode(bytes.NewReader(badVersion)); !errors.Is(err, ErrUnsupportedVersion) {
		t.Fatalf("bad version: got %v", err)
	}

	if _, err := Decode(bytes.NewReader(good[:len(good)-8])); !errors.Is(err, ErrMalformed) {
		t.Fatalf("truncated: got %v", err)
	}

	if _, err := Decode(bytes.NewReader(append(append([]byte(nil), good...), 1))); !errors.Is(err, ErrMalformed) {
		t.Fatalf("trailing: got %v", err)
	}
}

func TestReadStoreMissing(t *testing.T) {
	_, err := ReadStore(filepath.Join(t.TempDir(), "none"))
	if !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("got %v, want ErrNotExist", err)
	}
}
