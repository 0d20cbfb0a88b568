package archive

import (
	"context"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleRecord(channel uint32, event int64) ChannelChargeMix {
	r := ChannelChargeMix{
		ChargeResponse: float32(channel) + 0.5,
		Energy:         1.25,
		RecHitTime:     -3.5,
		FlagWord:       7,
		AuxWord:        9,
		Run:            1,
		Event:          event,
		GoodVertices:   2,
		Channel:        channel,
	}
	for i := range r.Charge {
		r.Charge[i] = float32(i) + float32(channel)
		r.AddedCharge[i] = float32(i) / 2
	}
	return r
}

func writeArchive(t *testing.T, recs []ChannelChargeMix) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mix.ccmx")

	w, err := CreateFile(path)
	require.NoError(t, err)
	for i := range recs {
		require.NoError(t, w.Append(context.Background(), &recs[i]))
	}
	assert.Equal(t, len(recs), w.Count())
	require.NoError(t, w.Close())
	require.NoError(t, w.Close())

	return path
}

func collect(t *testing.T, s Scanner) []ChannelChargeMix {
	t.Helper()
	var out []ChannelChargeMix
	require.NoError(t, s.Scan(context.Background(), func(r *ChannelChargeMix) error {
		out = append(out, *r)
		return nil
	}))
	return out
}

func TestRecordEquality(t *testing.T) {
	a := sampleRecord(3, 1)
	b := sampleRecord(3, 1)
	assert.True(t, a.Equal(&b))

	b.Charge[4]++
	assert.False(t, a.Equal(&b))

	x, y := Invalid(), Invalid()
	y.Energy = 99
	assert.True(t, x.Equal(&y))
	assert.False(t, x.Equal(&a))
	assert.False(t, a.Equal(&x))
	assert.False(t, x.IsValid())
}

func TestFileRoundTrip(t *testing.T) {
	recs := make([]ChannelChargeMix, 0, 500)
	for i := range 500 {
		recs = append(recs, sampleRecord(uint32(i%17), int64(i)))
	}

	a, err := OpenFile(writeArchive(t, recs))
	require.NoError(t, err)

	got := collect(t, a)
	require.Len(t, got, len(recs))
	for i := range recs {
		assert.True(t, recs[i].Equal(&got[i]), "record %d", i)
	}

	// A second pass sees the same data.
	assert.Len(t, collect(t, a), len(recs))
}

func TestFileEmpty(t *testing.T) {
	a, err := OpenFile(writeArchive(t, nil))
	require.NoError(t, err)
	assert.Empty(t, collect(t, a))
}

func TestFileStopScan(t *testing.T) {
	recs := []ChannelChargeMix{sampleRecord(0, 1), sampleRecord(1, 1), sampleRecord(2, 1)}
	a, err := OpenFile(writeArchive(t, recs))
	require.NoError(t, err)

	n := 0
	err = a.Scan(context.Background(), func(*ChannelChargeMix) error {
		n++
		if n == 2 {
			return ErrStopScan
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	boom := errors.New("boom")
	err = a.Scan(context.Background(), func(*ChannelChargeMix) error { return boom })
	assert.ErrorIs(t, err, boom)
}

func TestFileScanCancelled(t *testing.T) {
	a, err := OpenFile(writeArchive(t, []ChannelChargeMix{sampleRecord(0, 1)}))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = a.Scan(ctx, func(*ChannelChargeMix) error { return nil })
	assert.ErrorIs(t, err, context.Canceled)
}

func TestOpenFileBadHeader(t *testing.T) {
	dir := t.TempDir()

	bad := filepath.Join(dir, "bad")
	require.NoError(t, os.WriteFile(bad, []byte("NOPE\x01\x00"), 0o644))
	_, err := OpenFile(bad)
	assert.ErrorIs(t, err, ErrBadMagic)

	v2 := filepath.Join(dir, "v2")
	require.NoError(t, os.WriteFile(v2, []byte("CCMX\x02\x00"), 0o644))
	_, err = OpenFile(v2)
	assert.ErrorIs(t, err, ErrUnsupportedVersion)

	_, err = OpenFile(filepath.Join(dir, "missing"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestFileTruncatedRecord(t *testing.T) {
	path := filepath.Join(t.TempDir(), "short.ccmx")
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, binary.Write(f, binary.LittleEndian, fileHeader{Magic: fileMagic, Version: fileVersion}))
	enc, err := zstd.NewWriter(f)
	require.NoError(t, err)
	_, err = enc.Write(make([]byte, RecordSize+RecordSize/2))
	require.NoError(t, err)
	require.NoError(t, enc.Close())
	require.NoError(t, f.Close())

	a, err := OpenFile(path)
	require.NoError(t, err)

	n := 0
	err = a.Scan(context.Background(), func(*ChannelChargeMix) error {
		n++
		return nil
	})
	assert.ErrorIs(t, err, ErrTruncated)
	assert.Equal(t, 1, n)
}

func TestScanChannelsFiltersWithoutPushdown(t *testing.T) {
	var recs []ChannelChargeMix
	for ch := range uint32(10) {
		recs = append(recs, sampleRecord(ch, 1), sampleRecord(ch, 2))
	}
	a, err := OpenFile(writeArchive(t, recs))
	require.NoError(t, err)

	var seen []uint32
	require.NoError(t, ScanChannels(context.Background(), a, 3, 6, func(r *ChannelChargeMix) error {
		seen = append(seen, r.Channel)
		return nil
	}))
	assert.Equal(t, []uint32{3, 3, 4, 4, 5, 5}, seen)
}

func TestClickHouseTableName(t *testing.T) {
	for _, name := range []string{"mix", "analysis.charge_mix", "_t1"} {
		_, err := NewClickHouse(nil, name)
		assert.NoError(t, err, name)
	}
	for _, name := range []string{"", "1abc", "mix; DROP TABLE x", "a.b.c"} {
		_, err := NewClickHouse(nil, name)
		assert.ErrorIs(t, err, ErrBadTableName, name)
	}
}

func TestClickHouseInsertStatement(t *testing.T) {
	c, err := NewClickHouse(nil, "analysis.charge_mix")
	require.NoError(t, err)

	recs := []ChannelChargeMix{sampleRecord(1, 1), sampleRecord(2, 1)}
	q, args := c.insertStatement(recs)

	assert.True(t, strings.HasPrefix(q, "INSERT INTO analysis.charge_mix (run, event, channel,"))
	assert.Equal(t, 2, strings.Count(q, "(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)"))
	require.Len(t, args, 22)
	assert.Equal(t, uint32(2), args[13])
	assert.Equal(t, recs[1].Charge[:], args[15])

	assert.Contains(t, c.CreateTableStatement(), "charge Array(Float32)")
	assert.Contains(t, c.CreateTableStatement(), "ORDER BY (channel, run, event)")
}

func TestClickHouseClosed(t *testing.T) {
	c, err := NewClickHouse(nil, "mix")
	require.NoError(t, err)
	require.NoError(t, c.Close())

	rec := sampleRecord(0, 0)
	assert.ErrorIs(t, c.Append(context.Background(), &rec), ErrClosed)
	assert.ErrorIs(t, c.Scan(context.Background(), func(*ChannelChargeMix) error { return nil }), ErrClosed)
}
