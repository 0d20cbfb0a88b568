package mixing

import (
	"errors"
	"io"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cwbudde/hcal-chargemix/internal/testutil"
	"github.com/cwbudde/hcal-chargemix/pulse"
	"github.com/cwbudde/hcal-chargemix/pulse/eventfile"
)

type sliceReader struct {
	recs   []*pulse.EventRecord
	next   int
	err    error
	closed bool
}

func (r *sliceReader) Next() (*pulse.EventRecord, error) {
	if r.next < len(r.recs) {
		r.next++
		return r.recs[r.next-1], nil
	}
	if r.err != nil {
		return nil, r.err
	}
	return nil, io.EOF
}

func (r *sliceReader) Close() error {
	r.closed = true
	return nil
}

func TestPoolLoadAppliesPredicate(t *testing.T) {
	cm := pulse.NewGridMap(1, 1, 2)
	rng := testutil.NewRand(5)

	good := testutil.SyntheticRecord(rng, cm, 1, 10, 4)
	noVertex := testutil.SyntheticRecord(rng, cm, 1, 10, 4)
	noVertex.GoodVertices = 0
	noTrack := testutil.SyntheticRecord(rng, cm, 1, 10, 4)
	noTrack.GoodTracks = 0

	readers := map[string]*sliceReader{
		"a": {recs: []*pulse.EventRecord{good, noVertex}},
		"b": {recs: []*pulse.EventRecord{noTrack, good}},
	}
	open := func(path string) (pulse.EventReader, error) {
		r, ok := readers[path]
		if !ok {
			return nil, errors.New("no such source")
		}
		return r, nil
	}

	pool := NewPool(cm)
	n, err := pool.Load([]string{"a", "missing", "b"}, open)
	require.NoError(t, err)

	assert.Equal(t, 2, n)
	assert.Equal(t, 2, pool.Len())
	assert.True(t, readers["a"].closed)
	assert.True(t, readers["b"].closed)
	assert.Len(t, pool.Event(0).Channels, cm.ChannelCount())
}

func TestPoolLoadCustomPredicate(t *testing.T) {
	cm := pulse.NewGridMap(1, 1, 2)
	rec := testutil.SyntheticRecord(testutil.NewRand(1), cm, 1, 10, 4)
	rec.GoodTracks = 0

	open := func(string) (pulse.EventReader, error) {
		return &sliceReader{recs: []*pulse.EventRecord{rec}}, nil
	}

	pool := NewPool(cm, WithPredicate(func(*pulse.EventRecord) bool { return true }))
	n, err := pool.Load([]string{"x"}, open)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestPoolLoadNoSources(t *testing.T) {
	cm := pulse.NewGridMap(1, 1, 2)
	open := func(string) (pulse.EventReader, error) { return nil, errors.New("boom") }

	_, err := NewPool(cm).Load([]string{"a", "b"}, open)
	assert.ErrorIs(t, err, ErrNoSources)

	_, err = NewPool(cm).Load(nil, open)
	assert.ErrorIs(t, err, ErrNoSources)
}

func TestPoolLoadMalformedIsFatal(t *testing.T) {
	cm := pulse.NewGridMap(1, 1, 2)
	good := testutil.SyntheticRecord(testutil.NewRand(2), cm, 1, 10, 4)
	bad := errors.New("corrupt record")
	r := &sliceReader{recs: []*pulse.EventRecord{good}, err: bad}

	pool := NewPool(cm)
	n, err := pool.Load([]string{"a"}, func(string) (pulse.EventReader, error) { return r, nil })

	assert.ErrorIs(t, err, bad)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, pool.Len(), "events loaded before the error are kept")
	assert.True(t, r.closed)
}

func TestPoolLoadFromEventFile(t *testing.T) {
	cm := pulse.NewGridMap(2, 2, 4)
	rng := testutil.NewRand(11)
	path := filepath.Join(t.TempDir(), "events.ntev")

	w, err := eventfile.Create(path)
	require.NoError(t, err)
	for range 25 {
		require.NoError(t, w.Write(testutil.SyntheticRecord(rng, cm, 0.3, 40, 4)))
	}
	require.NoError(t, w.Close())

	pool := NewPool(cm)
	n, err := pool.Load([]string{path}, nil)
	require.NoError(t, err)
	assert.Equal(t, 25, n)
}
