package mixing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cwbudde/hcal-chargemix/internal/testutil"
	"github.com/cwbudde/hcal-chargemix/pulse"
)

func newTestAccumulator(t *testing.T, channels int, opts ...AccumulatorOption) *Accumulator {
	t.Helper()
	acc, err := NewAccumulator(channels, opts...)
	require.NoError(t, err)
	return acc
}

func TestNewAccumulatorValidation(t *testing.T) {
	_, err := NewAccumulator(0)
	assert.ErrorIs(t, err, ErrInvalidAccumulator)

	_, err = NewAccumulator(4, WithCentralTimeSlice(10))
	assert.ErrorIs(t, err, ErrInvalidAccumulator)

	_, err = NewAccumulator(4, WithCentralTimeSlice(-1))
	assert.ErrorIs(t, err, ErrInvalidAccumulator)

	acc, err := NewAccumulator(4)
	require.NoError(t, err)
	assert.Equal(t, DefaultCentralTimeSlice, acc.CentralTimeSlice())
	assert.True(t, acc.IsClear())
}

func TestAddEventOnesIdentity(t *testing.T) {
	for shift := -DefaultCentralTimeSlice; shift < numTS-DefaultCentralTimeSlice; shift++ {
		acc := newTestAccumulator(t, 3)
		ev := testutil.Snapshot(1, testutil.Ones(), 0, 2)

		require.NoError(t, acc.AddEvent(ev, shift, 1))

		assert.Equal(t, testutil.Ones(), acc.Charge(0), "shift %d", shift)
		assert.Equal(t, testutil.Ones(), acc.Charge(2), "shift %d", shift)
		assert.Equal(t, [numTS]float64{}, acc.Charge(1), "shift %d", shift)
	}
}

func TestAddEventClampsAtEdges(t *testing.T) {
	tests := []struct {
		shift int
		want  [numTS]float64
	}{
		{shift: 0, want: [numTS]float64{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}},
		{shift: 2, want: [numTS]float64{0, 0, 0, 1, 2, 3, 4, 5, 6, 7}},
		{shift: -1, want: [numTS]float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 9}},
		{shift: -4, want: [numTS]float64{4, 5, 6, 7, 8, 9, 9, 9, 9, 9}},
		{shift: 5, want: [numTS]float64{0, 0, 0, 0, 0, 0, 1, 2, 3, 4}},
	}

	for _, tc := range tests {
		acc := newTestAccumulator(t, 1)
		require.NoError(t, acc.AddEvent(testutil.Snapshot(0, testutil.Ramp(), 0), tc.shift, 1))
		assert.Equal(t, tc.want, acc.Charge(0), "shift %d", tc.shift)
	}
}

func TestAddEventScales(t *testing.T) {
	acc := newTestAccumulator(t, 1)
	ev := testutil.Snapshot(0, testutil.Ones(), 0)

	require.NoError(t, acc.AddEvent(ev, 0, 0.5))
	require.NoError(t, acc.AddEvent(ev, 1, 2))

	want := testutil.Ones()
	for i := range want {
		want[i] *= 2.5
	}
	testutil.RequireTraceNearlyEqual(t, acc.Charge(0), want, 1e-12)
	assert.InDelta(t, 0.5, acc.Energy(0)[4], 1e-12)
	assert.InDelta(t, 2, acc.Energy(0)[5], 1e-12)
	assert.InDelta(t, 2.5, acc.TotalEnergy(0), 1e-12)
}

func TestAddEventBookkeeping(t *testing.T) {
	acc := newTestAccumulator(t, 4, WithCentralTimeSlice(3))

	a := testutil.Snapshot(2, testutil.Ones(), 0, 1)
	b := testutil.Snapshot(5, testutil.Ones(), 1)

	require.NoError(t, acc.AddEvent(a, 0, 1))
	require.NoError(t, acc.AddEvent(b, 2, 1))
	require.NoError(t, acc.AddEvent(b, 2, 1))

	assert.Equal(t, 1, acc.Readouts(0))
	assert.Equal(t, 3, acc.Readouts(1))
	assert.Equal(t, 0, acc.Readouts(2))
	assert.Equal(t, 1, acc.ReadoutsAt(1, 3))
	assert.Equal(t, 2, acc.ReadoutsAt(1, 5))

	assert.Equal(t, 1, acc.EventsAt(3))
	assert.Equal(t, 2, acc.EventsAt(5))
	assert.Equal(t, 2, acc.GoodVerticesAt(3))
	assert.Equal(t, 10, acc.GoodVerticesAt(5))

	require.Equal(t, 3, acc.EventCount())
	ev, shift := acc.Draw(2)
	assert.Same(t, b, ev)
	assert.Equal(t, 2, shift)
}

func TestAddEventRejectsOutOfRange(t *testing.T) {
	acc := newTestAccumulator(t, 2)
	ev := testutil.Snapshot(1, testutil.Ones(), 0)

	assert.ErrorIs(t, acc.AddEvent(ev, numTS-DefaultCentralTimeSlice, 1), ErrShiftOutOfRange)
	assert.ErrorIs(t, acc.AddEvent(ev, -DefaultCentralTimeSlice-1, 1), ErrShiftOutOfRange)
	assert.ErrorIs(t, acc.AddEvent(testutil.Snapshot(1, testutil.Ones(), 0, 2), 0, 1), ErrChannelOutOfRange)
	assert.True(t, acc.IsClear(), "rejected events must not modify the accumulator")
}

func TestClearResetsEverything(t *testing.T) {
	acc := newTestAccumulator(t, 3)
	require.NoError(t, acc.AddEvent(testutil.Snapshot(3, testutil.Ramp(), 0, 1, 2), 1, 1))
	require.False(t, acc.IsClear())

	acc.Clear()

	assert.True(t, acc.IsClear())
	assert.Equal(t, 0, acc.EventCount())
	for ch := range 3 {
		assert.Equal(t, [numTS]float64{}, acc.Charge(ch))
		assert.Equal(t, 0, acc.Readouts(ch))
	}
}

func TestMixWithDataAddsCharge(t *testing.T) {
	cm := pulse.NewGridMap(1, 1, 2)
	acc := newTestAccumulator(t, cm.ChannelCount())
	require.NoError(t, acc.AddEvent(testutil.Snapshot(1, testutil.Ones(), 0, 3), 0, 1))

	d0, err := cm.Descriptor(0)
	require.NoError(t, err)
	d1, err := cm.Descriptor(1)
	require.NoError(t, err)

	rec := &pulse.EventRecord{Pulses: []pulse.Pulse{
		{Descriptor: d0, Charge: testutil.Ramp()},
		{Descriptor: d1},
	}}

	n, err := acc.MixWithData(cm, rec)
	require.NoError(t, err)

	assert.Equal(t, 1, n)
	require.Len(t, rec.Pulses, 2, "extra channels are not appended by default")
	assert.Equal(t, [numTS]float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}, rec.Pulses[0].Charge)
	assert.Equal(t, [numTS]float64{}, rec.Pulses[1].Charge)
}

func TestMixWithDataExtraChannels(t *testing.T) {
	cm := pulse.NewGridMap(1, 1, 2)
	acc := newTestAccumulator(t, cm.ChannelCount(), WithMixExtraChannels(true))
	require.NoError(t, acc.AddEvent(testutil.Snapshot(1, testutil.Ones(), 0, 3), 0, 1))

	d0, err := cm.Descriptor(0)
	require.NoError(t, err)
	d3, err := cm.Descriptor(3)
	require.NoError(t, err)

	rec := &pulse.EventRecord{Pulses: []pulse.Pulse{{Descriptor: d0}}}

	n, err := acc.MixWithData(cm, rec)
	require.NoError(t, err)

	assert.Equal(t, 2, n)
	require.Len(t, rec.Pulses, 2)
	assert.Equal(t, d3, rec.Pulses[1].Descriptor)
	assert.Equal(t, testutil.Ones(), rec.Pulses[1].Charge)
	assert.InDelta(t, 1, rec.Pulses[1].Energy, 1e-12)
}

func TestMixWithDataUnknownDescriptor(t *testing.T) {
	cm := pulse.NewGridMap(1, 1, 2)
	acc := newTestAccumulator(t, cm.ChannelCount())

	rec := &pulse.EventRecord{Pulses: []pulse.Pulse{{Descriptor: pulse.Descriptor{Depth: 9, IEta: 9, IPhi: 9}}}}
	_, err := acc.MixWithData(cm, rec)
	assert.ErrorIs(t, err, pulse.ErrUnknownChannel)
}
