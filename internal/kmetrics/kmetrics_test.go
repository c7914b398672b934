package kmetrics

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func uniqueName(t *testing.T, base string) string {
	t.Helper()
	return base + "/" + t.Name()
}

func TestNewRegisteredMeterReturnsSameInstanceForSameName(t *testing.T) {
	name := uniqueName(t, "test/meter")
	m1 := NewRegisteredMeter(name)
	m1.Mark(5)

	m2 := NewRegisteredMeter(name)
	require.Equal(t, int64(5), m2.Count(), "registering the same name twice must return the same meter")
}

func TestCounterIncDec(t *testing.T) {
	name := uniqueName(t, "test/counter")
	c := NewRegisteredCounter(name)
	c.Inc(10)
	c.Dec(3)
	require.Equal(t, int64(7), c.Get())
}

func TestSnapshotIncludesRegisteredNames(t *testing.T) {
	meterName := uniqueName(t, "test/snapshot/meter")
	counterName := uniqueName(t, "test/snapshot/counter")

	NewRegisteredMeter(meterName).Mark(1)
	NewRegisteredCounter(counterName).Inc(2)

	out := Snapshot()
	require.True(t, strings.Contains(out, meterName+"=1"))
	require.True(t, strings.Contains(out, counterName+"=2"))
}
