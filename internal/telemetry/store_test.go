package telemetry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scadamaster/internal/model"
)

func sample(node string, seq uint64, at time.Time) model.TelemetrySample {
	return model.TelemetrySample{NodeID: node, Seq: seq, Timestamp: at}
}

func TestRingEvictsExactlyTheOldest(t *testing.T) {
	r := newRing(3)
	base := time.Now()
	for i := uint64(1); i <= 4; i++ {
		r.push(sample("GEN-001", i, base.Add(time.Duration(i)*time.Second)))
	}

	got := r.snapshot(0)
	require.Len(t, got, 3)
	assert.Equal(t, uint64(2), got[0].Seq, "only the oldest sample may be evicted")
	assert.Equal(t, uint64(3), got[1].Seq)
	assert.Equal(t, uint64(4), got[2].Seq)
}

func TestRingSnapshotLimitReturnsMostRecent(t *testing.T) {
	r := newRing(10)
	base := time.Now()
	for i := uint64(1); i <= 6; i++ {
		r.push(sample("GEN-001", i, base))
	}

	got := r.snapshot(2)
	require.Len(t, got, 2)
	assert.Equal(t, uint64(5), got[0].Seq)
	assert.Equal(t, uint64(6), got[1].Seq)
}

func TestStoreLatestTracksNewestSample(t *testing.T) {
	s := NewStore(8, nil)
	base := time.Now()
	s.OnTelemetry(sample("GEN-001", 1, base))
	s.OnTelemetry(sample("GEN-001", 2, base.Add(time.Second)))

	latest, ok := s.Latest("GEN-001")
	require.True(t, ok)
	assert.Equal(t, uint64(2), latest.Seq)

	_, ok = s.Latest("SUB-001")
	assert.False(t, ok)
}

func TestStoreQueryTimeWindowAndLimit(t *testing.T) {
	s := NewStore(100, nil)
	base := time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 10; i++ {
		s.OnTelemetry(sample("SUB-001", uint64(i+1), base.Add(time.Duration(i)*time.Second)))
	}

	got, err := s.Query("SUB-001", base.Add(2*time.Second), base.Add(6*time.Second), 0)
	require.NoError(t, err)
	require.Len(t, got, 5)
	assert.Equal(t, uint64(3), got[0].Seq)
	assert.Equal(t, uint64(7), got[4].Seq)

	got, err = s.Query("SUB-001", time.Time{}, time.Time{}, 3)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, uint64(8), got[0].Seq, "limit keeps the most recent samples")
}

func TestStoreQueryUnknownNode(t *testing.T) {
	s := NewStore(8, nil)
	_, err := s.Query("NOPE", time.Time{}, time.Time{}, 0)
	assert.ErrorIs(t, err, model.ErrNodeNotFound)
}

func TestStoreToleratesSequenceReset(t *testing.T) {
	s := NewStore(8, nil)
	base := time.Now()
	s.OnTelemetry(sample("GEN-001", 900, base))
	s.ResetSequence("GEN-001")
	s.OnTelemetry(sample("GEN-001", 0, base.Add(time.Second)))

	latest, ok := s.Latest("GEN-001")
	require.True(t, ok)
	assert.Equal(t, uint64(0), latest.Seq, "a restarted RTU's fresh sequence base must be accepted")
}
