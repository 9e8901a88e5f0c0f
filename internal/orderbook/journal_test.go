package orderbook

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestJournalAppendReplayRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "algos")
	j, highWater, err := Open(path, false)
	require.NoError(t, err)
	require.Zero(t, highWater)

	seq1, err := j.Append(7, 100, []byte(`{"a":1}`))
	require.NoError(t, err)
	seq2, err := j.Append(7, 101, []byte(`{"b":2}`))
	require.NoError(t, err)
	require.Greater(t, seq2, seq1)

	var got []Record
	require.NoError(t, j.Replay(0, func(rec Record) error {
		got = append(got, rec)
		return nil
	}))
	require.Len(t, got, 2)
	require.Equal(t, uint16(7), got[0].UserID)
	require.Equal(t, uint32(100), got[0].OrderID)
	require.Equal(t, []byte(`{"a":1}`), got[0].Payload)
	require.NoError(t, j.Close())
}

func TestJournalReplayFromSeqSkipsEarlierRecords(t *testing.T) {
	path := filepath.Join(t.TempDir(), "algos")
	j, _, err := Open(path, false)
	require.NoError(t, err)
	defer j.Close()

	for i := 0; i < 5; i++ {
		_, err := j.Append(1, uint32(i), []byte("x"))
		require.NoError(t, err)
	}
	var seqs []uint32
	require.NoError(t, j.Replay(3, func(rec Record) error {
		seqs = append(seqs, rec.Seq)
		return nil
	}))
	require.Equal(t, []uint32{3, 4, 5}, seqs)
}

// A reopen recovers the seq high-water mark so appends never reuse a
// sequence number across restarts.
func TestJournalReopenRecoversSeqHighWater(t *testing.T) {
	path := filepath.Join(t.TempDir(), "algos")
	j, _, err := Open(path, false)
	require.NoError(t, err)
	last, err := j.Append(1, 1, []byte("x"))
	require.NoError(t, err)
	require.NoError(t, j.Close())

	j2, highWater, err := Open(path, false)
	require.NoError(t, err)
	defer j2.Close()
	require.Equal(t, last, highWater)

	next, err := j2.Append(1, 2, []byte("y"))
	require.NoError(t, err)
	require.Greater(t, next, last)
}

// Each Open mints a distinct session id, so two runs appending to the
// same file are distinguishable in logs.
func TestJournalSessionIDsDistinctAcrossOpens(t *testing.T) {
	path := filepath.Join(t.TempDir(), "algos")
	j1, _, err := Open(path, false)
	require.NoError(t, err)
	first := j1.SessionID()
	require.NotEmpty(t, first)
	require.NoError(t, j1.Close())

	j2, _, err := Open(path, false)
	require.NoError(t, err)
	defer j2.Close()
	require.NotEqual(t, first, j2.SessionID())
}

// A non-whole trailing record is corruption: Open must refuse rather
// than silently truncate.
func TestJournalOpenRejectsPartialTrailingRecord(t *testing.T) {
	path := filepath.Join(t.TempDir(), "algos")
	j, _, err := Open(path, false)
	require.NoError(t, err)
	_, err = j.Append(1, 1, []byte("payload"))
	require.NoError(t, err)
	require.NoError(t, j.Close())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, raw[:len(raw)-3], 0o644))

	_, _, err = Open(path, false)
	require.Error(t, err)
	require.Contains(t, err.Error(), "manual remediation")
}
