package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"magnet-queue/internal/domain"
	"magnet-queue/internal/scheduler"
)

type stubJob struct{ id domain.JobID }

func (s stubJob) ID() domain.JobID              { return s.id }
func (s stubJob) Status() scheduler.Status      { return scheduler.Status{} }
func (s stubJob) Resume() error                 { return nil }
func (s stubJob) Pause() error                  { return nil }
func (s stubJob) SetCheckingAllowed(bool) error { return nil }

func fill(t *testing.T, r *Registry, ids ...string) {
	t.Helper()
	for _, id := range ids {
		_, err := r.Add(stubJob{id: domain.JobID(id)}, true)
		require.NoError(t, err)
	}
}

func order(t *testing.T, r *Registry) []string {
	t.Helper()
	entries, err := r.Snapshot()
	require.NoError(t, err)
	var out []string
	for i, e := range entries {
		if e.Position < 0 {
			continue
		}
		require.Equal(t, i, e.Position)
		out = append(out, string(e.Job.ID()))
	}
	return out
}

func TestAddAssignsNextPosition(t *testing.T) {
	r := New()
	pos, err := r.Add(stubJob{id: "a"}, true)
	require.NoError(t, err)
	assert.Equal(t, 0, pos)

	pos, err = r.Add(stubJob{id: "manual"}, false)
	require.NoError(t, err)
	assert.Equal(t, -1, pos)

	pos, err = r.Add(stubJob{id: "b"}, true)
	require.NoError(t, err)
	assert.Equal(t, 1, pos)

	_, err = r.Add(stubJob{id: "a"}, true)
	assert.ErrorIs(t, err, ErrJobExists)
	assert.Equal(t, 3, r.Len())
}

func TestRemoveCompacts(t *testing.T) {
	r := New()
	fill(t, r, "a", "b", "c", "d")

	require.NoError(t, r.Remove("b"))
	assert.Equal(t, []string{"a", "c", "d"}, order(t, r))

	assert.ErrorIs(t, r.Remove("b"), ErrJobNotFound)
}

func TestSetAutoManaged(t *testing.T) {
	r := New()
	fill(t, r, "a", "b", "c")

	pos, err := r.SetAutoManaged("a", false)
	require.NoError(t, err)
	assert.Equal(t, -1, pos)
	assert.Equal(t, []string{"b", "c"}, order(t, r))

	pos, err = r.SetAutoManaged("a", true)
	require.NoError(t, err)
	assert.Equal(t, 2, pos, "re-entering the queue appends at the tail")
	assert.Equal(t, []string{"b", "c", "a"}, order(t, r))

	pos, err = r.SetAutoManaged("a", true)
	require.NoError(t, err)
	assert.Equal(t, 2, pos, "no-op when already queued")

	_, err = r.SetAutoManaged("zzz", true)
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestMove(t *testing.T) {
	tests := []struct {
		name string
		id   string
		move Move
		want []string
	}{
		{"up", "c", MoveUp, []string{"a", "c", "b", "d"}},
		{"down", "a", MoveDown, []string{"b", "a", "c", "d"}},
		{"top", "d", MoveTop, []string{"d", "a", "b", "c"}},
		{"bottom", "a", MoveBottom, []string{"b", "c", "d", "a"}},
		{"up at top", "a", MoveUp, []string{"a", "b", "c", "d"}},
		{"down at bottom", "d", MoveDown, []string{"a", "b", "c", "d"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := New()
			fill(t, r, "a", "b", "c", "d")
			_, err := r.Move(domain.JobID(tt.id), tt.move)
			require.NoError(t, err)
			assert.Equal(t, tt.want, order(t, r))
		})
	}
}

func TestMoveRequiresQueuedJob(t *testing.T) {
	r := New()
	_, err := r.Add(stubJob{id: "manual"}, false)
	require.NoError(t, err)

	_, err = r.Move("manual", MoveTop)
	assert.ErrorIs(t, err, ErrNotQueued)

	_, err = r.Move("missing", MoveTop)
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestParseMove(t *testing.T) {
	m, err := ParseMove("top")
	require.NoError(t, err)
	assert.Equal(t, MoveTop, m)

	_, err = ParseMove("sideways")
	assert.Error(t, err)
}

func TestSnapshotOrdersQueuedFirst(t *testing.T) {
	r := New()
	_, err := r.Add(stubJob{id: "m1"}, false)
	require.NoError(t, err)
	fill(t, r, "a", "b")
	_, err = r.Add(stubJob{id: "m2"}, false)
	require.NoError(t, err)

	entries, err := r.Snapshot()
	require.NoError(t, err)
	var got []domain.JobID
	for _, e := range entries {
		got = append(got, e.Job.ID())
	}
	assert.Equal(t, []domain.JobID{"a", "b", "m1", "m2"}, got)
	assert.Less(t, entries[2].Seq, entries[3].Seq)
}

func TestSnapshotRepairsPositions(t *testing.T) {
	r := New()
	fill(t, r, "a", "b", "c")

	// corrupt: a gap and a duplicate
	r.entries["a"].position = 5
	r.entries["b"].position = 1
	r.entries["c"].position = 1

	entries, err := r.Snapshot()
	require.ErrorIs(t, err, ErrQueueInvariant)
	require.Len(t, entries, 3)
	assert.Equal(t, domain.JobID("b"), entries[0].Job.ID())
	assert.Equal(t, domain.JobID("c"), entries[1].Job.ID())
	assert.Equal(t, domain.JobID("a"), entries[2].Job.ID())

	assert.Equal(t, []string{"b", "c", "a"}, order(t, r), "repair is persistent")
}

func TestGet(t *testing.T) {
	r := New()
	fill(t, r, "a", "b")

	job, pos, err := r.Get("b")
	require.NoError(t, err)
	assert.Equal(t, domain.JobID("b"), job.ID())
	assert.Equal(t, 1, pos)

	_, _, err = r.Get("nope")
	assert.ErrorIs(t, err, ErrJobNotFound)
}
