package stage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newAwardFixture is newQueueFixture plus a sibling stage under the same
// syllabus node, so the tutorial award has something to wait for.
func newAwardFixture(t *testing.T) (*MemStore, Stage, Stage) {
	t.Helper()
	store, st := newQueueFixture(t)
	sibling := st
	sibling.ID = 2
	sibling.Name = "lecture1"
	store.PutStage(sibling)
	store.PutMaterial(MaterialSource{QuestionID: 3, Name: "math.q3", PermutationCount: 5}, sibling.ID)
	return store, st, sibling
}

func TestAwardThresholds(t *testing.T) {
	store, st, _ := newAwardFixture(t)
	ctx := context.Background()

	coins := func() int64 {
		total, err := store.CoinsAwarded(ctx, "alice")
		require.NoError(t, err)
		return total
	}

	// Below every threshold: nothing.
	syncAs(t, store, st, "alice", []WireEntry{
		{URI: "math.q1:1", TimeEnd: 100, TimeOffset: i64(0), GradeAfter: 3.0},
	}, 0)
	assert.Zero(t, coins())

	// Crossing the answered threshold pays once.
	syncAs(t, store, st, "alice", []WireEntry{
		{URI: "math.q1:2", TimeEnd: 200, TimeOffset: i64(0), GradeAfter: 6.0},
	}, 0)
	assert.Equal(t, int64(1000), coins())

	// A dip and recovery below the old high-water mark changes nothing.
	syncAs(t, store, st, "alice", []WireEntry{
		{URI: "math.q1:3", TimeEnd: 300, TimeOffset: i64(0), GradeAfter: 4.0},
		{URI: "math.q1:4", TimeEnd: 400, TimeOffset: i64(0), GradeAfter: 6.5},
	}, 0)
	assert.Equal(t, int64(1000), coins())

	// Acing the stage pays the aced award; the sibling stage is untouched so
	// no tutorial award yet.
	syncAs(t, store, st, "alice", []WireEntry{
		{URI: "math.q1:5", TimeEnd: 500, TimeOffset: i64(0), GradeAfter: 9.8},
	}, 0)
	assert.Equal(t, int64(11000), coins())

	// Replaying the whole history re-derives the same state.
	syncAs(t, store, st, "alice", nil, 0)
	assert.Equal(t, int64(11000), coins())
}

func TestAwardTutorialAced(t *testing.T) {
	store, st, sibling := newAwardFixture(t)
	ctx := context.Background()

	syncAs(t, store, st, "alice", []WireEntry{
		{URI: "math.q1:1", TimeEnd: 100, TimeOffset: i64(0), GradeAfter: 9.8},
	}, 0)

	// One entry can cross both grade thresholds at once. Acing the last
	// stage of the tutorial also pays the tutorial award.
	syncAs(t, store, sibling, "alice", []WireEntry{
		{URI: "math.q3:1", TimeEnd: 200, TimeOffset: i64(0), GradeAfter: 9.9},
	}, 0)

	total, err := store.CoinsAwarded(ctx, "alice")
	require.NoError(t, err)
	// st: answered + aced; sibling: answered + aced + tutorial.
	assert.Equal(t, int64(11000+11000+100000), total)

	// Idempotent under replay on either stage.
	syncAs(t, store, st, "alice", nil, 0)
	syncAs(t, store, sibling, "alice", nil, 0)
	total, err = store.CoinsAwarded(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(122000), total)
}

func TestAwardIgnoresUserGeneratedEntries(t *testing.T) {
	store, st, _ := newAwardFixture(t)
	ctx := context.Background()

	// A user-generated write above the answered threshold pays no stage
	// award and does not consume the crossing.
	syncAs(t, store, st, "alice", []WireEntry{
		{URI: "math.tmpl:0", TimeEnd: 100, TimeOffset: i64(0), GradeAfter: 6.0,
			StudentAnswer: map[string]interface{}{"text": "q"}},
	}, 0)
	coins, err := store.CoinsAwarded(ctx, "alice")
	require.NoError(t, err)
	assert.Zero(t, coins)

	// The first ordinary entry over the threshold still earns it.
	syncAs(t, store, st, "alice", []WireEntry{
		{URI: "math.q1:1", TimeEnd: 200, TimeOffset: i64(0), GradeAfter: 6.0},
	}, 0)
	coins, err = store.CoinsAwarded(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(1000), coins)
}

func TestAwardSkipsPreviouslyPaidEntries(t *testing.T) {
	store, st, _ := newAwardFixture(t)
	ctx := context.Background()

	syncAs(t, store, st, "alice", []WireEntry{
		{URI: "math.q1:1", TimeEnd: 100, TimeOffset: i64(0), GradeAfter: 6.0},
	}, 0)

	// A later entry above the threshold earns nothing: the high-water mark
	// advanced past it on the first crossing.
	syncAs(t, store, st, "alice", []WireEntry{
		{URI: "math.q1:2", TimeEnd: 200, TimeOffset: i64(0), GradeAfter: 7.0},
	}, 0)
	total, err := store.CoinsAwarded(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(1000), total)
}
