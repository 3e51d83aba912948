package stage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func i64(v int64) *int64 { return &v }

// newQueueFixture builds a stage with one regular question bank and one
// template, using passthrough tokens so expected URIs stay readable.
func newQueueFixture(t *testing.T) (*MemStore, Stage) {
	t.Helper()
	store := NewMemStore()
	st := Stage{
		ID:           1,
		SyllabusPath: "math.612",
		Name:         "lecture0",
		SettingSpec: map[string]string{
			"allocation_method":         "passthrough",
			"ugreview_captrue":          "2.5",
			"award_ugmaterial_correct":  "10",
			"award_ugmaterial_accepted": "100",
			"award_stage_answered":      "1000",
			"award_stage_aced":          "10000",
			"award_tutorial_aced":       "100000",
		},
	}
	store.PutStage(st)
	store.PutMaterial(MaterialSource{QuestionID: 1, Name: "math.q1", PermutationCount: 5}, st.ID)
	store.PutMaterial(MaterialSource{
		QuestionID:       2,
		Name:             "math.tmpl",
		Tags:             []string{TagTemplate},
		PermutationCount: 1,
	}, st.ID)
	return store, st
}

func syncAs(t *testing.T, store Store, st Stage, user string, in []WireEntry, offset int64) ([]WireEntry, int) {
	t.Helper()
	settings, err := ParseSettings(st.SettingSpec)
	require.NoError(t, err)
	alloc, err := NewAlloc(store, st, Student{ID: user, Username: user}, settings.ForStudent(user))
	require.NoError(t, err)
	out, additions, err := SyncAnswerQueue(context.Background(), alloc, in, offset)
	require.NoError(t, err)
	return out, additions
}

func TestSyncBasic(t *testing.T) {
	store, st := newQueueFixture(t)

	queue, additions := syncAs(t, store, st, "alice", []WireEntry{
		{URI: "math.q1:2", ClientID: "c1", TimeStart: 90, TimeEnd: 100, Correct: boolPtr(true), GradeAfter: 0.1},
		{URI: "math.q1:3", ClientID: "c1", TimeStart: 190, TimeEnd: 0}, // still in progress
		{URI: "math.q1:1", ClientID: "c1", TimeStart: 10, TimeEnd: 50, Correct: boolPtr(false)},
	}, 7)
	assert.Equal(t, 2, additions)
	require.Len(t, queue, 2)

	// Ordered by time, tokens round-tripped, offset stamped from this sync.
	assert.Equal(t, "math.q1:1", queue[0].URI)
	assert.Equal(t, "math.q1:2", queue[1].URI)
	assert.Equal(t, int64(50), queue[0].TimeEnd)
	assert.Equal(t, int64(7), *queue[0].TimeOffset)
	assert.True(t, queue[0].Synced)
	assert.True(t, queue[1].Synced)

	// Replaying the same input changes nothing.
	again, additions := syncAs(t, store, st, "alice", []WireEntry{
		{URI: "math.q1:2", ClientID: "c1", TimeStart: 90, TimeEnd: 100, TimeOffset: i64(7), Correct: boolPtr(true), GradeAfter: 0.1},
		{URI: "math.q1:1", ClientID: "c1", TimeStart: 10, TimeEnd: 50, TimeOffset: i64(7), Correct: boolPtr(false)},
	}, 7)
	assert.Equal(t, 0, additions)
	assert.Equal(t, queue, again)

	// An empty sync returns the server log untouched.
	again, additions = syncAs(t, store, st, "alice", nil, 0)
	assert.Equal(t, 0, additions)
	assert.Equal(t, queue, again)
}

func TestSyncQueuesAreIndependent(t *testing.T) {
	store, st := newQueueFixture(t)

	syncAs(t, store, st, "alice", []WireEntry{
		{URI: "math.q1:1", TimeEnd: 100, TimeOffset: i64(0)},
	}, 0)
	queue, additions := syncAs(t, store, st, "bob", []WireEntry{
		{URI: "math.q1:2", TimeEnd: 200, TimeOffset: i64(0)},
	}, 0)
	assert.Equal(t, 1, additions)
	require.Len(t, queue, 1)
	assert.Equal(t, "math.q1:2", queue[0].URI)
}

func TestSyncInterleaving(t *testing.T) {
	store, st := newQueueFixture(t)

	syncAs(t, store, st, "alice", []WireEntry{
		{URI: "math.q1:1", TimeEnd: 100, TimeOffset: i64(0)},
	}, 0)

	// A second device submits entries straddling the stored one. The merged
	// log interleaves all three; the stored entry is not duplicated.
	queue, additions := syncAs(t, store, st, "alice", []WireEntry{
		{URI: "math.q1:2", TimeEnd: 150, TimeOffset: i64(0)},
		{URI: "math.q1:3", TimeEnd: 50, TimeOffset: i64(0)},
	}, 0)
	assert.Equal(t, 2, additions)
	require.Len(t, queue, 3)
	assert.Equal(t, []int64{50, 100, 150}, []int64{queue[0].TimeEnd, queue[1].TimeEnd, queue[2].TimeEnd})
}

func TestSyncSameSecondDifferentClients(t *testing.T) {
	store, st := newQueueFixture(t)

	// Two clock-skewed devices answered in the same second; the offset
	// disambiguates them into two distinct entries.
	syncAs(t, store, st, "alice", []WireEntry{
		{URI: "math.q1:1", ClientID: "c1", TimeEnd: 100, TimeOffset: i64(3)},
	}, 3)
	queue, additions := syncAs(t, store, st, "alice", []WireEntry{
		{URI: "math.q1:2", ClientID: "c2", TimeEnd: 100},
	}, 5)
	assert.Equal(t, 1, additions)
	require.Len(t, queue, 2)
	assert.Equal(t, "math.q1:1", queue[0].URI)
	assert.Equal(t, "math.q1:2", queue[1].URI)
}

func TestSyncReviewAmendment(t *testing.T) {
	store, st := newQueueFixture(t)

	base := WireEntry{URI: "math.q1:4", TimeEnd: 1010, TimeOffset: i64(0)}
	syncAs(t, store, st, "alice", []WireEntry{base}, 0)

	// Review-only update on the same key: no addition, review recorded.
	amended := base
	amended.Review = Review{"hard": "yes"}
	queue, additions := syncAs(t, store, st, "alice", []WireEntry{amended}, 0)
	assert.Equal(t, 0, additions)
	require.Len(t, queue, 1)
	assert.Equal(t, Review{"hard": "yes"}, queue[0].Review)

	// Resubmitting without the review must not erase it.
	queue, additions = syncAs(t, store, st, "alice", []WireEntry{base}, 0)
	assert.Equal(t, 0, additions)
	assert.Equal(t, Review{"hard": "yes"}, queue[0].Review)

	// A fresh review replaces the old one.
	amended.Review = Review{"hard": "no"}
	queue, _ = syncAs(t, store, st, "alice", []WireEntry{amended}, 0)
	assert.Equal(t, Review{"hard": "no"}, queue[0].Review)
}

func TestSyncAbortLeavesNoPartialMerge(t *testing.T) {
	store, st := newQueueFixture(t)
	settings, err := ParseSettings(st.SettingSpec)
	require.NoError(t, err)
	alloc, err := NewAlloc(store, st, Student{ID: "alice"}, settings)
	require.NoError(t, err)

	// The valid first entry would be inserted before the bad token aborts the
	// pass; nothing of it may survive.
	_, _, err = SyncAnswerQueue(context.Background(), alloc, []WireEntry{
		{URI: "math.q1:1", TimeEnd: 100, TimeOffset: i64(0)},
		{URI: "nonsense", TimeEnd: 200, TimeOffset: i64(0)},
	}, 0)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBadPublicID)

	n, err := store.AnswerCount(context.Background(), st.ID, "alice")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func boolPtr(b bool) *bool { return &b }
