package stage

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSamplingFixture(t *testing.T, cap, refresh int) (*MemStore, *Alloc) {
	t.Helper()
	store := NewMemStore()
	st := Stage{ID: 1, SyllabusPath: "math.612", Name: "lecture0"}
	store.PutStage(st)
	for i := 1; i <= 30; i++ {
		store.PutMaterial(MaterialSource{
			QuestionID:       uint32(i),
			Name:             fmt.Sprintf("math.q%d", i),
			PermutationCount: 10,
		}, st.ID)
	}

	settings := DefaultSettings()
	settings.AllocationKey = "fixture-key"
	settings.QuestionCap = cap
	settings.RefreshInterval = refresh
	alloc, err := NewAlloc(store, st, Student{ID: "alice"}, settings.ForStudent("alice"))
	require.NoError(t, err)
	return store, alloc
}

func TestMaterialSampling(t *testing.T) {
	store, alloc := newSamplingFixture(t, 100, 20)
	ctx := context.Background()

	got, err := alloc.Material(ctx)
	require.NoError(t, err)
	assert.Len(t, got, 100)

	// Stable call-to-call within a window.
	again, err := alloc.Material(ctx)
	require.NoError(t, err)
	assert.Equal(t, got, again)

	// Each ref comes from the stage's bank, no duplicates.
	seen := map[MaterialRef]bool{}
	for _, ref := range got {
		assert.False(t, seen[ref])
		seen[ref] = true
		assert.GreaterOrEqual(t, ref.Permutation, int32(1))
		assert.LessOrEqual(t, ref.Permutation, int32(10))
	}

	// Still stable while answers stay inside the window...
	key := logKey(alloc.Stage.ID, "alice")
	for i := 0; i < 19; i++ {
		store.answers[key] = append(store.answers[key], &Entry{UserID: "alice"})
	}
	sameWindow, err := alloc.Material(ctx)
	require.NoError(t, err)
	assert.Equal(t, got, sameWindow)

	// ...and rotates once the window boundary is crossed.
	store.answers[key] = append(store.answers[key], &Entry{UserID: "alice"})
	nextWindow, err := alloc.Material(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, got, nextWindow)
	assert.Len(t, nextWindow, 100)
}

func TestMaterialSamplingPerStudent(t *testing.T) {
	store, alloc := newSamplingFixture(t, 100, 20)
	ctx := context.Background()

	other, err := NewAlloc(store, alloc.Stage, Student{ID: "bob"},
		func() Settings {
			s := DefaultSettings()
			s.AllocationKey = "fixture-key"
			return s.ForStudent("bob")
		}())
	require.NoError(t, err)

	a, err := alloc.Material(ctx)
	require.NoError(t, err)
	b, err := other.Material(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestMaterialUnderCap(t *testing.T) {
	_, alloc := newSamplingFixture(t, 1000, 20)
	got, err := alloc.Material(context.Background())
	require.NoError(t, err)
	// Bank smaller than the cap: everything, in stored order.
	assert.Len(t, got, 300)
	assert.Equal(t, MaterialRef{QuestionID: 1, Permutation: 1}, got[0])
}

func TestShouldRefreshQuestions(t *testing.T) {
	_, alloc := newSamplingFixture(t, 100, 20)

	assert.False(t, alloc.ShouldRefreshQuestions(5, 3))
	assert.False(t, alloc.ShouldRefreshQuestions(19, 19))
	assert.True(t, alloc.ShouldRefreshQuestions(20, 1))
	assert.True(t, alloc.ShouldRefreshQuestions(25, 10))
	assert.False(t, alloc.ShouldRefreshQuestions(25, 0))

	alloc.Settings.AllocationMethod = AllocationPassthrough
	assert.False(t, alloc.ShouldRefreshQuestions(20, 1))
}
