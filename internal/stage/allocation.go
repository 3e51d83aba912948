package stage

import (
	"context"
	"fmt"
	"math/rand"
)

// Alloc bundles everything a request resolved once: the stage, the student,
// the parsed settings and the public-ID codec. It is threaded explicitly
// through every engine call rather than read from ambient state.
type Alloc struct {
	Store    Store
	Stage    Stage
	Student  Student
	Settings Settings

	codec Codec
}

// NewAlloc builds the allocation context for one (stage, student) pair.
func NewAlloc(store Store, st Stage, student Student, settings Settings) (*Alloc, error) {
	a := &Alloc{Store: store, Stage: st, Student: student, Settings: settings}
	switch settings.AllocationMethod {
	case AllocationOriginal:
		codec, err := newCipherCodec(settings.AllocationKey)
		if err != nil {
			return nil, err
		}
		a.codec = codec
	case AllocationPassthrough:
		a.codec = &passthroughCodec{store: store}
	default:
		return nil, fmt.Errorf("unknown allocation_method %q", settings.AllocationMethod)
	}
	return a, nil
}

// PublicID encodes a material ref into the opaque token clients use.
func (a *Alloc) PublicID(ctx context.Context, ref MaterialRef) (string, error) {
	return a.codec.Encode(ctx, ref)
}

// ParsePublicID decodes a client token back into a material ref.
func (a *Alloc) ParsePublicID(ctx context.Context, token string) (MaterialRef, error) {
	return a.codec.Decode(ctx, token)
}

// Material returns the material currently allocated to the student. Large
// banks are sampled down to Settings.QuestionCap deterministically: the
// generator is seeded from the student's allocation seed plus the current
// answer window, so the subset is stable call-to-call and only rotates once
// the student crosses a refresh boundary.
func (a *Alloc) Material(ctx context.Context) ([]MaterialRef, error) {
	refs, err := a.Store.StageMaterial(ctx, a.Stage.ID)
	if err != nil {
		return nil, err
	}
	if a.Settings.AllocationMethod != AllocationOriginal || len(refs) <= a.Settings.QuestionCap {
		return refs, nil
	}
	answered, err := a.Store.AnswerCount(ctx, a.Stage.ID, a.Student.ID)
	if err != nil {
		return nil, err
	}
	window := int64(answered / a.Settings.RefreshInterval)
	rnd := rand.New(rand.NewSource(a.Settings.AllocationSeed + window))
	sampled := make([]MaterialRef, 0, a.Settings.QuestionCap)
	for _, i := range rnd.Perm(len(refs))[:a.Settings.QuestionCap] {
		sampled = append(sampled, refs[i])
	}
	return sampled, nil
}

// ShouldRefreshQuestions reports whether this sync crossed a sampling-window
// boundary, i.e. the client should discard its cached question list.
func (a *Alloc) ShouldRefreshQuestions(queueLen, additions int) bool {
	if a.Settings.AllocationMethod != AllocationOriginal {
		return false
	}
	n := a.Settings.RefreshInterval
	return queueLen/n != (queueLen-additions)/n
}
