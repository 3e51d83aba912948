package stage

import (
	"context"
	"errors"
)

// ErrMaterialNotFound reports a question id (or name) the store does not
// know. Distinct from ErrBadPublicID: the token parsed, the target is gone.
var ErrMaterialNotFound = errors.New("material not found")

// ErrStageNotFound reports an unknown stage id.
var ErrStageNotFound = errors.New("stage not found")

// Store is everything the engine needs from persistence. Implementations:
// SQLStore for sqlite/postgres, MemStore for tests.
type Store interface {
	// GetStage fetches stage metadata, including its settings spec.
	GetStage(ctx context.Context, stageID int64) (Stage, error)

	// StageMaterial lists every material ref associated with the stage,
	// pre-authored permutations expanded.
	StageMaterial(ctx context.Context, stageID int64) ([]MaterialRef, error)

	// AnswerCount is the stage/student answer log length, used to pick the
	// allocator's sampling window.
	AnswerCount(ctx context.Context, stageID int64, userID string) (int, error)

	// ResolveMaterial fetches metadata for a question id; ErrMaterialNotFound
	// if unknown.
	ResolveMaterial(ctx context.Context, questionID uint32) (MaterialSource, error)

	// MaterialByName resolves a material name (passthrough tokens only).
	MaterialByName(ctx context.Context, name string) (MaterialSource, error)

	// ReviewCandidates lists user-generated answers in the stage with the
	// reviews each has gathered, for review-request selection.
	ReviewCandidates(ctx context.Context, stageID int64) ([]ReviewCandidate, error)

	// IsStudentVetted reports whether the student holds vetted-reviewer
	// status for the stage's syllabus.
	IsStudentVetted(ctx context.Context, userID string, stage Stage) (bool, error)

	// CoinsAwarded totals coins awarded to the student across all stages.
	CoinsAwarded(ctx context.Context, userID string) (int64, error)

	// BeginSync opens a transaction holding an exclusive lock over the
	// (stage, student) answer log until Commit or Rollback. Concurrent syncs
	// for the same pair block; other pairs proceed in parallel.
	BeginSync(ctx context.Context, stageID int64, userID string) (SyncTx, error)
}

// SyncTx is the transactional surface of one answer-queue sync. All writes
// commit together or not at all; a failed sync leaves no partial merge.
type SyncTx interface {
	// AnswerLog returns the locked server log, ordered by
	// (time_end, time_offset).
	AnswerLog(ctx context.Context) ([]*Entry, error)

	InsertAnswer(ctx context.Context, e *Entry) error
	UpdateAnswer(ctx context.Context, e *Entry) error

	// AllocateUGPermutation returns a fresh, never-reused negative
	// permutation for student-authored content, recording the syncing
	// student as its author.
	AllocateUGPermutation(ctx context.Context, questionID uint32) (int32, error)

	// UGReviews gathers third-party reviews of user-generated material the
	// syncing student authored, keyed by material ref and ordered by review
	// time. Every previously-stored answer on the student's own material
	// appears in the map, with an empty (non-nil) slice if nobody has
	// reviewed it yet; answers referencing a peer's material never do.
	UGReviews(ctx context.Context) (map[MaterialRef][]UGReview, error)

	// SiblingHighWaterMarks returns the student's grade high-water mark in
	// every other stage sharing this stage's syllabus path.
	SiblingHighWaterMarks(ctx context.Context) ([]StageGrade, error)

	ResolveMaterial(ctx context.Context, questionID uint32) (MaterialSource, error)

	Commit() error
	Rollback() error
}
