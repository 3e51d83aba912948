package stage

import (
	"context"
	"fmt"
	"sort"
)

// SyncAnswerQueue reconciles a client-submitted answer log into the server's
// log for the allocation's (stage, student) pair and returns the full merged
// log plus the number of genuinely new entries.
//
// The server log is the source of truth: entries are only ever added or have
// their review and derived fields updated, never removed. The whole pass runs
// inside one locked transaction; any failure aborts it with no partial merge,
// and replaying the same incoming list is a no-op (additions == 0).
func SyncAnswerQueue(ctx context.Context, alloc *Alloc, incoming []WireEntry, timeOffset int64) ([]WireEntry, int, error) {
	// Incomplete entries (no time_end) are still in progress client-side and
	// are not persisted. Entries without an offset get this sync's.
	pending := make([]WireEntry, 0, len(incoming))
	for _, in := range incoming {
		if in.TimeEnd == 0 {
			continue
		}
		if in.TimeOffset == nil {
			off := timeOffset
			in.TimeOffset = &off
		}
		pending = append(pending, in)
	}
	sort.SliceStable(pending, func(i, j int) bool {
		if pending[i].TimeEnd != pending[j].TimeEnd {
			return pending[i].TimeEnd < pending[j].TimeEnd
		}
		return *pending[i].TimeOffset < *pending[j].TimeOffset
	})

	tx, err := alloc.Store.BeginSync(ctx, alloc.Stage.ID, alloc.Student.ID)
	if err != nil {
		return nil, 0, err
	}
	defer tx.Rollback()

	serverLog, err := tx.AnswerLog(ctx)
	if err != nil {
		return nil, 0, err
	}

	// Reviews of this student's own user-generated answers. Entries being
	// inserted this pass can't have gathered reviews yet, so one fetch
	// up-front covers everything.
	ugReviews, err := tx.UGReviews(ctx)
	if err != nil {
		return nil, 0, err
	}

	tracker := newAwardTracker(alloc.Settings)
	out := make([]WireEntry, 0, len(serverLog)+len(pending))
	additions := 0
	si, ii := 0, 0
	for si < len(serverLog) || ii < len(pending) {
		// cmp < 0: the incoming entry is new; cmp == 0: same logical entry on
		// both sides; cmp > 0: server-only entry the client hasn't seen.
		cmp := 0
		switch {
		case si >= len(serverLog):
			cmp = -1
		case ii >= len(pending):
			cmp = 1
		default:
			in, srv := pending[ii], serverLog[si]
			if srv.before(in.TimeEnd, *in.TimeOffset) {
				cmp = 1
			} else if in.TimeEnd != srv.TimeEnd || *in.TimeOffset != srv.TimeOffset {
				cmp = -1
			}
		}

		var entry *Entry
		switch {
		case cmp == 0:
			// The review is the one field a client may amend after the fact.
			// A missing review on resubmission never erases a stored one.
			entry = serverLog[si]
			if pending[ii].Review != nil {
				entry.Review = pending[ii].Review
			}
			si++
			ii++
		case cmp < 0:
			entry, err = newServerEntry(ctx, alloc, tx, pending[ii])
			if err != nil {
				return nil, 0, err
			}
			if err := tx.InsertAnswer(ctx, entry); err != nil {
				return nil, 0, err
			}
			additions++
			ii++
		default:
			entry = serverLog[si]
			si++
		}

		coins, err := tracker.apply(ctx, tx, entry)
		if err != nil {
			return nil, 0, err
		}
		reviews := ugReviews[entry.Material]
		if entry.Material.UserGenerated() && reviews != nil {
			coins += applyReviews(entry, alloc.Settings, reviews)
		}
		if coins > 0 {
			entry.CoinsAwarded += coins
		}
		if err := tx.UpdateAnswer(ctx, entry); err != nil {
			return nil, 0, err
		}

		wire, err := entryToWire(ctx, alloc, entry, reviews)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, wire)
	}

	if err := tx.Commit(); err != nil {
		return nil, 0, err
	}
	return out, additions, nil
}

// newServerEntry turns an incoming wire entry into a server log row,
// resolving its public ID and allocating a fresh permutation when the
// student has written new content against a template.
func newServerEntry(ctx context.Context, alloc *Alloc, tx SyncTx, in WireEntry) (*Entry, error) {
	ref, err := alloc.ParsePublicID(ctx, in.URI)
	if err != nil {
		return nil, err
	}
	ms, err := tx.ResolveMaterial(ctx, ref.QuestionID)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", err, in.URI)
	}
	if ms.IsTemplate() && ref.Permutation >= 0 {
		// Newly-written material rather than a review of someone else's:
		// give it its own permutation, exactly once.
		perm, err := tx.AllocateUGPermutation(ctx, ref.QuestionID)
		if err != nil {
			return nil, err
		}
		ref.Permutation = perm
	}
	return &Entry{
		StageID:  alloc.Stage.ID,
		UserID:   alloc.Student.ID,
		Material: ref,

		ClientID:   in.ClientID,
		TimeStart:  in.TimeStart,
		TimeEnd:    in.TimeEnd,
		TimeOffset: *in.TimeOffset,

		Correct:       in.Correct,
		Grade:         in.GradeAfter,
		StudentAnswer: in.StudentAnswer,
		Review:        in.Review,
	}, nil
}

// entryToWire converts a server entry back to wire shape. The student's own
// review travels in the review field, so third-party reviews exclude it;
// coins awarded are never exposed.
func entryToWire(ctx context.Context, alloc *Alloc, e *Entry, reviews []UGReview) (WireEntry, error) {
	uri, err := alloc.PublicID(ctx, e.Material)
	if err != nil {
		return WireEntry{}, err
	}
	others := make([]Review, 0, len(reviews))
	for _, ug := range reviews {
		if ug.ReviewerID == alloc.Student.ID {
			continue
		}
		others = append(others, ug.Review)
	}
	off := e.TimeOffset
	return WireEntry{
		URI:        uri,
		ClientID:   e.ClientID,
		TimeStart:  e.TimeStart,
		TimeEnd:    e.TimeEnd,
		TimeOffset: &off,

		Correct:       e.Correct,
		GradeAfter:    e.Grade,
		Mark:          e.Mark,
		StudentAnswer: e.StudentAnswer,
		Review:        e.Review,
		UGReviews:     others,
		Synced:        true,
	}, nil
}
