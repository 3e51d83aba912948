package stage

import (
	"context"
	"encoding/json"
	"math/rand"
	"sort"
	"strconv"
)

// MarkFloor is the sentinel mark for answers that must never be promoted:
// superseded by their author, or submitted without any content.
const MarkFloor = -99

// reviewSubtotal sums the numeric rating fields of one review, skipping the
// free-text comments. Ratings arrive as JSON numbers but tolerate a few other
// shapes from older clients.
func reviewSubtotal(r Review) float64 {
	var total float64
	for key, val := range r {
		if key == "comments" || key == "superseded" || key == "mark" {
			continue
		}
		switch v := val.(type) {
		case float64:
			total += v
		case int:
			total += float64(v)
		case int64:
			total += float64(v)
		case json.Number:
			if f, err := v.Float64(); err == nil {
				total += f
			}
		case string:
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				total += f
			}
		}
	}
	return total
}

// MarkReviews aggregates third-party reviews of one user-generated answer
// into its mark. Each review's subtotal is written back onto the review
// object under "mark" so reviewers can see their own score. The mean is
// diluted by UGReviewMinReviews: with fewer reviews than the minimum the
// mark is pulled toward zero, damping snap judgements.
func MarkReviews(e *Entry, s Settings, reviews []UGReview) float64 {
	count := 0
	var total float64
	for _, ug := range reviews {
		if len(ug.Review) == 0 {
			continue
		}
		subtotal := reviewSubtotal(ug.Review)
		ug.Review["mark"] = subtotal
		total += subtotal
		count++
	}

	if e.answerText() == "" {
		// Incomplete answer, mark as far down as possible
		return MarkFloor
	}
	if e.Review.Superseded() {
		return MarkFloor
	}
	if count == 0 {
		return 0
	}
	div := s.UGReviewMinReviews
	if count > div {
		div = count
	}
	return total / float64(div)
}

// hasVettedEndorsement reports whether any review carries a vetted-reviewer
// rating, i.e. the answer has been double-checked for the question bank.
func hasVettedEndorsement(reviews []UGReview) bool {
	for _, ug := range reviews {
		if _, ok := ug.Review["vetted"]; ok {
			return true
		}
	}
	return false
}

// applyReviews recomputes an entry's mark from its reviews and, while the
// entry is still undecided, applies the correctness caps. A decision, once
// made, is locked: later reviews update the mark but never flip correct.
// Returns the coin delta owed for review-driven transitions.
func applyReviews(e *Entry, s Settings, reviews []UGReview) int64 {
	e.Mark = MarkReviews(e, s, reviews)

	var coins int64
	if e.Correct == nil {
		if e.Mark > s.UGReviewCapTrue {
			v := true
			e.Correct = &v
			coins += s.AwardUGMaterialCorrect
		} else if e.Mark < s.UGReviewCapFalse {
			v := false
			e.Correct = &v
		}
	}
	if e.Correct != nil && *e.Correct && !e.Accepted && hasVettedEndorsement(reviews) {
		e.Accepted = true
		coins += s.AwardUGMaterialAccepted
	}
	return coins
}

// RequestReview picks a user-generated answer for the student to review, or
// reports none available. Eligible answers were written by someone else, have
// not been reviewed by this student, and are still undecided; vetted
// reviewers additionally receive already-accepted answers, and those first.
// Fewest existing reviews wins, ties broken randomly.
func RequestReview(ctx context.Context, alloc *Alloc) (MaterialRef, bool, error) {
	vetted, err := alloc.Store.IsStudentVetted(ctx, alloc.Student.ID, alloc.Stage)
	if err != nil {
		return MaterialRef{}, false, err
	}
	candidates, err := alloc.Store.ReviewCandidates(ctx, alloc.Stage.ID)
	if err != nil {
		return MaterialRef{}, false, err
	}

	eligible := candidates[:0:0]
	for _, c := range candidates {
		if c.AuthorID == alloc.Student.ID {
			continue
		}
		if c.Correct != nil {
			// Vetted reviewers double-check accepted answers; everyone else
			// only sees undecided ones.
			if !vetted || !*c.Correct {
				continue
			}
		}
		reviewed := false
		for _, r := range c.Reviews {
			if r.ReviewerID == alloc.Student.ID {
				reviewed = true
				break
			}
		}
		if reviewed {
			continue
		}
		eligible = append(eligible, c)
	}
	if len(eligible) == 0 {
		return MaterialRef{}, false, nil
	}

	rand.Shuffle(len(eligible), func(i, j int) {
		eligible[i], eligible[j] = eligible[j], eligible[i]
	})
	sort.SliceStable(eligible, func(i, j int) bool {
		if pi, pj := reviewPriority(eligible[i]), reviewPriority(eligible[j]); pi != pj {
			return pi < pj
		}
		return len(eligible[i].Reviews) < len(eligible[j].Reviews)
	})
	return eligible[0].Material, true, nil
}

// reviewPriority orders accepted answers ahead of undecided ones (only
// vetted reviewers ever see accepted candidates).
func reviewPriority(c ReviewCandidate) int {
	if c.Correct != nil && *c.Correct {
		return 0
	}
	return 1
}
