package stage

import "context"

// awardTracker watches the monotonic grade high-water mark for one
// (stage, student) pair over the course of a merge pass. Each configured
// threshold fires at most once: re-crossing after a dip changes nothing
// because the high-water mark never falls.
type awardTracker struct {
	settings Settings
	hwm      float64

	// siblingsAced caches the cross-stage lookup; nil until first needed.
	siblingsAced *bool
}

func newAwardTracker(settings Settings) *awardTracker {
	return &awardTracker{settings: settings}
}

// apply inspects one entry, in log order, and returns the coins owed for any
// thresholds its grade crossed. An entry that already carries coins keeps
// them and earns nothing new, which is what makes re-syncing an already
// processed log a no-op.
func (t *awardTracker) apply(ctx context.Context, tx SyncTx, e *Entry) (int64, error) {
	if e.Material.UserGenerated() {
		// Authoring and reviewing have their own awards; grade thresholds
		// track ordinary answers only.
		return 0, nil
	}

	var delta int64

	crossedAnswered := t.hwm < t.settings.GradeAnswered && e.Grade >= t.settings.GradeAnswered
	crossedAced := t.hwm < t.settings.GradeAced && e.Grade >= t.settings.GradeAced

	if e.Grade > t.hwm {
		t.hwm = e.Grade
	}
	if e.CoinsAwarded != 0 {
		// Awarded in an earlier sync; the high-water mark still advances.
		return 0, nil
	}

	if crossedAnswered {
		delta += t.settings.AwardStageAnswered
	}
	if crossedAced {
		delta += t.settings.AwardStageAced
		allAced, err := t.allSiblingsAced(ctx, tx)
		if err != nil {
			return 0, err
		}
		if allAced {
			delta += t.settings.AwardTutorialAced
		}
	}
	return delta, nil
}

// allSiblingsAced reports whether every other stage under the same syllabus
// node has already been aced by this student. Evaluated at most once per
// sync: the locked transaction means siblings cannot change underneath us.
func (t *awardTracker) allSiblingsAced(ctx context.Context, tx SyncTx) (bool, error) {
	if t.siblingsAced != nil {
		return *t.siblingsAced, nil
	}
	siblings, err := tx.SiblingHighWaterMarks(ctx)
	if err != nil {
		return false, err
	}
	all := true
	for _, sib := range siblings {
		if sib.Grade < t.settings.GradeAced {
			all = false
			break
		}
	}
	t.siblingsAced = &all
	return all, nil
}
