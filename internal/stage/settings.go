package stage

import (
	"fmt"
	"hash/fnv"
	"strconv"
)

// Allocation methods. Original is the production keyed-token allocator;
// passthrough trades opacity for readable tokens in tests.
const (
	AllocationOriginal    = "original"
	AllocationPassthrough = "passthrough"
)

// Settings enumerates every per-stage tunable the engine recognises, with
// its default. A stage stores overrides as a string map; ParseSettings
// validates the whole map once, up front, so the engine never has to guard
// against malformed values mid-sync.
type Settings struct {
	AllocationMethod string
	AllocationKey    string // blowfish key for public ID tokens
	AllocationSeed   int64  // per-student sampling seed

	QuestionCap     int // largest material set served to one student
	RefreshInterval int // answers per sampling window

	UGReviewMinReviews int     // dilution floor for the review mean
	UGReviewCapTrue    float64 // mark above this accepts the answer
	UGReviewCapFalse   float64 // mark below this rejects it

	GradeAnswered float64 // grade threshold for the "answered" award
	GradeAced     float64 // grade threshold for the "aced" award

	AwardStageAnswered      int64
	AwardStageAced          int64
	AwardTutorialAced       int64
	AwardUGMaterialCorrect  int64
	AwardUGMaterialAccepted int64
}

// DefaultSettings returns the stock configuration. Award amounts default to
// zero: a stage that hands out coins must say how many.
func DefaultSettings() Settings {
	return Settings{
		AllocationMethod:   AllocationOriginal,
		QuestionCap:        100,
		RefreshInterval:    20,
		UGReviewMinReviews: 3,
		UGReviewCapTrue:    3,
		UGReviewCapFalse:   -1,
		GradeAnswered:      5.0,
		GradeAced:          9.75,
	}
}

// ParseSettings overlays a stage's stored settings map onto the defaults.
// Unrecognised keys are ignored (stages carry settings for collaborating
// systems too); recognised keys with unusable values fail loudly.
func ParseSettings(spec map[string]string) (Settings, error) {
	s := DefaultSettings()
	for key, val := range spec {
		var err error
		switch key {
		case "allocation_method":
			s.AllocationMethod = val
		case "allocation_encryption_key":
			s.AllocationKey = val
		case "allocation_seed":
			s.AllocationSeed, err = strconv.ParseInt(val, 10, 64)
		case "question_cap":
			s.QuestionCap, err = strconv.Atoi(val)
		case "allocation_refresh_interval":
			s.RefreshInterval, err = strconv.Atoi(val)
		case "ugreview_minreviews":
			s.UGReviewMinReviews, err = strconv.Atoi(val)
		case "ugreview_captrue":
			s.UGReviewCapTrue, err = strconv.ParseFloat(val, 64)
		case "ugreview_capfalse":
			s.UGReviewCapFalse, err = strconv.ParseFloat(val, 64)
		case "grade_answered":
			s.GradeAnswered, err = strconv.ParseFloat(val, 64)
		case "grade_aced":
			s.GradeAced, err = strconv.ParseFloat(val, 64)
		case "award_stage_answered":
			s.AwardStageAnswered, err = strconv.ParseInt(val, 10, 64)
		case "award_stage_aced":
			s.AwardStageAced, err = strconv.ParseInt(val, 10, 64)
		case "award_tutorial_aced":
			s.AwardTutorialAced, err = strconv.ParseInt(val, 10, 64)
		case "award_ugmaterial_correct":
			s.AwardUGMaterialCorrect, err = strconv.ParseInt(val, 10, 64)
		case "award_ugmaterial_accepted":
			s.AwardUGMaterialAccepted, err = strconv.ParseInt(val, 10, 64)
		}
		if err != nil {
			return Settings{}, fmt.Errorf("setting %s=%q: %w", key, val, err)
		}
	}
	if err := s.validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

func (s Settings) validate() error {
	switch s.AllocationMethod {
	case AllocationOriginal:
		if s.AllocationKey == "" {
			return fmt.Errorf("allocation_encryption_key required for %s allocation", AllocationOriginal)
		}
		if len(s.AllocationKey) > 56 {
			return fmt.Errorf("allocation_encryption_key longer than 56 bytes")
		}
	case AllocationPassthrough:
		// no key needed
	default:
		return fmt.Errorf("unknown allocation_method %q", s.AllocationMethod)
	}
	if s.QuestionCap < 1 {
		return fmt.Errorf("question_cap must be positive")
	}
	if s.RefreshInterval < 1 {
		return fmt.Errorf("allocation_refresh_interval must be positive")
	}
	if s.UGReviewMinReviews < 1 {
		return fmt.Errorf("ugreview_minreviews must be positive")
	}
	if s.UGReviewCapTrue <= s.UGReviewCapFalse {
		return fmt.Errorf("ugreview_captrue must exceed ugreview_capfalse")
	}
	return nil
}

// ForStudent mixes the student's identity into the sampling seed so each
// student draws their own stable subset of a large material bank.
func (s Settings) ForStudent(userID string) Settings {
	h := fnv.New64a()
	h.Write([]byte(userID))
	s.AllocationSeed += int64(h.Sum64())
	return s
}

// Clientside returns the settings safe to show a client. The encryption key
// and sampling seed stay server-side.
func (s Settings) Clientside() map[string]string {
	return map[string]string{
		"allocation_refresh_interval": strconv.Itoa(s.RefreshInterval),
		"ugreview_minreviews":         strconv.Itoa(s.UGReviewMinReviews),
		"ugreview_captrue":            strconv.FormatFloat(s.UGReviewCapTrue, 'f', -1, 64),
		"ugreview_capfalse":           strconv.FormatFloat(s.UGReviewCapFalse, 'f', -1, 64),
		"grade_answered":              strconv.FormatFloat(s.GradeAnswered, 'f', -1, 64),
		"grade_aced":                  strconv.FormatFloat(s.GradeAced, 'f', -1, 64),
	}
}
