package stage

// MaterialRef identifies one concrete piece of quiz material: a question
// source plus the permutation that selects its rendering variant. Negative
// permutations refer to user-generated answers to a template question rather
// than a pre-authored variant.
type MaterialRef struct {
	QuestionID  uint32 `json:"question_id"`
	Permutation int32  `json:"permutation"`
}

// UserGenerated reports whether the ref points at student-authored content.
func (m MaterialRef) UserGenerated() bool { return m.Permutation < 0 }

// TagTemplate marks material students write their own answers against.
const TagTemplate = "type.template"

// MaterialSource is the metadata the store holds for one question source.
type MaterialSource struct {
	QuestionID       uint32   `json:"question_id"`
	Name             string   `json:"name"`
	Tags             []string `json:"tags"`
	PermutationCount int32    `json:"permutation_count"`
}

func (m MaterialSource) HasTag(tag string) bool {
	for _, t := range m.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// IsTemplate reports whether answers to this material are student-authored.
func (m MaterialSource) IsTemplate() bool { return m.HasTag(TagTemplate) }

// Stage is one unit of a syllabus a student answers questions in. Stages
// sharing a SyllabusPath are siblings under the same tutorial.
type Stage struct {
	ID           int64             `json:"id"`
	SyllabusPath string            `json:"syllabus_path"`
	Name         string            `json:"name"`
	Title        string            `json:"title"`
	SettingSpec  map[string]string `json:"settings,omitempty"`
}

// Student is the minimal identity the engine needs.
type Student struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

// Review is a free-form review object: numeric rating fields plus an optional
// "comments" string, and for self-reviews an optional "superseded" flag. The
// marking engine writes the per-review subtotal back under "mark".
type Review map[string]interface{}

// Superseded reports whether the review's author has withdrawn the entry.
func (r Review) Superseded() bool {
	b, ok := r["superseded"].(bool)
	return ok && b
}

// UGReview is one third-party review of a user-generated answer.
type UGReview struct {
	ReviewerID string `json:"reviewer_id"`
	Review     Review `json:"review"`
}

// Entry is one row of the server-side answer log. Entries are ordered by
// (TimeEnd, TimeOffset), which is unique per stage/student.
type Entry struct {
	ID       int64
	StageID  int64
	UserID   string
	Material MaterialRef

	ClientID   string
	TimeStart  int64 // epoch seconds
	TimeEnd    int64 // epoch seconds
	TimeOffset int64

	Correct       *bool
	Grade         float64
	Mark          float64
	CoinsAwarded  int64
	Accepted      bool
	StudentAnswer map[string]interface{}
	Review        Review
}

// answerText returns the student-authored text payload, if any.
func (e *Entry) answerText() string {
	if e.StudentAnswer == nil {
		return ""
	}
	s, _ := e.StudentAnswer["text"].(string)
	return s
}

// before orders entries by the merge key.
func (e *Entry) before(timeEnd, timeOffset int64) bool {
	if e.TimeEnd != timeEnd {
		return e.TimeEnd < timeEnd
	}
	return e.TimeOffset < timeOffset
}

// WireEntry is the answer-queue entry shape exchanged with clients. URIs are
// public material tokens; timestamps are integer epoch seconds.
type WireEntry struct {
	URI        string `json:"uri"`
	ClientID   string `json:"client_id,omitempty"`
	TimeStart  int64  `json:"time_start,omitempty"`
	TimeEnd    int64  `json:"time_end,omitempty"`
	TimeOffset *int64 `json:"time_offset,omitempty"`

	Correct       *bool                  `json:"correct"`
	GradeAfter    float64                `json:"grade_after"`
	Mark          float64                `json:"mark"`
	StudentAnswer map[string]interface{} `json:"student_answer,omitempty"`
	Review        Review                 `json:"review"`
	UGReviews     []Review               `json:"ug_reviews"`
	Synced        bool                   `json:"synced"`
}

// StageGrade is a sibling stage's grade high-water mark for one student.
type StageGrade struct {
	StageID int64
	Grade   float64
}

// ReviewCandidate is a user-generated answer that may be offered for peer
// review, together with the reviews it has collected so far.
type ReviewCandidate struct {
	AuthorID string
	Material MaterialRef
	Correct  *bool
	Reviews  []UGReview
}
