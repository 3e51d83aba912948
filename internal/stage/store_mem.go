package stage

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// MemStore is an in-memory Store for tests and single-process development,
// mirroring the SQL store's behavior including the per-(stage, student) sync
// lock.
type MemStore struct {
	mu sync.Mutex

	stages        map[int64]Stage
	material      map[uint32]MaterialSource
	materialName  map[string]uint32
	stageMaterial map[int64][]MaterialRef
	vetted        map[string]map[string]bool // syllabus path -> user id
	answers       map[string][]*Entry        // stage|user -> ordered log
	ugSeq         int32
	ugAuthors     map[MaterialRef]string // UG permutation -> allocating author

	syncLocks map[string]*sync.Mutex
}

// NewMemStore returns an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		stages:        map[int64]Stage{},
		material:      map[uint32]MaterialSource{},
		materialName:  map[string]uint32{},
		stageMaterial: map[int64][]MaterialRef{},
		vetted:        map[string]map[string]bool{},
		answers:       map[string][]*Entry{},
		ugAuthors:     map[MaterialRef]string{},
		syncLocks:     map[string]*sync.Mutex{},
	}
}

func logKey(stageID int64, userID string) string {
	return fmt.Sprintf("%d|%s", stageID, userID)
}

// PutStage registers or replaces a stage.
func (m *MemStore) PutStage(st Stage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stages[st.ID] = st
}

// PutMaterial registers a material source and expands its pre-authored
// permutations into every given stage.
func (m *MemStore) PutMaterial(ms MaterialSource, stageIDs ...int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.material[ms.QuestionID] = ms
	m.materialName[ms.Name] = ms.QuestionID
	for _, sid := range stageIDs {
		refs := m.stageMaterial[sid]
		for p := int32(1); p <= ms.PermutationCount; p++ {
			refs = append(refs, MaterialRef{QuestionID: ms.QuestionID, Permutation: p})
		}
		m.stageMaterial[sid] = refs
	}
}

// SetVetted grants the student vetted-reviewer status for a syllabus.
func (m *MemStore) SetVetted(syllabusPath, userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.vetted[syllabusPath] == nil {
		m.vetted[syllabusPath] = map[string]bool{}
	}
	m.vetted[syllabusPath][userID] = true
}

func (m *MemStore) GetStage(_ context.Context, stageID int64) (Stage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.stages[stageID]
	if !ok {
		return Stage{}, fmt.Errorf("%w: %d", ErrStageNotFound, stageID)
	}
	return st, nil
}

func (m *MemStore) StageMaterial(_ context.Context, stageID int64) ([]MaterialRef, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	refs := m.stageMaterial[stageID]
	out := make([]MaterialRef, len(refs))
	copy(out, refs)
	return out, nil
}

func (m *MemStore) AnswerCount(_ context.Context, stageID int64, userID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.answers[logKey(stageID, userID)]), nil
}

func (m *MemStore) ResolveMaterial(_ context.Context, questionID uint32) (MaterialSource, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.resolveLocked(questionID)
}

func (m *MemStore) resolveLocked(questionID uint32) (MaterialSource, error) {
	ms, ok := m.material[questionID]
	if !ok {
		return MaterialSource{}, fmt.Errorf("%w: question %d", ErrMaterialNotFound, questionID)
	}
	return ms, nil
}

func (m *MemStore) MaterialByName(_ context.Context, name string) (MaterialSource, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.materialName[name]
	if !ok {
		return MaterialSource{}, fmt.Errorf("%w: %q", ErrMaterialNotFound, name)
	}
	return m.material[id], nil
}

func (m *MemStore) IsStudentVetted(_ context.Context, userID string, st Stage) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.vetted[st.SyllabusPath][userID], nil
}

func (m *MemStore) CoinsAwarded(_ context.Context, userID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var total int64
	for _, log := range m.answers {
		for _, e := range log {
			if e.UserID == userID {
				total += e.CoinsAwarded
			}
		}
	}
	return total, nil
}

func (m *MemStore) ReviewCandidates(_ context.Context, stageID int64) ([]ReviewCandidate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []ReviewCandidate
	for _, log := range m.answers {
		for _, e := range log {
			// Only the author's own row describes the material; reviewer
			// entries referencing it are not candidates of their own.
			if e.StageID != stageID || m.ugAuthors[e.Material] != e.UserID {
				continue
			}
			// Review counts include the author's own review: it still marks
			// the ref as attended to for selection purposes.
			out = append(out, ReviewCandidate{
				AuthorID: e.UserID,
				Material: e.Material,
				Correct:  e.Correct,
				Reviews:  m.reviewsOfLocked(stageID, e.Material, ""),
			})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Material.QuestionID != out[j].Material.QuestionID {
			return out[i].Material.QuestionID < out[j].Material.QuestionID
		}
		return out[i].Material.Permutation > out[j].Material.Permutation
	})
	return out, nil
}

// reviewsOfLocked collects the review field of every other student's answer
// referring to the given user-generated ref, in time order.
func (m *MemStore) reviewsOfLocked(stageID int64, ref MaterialRef, authorID string) []UGReview {
	var entries []*Entry
	for _, log := range m.answers {
		for _, e := range log {
			if e.StageID != stageID || e.UserID == authorID || e.Material != ref {
				continue
			}
			if e.Review == nil {
				continue
			}
			entries = append(entries, e)
		}
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].TimeEnd != entries[j].TimeEnd {
			return entries[i].TimeEnd < entries[j].TimeEnd
		}
		return entries[i].TimeOffset < entries[j].TimeOffset
	})
	reviews := make([]UGReview, 0, len(entries))
	for _, e := range entries {
		reviews = append(reviews, UGReview{ReviewerID: e.UserID, Review: e.Review})
	}
	return reviews
}

// BeginSync takes the per-(stage, student) lock, serializing concurrent
// syncs for the pair the way the SQL store's row lock does.
func (m *MemStore) BeginSync(_ context.Context, stageID int64, userID string) (SyncTx, error) {
	key := logKey(stageID, userID)
	m.mu.Lock()
	lock, ok := m.syncLocks[key]
	if !ok {
		lock = &sync.Mutex{}
		m.syncLocks[key] = lock
	}
	m.mu.Unlock()

	lock.Lock()
	return &memSyncTx{store: m, stageID: stageID, userID: userID, lock: lock}, nil
}

type memSyncTx struct {
	store   *MemStore
	stageID int64
	userID  string
	lock    *sync.Mutex
	done    bool

	inserted []*Entry
}

func (t *memSyncTx) AnswerLog(_ context.Context) ([]*Entry, error) {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	log := t.store.answers[logKey(t.stageID, t.userID)]
	out := make([]*Entry, len(log))
	copy(out, log)
	return out, nil
}

func (t *memSyncTx) InsertAnswer(_ context.Context, e *Entry) error {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	key := logKey(t.stageID, t.userID)
	log := append(t.store.answers[key], e)
	sort.SliceStable(log, func(i, j int) bool {
		return log[i].before(log[j].TimeEnd, log[j].TimeOffset)
	})
	t.store.answers[key] = log
	t.inserted = append(t.inserted, e)
	return nil
}

func (t *memSyncTx) UpdateAnswer(_ context.Context, _ *Entry) error {
	// Entries are shared pointers; mutations are already visible.
	return nil
}

func (t *memSyncTx) AllocateUGPermutation(_ context.Context, questionID uint32) (int32, error) {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	t.store.ugSeq++
	ref := MaterialRef{QuestionID: questionID, Permutation: -t.store.ugSeq}
	t.store.ugAuthors[ref] = t.userID
	return ref.Permutation, nil
}

func (t *memSyncTx) UGReviews(_ context.Context) (map[MaterialRef][]UGReview, error) {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()

	out := map[MaterialRef][]UGReview{}
	for _, e := range t.store.answers[logKey(t.stageID, t.userID)] {
		// A review entry references someone else's permutation; only material
		// this student authored is theirs to be marked on.
		if t.store.ugAuthors[e.Material] != t.userID || t.containsInserted(e) {
			continue
		}
		out[e.Material] = t.store.reviewsOfLocked(t.stageID, e.Material, t.userID)
	}
	return out, nil
}

// containsInserted reports whether the entry was added by this transaction;
// brand-new answers cannot have gathered reviews yet.
func (t *memSyncTx) containsInserted(e *Entry) bool {
	for _, ins := range t.inserted {
		if ins == e {
			return true
		}
	}
	return false
}

func (t *memSyncTx) SiblingHighWaterMarks(_ context.Context) ([]StageGrade, error) {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()

	syllabus := t.store.stages[t.stageID].SyllabusPath
	var out []StageGrade
	for id, st := range t.store.stages {
		if id == t.stageID || st.SyllabusPath != syllabus {
			continue
		}
		hwm := 0.0
		for _, e := range t.store.answers[logKey(id, t.userID)] {
			if e.Grade > hwm {
				hwm = e.Grade
			}
		}
		out = append(out, StageGrade{StageID: id, Grade: hwm})
	}
	return out, nil
}

func (t *memSyncTx) ResolveMaterial(_ context.Context, questionID uint32) (MaterialSource, error) {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	return t.store.resolveLocked(questionID)
}

func (t *memSyncTx) Commit() error {
	if t.done {
		return nil
	}
	t.done = true
	t.lock.Unlock()
	return nil
}

func (t *memSyncTx) Rollback() error {
	if t.done {
		return nil
	}
	t.done = true
	// Undo this transaction's inserts: a failed sync must leave no partial
	// merge behind.
	t.store.mu.Lock()
	key := logKey(t.stageID, t.userID)
	log := t.store.answers[key][:0]
	for _, e := range t.store.answers[key] {
		if !t.containsInserted(e) {
			log = append(log, e)
		}
	}
	t.store.answers[key] = log
	t.store.mu.Unlock()
	t.lock.Unlock()
	return nil
}
