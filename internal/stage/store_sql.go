package stage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// SQLStore implements Store on database/sql, working against both the
// sqlite and postgres drivers. Sync locking uses SELECT ... FOR UPDATE on
// postgres; sqlite serializes writers at the connection level.
type SQLStore struct {
	db     *sql.DB
	driver string // "sqlite" or "postgres"
}

func NewSQLStore(db *sql.DB, driver string) *SQLStore {
	return &SQLStore{db: db, driver: driver}
}

func (s *SQLStore) GetStage(ctx context.Context, stageID int64) (Stage, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, syllabus_path, name, title, settings_json FROM stages WHERE id=$1`, stageID)
	var st Stage
	var settings sql.NullString
	if err := row.Scan(&st.ID, &st.SyllabusPath, &st.Name, &st.Title, &settings); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Stage{}, fmt.Errorf("%w: %d", ErrStageNotFound, stageID)
		}
		return Stage{}, err
	}
	if settings.Valid && settings.String != "" {
		if err := json.Unmarshal([]byte(settings.String), &st.SettingSpec); err != nil {
			return Stage{}, fmt.Errorf("stage %d settings: %w", stageID, err)
		}
	}
	return st, nil
}

func (s *SQLStore) StageMaterial(ctx context.Context, stageID int64) ([]MaterialRef, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT m.question_id, m.permutation_count
		  FROM stage_material sm
		  JOIN material_sources m ON m.question_id = sm.question_id
		 WHERE sm.stage_id = $1
		 ORDER BY m.question_id`, stageID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []MaterialRef
	for rows.Next() {
		var qid uint32
		var count int32
		if err := rows.Scan(&qid, &count); err != nil {
			return nil, err
		}
		for p := int32(1); p <= count; p++ {
			out = append(out, MaterialRef{QuestionID: qid, Permutation: p})
		}
	}
	return out, rows.Err()
}

func (s *SQLStore) AnswerCount(ctx context.Context, stageID int64, userID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM answers WHERE stage_id=$1 AND user_id=$2`, stageID, userID).Scan(&n)
	return n, err
}

func (s *SQLStore) ResolveMaterial(ctx context.Context, questionID uint32) (MaterialSource, error) {
	return resolveMaterial(ctx, s.db, questionID)
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
}

func resolveMaterial(ctx context.Context, q querier, questionID uint32) (MaterialSource, error) {
	row := q.QueryRowContext(ctx,
		`SELECT question_id, name, tags_json, permutation_count FROM material_sources WHERE question_id=$1`,
		questionID)
	return scanMaterial(row, fmt.Sprintf("question %d", questionID))
}

func scanMaterial(row *sql.Row, what string) (MaterialSource, error) {
	var ms MaterialSource
	var tags string
	if err := row.Scan(&ms.QuestionID, &ms.Name, &tags, &ms.PermutationCount); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return MaterialSource{}, fmt.Errorf("%w: %s", ErrMaterialNotFound, what)
		}
		return MaterialSource{}, err
	}
	if tags != "" {
		if err := json.Unmarshal([]byte(tags), &ms.Tags); err != nil {
			return MaterialSource{}, fmt.Errorf("material %s tags: %w", what, err)
		}
	}
	return ms, nil
}

func (s *SQLStore) MaterialByName(ctx context.Context, name string) (MaterialSource, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT question_id, name, tags_json, permutation_count FROM material_sources WHERE name=$1`, name)
	return scanMaterial(row, fmt.Sprintf("%q", name))
}

func (s *SQLStore) IsStudentVetted(ctx context.Context, userID string, st Stage) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM vetted_students WHERE syllabus_path=$1 AND user_id=$2`,
		st.SyllabusPath, userID).Scan(&n)
	return n > 0, err
}

func (s *SQLStore) CoinsAwarded(ctx context.Context, userID string) (int64, error) {
	var total sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT SUM(coins_awarded) FROM answers WHERE user_id=$1`, userID).Scan(&total)
	return total.Int64, err
}

// ugReviewRows loads every review row attached to user-generated material in
// the stage: answers referencing a negative permutation with a review
// payload, in time order.
func ugReviewRows(ctx context.Context, q querier, stageID int64) (map[MaterialRef][]UGReview, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT question_id, permutation, user_id, review_json
		  FROM answers
		 WHERE stage_id = $1 AND permutation < 0 AND review_json IS NOT NULL
		 ORDER BY time_end, time_offset`, stageID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[MaterialRef][]UGReview{}
	for rows.Next() {
		var ref MaterialRef
		var userID, reviewJSON string
		if err := rows.Scan(&ref.QuestionID, &ref.Permutation, &userID, &reviewJSON); err != nil {
			return nil, err
		}
		var review Review
		if err := json.Unmarshal([]byte(reviewJSON), &review); err != nil {
			return nil, fmt.Errorf("review on %v by %s: %w", ref, userID, err)
		}
		out[ref] = append(out[ref], UGReview{ReviewerID: userID, Review: review})
	}
	return out, rows.Err()
}

func (s *SQLStore) ReviewCandidates(ctx context.Context, stageID int64) ([]ReviewCandidate, error) {
	reviews, err := ugReviewRows(ctx, s.db, stageID)
	if err != nil {
		return nil, err
	}

	// Joining on the allocation record keeps reviewer entries out: only the
	// author's own row describes the material.
	rows, err := s.db.QueryContext(ctx, `
		SELECT a.user_id, a.question_id, a.permutation, a.correct
		  FROM answers a
		  JOIN ug_permutations u
		    ON u.question_id = a.question_id
		   AND u.seq = -a.permutation
		   AND u.user_id = a.user_id
		 WHERE a.stage_id = $1 AND a.permutation < 0
		 ORDER BY a.question_id, a.permutation DESC`, stageID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ReviewCandidate
	for rows.Next() {
		var c ReviewCandidate
		var correct sql.NullBool
		if err := rows.Scan(&c.AuthorID, &c.Material.QuestionID, &c.Material.Permutation, &correct); err != nil {
			return nil, err
		}
		if correct.Valid {
			v := correct.Bool
			c.Correct = &v
		}
		// Review counts include the author's own review: it still marks the
		// ref as attended to for selection purposes.
		c.Reviews = reviews[c.Material]
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *SQLStore) BeginSync(ctx context.Context, stageID int64, userID string) (SyncTx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	return &sqlSyncTx{tx: tx, driver: s.driver, stageID: stageID, userID: userID}, nil
}

type sqlSyncTx struct {
	tx      *sql.Tx
	driver  string
	stageID int64
	userID  string
}

func (t *sqlSyncTx) AnswerLog(ctx context.Context) ([]*Entry, error) {
	q := `
		SELECT id, question_id, permutation, client_id, time_start, time_end, time_offset,
		       correct, grade, mark, coins_awarded, accepted, student_answer_json, review_json
		  FROM answers
		 WHERE stage_id = $1 AND user_id = $2
		 ORDER BY time_end, time_offset`
	if t.driver == "postgres" {
		// Exclusive row lock for the whole sync; a second device's sync for
		// the same stage/student blocks here until we commit.
		q += ` FOR UPDATE`
	}
	rows, err := t.tx.QueryContext(ctx, q, t.stageID, t.userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Entry
	for rows.Next() {
		e := &Entry{StageID: t.stageID, UserID: t.userID}
		var correct sql.NullBool
		var answerJSON, reviewJSON sql.NullString
		if err := rows.Scan(&e.ID, &e.Material.QuestionID, &e.Material.Permutation, &e.ClientID,
			&e.TimeStart, &e.TimeEnd, &e.TimeOffset,
			&correct, &e.Grade, &e.Mark, &e.CoinsAwarded, &e.Accepted,
			&answerJSON, &reviewJSON); err != nil {
			return nil, err
		}
		if correct.Valid {
			v := correct.Bool
			e.Correct = &v
		}
		if answerJSON.Valid && answerJSON.String != "" {
			if err := json.Unmarshal([]byte(answerJSON.String), &e.StudentAnswer); err != nil {
				return nil, fmt.Errorf("answer %d payload: %w", e.ID, err)
			}
		}
		if reviewJSON.Valid && reviewJSON.String != "" {
			if err := json.Unmarshal([]byte(reviewJSON.String), &e.Review); err != nil {
				return nil, fmt.Errorf("answer %d review: %w", e.ID, err)
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func marshalEntryJSON(e *Entry) (answer, review sql.NullString, err error) {
	if e.StudentAnswer != nil {
		buf, err := json.Marshal(e.StudentAnswer)
		if err != nil {
			return answer, review, err
		}
		answer = sql.NullString{String: string(buf), Valid: true}
	}
	if e.Review != nil {
		buf, err := json.Marshal(e.Review)
		if err != nil {
			return answer, review, err
		}
		review = sql.NullString{String: string(buf), Valid: true}
	}
	return answer, review, nil
}

func nullBool(b *bool) sql.NullBool {
	if b == nil {
		return sql.NullBool{}
	}
	return sql.NullBool{Bool: *b, Valid: true}
}

func (t *sqlSyncTx) InsertAnswer(ctx context.Context, e *Entry) error {
	answerJSON, reviewJSON, err := marshalEntryJSON(e)
	if err != nil {
		return err
	}
	const q = `
		INSERT INTO answers (stage_id, user_id, question_id, permutation, client_id,
		                     time_start, time_end, time_offset, correct, grade, mark,
		                     coins_awarded, accepted, student_answer_json, review_json)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`
	args := []interface{}{
		t.stageID, t.userID, e.Material.QuestionID, e.Material.Permutation, e.ClientID,
		e.TimeStart, e.TimeEnd, e.TimeOffset, nullBool(e.Correct), e.Grade, e.Mark,
		e.CoinsAwarded, e.Accepted, answerJSON, reviewJSON,
	}
	if t.driver == "postgres" {
		return t.tx.QueryRowContext(ctx, q+` RETURNING id`, args...).Scan(&e.ID)
	}
	res, err := t.tx.ExecContext(ctx, q, args...)
	if err != nil {
		return err
	}
	e.ID, err = res.LastInsertId()
	return err
}

func (t *sqlSyncTx) UpdateAnswer(ctx context.Context, e *Entry) error {
	answerJSON, reviewJSON, err := marshalEntryJSON(e)
	if err != nil {
		return err
	}
	_, err = t.tx.ExecContext(ctx, `
		UPDATE answers
		   SET correct=$1, mark=$2, coins_awarded=$3, accepted=$4,
		       student_answer_json=$5, review_json=$6
		 WHERE id=$7`,
		nullBool(e.Correct), e.Mark, e.CoinsAwarded, e.Accepted, answerJSON, reviewJSON, e.ID)
	return err
}

func (t *sqlSyncTx) AllocateUGPermutation(ctx context.Context, questionID uint32) (int32, error) {
	// The allocation row records the syncing student as the permutation's
	// author; marking and review candidacy key off it.
	const q = `INSERT INTO ug_permutations (question_id, user_id) VALUES ($1,$2)`
	var seq int64
	if t.driver == "postgres" {
		if err := t.tx.QueryRowContext(ctx, q+` RETURNING seq`, questionID, t.userID).Scan(&seq); err != nil {
			return 0, err
		}
	} else {
		res, err := t.tx.ExecContext(ctx, q, questionID, t.userID)
		if err != nil {
			return 0, err
		}
		if seq, err = res.LastInsertId(); err != nil {
			return 0, err
		}
	}
	return int32(-seq), nil
}

func (t *sqlSyncTx) UGReviews(ctx context.Context) (map[MaterialRef][]UGReview, error) {
	all, err := ugReviewRows(ctx, t.tx, t.stageID)
	if err != nil {
		return nil, err
	}

	// Only permutations this student allocated are theirs to be marked on; a
	// review entry referencing a peer's permutation stays untouched.
	rows, err := t.tx.QueryContext(ctx, `
		SELECT question_id, seq FROM ug_permutations WHERE user_id = $1`, t.userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[MaterialRef][]UGReview{}
	for rows.Next() {
		var ref MaterialRef
		var seq int64
		if err := rows.Scan(&ref.QuestionID, &seq); err != nil {
			return nil, err
		}
		ref.Permutation = int32(-seq)
		reviews := make([]UGReview, 0, len(all[ref]))
		for _, r := range all[ref] {
			if r.ReviewerID != t.userID {
				reviews = append(reviews, r)
			}
		}
		out[ref] = reviews
	}
	return out, rows.Err()
}

func (t *sqlSyncTx) SiblingHighWaterMarks(ctx context.Context) ([]StageGrade, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT s.id, COALESCE(MAX(a.grade), 0)
		  FROM stages s
		  LEFT JOIN answers a ON a.stage_id = s.id AND a.user_id = $1
		 WHERE s.syllabus_path = (SELECT syllabus_path FROM stages WHERE id = $2)
		   AND s.id != $2
		 GROUP BY s.id`, t.userID, t.stageID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []StageGrade
	for rows.Next() {
		var sg StageGrade
		if err := rows.Scan(&sg.StageID, &sg.Grade); err != nil {
			return nil, err
		}
		out = append(out, sg)
	}
	return out, rows.Err()
}

func (t *sqlSyncTx) ResolveMaterial(ctx context.Context, questionID uint32) (MaterialSource, error) {
	return resolveMaterial(ctx, t.tx, questionID)
}

func (t *sqlSyncTx) Commit() error   { return t.tx.Commit() }
func (t *sqlSyncTx) Rollback() error { return t.tx.Rollback() }
