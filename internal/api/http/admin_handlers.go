package http

import (
	"database/sql"
	"encoding/json"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/tutorweb/quizdb/internal/stage"

	"github.com/go-chi/chi/v5"
)

// POST /material
// { "question_id": 1, "name": "...", "tags": [...], "permutation_count": 10 }
//
// Registers or updates a question source. The permutation count is bounds
// checked here, at ingest time, so a question bank that could never encode
// into a public token is rejected before any student sees it.
func PutMaterialHandler(db *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			QuestionID       uint32   `json:"question_id"`
			Name             string   `json:"name"`
			Tags             []string `json:"tags"`
			PermutationCount int32    `json:"permutation_count"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad json", http.StatusBadRequest)
			return
		}
		if req.QuestionID == 0 || req.Name == "" {
			http.Error(w, "question_id and name required", http.StatusBadRequest)
			return
		}
		if req.PermutationCount < 1 || req.PermutationCount == math.MaxInt32 {
			http.Error(w, "permutation_count out of range", http.StatusBadRequest)
			return
		}
		tags := req.Tags
		if tags == nil {
			tags = []string{}
		}
		tagsJSON, _ := json.Marshal(tags)

		q := `INSERT INTO material_sources (question_id, name, tags_json, permutation_count, created_at)
		      VALUES ($1,$2,$3,$4,$5)
		      ON CONFLICT (question_id) DO UPDATE SET
		        name=excluded.name, tags_json=excluded.tags_json,
		        permutation_count=excluded.permutation_count`
		if _, err := db.ExecContext(r.Context(), q,
			req.QuestionID, req.Name, string(tagsJSON), req.PermutationCount, time.Now().Unix()); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// POST /stages
// { "syllabus_path": "math.612", "name": "lecture0", "title": "...",
//   "settings": {"allocation_encryption_key": "..."} , "material": [1,2,3] }
func PutStageHandler(db *sql.DB, driver string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			SyllabusPath string            `json:"syllabus_path"`
			Name         string            `json:"name"`
			Title        string            `json:"title"`
			Settings     map[string]string `json:"settings"`
			Material     []uint32          `json:"material"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad json", http.StatusBadRequest)
			return
		}
		if req.SyllabusPath == "" || req.Name == "" {
			http.Error(w, "syllabus_path and name required", http.StatusBadRequest)
			return
		}
		// Reject unusable settings now rather than on first sync.
		if _, err := stage.ParseSettings(req.Settings); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		settingsJSON, _ := json.Marshal(req.Settings)

		tx, err := db.BeginTx(r.Context(), nil)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		defer tx.Rollback()

		var stageID int64
		upsert := `INSERT INTO stages (syllabus_path, name, title, settings_json)
		           VALUES ($1,$2,$3,$4)
		           ON CONFLICT (syllabus_path, name) DO UPDATE SET
		             title=excluded.title, settings_json=excluded.settings_json`
		if driver == "postgres" {
			err = tx.QueryRowContext(r.Context(), upsert+` RETURNING id`,
				req.SyllabusPath, req.Name, req.Title, string(settingsJSON)).Scan(&stageID)
		} else {
			_, err = tx.ExecContext(r.Context(), upsert,
				req.SyllabusPath, req.Name, req.Title, string(settingsJSON))
			if err == nil {
				err = tx.QueryRowContext(r.Context(),
					`SELECT id FROM stages WHERE syllabus_path=$1 AND name=$2`,
					req.SyllabusPath, req.Name).Scan(&stageID)
			}
		}
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		for _, qid := range req.Material {
			if _, err := tx.ExecContext(r.Context(),
				`INSERT INTO stage_material (stage_id, question_id) VALUES ($1,$2)
				 ON CONFLICT (stage_id, question_id) DO NOTHING`, stageID, qid); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
		}
		if err := tx.Commit(); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]int64{"id": stageID})
	}
}

// POST /stages/{stageID}/vet/{userID}
//
// Grants a student vetted-reviewer status for the stage's syllabus.
func VetStudentHandler(db *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stageID, err := strconv.ParseInt(chi.URLParam(r, "stageID"), 10, 64)
		if err != nil {
			http.Error(w, "bad stage id", http.StatusBadRequest)
			return
		}
		userID := chi.URLParam(r, "userID")

		var syllabus string
		if err := db.QueryRowContext(r.Context(),
			`SELECT syllabus_path FROM stages WHERE id=$1`, stageID).Scan(&syllabus); err != nil {
			http.Error(w, "stage not found", http.StatusNotFound)
			return
		}
		if _, err := db.ExecContext(r.Context(),
			`INSERT INTO vetted_students (syllabus_path, user_id) VALUES ($1,$2)
			 ON CONFLICT (syllabus_path, user_id) DO NOTHING`, syllabus, userID); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}
