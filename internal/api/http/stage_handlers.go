package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	authmw "github.com/tutorweb/quizdb/internal/auth/middleware"
	"github.com/tutorweb/quizdb/internal/stage"

	"github.com/go-chi/chi/v5"
)

// buildAlloc resolves the stage, its settings and the calling student into an
// allocation context. Every stage endpoint starts here.
func buildAlloc(r *http.Request, store stage.Store) (*stage.Alloc, error) {
	stageID, err := strconv.ParseInt(chi.URLParam(r, "stageID"), 10, 64)
	if err != nil {
		return nil, errors.New("bad stage id")
	}
	st, err := store.GetStage(r.Context(), stageID)
	if err != nil {
		return nil, err
	}
	settings, err := stage.ParseSettings(st.SettingSpec)
	if err != nil {
		return nil, err
	}
	sub := authmw.SubjectFromContext(r.Context())
	if sub == "" {
		return nil, errors.New("no subject")
	}
	return stage.NewAlloc(store, st, stage.Student{ID: sub, Username: sub}, settings.ForStudent(sub))
}

func allocError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, stage.ErrStageNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	default:
		http.Error(w, err.Error(), http.StatusBadRequest)
	}
}

// GET /stages/{stageID}
func GetStageHandler(store stage.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		alloc, err := buildAlloc(r, store)
		if err != nil {
			allocError(w, err)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"id":       alloc.Stage.ID,
			"name":     alloc.Stage.Name,
			"title":    alloc.Stage.Title,
			"settings": alloc.Settings.Clientside(),
		})
	}
}

// GET /stages/{stageID}/material
//
// Returns the material allocated to the calling student as public tokens.
func StageMaterialHandler(store stage.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		alloc, err := buildAlloc(r, store)
		if err != nil {
			allocError(w, err)
			return
		}
		refs, err := alloc.Material(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		uris := make([]string, 0, len(refs))
		for _, ref := range refs {
			uri, err := alloc.PublicID(r.Context(), ref)
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			uris = append(uris, uri)
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"material": uris})
	}
}

// POST /stages/{stageID}/sync
// { "current_time": 1234567890, "answer_queue": [ ... ] }
//
// Merges the client's answer queue into the server log and returns the full
// merged queue. The client's clock skew, measured against current_time, is
// stamped onto entries that arrive without an offset.
func SyncStageHandler(store stage.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		alloc, err := buildAlloc(r, store)
		if err != nil {
			allocError(w, err)
			return
		}
		var req struct {
			CurrentTime int64             `json:"current_time"`
			AnswerQueue []stage.WireEntry `json:"answer_queue"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad json", http.StatusBadRequest)
			return
		}
		var offset int64
		if req.CurrentTime != 0 {
			offset = time.Now().Unix() - req.CurrentTime
		}

		queue, additions, err := stage.SyncAnswerQueue(r.Context(), alloc, req.AnswerQueue, offset)
		if err != nil {
			if errors.Is(err, stage.ErrBadPublicID) || errors.Is(err, stage.ErrMaterialNotFound) {
				http.Error(w, err.Error(), http.StatusBadRequest)
			} else {
				http.Error(w, err.Error(), http.StatusInternalServerError)
			}
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"answer_queue":      queue,
			"additions":         additions,
			"settings":          alloc.Settings.Clientside(),
			"refresh_questions": alloc.ShouldRefreshQuestions(len(queue), additions),
		})
	}
}

// GET /stages/{stageID}/request-review
//
// Picks a peer's user-generated answer for the student to review. Responds
// {"uri": token}, or an empty object when nothing in the stage awaits review.
func RequestReviewHandler(store stage.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		alloc, err := buildAlloc(r, store)
		if err != nil {
			allocError(w, err)
			return
		}
		ref, ok, err := stage.RequestReview(r.Context(), alloc)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if !ok {
			_ = json.NewEncoder(w).Encode(map[string]string{})
			return
		}
		uri, err := alloc.PublicID(r.Context(), ref)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"uri": uri})
	}
}

// GET /coins
func CoinsHandler(store stage.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sub := authmw.SubjectFromContext(r.Context())
		if sub == "" {
			http.Error(w, "no subject", http.StatusUnauthorized)
			return
		}
		total, err := store.CoinsAwarded(r.Context(), sub)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]int64{"total": total})
	}
}
