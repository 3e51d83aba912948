package http

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	authmw "github.com/tutorweb/quizdb/internal/auth/middleware"
	"github.com/tutorweb/quizdb/internal/stage"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRouter(t *testing.T, user string) (chi.Router, stage.Store) {
	t.Helper()
	store := stage.NewMemStore()
	store.PutStage(stage.Stage{
		ID:           1,
		SyllabusPath: "math.612",
		Name:         "lecture0",
		Title:        "Lecture 0",
		SettingSpec:  map[string]string{"allocation_method": "passthrough"},
	})
	store.PutMaterial(stage.MaterialSource{QuestionID: 1, Name: "math.q1", PermutationCount: 2}, 1)

	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			next.ServeHTTP(w, req.WithContext(authmw.WithSubject(req.Context(), user)))
		})
	})
	r.Get("/stages/{stageID}", GetStageHandler(store))
	r.Get("/stages/{stageID}/material", StageMaterialHandler(store))
	r.Post("/stages/{stageID}/sync", SyncStageHandler(store))
	r.Get("/stages/{stageID}/request-review", RequestReviewHandler(store))
	r.Get("/coins", CoinsHandler(store))
	return r, store
}

func doJSON(t *testing.T, r chi.Router, method, path, body string, out interface{}) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if out != nil && rec.Code == http.StatusOK {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), out))
	}
	return rec
}

func TestStageEndpoints(t *testing.T) {
	r, _ := newTestRouter(t, "alice")

	var meta struct {
		Name     string            `json:"name"`
		Settings map[string]string `json:"settings"`
	}
	rec := doJSON(t, r, "GET", "/stages/1", "", &meta)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "lecture0", meta.Name)
	assert.NotContains(t, meta.Settings, "allocation_encryption_key")

	rec = doJSON(t, r, "GET", "/stages/99", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	var material struct {
		Material []string `json:"material"`
	}
	rec = doJSON(t, r, "GET", "/stages/1/material", "", &material)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"math.q1:1", "math.q1:2"}, material.Material)

	// Nothing awaits review in a stage with no templates: 200 with an empty
	// object, distinct from a routing failure.
	var review map[string]string
	rec = doJSON(t, r, "GET", "/stages/1/request-review", "", &review)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, review)
}

func TestSyncEndpoint(t *testing.T) {
	r, _ := newTestRouter(t, "alice")

	now := time.Now().Unix()
	body, _ := json.Marshal(map[string]interface{}{
		"current_time": now,
		"answer_queue": []map[string]interface{}{
			{"uri": "math.q1:1", "time_end": now - 60, "correct": true, "grade_after": 1.5},
			{"uri": "math.q1:2", "time_end": 0}, // in progress, dropped
		},
	})

	var resp struct {
		AnswerQueue []stage.WireEntry `json:"answer_queue"`
		Additions   int               `json:"additions"`
		Settings    map[string]string `json:"settings"`
		Refresh     bool              `json:"refresh_questions"`
	}
	rec := doJSON(t, r, "POST", "/stages/1/sync", string(body), &resp)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, resp.Additions)
	require.Len(t, resp.AnswerQueue, 1)
	assert.Equal(t, "math.q1:1", resp.AnswerQueue[0].URI)
	assert.True(t, resp.AnswerQueue[0].Synced)
	assert.False(t, resp.Refresh)
	assert.Contains(t, resp.Settings, "grade_aced")

	// A bad token aborts with a client error.
	body, _ = json.Marshal(map[string]interface{}{
		"current_time": now,
		"answer_queue": []map[string]interface{}{
			{"uri": "nonsense", "time_end": now},
		},
	})
	rec = doJSON(t, r, "POST", "/stages/1/sync", string(body), nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// No coins yet for alice.
	var coins struct {
		Total int64 `json:"total"`
	}
	rec = doJSON(t, r, "GET", "/coins", "", &coins)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Zero(t, coins.Total)
}
