package stage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSettingsDefaults(t *testing.T) {
	s, err := ParseSettings(map[string]string{
		"allocation_encryption_key": "k",
	})
	require.NoError(t, err)
	assert.Equal(t, AllocationOriginal, s.AllocationMethod)
	assert.Equal(t, 100, s.QuestionCap)
	assert.Equal(t, 20, s.RefreshInterval)
	assert.Equal(t, 3, s.UGReviewMinReviews)
	assert.Equal(t, 3.0, s.UGReviewCapTrue)
	assert.Equal(t, -1.0, s.UGReviewCapFalse)
	assert.Equal(t, 5.0, s.GradeAnswered)
	assert.Equal(t, 9.75, s.GradeAced)
	assert.Zero(t, s.AwardStageAnswered)
}

func TestParseSettingsOverrides(t *testing.T) {
	s, err := ParseSettings(map[string]string{
		"allocation_method":           "passthrough",
		"question_cap":                "5",
		"allocation_refresh_interval": "10",
		"ugreview_captrue":            "2.5",
		"award_stage_answered":        "100",
		"grade_aced":                  "9.5",

		// Settings for other systems ride along in the same map.
		"hist_sel": "0.9",
	})
	require.NoError(t, err)
	assert.Equal(t, AllocationPassthrough, s.AllocationMethod)
	assert.Equal(t, 5, s.QuestionCap)
	assert.Equal(t, 10, s.RefreshInterval)
	assert.Equal(t, 2.5, s.UGReviewCapTrue)
	assert.Equal(t, int64(100), s.AwardStageAnswered)
	assert.Equal(t, 9.5, s.GradeAced)
}

func TestParseSettingsErrors(t *testing.T) {
	for name, spec := range map[string]map[string]string{
		"bad int":      {"allocation_method": "passthrough", "question_cap": "lots"},
		"bad float":    {"allocation_method": "passthrough", "grade_aced": "high"},
		"missing key":  {"allocation_method": "original"},
		"long key":     {"allocation_encryption_key": string(make([]byte, 57))},
		"bad method":   {"allocation_method": "telepathy"},
		"zero cap":     {"allocation_method": "passthrough", "question_cap": "0"},
		"caps crossed": {"allocation_method": "passthrough", "ugreview_captrue": "-2"},
	} {
		_, err := ParseSettings(spec)
		assert.Error(t, err, name)
	}
}

func TestSettingsClientside(t *testing.T) {
	s, err := ParseSettings(map[string]string{
		"allocation_encryption_key": "secret",
		"allocation_seed":           "12345",
	})
	require.NoError(t, err)
	cs := s.Clientside()
	for k := range cs {
		assert.NotContains(t, k, "key")
		assert.NotContains(t, k, "seed")
	}
	assert.Equal(t, "20", cs["allocation_refresh_interval"])
	assert.Equal(t, "9.75", cs["grade_aced"])
}

func TestSettingsForStudent(t *testing.T) {
	s := DefaultSettings()
	a1 := s.ForStudent("alice")
	a2 := s.ForStudent("alice")
	b := s.ForStudent("bob")
	assert.Equal(t, a1.AllocationSeed, a2.AllocationSeed)
	assert.NotEqual(t, a1.AllocationSeed, b.AllocationSeed)
	// The base settings are untouched.
	assert.Zero(t, s.AllocationSeed)
}
