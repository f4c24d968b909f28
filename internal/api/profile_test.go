package api

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalambet/medbrief/internal/profile"
)

func TestGetProfile_Empty(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, "u1", http.MethodGet, "/v1/profile", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	p := decode[profile.MedicalProfile](t, rec)
	assert.True(t, p.Empty())
}

func TestPatchProfile(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, "u1", http.MethodPatch, "/v1/profile", map[string]any{
		"dob":       "1980-05-17",
		"sex":       "female",
		"allergies": []string{"penicillin"},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	p := decode[profile.MedicalProfile](t, rec)
	require.NotNil(t, p.DOB)
	assert.Equal(t, "female", p.Sex)
	assert.Equal(t, []string{"penicillin"}, p.Allergies)

	// Profiles are per owner.
	rec = env.do(t, "u2", http.MethodGet, "/v1/profile", nil)
	assert.True(t, decode[profile.MedicalProfile](t, rec).Empty())
}

func TestPatchProfile_InvalidField(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, "u1", http.MethodPatch, "/v1/profile", map[string]any{
		"sex": "male",
		"dob": "17/05/1980",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_request_error", decode[errorEnvelope](t, rec).Error.Type)

	// Nothing is written when any field is invalid.
	rec = env.do(t, "u1", http.MethodGet, "/v1/profile", nil)
	assert.Empty(t, decode[profile.MedicalProfile](t, rec).Sex)
}

func TestProfileFeedsGeneration(t *testing.T) {
	env := newTestEnv(t)
	env.do(t, "u1", http.MethodPatch, "/v1/profile", map[string]any{"bloodType": "O+"})

	rec := env.do(t, "u1", http.MethodPost, "/v1/diseases", map[string]string{"diseaseName": "Asthma"})
	require.Equal(t, http.StatusCreated, rec.Code)

	env.gen.mu.Lock()
	defer env.gen.mu.Unlock()
	require.Len(t, env.gen.profiles, 1)
	assert.Contains(t, env.gen.profiles[0], "bloodType: O+")
}
