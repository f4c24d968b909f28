package api

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalambet/medbrief/internal/briefing"
	"github.com/kalambet/medbrief/internal/report"
	"github.com/kalambet/medbrief/internal/storage"
)

func TestHealth(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, "", http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestAuth_MissingToken(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, "", http.MethodGet, "/v1/diseases", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "authentication_error", decode[errorEnvelope](t, rec).Error.Type)
}

func TestAuth_InvalidToken(t *testing.T) {
	env := newTestEnv(t)
	req := httptest.NewRequest(http.MethodGet, "/v1/diseases", nil)
	req.Header.Set("Authorization", "Bearer not-a-jwt")
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestCreateSearch_Created(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, "u1", http.MethodPost, "/v1/diseases", map[string]string{"diseaseName": "Asthma"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	resp := decode[CreateSearchResponse](t, rec)
	assert.NotEmpty(t, resp.SearchID)
	assert.Equal(t, "Asthma", resp.Query)
	assert.Equal(t, storage.StatusReady, resp.Status)
	assert.False(t, resp.Reused)
	assert.NotContains(t, rec.Body.String(), "reused")
}

func TestCreateSearch_QueryAlias(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, "u1", http.MethodPost, "/v1/diseases", map[string]string{"query": "Asthma"})
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "Asthma", decode[CreateSearchResponse](t, rec).Query)
}

func TestCreateSearch_ReusedReturns200(t *testing.T) {
	env := newTestEnv(t)

	first := decode[CreateSearchResponse](t, env.do(t, "u1", http.MethodPost, "/v1/diseases", map[string]string{"diseaseName": "Asthma"}))

	rec := env.do(t, "u1", http.MethodPost, "/v1/diseases", map[string]string{"diseaseName": "  ASTHMA "})
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[CreateSearchResponse](t, rec)
	assert.True(t, resp.Reused)
	assert.Equal(t, first.SearchID, resp.SearchID)
	assert.Equal(t, 1, env.gen.Calls())
}

func TestCreateSearch_ValidationErrors(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name string
		body any
	}{
		{"empty", map[string]string{"diseaseName": "  "}},
		{"too short", map[string]string{"diseaseName": "ab"}},
		{"bad characters", map[string]string{"diseaseName": "flu<script>"}},
		{"malformed json", "{"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, "u1", http.MethodPost, "/v1/diseases", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, "invalid_request_error", decode[errorEnvelope](t, rec).Error.Type)
		})
	}
	assert.Equal(t, 0, env.gen.Calls())
}

func TestCreateSearch_RateLimited(t *testing.T) {
	env := newTestEnv(t)

	for i := 0; i < 10; i++ {
		rec := env.do(t, "u1", http.MethodPost, "/v1/diseases", map[string]string{"diseaseName": fmt.Sprintf("condition %d", i)})
		require.Equal(t, http.StatusCreated, rec.Code)
	}

	rec := env.do(t, "u1", http.MethodPost, "/v1/diseases", map[string]string{"diseaseName": "condition 10"})
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "rate_limit_error", decode[errorEnvelope](t, rec).Error.Type)
	secs, err := strconv.Atoi(rec.Header().Get("Retry-After"))
	require.NoError(t, err)
	assert.Greater(t, secs, 3500)

	n, err := env.store.CountSearches(t.Context(), "u1")
	require.NoError(t, err)
	assert.Equal(t, 10, n)

	// Other owners keep their own window.
	rec = env.do(t, "u2", http.MethodPost, "/v1/diseases", map[string]string{"diseaseName": "condition 10"})
	assert.Equal(t, http.StatusCreated, rec.Code)
}

func TestCreateSearch_GenerationFailureStill201(t *testing.T) {
	env := newTestEnv(t)
	env.gen.err = &briefing.GenerationFailed{Attempts: 3, Message: "The assistant is busy.", Err: errors.New("429")}

	rec := env.do(t, "u1", http.MethodPost, "/v1/diseases", map[string]string{"diseaseName": "Asthma"})
	require.Equal(t, http.StatusCreated, rec.Code)
	created := decode[CreateSearchResponse](t, rec)
	assert.Equal(t, storage.StatusErrored, created.Status)

	rec = env.do(t, "u1", http.MethodGet, "/v1/diseases/"+created.SearchID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[SearchResponse](t, rec)
	assert.Equal(t, "The assistant is busy.", got.ErrorMessage)
	assert.Equal(t, 3, got.Attempts)
	assert.Nil(t, got.Payload)
	assert.NotNil(t, got.DurationMs)
}

func TestGetSearch_ReadyHasPayload(t *testing.T) {
	env := newTestEnv(t)
	created := decode[CreateSearchResponse](t, env.do(t, "u1", http.MethodPost, "/v1/diseases", map[string]string{"diseaseName": "Asthma"}))

	rec := env.do(t, "u1", http.MethodGet, "/v1/diseases/"+created.SearchID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[SearchResponse](t, rec)
	assert.Equal(t, "Asthma", got.Title)
	require.NotNil(t, got.Payload)
	assert.Equal(t, "Asthma", got.Payload.DiseaseName)
	assert.NotNil(t, got.Payload.CommonSymptoms)
	assert.Empty(t, got.ErrorMessage)
	assert.NotContains(t, rec.Body.String(), "errorMessage")
}

func TestGetSearch_OtherOwnerIs404(t *testing.T) {
	env := newTestEnv(t)
	created := decode[CreateSearchResponse](t, env.do(t, "u1", http.MethodPost, "/v1/diseases", map[string]string{"diseaseName": "Asthma"}))

	rec := env.do(t, "u2", http.MethodGet, "/v1/diseases/"+created.SearchID, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found", decode[errorEnvelope](t, rec).Error.Type)
}

func TestGetReport(t *testing.T) {
	env := newTestEnv(t)
	created := decode[CreateSearchResponse](t, env.do(t, "u1", http.MethodPost, "/v1/diseases", map[string]string{"diseaseName": "Asthma"}))

	rec := env.do(t, "u1", http.MethodGet, "/v1/diseases/"+created.SearchID+"/report", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	view := decode[report.View](t, rec)
	assert.Equal(t, "Asthma", view.Title)
	require.NotNil(t, view.Severity)
	assert.Equal(t, report.LevelHigh, view.Severity.Level)
	assert.Len(t, view.StageHighlights, 3)
	assert.Nil(t, view.State)
}

func TestListSearches_Pagination(t *testing.T) {
	env := newTestEnv(t)
	for i := 0; i < 3; i++ {
		env.do(t, "u1", http.MethodPost, "/v1/diseases", map[string]string{"diseaseName": fmt.Sprintf("condition %d", i)})
	}
	env.do(t, "u2", http.MethodPost, "/v1/diseases", map[string]string{"diseaseName": "other owner"})

	rec := env.do(t, "u1", http.MethodGet, "/v1/diseases?page=1&limit=2", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[ListResponse[SearchResponse]](t, rec)
	require.Len(t, list.Data, 2)
	assert.Equal(t, "condition 2", list.Data[0].Query)
	assert.Equal(t, Pagination{Page: 1, Limit: 2, Total: 3, TotalPages: 2}, list.Pagination)

	rec = env.do(t, "u1", http.MethodGet, "/v1/diseases?page=2&limit=2", nil)
	list = decode[ListResponse[SearchResponse]](t, rec)
	require.Len(t, list.Data, 1)
	assert.Equal(t, "condition 0", list.Data[0].Query)
}

func TestListSearches_EmptyIsArray(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, "u1", http.MethodGet, "/v1/diseases", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"data":[]`)
}

func TestRecentSearches(t *testing.T) {
	env := newTestEnv(t)
	env.do(t, "u1", http.MethodPost, "/v1/diseases", map[string]string{"diseaseName": "Asthma"})

	rec := env.do(t, "u1", http.MethodGet, "/v1/diseases/recent", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[ListResponse[RecentSearchResponse]](t, rec)
	require.Len(t, list.Data, 1)
	assert.Equal(t, "Asthma", list.Data[0].Title)
	assert.Equal(t, 10, list.Pagination.Limit)
}

func TestDeleteSearch(t *testing.T) {
	env := newTestEnv(t)
	created := decode[CreateSearchResponse](t, env.do(t, "u1", http.MethodPost, "/v1/diseases", map[string]string{"diseaseName": "Asthma"}))

	rec := env.do(t, "u2", http.MethodDelete, "/v1/diseases/"+created.SearchID, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(t, "u1", http.MethodDelete, "/v1/diseases/"+created.SearchID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"deleted"}`, rec.Body.String())

	rec = env.do(t, "u1", http.MethodGet, "/v1/diseases/"+created.SearchID, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCORSPreflight(t *testing.T) {
	env := newTestEnv(t)
	req := httptest.NewRequest(http.MethodOptions, "/v1/diseases", nil)
	req.Header.Set("Origin", "https://app.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	assert.Equal(t, "https://app.example.com", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestParseIntParam(t *testing.T) {
	tests := []struct {
		query string
		want  int
	}{
		{"", 10},
		{"limit=5", 5},
		{"limit=-1", 10},
		{"limit=abc", 10},
		{"limit=500", 100},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, "/?"+tt.query, nil)
		assert.Equal(t, tt.want, parseIntParam(req, "limit", 10, 100), tt.query)
	}
}

func TestCreateSearch_MalformedBodyHidesDecoderDetail(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, "u1", http.MethodPost, "/v1/diseases", `{"diseaseName": 42`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid JSON body", decode[errorEnvelope](t, rec).Error.Message)

	rec = env.do(t, "u1", http.MethodPatch, "/v1/profile", `[`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid JSON body", decode[errorEnvelope](t, rec).Error.Message)
}

func TestReadsAreRateLimited(t *testing.T) {
	env := newTestEnv(t)

	for i := 0; i < 10; i++ {
		rec := env.do(t, "u1", http.MethodGet, "/v1/diseases", nil)
		require.Equal(t, http.StatusOK, rec.Code)
	}

	for _, path := range []string{"/v1/diseases", "/v1/diseases/recent", "/v1/diseases/some-id"} {
		rec := env.do(t, "u1", http.MethodGet, path, nil)
		require.Equal(t, http.StatusTooManyRequests, rec.Code, path)
		assert.Equal(t, "rate_limit_error", decode[errorEnvelope](t, rec).Error.Type)
		secs, err := strconv.Atoi(rec.Header().Get("Retry-After"))
		require.NoError(t, err)
		assert.Greater(t, secs, 3500)
	}

	// Creation has its own window.
	rec := env.do(t, "u1", http.MethodPost, "/v1/diseases", map[string]string{"diseaseName": "Asthma"})
	assert.Equal(t, http.StatusCreated, rec.Code)
}

func TestDeletesAreRateLimited(t *testing.T) {
	env := newTestEnv(t)

	for i := 0; i < 10; i++ {
		rec := env.do(t, "u1", http.MethodDelete, fmt.Sprintf("/v1/diseases/missing-%d", i), nil)
		require.Equal(t, http.StatusNotFound, rec.Code)
	}

	rec := env.do(t, "u1", http.MethodDelete, "/v1/diseases/missing-10", nil)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	// Reads are unaffected.
	rec = env.do(t, "u1", http.MethodGet, "/v1/diseases", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestListSearches_HugePage(t *testing.T) {
	env := newTestEnv(t)
	env.do(t, "u1", http.MethodPost, "/v1/diseases", map[string]string{"diseaseName": "Asthma"})

	rec := env.do(t, "u1", http.MethodGet, "/v1/diseases?page=9223372036854775807&limit=10", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[ListResponse[SearchResponse]](t, rec)
	assert.Empty(t, body.Data)
	assert.Equal(t, 1, body.Pagination.Total)
}
