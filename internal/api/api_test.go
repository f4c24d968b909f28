package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kalambet/medbrief/internal/auth"
	"github.com/kalambet/medbrief/internal/briefing"
	"github.com/kalambet/medbrief/internal/profile"
	"github.com/kalambet/medbrief/internal/ratelimit"
	"github.com/kalambet/medbrief/internal/searches"
	"github.com/kalambet/medbrief/internal/storage"
)

const testSecret = "test-secret"

type stubGenerator struct {
	mu       sync.Mutex
	calls    int
	profiles []string
	result   briefing.Result
	err      error
}

func (g *stubGenerator) Generate(_ context.Context, _ string, profileSummary string) (briefing.Result, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	g.profiles = append(g.profiles, profileSummary)
	return g.result, g.err
}

func (g *stubGenerator) Calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

type testEnv struct {
	handler  http.Handler
	store    *storage.Store
	gen      *stubGenerator
	svc      *searches.Service
	profiles *profile.Manager
}

func readyBriefing() briefing.Result {
	p := briefing.DiseasePayload{
		DiseaseName: "Asthma",
		Severity:    "Chronic condition that can become life-threatening during severe attacks.",
		Progression: "Mild intermittent symptoms. Persistent symptoms; frequent attacks.",
	}
	p.Normalize()
	return briefing.Result{Title: "Asthma", Summary: "Airway inflammation.", Payload: p, Attempts: 1}
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store, err := storage.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	gen := &stubGenerator{result: readyBriefing()}
	profiles := profile.NewManager(store)
	svc, err := searches.New(searches.Deps{
		Store:     store,
		Generator: gen,
		Limiter:   ratelimit.NewSlidingWindow(10, time.Hour),
		Profiles:  profiles,
	})
	require.NoError(t, err)

	validator, err := auth.NewValidator(testSecret)
	require.NoError(t, err)

	h := NewHandler(Deps{
		Searches:    svc,
		Profiles:    profiles,
		Validator:   validator,
		CORSOrigins: []string{"https://app.example.com"},
	})
	return &testEnv{handler: h, store: store, gen: gen, svc: svc, profiles: profiles}
}

func tokenFor(t *testing.T, owner string) string {
	t.Helper()
	tok, err := auth.Issue(testSecret, owner, time.Hour)
	require.NoError(t, err)
	return tok
}

func (e *testEnv) do(t *testing.T, owner, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		switch b := body.(type) {
		case string:
			buf.WriteString(b)
		default:
			require.NoError(t, json.NewEncoder(&buf).Encode(b))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if owner != "" {
		req.Header.Set("Authorization", "Bearer "+tokenFor(t, owner))
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), "body: %s", rec.Body.String())
	return v
}

type errorEnvelope struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}
