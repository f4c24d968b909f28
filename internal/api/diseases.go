package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/medbrief/internal/briefing"
	"github.com/kalambet/medbrief/internal/report"
	"github.com/kalambet/medbrief/internal/searches"
	"github.com/kalambet/medbrief/internal/storage"
)

// CreateSearchRequest is the body of POST /v1/diseases. Query is accepted as
// an alias for DiseaseName.
type CreateSearchRequest struct {
	DiseaseName string `json:"diseaseName"`
	Query       string `json:"query"`
}

type CreateSearchResponse struct {
	SearchID string `json:"searchId"`
	Query    string `json:"query"`
	Status   string `json:"status"`
	Reused   bool   `json:"reused,omitempty"`
}

// SearchResponse is the public shape of a search record. Payload is set only
// for ready records and ErrorMessage only for errored ones.
type SearchResponse struct {
	SearchID     string                   `json:"searchId"`
	Query        string                   `json:"query"`
	Status       string                   `json:"status"`
	Title        string                   `json:"title,omitempty"`
	Summary      string                   `json:"summary,omitempty"`
	Payload      *briefing.DiseasePayload `json:"payload,omitempty"`
	ErrorMessage string                   `json:"errorMessage,omitempty"`
	DurationMs   *int64                   `json:"durationMs,omitempty"`
	Attempts     int                      `json:"attempts"`
	CreatedAt    time.Time                `json:"createdAt"`
	UpdatedAt    time.Time                `json:"updatedAt"`
}

type RecentSearchResponse struct {
	SearchID  string    `json:"searchId"`
	Title     string    `json:"title"`
	Query     string    `json:"query"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"createdAt"`
}

type Pagination struct {
	Page       int `json:"page"`
	Limit      int `json:"limit"`
	Total      int `json:"total"`
	TotalPages int `json:"totalPages"`
}

type ListResponse[T any] struct {
	Data       []T        `json:"data"`
	Pagination Pagination `json:"pagination"`
}

func newSearchResponse(rec storage.Search) SearchResponse {
	resp := SearchResponse{
		SearchID:   rec.ID,
		Query:      rec.Query,
		Status:     rec.Status,
		Title:      rec.Title,
		Summary:    rec.Summary,
		DurationMs: rec.DurationMs,
		Attempts:   rec.Attempts,
		CreatedAt:  rec.CreatedAt,
		UpdatedAt:  rec.UpdatedAt,
	}
	switch rec.Status {
	case storage.StatusReady:
		p := briefing.ParsePayload(rec.Payload)
		resp.Payload = &p
	case storage.StatusErrored:
		resp.ErrorMessage = rec.ErrorMessage
	}
	return resp
}

func newListResponse[T, U any](page searches.Page[T], convert func(T) U) ListResponse[U] {
	data := make([]U, len(page.Items))
	for i, item := range page.Items {
		data[i] = convert(item)
	}
	return ListResponse[U]{
		Data: data,
		Pagination: Pagination{
			Page:       page.Page,
			Limit:      page.Limit,
			Total:      page.Total,
			TotalPages: page.TotalPages,
		},
	}
}

func handleCreateSearch(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req CreateSearchRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			slog.Debug("rejected request body", "path", r.URL.Path, "error", err)
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid JSON body")
			return
		}
		name := req.DiseaseName
		if name == "" {
			name = req.Query
		}

		res, err := deps.Searches.Create(r.Context(), ownerID(r), name)
		if err != nil {
			serviceError(w, r, err)
			return
		}

		code := http.StatusCreated
		if res.Reused {
			code = http.StatusOK
		}
		writeJSON(w, code, CreateSearchResponse{
			SearchID: res.Search.ID,
			Query:    res.Search.Query,
			Status:   res.Search.Status,
			Reused:   res.Reused,
		})
	}
}

func handleListSearches(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		page := parseIntParam(r, "page", 1, 0)
		limit := parseIntParam(r, "limit", searches.DefaultLimit, searches.MaxLimit)

		result, err := deps.Searches.List(r.Context(), ownerID(r), page, limit)
		if err != nil {
			serviceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, newListResponse(result, newSearchResponse))
	}
}

func handleRecentSearches(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		page := parseIntParam(r, "page", 1, 0)
		limit := parseIntParam(r, "limit", searches.DefaultLimit, searches.MaxLimit)

		result, err := deps.Searches.Recent(r.Context(), ownerID(r), page, limit)
		if err != nil {
			serviceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, newListResponse(result, func(item searches.RecentItem) RecentSearchResponse {
			return RecentSearchResponse(item)
		}))
	}
}

func handleGetSearch(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec, err := deps.Searches.Get(r.Context(), ownerID(r), chi.URLParam(r, "searchId"))
		if err != nil {
			serviceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, newSearchResponse(rec))
	}
}

func handleGetReport(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec, err := deps.Searches.Get(r.Context(), ownerID(r), chi.URLParam(r, "searchId"))
		if err != nil {
			serviceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, report.Build(rec))
	}
}

func handleDeleteSearch(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := deps.Searches.Delete(r.Context(), ownerID(r), chi.URLParam(r, "searchId")); err != nil {
			serviceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	}
}
