package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/kalambet/medbrief/internal/profile"
	"github.com/kalambet/medbrief/internal/searches"
)

func handleGetProfile(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		owner := ownerID(r)
		if owner == "" {
			serviceError(w, r, searches.ErrUnauthenticated)
			return
		}
		p, err := deps.Profiles.GetProfile(r.Context(), owner)
		if err != nil {
			serviceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, p)
	}
}

func handlePatchProfile(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		owner := ownerID(r)
		if owner == "" {
			serviceError(w, r, searches.ErrUnauthenticated)
			return
		}

		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		var patch profile.Patch
		if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
			slog.Debug("rejected request body", "path", r.URL.Path, "error", err)
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid JSON body")
			return
		}

		p, err := deps.Profiles.Apply(r.Context(), owner, patch)
		if err != nil {
			serviceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, p)
	}
}
