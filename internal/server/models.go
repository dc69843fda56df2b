package server

import (
	"encoding/json"
	"net/http"
	"time"

	gateway "github.com/kestrelgw/aistudio-gateway/internal"
)

// modelListCacheKey is the single cache slot the model list sits under;
// there is only ever one upstream page, so one key suffices.
const modelListCacheKey = "models"

// modelListCacheTTL bounds how stale a cached model list may be before
// handleListModels re-queries the page; ListModels is a live DOM read,
// not worth repeating on every request.
const modelListCacheTTL = 30 * time.Second

// handleListModels returns the model aliases the upstream page currently
// recognizes, in an OpenAI-compatible model list shape.
func (s *server) handleListModels(w http.ResponseWriter, r *http.Request) {
	data, err := s.cachedModelList(r)
	if err != nil {
		writeUpstreamError(w, gateway.ReqIDFromContext(r.Context()), err)
		return
	}
	writeJSON(w, http.StatusOK, modelListResponse{Object: "list", Data: data})
}

func (s *server) cachedModelList(r *http.Request) ([]modelEntry, error) {
	if s.deps.ModelCache != nil {
		if raw, ok := s.deps.ModelCache.Get(r.Context(), modelListCacheKey); ok {
			var cached []modelEntry
			if json.Unmarshal(raw, &cached) == nil {
				return cached, nil
			}
		}
	}

	models, err := s.deps.Page.ListModels(r.Context())
	if err != nil {
		return nil, err
	}
	now := time.Now().Unix()
	data := make([]modelEntry, len(models))
	for i, m := range models {
		data[i] = modelEntry{ID: m, Object: "model", Created: now, OwnedBy: "aistudio"}
	}

	if s.deps.ModelCache != nil {
		if raw, err := json.Marshal(data); err == nil {
			s.deps.ModelCache.Set(r.Context(), modelListCacheKey, raw, modelListCacheTTL)
		}
	}
	return data, nil
}

type modelEntry struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

type modelListResponse struct {
	Object string       `json:"object"`
	Data   []modelEntry `json:"data"`
}
