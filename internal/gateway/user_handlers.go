package gateway

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hyperasset/sentinel/internal/apperr"
	"github.com/hyperasset/sentinel/internal/userconfig"
)

// userHandlers serves /api/user/*. Unlike the five subscription-gated
// workers, user configuration has no separate supervised process — C5's
// Manager already holds the authoritative, cached in-process view, so the
// gateway calls it directly instead of proxying to a sixth child.
type userHandlers struct {
	userConfig *userconfig.Manager
}

func (h *userHandlers) routes(r chi.Router) {
	r.Route("/user", func(r chi.Router) {
		r.Get("/config/{user_id}", h.handleGetConfig)
		r.Post("/config/{user_id}", h.handleUpdateConfig)
		r.Post("/stocks/{user_id}", h.handleUpdateStocks)
		r.Post("/model/{user_id}", h.handleUpdateModel)
	})
}

// profileRoutes mounts the one onboarding route that precedes any
// user_id's existence, so it lives outside /api (every /api/user/* route
// above operates on an already-registered id).
func (h *userHandlers) profileRoutes(r chi.Router) {
	r.Post("/users/profile", h.handleCreateProfile)
}

type createProfileRequest struct {
	Username                string  `json:"username"`
	PhoneNumber             string  `json:"phone_number"`
	NewsSimilarityThreshold float64 `json:"news_similarity_threshold"`
	NewsImpactThreshold     float64 `json:"news_impact_threshold"`
}

type createProfileResponse struct {
	UserID string `json:"user_id"`
}

func (h *userHandlers) handleCreateProfile(w http.ResponseWriter, r *http.Request) {
	var body createProfileRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_body", "request body is not valid JSON", "")
		return
	}
	if body.Username == "" || body.PhoneNumber == "" {
		writeError(w, r, http.StatusBadRequest, "missing_fields", "username and phone_number are required", "")
		return
	}

	similarity := body.NewsSimilarityThreshold
	if similarity == 0 {
		similarity = userconfig.DefaultNewsSimilarityThreshold
	}
	impact := body.NewsImpactThreshold
	if impact == 0 {
		impact = userconfig.DefaultNewsImpactThreshold
	}

	userID, err := h.userConfig.CreateUser(r.Context(), body.Username, body.PhoneNumber, similarity, impact)
	if err != nil {
		writeUserConfigError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, createProfileResponse{UserID: userID})
}

func (h *userHandlers) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "user_id")
	cfg, err := h.userConfig.GetUserConfig(r.Context(), userID)
	if err != nil {
		writeUserConfigError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

type updateConfigRequest struct {
	ModelType           string  `json:"model_type"`
	SimilarityThreshold *float64 `json:"news_similarity_threshold"`
	ImpactThreshold     *float64 `json:"news_impact_threshold"`
	Stocks              []stockEntry `json:"stocks"`
}

type stockEntry struct {
	StockCode string `json:"stock_code"`
	StockName string `json:"stock_name"`
	Enabled   bool   `json:"enabled"`
}

func (h *userHandlers) handleUpdateConfig(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "user_id")

	var body updateConfigRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_body", "request body is not valid JSON", "")
		return
	}

	req := userconfig.UpdateUserConfigRequest{
		ModelTag:            body.ModelType,
		SimilarityThreshold: body.SimilarityThreshold,
		ImpactThreshold:     body.ImpactThreshold,
	}
	if body.Stocks != nil {
		stocks := make(map[string]string, len(body.Stocks))
		for _, s := range body.Stocks {
			if s.Enabled {
				stocks[s.StockCode] = s.StockName
			}
		}
		req.Stocks = stocks
	}

	if err := h.userConfig.UpdateUserConfig(r.Context(), userID, req); err != nil {
		writeUserConfigError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

type updateStocksRequest struct {
	Stocks []stockEntry `json:"stocks"`
}

func (h *userHandlers) handleUpdateStocks(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "user_id")

	var body updateStocksRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_body", "request body is not valid JSON", "")
		return
	}

	stocks := make(map[string]string, len(body.Stocks))
	for _, s := range body.Stocks {
		if s.Enabled {
			stocks[s.StockCode] = s.StockName
		}
	}

	if err := h.userConfig.UpdateStocks(r.Context(), userID, stocks); err != nil {
		writeUserConfigError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

type updateModelRequest struct {
	ModelType string `json:"model_type"`
}

func (h *userHandlers) handleUpdateModel(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "user_id")

	var body updateModelRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_body", "request body is not valid JSON", "")
		return
	}
	if body.ModelType == "" {
		writeError(w, r, http.StatusBadRequest, "missing_model_type", "model_type is required", "")
		return
	}

	if err := h.userConfig.SetModel(r.Context(), userID, body.ModelType); err != nil {
		writeUserConfigError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func writeUserConfigError(w http.ResponseWriter, r *http.Request, err error) {
	if err == userconfig.ErrUserNotFound {
		writeError(w, r, http.StatusNotFound, "user_not_found", err.Error(), "user")
		return
	}
	writeError(w, r, apperr.HTTPStatus(err), "internal", err.Error(), "user")
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
