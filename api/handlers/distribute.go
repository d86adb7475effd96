package handlers

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hanami-labs/hanami/api/metrics"
	"github.com/hanami-labs/hanami/token/pkg/community"
)

// DistributeResponse reports the terminal status of a distribution dispatch.
type DistributeResponse struct {
	RewardID string `json:"reward_id"`
	Status   string `json:"status"`
}

// PostDistribute dispatches a reward pool payout. The trigger guards the
// reward id synchronously, so a duplicate request is blocked before any
// remote call.
func (h *Handlers) PostDistribute(w http.ResponseWriter, r *http.Request) {
	rewardID := chi.URLParam(r, "rewardID")

	err := h.cfg.Distributor.Distribute(r.Context(), rewardID)
	switch {
	case err == nil:
		metrics.DistributionsTotal.WithLabelValues("distributed").Inc()
		writeJSON(w, http.StatusOK, DistributeResponse{RewardID: rewardID, Status: "distributed"})
	case errors.Is(err, community.ErrAlreadyDispatched):
		metrics.DistributionsTotal.WithLabelValues("blocked").Inc()
		writeError(w, err)
	default:
		metrics.DistributionsTotal.WithLabelValues("failed").Inc()
		h.log.Error("distribute: dispatch failed", "reward", rewardID, "error", err)
		writeError(w, err)
	}
}
