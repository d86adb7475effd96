package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hanami-labs/hanami/api/metrics"
	"github.com/hanami-labs/hanami/token/pkg/ledger"
	"github.com/hanami-labs/hanami/token/pkg/redeem"
)

// RedeemRequest is the request body for starting or retrying a redemption.
type RedeemRequest struct {
	Account string `json:"account"`
	ItemID  string `json:"item_id"`
}

// RedeemResponse reports the final flight status of a redemption attempt.
type RedeemResponse struct {
	Account string        `json:"account"`
	ItemID  string        `json:"item_id"`
	Status  redeem.Status `json:"status"`
}

// PostRedeem drives a full approve→redeem flow. The item's cost is resolved
// server-side from the registry list, and an item the caller already redeemed
// is refused before the orchestrator is invoked.
func (h *Handlers) PostRedeem(w http.ResponseWriter, r *http.Request) {
	account, itemID, ok := h.decodeRedeemRequest(w, r)
	if !ok {
		return
	}

	item, err := h.findItem(r, account.Owner, itemID)
	if err != nil {
		writeError(w, err)
		return
	}
	if item.Redeemed {
		metrics.RedemptionsTotal.WithLabelValues("conflict").Inc()
		writeError(w, fmt.Errorf("%w: item %s", redeem.ErrAlreadyRedeemed, itemID))
		return
	}

	start := time.Now()
	err = h.cfg.Driver.Redeem(r.Context(), redeem.Request{
		Caller:    account,
		ItemID:    itemID,
		CostMinor: item.PriceMinor,
	})
	h.finishRedemption(w, account, itemID, err, start)
}

// PostRedeemRetry re-drives a failed redemption, resuming at the failed stage.
func (h *Handlers) PostRedeemRetry(w http.ResponseWriter, r *http.Request) {
	account, itemID, ok := h.decodeRedeemRequest(w, r)
	if !ok {
		return
	}

	start := time.Now()
	err := h.cfg.Driver.Retry(r.Context(), account, itemID)
	h.finishRedemption(w, account, itemID, err, start)
}

// GetRedemptionStatus reports the current flight status for one
// (account, item) pair, including any outstanding allowance.
func (h *Handlers) GetRedemptionStatus(w http.ResponseWriter, r *http.Request) {
	account, err := viewpoint(chi.URLParam(r, "account"))
	if err != nil {
		writeError(w, err)
		return
	}
	itemID := chi.URLParam(r, "itemID")

	status, ok := h.cfg.Driver.Status(account, itemID)
	if !ok {
		writeJSON(w, http.StatusOK, RedeemResponse{Account: account.Owner, ItemID: itemID, Status: redeem.Status{State: redeem.StateIdle}})
		return
	}
	writeJSON(w, http.StatusOK, RedeemResponse{Account: account.Owner, ItemID: itemID, Status: status})
}

func (h *Handlers) decodeRedeemRequest(w http.ResponseWriter, r *http.Request) (ledger.Account, string, bool) {
	var req RedeemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid request body", Code: "invalid_request"})
		return ledger.Account{}, "", false
	}
	account, err := viewpoint(req.Account)
	if err != nil {
		writeError(w, err)
		return ledger.Account{}, "", false
	}
	if req.ItemID == "" {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "item_id is required", Code: "invalid_request"})
		return ledger.Account{}, "", false
	}
	return account, req.ItemID, true
}

func (h *Handlers) findItem(r *http.Request, account, itemID string) (redeem.Item, error) {
	items, err := h.items(r.Context(), account)
	if err != nil {
		return redeem.Item{}, err
	}
	for _, item := range items {
		if item.ID == itemID {
			return item, nil
		}
	}
	return redeem.Item{}, fmt.Errorf("%w: unknown item %s", redeem.ErrInvalidRequest, itemID)
}

func (h *Handlers) finishRedemption(w http.ResponseWriter, account ledger.Account, itemID string, err error, start time.Time) {
	outcome := "completed"
	if err != nil {
		outcome = redemptionOutcome(err)
	}
	metrics.RedemptionsTotal.WithLabelValues(outcome).Inc()
	metrics.RedemptionStageDuration.WithLabelValues(outcome).Observe(time.Since(start).Seconds())

	if err != nil {
		writeError(w, err)
		return
	}
	status, _ := h.cfg.Driver.Status(account, itemID)
	writeJSON(w, http.StatusOK, RedeemResponse{Account: account.Owner, ItemID: itemID, Status: status})
}

func redemptionOutcome(err error) string {
	var fail *redeem.Failure
	switch {
	case errors.As(err, &fail):
		if fail.Stage == redeem.StageApprove {
			return "failed_approve"
		}
		return "failed_redeem"
	case errors.Is(err, redeem.ErrStateConflict), errors.Is(err, redeem.ErrAlreadyRedeemed):
		return "conflict"
	default:
		return "invalid"
	}
}
