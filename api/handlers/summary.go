package handlers

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hanami-labs/hanami/api/metrics"
	"github.com/hanami-labs/hanami/token/pkg/activity"
	"github.com/hanami-labs/hanami/token/pkg/amount"
)

// SummaryResponse carries the classified records and aggregate totals for one
// viewpoint account under one role.
type SummaryResponse struct {
	Account        string            `json:"account"`
	Role           string            `json:"role"`
	Records        []activity.Record `json:"records"`
	Summary        activity.Summary  `json:"summary"`
	BalanceDisplay string            `json:"balance_display"`
}

// GetSummary returns the account's transaction records and balance summary.
// The balance comes from an authoritative ledger read issued alongside the
// history read, never from summing the records.
func (h *Handlers) GetSummary(w http.ResponseWriter, r *http.Request) {
	account, err := viewpoint(chi.URLParam(r, "account"))
	if err != nil {
		writeError(w, err)
		return
	}
	role := roleParam(r.URL.Query().Get("role"))

	if h.cfg.Cache != nil {
		if resp, ok := h.cfg.Cache.Summary(account.Owner, role.String()); ok {
			metrics.SummaryFetchesTotal.WithLabelValues(role.String(), "cache").Inc()
			writeJSON(w, http.StatusOK, resp)
			return
		}
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.cfg.ReadTimeout)
	defer cancel()

	records, summary, err := activity.FetchSummary(ctx, h.cfg.Ledger, account, role)
	if err != nil {
		h.log.Error("summary: fetch failed", "account", account.Owner, "error", err)
		writeError(w, err)
		return
	}

	resp := &SummaryResponse{
		Account:        account.Owner,
		Role:           role.String(),
		Records:        records,
		Summary:        summary,
		BalanceDisplay: amount.ToDisplay(summary.BalanceMinor),
	}
	if h.cfg.Cache != nil {
		h.cfg.Cache.SetSummary(account.Owner, role.String(), resp)
	}
	metrics.SummaryFetchesTotal.WithLabelValues(role.String(), "ledger").Inc()
	writeJSON(w, http.StatusOK, resp)
}
