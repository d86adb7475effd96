package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/getsentry/sentry-go"

	"github.com/hanami-labs/hanami/token/pkg/amount"
	"github.com/hanami-labs/hanami/token/pkg/community"
	"github.com/hanami-labs/hanami/token/pkg/ledger"
	"github.com/hanami-labs/hanami/token/pkg/redeem"
	"github.com/hanami-labs/hanami/token/pkg/remote"
)

// ErrorResponse is the uniform error body. Stage and Guidance let clients
// distinguish "nothing happened", "funds committed but item not granted", and
// "unknown, reconcile from history" instead of one generic failure string.
type ErrorResponse struct {
	Error    string `json:"error"`
	Code     string `json:"code"`
	Stage    string `json:"stage,omitempty"`
	Guidance string `json:"guidance,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status, body := errorResponse(err)
	if status >= http.StatusInternalServerError {
		sentry.CaptureException(err)
	}
	writeJSON(w, status, body)
}

func errorResponse(err error) (int, ErrorResponse) {
	var fail *redeem.Failure
	if errors.As(err, &fail) {
		return failureResponse(fail)
	}

	switch {
	case errors.Is(err, ledger.ErrInvalidAccount),
		errors.Is(err, amount.ErrInvalidAmount),
		errors.Is(err, redeem.ErrInvalidRequest):
		return http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: "invalid_request"}
	case errors.Is(err, redeem.ErrInsufficientBalance):
		return http.StatusBadRequest, ErrorResponse{
			Error:    err.Error(),
			Code:     "insufficient_balance",
			Guidance: "Nothing happened: no funds were committed.",
		}
	case errors.Is(err, redeem.ErrStateConflict):
		return http.StatusConflict, ErrorResponse{Error: err.Error(), Code: "state_conflict"}
	case errors.Is(err, redeem.ErrAlreadyRedeemed):
		return http.StatusConflict, ErrorResponse{Error: err.Error(), Code: "already_redeemed"}
	case errors.Is(err, community.ErrAlreadyDispatched):
		return http.StatusConflict, ErrorResponse{Error: err.Error(), Code: "already_dispatched"}
	case errors.Is(err, redeem.ErrNoFlight):
		return http.StatusNotFound, ErrorResponse{Error: err.Error(), Code: "not_found"}
	case remote.IsRejected(err):
		return http.StatusUnprocessableEntity, ErrorResponse{Error: err.Error(), Code: "remote_rejected"}
	case remote.IsUnavailable(err):
		return http.StatusBadGateway, ErrorResponse{Error: err.Error(), Code: "remote_unavailable"}
	default:
		return http.StatusInternalServerError, ErrorResponse{Error: err.Error(), Code: "internal"}
	}
}

func failureResponse(fail *redeem.Failure) (int, ErrorResponse) {
	resp := ErrorResponse{
		Error: fail.Error(),
		Stage: string(fail.Stage),
	}
	switch fail.Reason {
	case redeem.ReasonApprovalRejected:
		resp.Code = "approval_rejected"
		resp.Guidance = "Nothing happened: the allowance was refused and no funds were committed."
		return http.StatusUnprocessableEntity, resp
	case redeem.ReasonApprovalUnavailable:
		resp.Code = "approval_unavailable"
		resp.Guidance = "The ledger could not be reached; no funds were spent. Retry the redemption."
		return http.StatusBadGateway, resp
	case redeem.ReasonRedemptionRejected:
		resp.Code = "redemption_rejected"
		resp.Guidance = "Funds are committed to an outstanding allowance but the item was not granted. Retry the redeem step."
		return http.StatusUnprocessableEntity, resp
	case redeem.ReasonRedemptionUnavailable:
		resp.Code = "redemption_unavailable"
		resp.Guidance = "Outcome unknown: the registry did not respond. Reconcile from your transaction history before retrying."
		return http.StatusBadGateway, resp
	default:
		resp.Code = "redemption_failed"
		return http.StatusInternalServerError, resp
	}
}
