package handlers

import (
	"context"
	"net/http"

	"github.com/hanami-labs/hanami/token/pkg/redeem"
)

// ItemsResponse lists the redeemable items for a caller.
type ItemsResponse struct {
	Items []redeem.Item `json:"items"`
}

// ListItems returns the registry's caller-scoped item list.
func (h *Handlers) ListItems(w http.ResponseWriter, r *http.Request) {
	account, err := viewpoint(r.URL.Query().Get("account"))
	if err != nil {
		writeError(w, err)
		return
	}

	items, err := h.items(r.Context(), account.Owner)
	if err != nil {
		h.log.Error("items: list failed", "account", account.Owner, "error", err)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ItemsResponse{Items: items})
}

// items serves the caller's item list from cache when fresh, otherwise from
// the registry.
func (h *Handlers) items(ctx context.Context, account string) ([]redeem.Item, error) {
	if h.cfg.Cache != nil {
		if items, ok := h.cfg.Cache.Items(account); ok {
			return items, nil
		}
	}

	lctx, cancel := context.WithTimeout(ctx, h.cfg.ReadTimeout)
	defer cancel()
	items, err := h.cfg.Registry.ListAvailable(lctx, account)
	if err != nil {
		return nil, err
	}
	if h.cfg.Cache != nil {
		h.cfg.Cache.SetItems(account, items)
	}
	return items, nil
}
