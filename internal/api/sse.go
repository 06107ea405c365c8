package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"ms-fulfillment/internal/apperrors"
	"ms-fulfillment/internal/models"

	"github.com/go-chi/chi/v5"
)

const heartbeatInterval = 15 * time.Second

// PurchaseEvents streams status changes of one purchase. The first event
// carries the current status so a client that subscribes late is not stuck.
func (h *Handler) PurchaseEvents(w http.ResponseWriter, r *http.Request) {
	purchaseID := chi.URLParam(r, "purchaseID")
	flusher, ok := w.(http.Flusher)
	if !ok {
		h.writeError(w, r, apperrors.New(apperrors.CodeInternal, "streaming unsupported"))
		return
	}

	ctx := r.Context()
	updates := h.Updates.SubscribeToPurchase(ctx, purchaseID)

	details, err := h.Purchases.GetPurchase(ctx, purchaseID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	setupSSEHeaders(w)
	w.WriteHeader(http.StatusOK)
	if err := writeEvent(w, "status", models.NewPurchaseUpdate(details.Purchase, "")); err != nil {
		return
	}
	flusher.Flush()
	h.Logger.Info("SSE", fmt.Sprintf("Client subscribed to purchase %s", purchaseID))

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case update, ok := <-updates:
			if !ok {
				return
			}
			if err := writeEvent(w, "status", update); err != nil {
				h.Logger.Debug("SSE", fmt.Sprintf("Write to subscriber of %s failed: %v", purchaseID, err))
				return
			}
			flusher.Flush()

		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()

		case <-ctx.Done():
			h.Logger.Debug("SSE", fmt.Sprintf("Client of purchase %s disconnected", purchaseID))
			return
		}
	}
}

func writeEvent(w http.ResponseWriter, name string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, data)
	return err
}

func setupSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream;charset=UTF-8")
	w.Header().Set("Cache-Control", "no-cache, no-store, max-age=0, must-revalidate")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.Header().Set("X-Content-Type-Options", "nosniff")
}
