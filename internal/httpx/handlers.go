package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/example/mall-core/internal/cacheshield"
	"github.com/example/mall-core/internal/checkout"
	"github.com/example/mall-core/internal/orders"
	"github.com/example/mall-core/internal/redisx"
	"github.com/example/mall-core/internal/stock"
	"github.com/go-chi/chi/v5"
)

type Handler struct {
	Checkout *checkout.Service
	Life     *orders.Lifecycle
	Repo     *orders.Repo
	Shield   *cacheshield.Shield
}

type paymentCallbackReq struct {
	OrderID     string `json:"order_id"`
	Success     bool   `json:"success"`
	AmountCents int    `json:"amount_cents"`
	Reason      string `json:"reason,omitempty"`
}

func (h *Handler) Register(r *chi.Mux) {
	r.Post("/checkout", h.placeOrder)
	r.Post("/checkout/flash", h.placeFlashOrder)
	r.Get("/orders/{id}", h.getOrder)
	r.Get("/orders/{id}/history", h.getHistory)
	r.Post("/orders/{id}/cancel", h.cancelOrder)
	r.Post("/payments/callback", h.paymentCallback)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func (h *Handler) placeOrder(w http.ResponseWriter, r *http.Request) {
	var req checkout.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid json")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	res, err := h.Checkout.PlaceOrder(ctx, req)
	if err != nil {
		if errors.Is(err, checkout.ErrUnknownSku) {
			writeErr(w, http.StatusBadRequest, err.Error())
			return
		}
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeOutcome(w, res)
}

func (h *Handler) placeFlashOrder(w http.ResponseWriter, r *http.Request) {
	var req checkout.FlashRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid json")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	res, err := h.Checkout.PlaceFlashOrder(ctx, req)
	if err != nil {
		if errors.Is(err, checkout.ErrUnknownSku) {
			writeErr(w, http.StatusBadRequest, err.Error())
			return
		}
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeOutcome(w, res)
}

// writeOutcome maps typed checkout outcomes onto status codes: sold out and
// per-user caps are business answers (409), conflict exhaustion a retryable
// 503; never a 500.
func writeOutcome(w http.ResponseWriter, res *checkout.Result) {
	switch res.Outcome {
	case stock.OutcomeOK:
		writeJSON(w, http.StatusAccepted, res)
	case stock.OutcomeInsufficient, stock.OutcomeUserCapped:
		writeJSON(w, http.StatusConflict, res)
	default:
		w.Header().Set("Retry-After", "1")
		writeJSON(w, http.StatusServiceUnavailable, res)
	}
}

func (h *Handler) getOrder(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "id")
	if orderID == "" {
		writeErr(w, http.StatusBadRequest, "missing id")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	key := fmt.Sprintf(redisx.KeyOrderStatus, orderID)
	body, err := h.Shield.GetOrLoad(ctx, key, redisx.TTLStatusCache,
		func(ctx context.Context) ([]byte, error) {
			o, err := h.Repo.Get(ctx, orderID)
			if errors.Is(err, orders.ErrNotFound) {
				return nil, cacheshield.ErrNotFound
			}
			if err != nil {
				return nil, err
			}
			return json.Marshal(map[string]any{
				"order_id": o.ID,
				"order_no": o.OrderNo,
				"status":   o.Status,
			})
		})
	if errors.Is(err, cacheshield.ErrNotFound) {
		writeErr(w, http.StatusNotFound, "not found")
		return
	}
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

func (h *Handler) getHistory(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "id")
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	logs, err := h.Repo.StateHistory(ctx, orderID)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, logs)
}

func (h *Handler) cancelOrder(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "id")
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	o, err := h.Life.Transition(ctx, orderID, orders.EventCancel, "user", "cancelled via API")
	if err != nil {
		writeTransitionErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"order_id": o.ID, "status": o.Status})
}

// paymentCallback is the gateway notify endpoint. Replays of an already
// settled payment return 200 so the gateway stops retrying.
func (h *Handler) paymentCallback(w http.ResponseWriter, r *http.Request) {
	var req paymentCallbackReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.OrderID == "" {
		writeErr(w, http.StatusBadRequest, "missing order_id")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	p, err := h.Repo.GetPaymentByOrder(ctx, req.OrderID)
	if errors.Is(err, orders.ErrNotFound) {
		writeErr(w, http.StatusNotFound, "payment not found")
		return
	}
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	if p.Status == orders.PaymentSuccess || p.Status == orders.PaymentFailed {
		writeJSON(w, http.StatusOK, map[string]any{"payment_id": p.ID, "status": p.Status, "duplicate": true})
		return
	}

	reason := req.Reason
	if reason == "" {
		reason = "gateway confirmed"
	}

	// One critical section for the payment move and the order move: a timeout
	// token cannot land between "payment SUCCESS" and "order PAID".
	o, pay, err := h.Life.SettlePayment(ctx, req.OrderID, req.Success, "gateway", reason)
	if err != nil {
		writeTransitionErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"order_id":       o.ID,
		"order_status":   o.Status,
		"payment_id":     pay.ID,
		"payment_status": pay.Status,
	})
}

func writeTransitionErr(w http.ResponseWriter, err error) {
	var invO *orders.InvalidTransitionError
	var invP *orders.InvalidPaymentTransitionError
	switch {
	case errors.Is(err, orders.ErrOrderBusy):
		w.Header().Set("Retry-After", "1")
		writeErr(w, http.StatusServiceUnavailable, err.Error())
	case errors.As(err, &invO), errors.As(err, &invP):
		writeErr(w, http.StatusConflict, err.Error())
	case errors.Is(err, orders.ErrNotFound):
		writeErr(w, http.StatusNotFound, "not found")
	default:
		writeErr(w, http.StatusInternalServerError, err.Error())
	}
}
