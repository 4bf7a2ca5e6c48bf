package handlers

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/draftea/order-saga/orders-service/application"
	"github.com/draftea/order-saga/orders-service/domain"
	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
)

// IdempotencyKeyHeader carries the client idempotency key on order creation
const IdempotencyKeyHeader = "Idempotency-Key"

// OrderHandlers contains order HTTP handlers
type OrderHandlers struct {
	orderSaga         *application.OrderSaga
	getOrder          *application.GetOrder
	listOrders        *application.ListOrders
	reportStepOutcome *application.ReportStepOutcome
}

// NewOrderHandlers creates new order handlers
func NewOrderHandlers(
	orderSaga *application.OrderSaga,
	getOrder *application.GetOrder,
	listOrders *application.ListOrders,
	reportStepOutcome *application.ReportStepOutcome,
) *OrderHandlers {
	return &OrderHandlers{
		orderSaga:         orderSaga,
		getOrder:          getOrder,
		listOrders:        listOrders,
		reportStepOutcome: reportStepOutcome,
	}
}

// CreateOrder handles order creation requests
func (h *OrderHandlers) CreateOrder(w http.ResponseWriter, r *http.Request) {
	var cmd application.CreateOrderCommand
	if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil && !errors.Is(err, io.EOF) {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if key := r.Header.Get(IdempotencyKeyHeader); key != "" {
		cmd.IdempotencyKey = key
	}

	response, err := h.orderSaga.CreateOrder(r.Context(), &cmd)
	if err != nil {
		writeError(w, r, err)
		return
	}

	status := http.StatusCreated
	if !response.Created {
		status = http.StatusOK
	}

	writeJSON(w, status, response)
}

// CreateOrderLegacy keeps the plain-text creation endpoint working
func (h *OrderHandlers) CreateOrderLegacy(w http.ResponseWriter, r *http.Request) {
	response, err := h.orderSaga.CreateOrder(r.Context(), &application.CreateOrderCommand{})
	if err != nil {
		writeError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "Order Created with ID: %s", response.OrderID)
}

// GetOrder handles order retrieval requests
func (h *OrderHandlers) GetOrder(w http.ResponseWriter, r *http.Request) {
	query := &application.GetOrderQuery{
		OrderID: chi.URLParam(r, "id"),
	}

	response, err := h.getOrder.Execute(r.Context(), query)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, response)
}

// ListOrders handles order listing requests
func (h *OrderHandlers) ListOrders(w http.ResponseWriter, r *http.Request) {
	query := &application.ListOrdersQuery{
		Status: r.URL.Query().Get("status"),
	}

	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil {
			http.Error(w, "Invalid limit", http.StatusBadRequest)
			return
		}
		query.Limit = limit
	}

	response, err := h.listOrders.Execute(r.Context(), query)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, response)
}

type outcomeRequest struct {
	Success *bool  `json:"success"`
	Source  string `json:"source,omitempty"`
}

// ReportOutcome returns a handler accepting an external outcome for step
func (h *OrderHandlers) ReportOutcome(step string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req outcomeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Success == nil {
			http.Error(w, "Invalid request body", http.StatusBadRequest)
			return
		}

		cmd := &application.ReportStepOutcomeCommand{
			OrderID: chi.URLParam(r, "id"),
			Step:    step,
			Success: *req.Success,
			Source:  req.Source,
		}

		if err := h.reportStepOutcome.Execute(r.Context(), cmd); err != nil {
			writeError(w, r, err)
			return
		}

		w.WriteHeader(http.StatusAccepted)
	}
}

// RegisterRoutes registers order routes
func (h *OrderHandlers) RegisterRoutes(r chi.Router) {
	r.Post("/orders/create", h.CreateOrderLegacy)

	r.Route("/api/v1/orders", func(r chi.Router) {
		r.Post("/", h.CreateOrder)
		r.Get("/", h.ListOrders)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.GetOrder)
			r.Post("/payment-outcome", h.ReportOutcome(application.StepPayment))
			r.Post("/inventory-outcome", h.ReportOutcome(application.StepInventory))
		})
	})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrOrderNotFound):
		status = http.StatusNotFound
	case errors.Is(err, application.ErrInvalidQuery), errors.Is(err, application.ErrInvalidCommand):
		status = http.StatusBadRequest
	}

	level := zerolog.WarnLevel
	if status >= http.StatusInternalServerError {
		level = zerolog.ErrorLevel
	}
	hlog.FromRequest(r).WithLevel(level).Err(err).Int("status", status).Msg("request failed")

	http.Error(w, err.Error(), status)
}
