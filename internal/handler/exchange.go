package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/minimalgames/giftledger/internal/auth"
	"github.com/minimalgames/giftledger/internal/domain"
	"github.com/minimalgames/giftledger/internal/service/exchange"
)

type ExchangeHandler struct {
	svc *exchange.Service
}

func NewExchangeHandler(svc *exchange.Service) *ExchangeHandler {
	return &ExchangeHandler{svc: svc}
}

type createExchangeRequest struct {
	GiftType       string `json:"gift_type"`
	Cost           int64  `json:"cost"`
	Quantity       int    `json:"quantity"`
	IdempotencyKey string `json:"idempotency_key"`
}

func (r *createExchangeRequest) Validate() []FieldError {
	var fields []FieldError
	if r.GiftType == "" {
		fields = append(fields, FieldError{"gift_type", "gift_type is required"})
	}
	if r.Cost <= 0 {
		fields = append(fields, FieldError{"cost", "cost must be greater than zero"})
	}
	if r.Quantity < 1 || r.Quantity > 100 {
		fields = append(fields, FieldError{"quantity", "quantity must be between 1 and 100"})
	}
	return fields
}

type exchangeResponse struct {
	TaskID         string `json:"task_id"`
	Status         string `json:"status"`
	DeliveryStatus string `json:"delivery_status"`
	NewBalance     int64  `json:"new_balance"`
	Replayed       bool   `json:"replayed"`
}

func (h *ExchangeHandler) Create(w http.ResponseWriter, r *http.Request) {
	username, ok := auth.UsernameFromContext(r.Context())
	if !ok {
		RespondAppError(w, ErrInvalidToken, nil)
		return
	}

	var req createExchangeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondAppError(w, ErrInvalidRequest, nil)
		return
	}
	// Exchanges are never accepted without a client-supplied idempotency key;
	// a retry with no key would double-charge on a network blip.
	if req.IdempotencyKey == "" {
		RespondAppError(w, ErrMissingIdemKey, nil)
		return
	}
	if fields := req.Validate(); len(fields) > 0 {
		RespondValidationError(w, fields)
		return
	}

	result, err := h.svc.Create(r.Context(), exchange.CreateRequest{
		Username:       username,
		GiftType:       req.GiftType,
		ClaimedCost:    req.Cost,
		Quantity:       req.Quantity,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		RespondDomainError(w, err)
		return
	}

	status := http.StatusCreated
	if result.Replayed {
		status = http.StatusOK
	}
	RespondSuccess(w, status, exchangeResponse{
		TaskID:         result.TaskID.String(),
		Status:         string(result.Status),
		DeliveryStatus: string(result.DeliveryStatus),
		NewBalance:     result.NewBalance,
		Replayed:       result.Replayed,
	})
}

type balanceResponse struct {
	Username string `json:"username"`
	Balance  int64  `json:"balance"`
}

func (h *ExchangeHandler) Balance(w http.ResponseWriter, r *http.Request) {
	username, ok := auth.UsernameFromContext(r.Context())
	if !ok {
		RespondAppError(w, ErrInvalidToken, nil)
		return
	}

	balance, err := h.svc.Balance(r.Context(), username)
	if err != nil {
		RespondDomainError(w, err)
		return
	}
	RespondSuccess(w, http.StatusOK, balanceResponse{Username: username, Balance: balance})
}

type balanceLogItem struct {
	ID            int64           `json:"id"`
	Operation     string          `json:"operation"`
	Delta         int64           `json:"delta"`
	BalanceBefore int64           `json:"balance_before"`
	BalanceAfter  int64           `json:"balance_after"`
	Description   string          `json:"description"`
	Metadata      json.RawMessage `json:"metadata,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

type pagedResponse struct {
	Items  any `json:"items"`
	Total  int `json:"total"`
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}

func (h *ExchangeHandler) BalanceLogs(w http.ResponseWriter, r *http.Request) {
	username, ok := auth.UsernameFromContext(r.Context())
	if !ok {
		RespondAppError(w, ErrInvalidToken, nil)
		return
	}

	limit, offset := pagination(r)
	entries, total, err := h.svc.BalanceHistory(r.Context(), username, limit, offset)
	if err != nil {
		RespondDomainError(w, err)
		return
	}

	items := make([]balanceLogItem, 0, len(entries))
	for _, e := range entries {
		items = append(items, balanceLogItem{
			ID:            e.ID,
			Operation:     string(e.Operation),
			Delta:         e.Delta,
			BalanceBefore: e.BalanceBefore,
			BalanceAfter:  e.BalanceAfter,
			Description:   e.Description,
			Metadata:      e.Metadata,
			CreatedAt:     e.CreatedAt,
		})
	}
	RespondSuccess(w, http.StatusOK, pagedResponse{Items: items, Total: total, Limit: limit, Offset: offset})
}

type taskItem struct {
	TaskID         string     `json:"task_id"`
	GiftType       string     `json:"gift_type"`
	GiftName       string     `json:"gift_name"`
	Quantity       int        `json:"quantity"`
	TotalCost      int64      `json:"total_cost"`
	Status         string     `json:"status"`
	DeliveryStatus string     `json:"delivery_status"`
	FailureReason  *string    `json:"failure_reason,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	ProcessedAt    *time.Time `json:"processed_at,omitempty"`
}

func (h *ExchangeHandler) History(w http.ResponseWriter, r *http.Request) {
	username, ok := auth.UsernameFromContext(r.Context())
	if !ok {
		RespondAppError(w, ErrInvalidToken, nil)
		return
	}

	limit, offset := pagination(r)
	tasks, total, err := h.svc.TaskHistory(r.Context(), username, limit, offset)
	if err != nil {
		RespondDomainError(w, err)
		return
	}

	items := make([]taskItem, 0, len(tasks))
	for _, t := range tasks {
		items = append(items, taskItem{
			TaskID:         t.ID.String(),
			GiftType:       t.GiftType,
			GiftName:       t.GiftName,
			Quantity:       t.Quantity,
			TotalCost:      t.TotalCost,
			Status:         string(t.Status),
			DeliveryStatus: string(t.DeliveryStatus),
			FailureReason:  t.FailureReason,
			CreatedAt:      t.CreatedAt,
			ProcessedAt:    t.ProcessedAt,
		})
	}
	RespondSuccess(w, http.StatusOK, pagedResponse{Items: items, Total: total, Limit: limit, Offset: offset})
}

// Task returns a single task, owner only. Gives clients something to poll
// while a delivery is in flight.
func (h *ExchangeHandler) Task(w http.ResponseWriter, r *http.Request) {
	username, ok := auth.UsernameFromContext(r.Context())
	if !ok {
		RespondAppError(w, ErrInvalidToken, nil)
		return
	}

	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		RespondAppError(w, ErrInvalidRequest, nil)
		return
	}

	task, err := h.svc.Task(r.Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrTaskNotFound) || errors.Is(err, domain.ErrNotFound) {
			RespondAppError(w, ErrTaskNotFound, nil)
			return
		}
		RespondDomainError(w, err)
		return
	}
	if task.Username != username {
		RespondAppError(w, ErrTaskNotFound, nil)
		return
	}

	RespondSuccess(w, http.StatusOK, taskItem{
		TaskID:         task.ID.String(),
		GiftType:       task.GiftType,
		GiftName:       task.GiftName,
		Quantity:       task.Quantity,
		TotalCost:      task.TotalCost,
		Status:         string(task.Status),
		DeliveryStatus: string(task.DeliveryStatus),
		FailureReason:  task.FailureReason,
		CreatedAt:      task.CreatedAt,
		ProcessedAt:    task.ProcessedAt,
	})
}

func pagination(r *http.Request) (limit, offset int) {
	limit = 20
	offset = 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 100 {
			limit = n
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}
	return limit, offset
}
