package handler

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/minimalgames/giftledger/internal/logging"
	"github.com/minimalgames/giftledger/internal/service/exchange"
)

const signatureValidity = 5 * time.Minute

// WorkerHandler is the pull side of the delivery queue: external workers
// lease tasks, then report completion or failure. Worker payloads arrive in
// both camelCase and snake_case depending on the worker's vintage; both are
// accepted here and normalized before anything touches the service layer.
type WorkerHandler struct {
	svc         *exchange.Service
	hmacSecret  string
	enforceHMAC bool
	resetGrace  time.Duration
}

func NewWorkerHandler(svc *exchange.Service, hmacSecret string, enforceHMAC bool, resetGrace time.Duration) *WorkerHandler {
	return &WorkerHandler{
		svc:         svc,
		hmacSecret:  hmacSecret,
		enforceHMAC: enforceHMAC,
		resetGrace:  resetGrace,
	}
}

type leasedTaskItem struct {
	TaskID    string    `json:"task_id"`
	GiftID    string    `json:"gift_id"`
	RoomID    string    `json:"room_id"`
	Username  string    `json:"username"`
	GiftName  string    `json:"gift_name"`
	Quantity  int       `json:"quantity"`
	CreatedAt time.Time `json:"created_at"`
}

func (h *WorkerHandler) Lease(w http.ResponseWriter, r *http.Request) {
	maxBatch := 0
	if v := r.URL.Query().Get("max"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			maxBatch = n
		}
	}

	tasks, err := h.svc.Lease(r.Context(), maxBatch)
	if err != nil {
		RespondDomainError(w, err)
		return
	}

	items := make([]leasedTaskItem, 0, len(tasks))
	for _, t := range tasks {
		items = append(items, leasedTaskItem{
			TaskID:    t.ID.String(),
			GiftID:    t.GiftID,
			RoomID:    t.RoomID,
			Username:  t.Username,
			GiftName:  t.GiftName,
			Quantity:  t.Quantity,
			CreatedAt: t.CreatedAt,
		})
	}
	RespondSuccess(w, http.StatusOK, map[string]any{"tasks": items})
}

// workerSignature is the optional report envelope: a worker signs
// "<taskID>:<timestamp>" with the shared secret. Both key styles accepted.
type workerSignature struct {
	Signature  string `json:"signature"`
	Timestamp  int64  `json:"timestamp"`
	SignatureS string `json:"sig"`
}

type completeRequest struct {
	ActualQuantity  *int   `json:"actualQuantity"`
	ActualQuantityS *int   `json:"actual_quantity"`
	DeliveryID      string `json:"deliveryId"`
	DeliveryIDS     string `json:"delivery_id"`
	workerSignature
}

func (r *completeRequest) normalize() (actual int, deliveryID string, ok bool) {
	switch {
	case r.ActualQuantity != nil:
		actual = *r.ActualQuantity
	case r.ActualQuantityS != nil:
		actual = *r.ActualQuantityS
	default:
		return 0, "", false
	}
	deliveryID = r.DeliveryID
	if deliveryID == "" {
		deliveryID = r.DeliveryIDS
	}
	return actual, deliveryID, true
}

type failRequest struct {
	Reason          string `json:"reason"`
	Error           string `json:"error"`
	ErrorMessage    string `json:"errorMessage"`
	ErrorMessageS   string `json:"error_message"`
	ActualQuantity  *int   `json:"actualQuantity"`
	ActualQuantityS *int   `json:"actual_quantity"`
	PartialSuccess  bool   `json:"partialSuccess"`
	PartialSuccessS bool   `json:"partial_success"`
	workerSignature
}

func (r *failRequest) normalize() (reason string, actual *int, partial bool) {
	switch {
	case r.Reason != "":
		reason = r.Reason
	case r.Error != "":
		reason = r.Error
	case r.ErrorMessage != "":
		reason = r.ErrorMessage
	default:
		reason = r.ErrorMessageS
	}
	actual = r.ActualQuantity
	if actual == nil {
		actual = r.ActualQuantityS
	}
	partial = r.PartialSuccess || r.PartialSuccessS
	return reason, actual, partial
}

func (h *WorkerHandler) Start(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		RespondAppError(w, ErrInvalidRequest, nil)
		return
	}

	started, err := h.svc.Start(r.Context(), id)
	if err != nil {
		RespondDomainError(w, err)
		return
	}
	RespondSuccess(w, http.StatusOK, map[string]any{"task_id": id.String(), "started": started})
}

func (h *WorkerHandler) Complete(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		RespondAppError(w, ErrInvalidRequest, nil)
		return
	}

	var req completeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondAppError(w, ErrInvalidRequest, nil)
		return
	}
	if !h.verifySignature(r.Context(), w, id, req.workerSignature) {
		return
	}

	actual, deliveryID, ok := req.normalize()
	if !ok || actual < 0 {
		RespondValidationError(w, []FieldError{{"actual_quantity", "actual_quantity is required and must be non-negative"}})
		return
	}

	task, err := h.svc.Complete(r.Context(), id, exchange.CompletionReport{
		ActualQuantity: actual,
		DeliveryID:     deliveryID,
	})
	if err != nil {
		RespondDomainError(w, err)
		return
	}
	RespondSuccess(w, http.StatusOK, map[string]any{
		"task_id":         task.ID.String(),
		"status":          string(task.Status),
		"delivery_status": string(task.DeliveryStatus),
	})
}

func (h *WorkerHandler) Fail(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		RespondAppError(w, ErrInvalidRequest, nil)
		return
	}

	var req failRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondAppError(w, ErrInvalidRequest, nil)
		return
	}
	if !h.verifySignature(r.Context(), w, id, req.workerSignature) {
		return
	}

	reason, actual, partial := req.normalize()
	task, err := h.svc.Fail(r.Context(), id, exchange.FailureReport{
		Reason:         reason,
		ActualQuantity: actual,
		PartialSuccess: partial,
	})
	if err != nil {
		RespondDomainError(w, err)
		return
	}
	RespondSuccess(w, http.StatusOK, map[string]any{
		"task_id":         task.ID.String(),
		"status":          string(task.Status),
		"delivery_status": string(task.DeliveryStatus),
	})
}

func (h *WorkerHandler) ResetStuck(w http.ResponseWriter, r *http.Request) {
	tasks, err := h.svc.ResetStuck(r.Context(), h.resetGrace)
	if err != nil {
		RespondDomainError(w, err)
		return
	}

	ids := make([]string, 0, len(tasks))
	for _, t := range tasks {
		ids = append(ids, t.ID.String())
	}
	RespondSuccess(w, http.StatusOK, map[string]any{"reset": len(ids), "task_ids": ids})
}

// verifySignature checks the per-report HMAC when one is supplied. Missing
// or bad signatures are only rejected when enforcement is on; otherwise the
// mismatch is logged and the report goes through. Writes the error response
// itself and returns false when the request must not proceed.
func (h *WorkerHandler) verifySignature(ctx context.Context, w http.ResponseWriter, taskID uuid.UUID, sig workerSignature) bool {
	provided := sig.Signature
	if provided == "" {
		provided = sig.SignatureS
	}

	if h.signatureValid(taskID, provided, sig.Timestamp) {
		return true
	}

	if h.enforceHMAC {
		RespondAppError(w, ErrInvalidSignature, nil)
		return false
	}
	logging.FromContext(ctx).Warn("worker signature invalid, enforcement off", "task_id", taskID)
	return true
}

func (h *WorkerHandler) signatureValid(taskID uuid.UUID, provided string, timestamp int64) bool {
	if h.hmacSecret == "" || provided == "" || timestamp == 0 {
		return false
	}
	issued := time.UnixMilli(timestamp)
	if d := time.Since(issued); d < -signatureValidity || d > signatureValidity {
		return false
	}

	mac := hmac.New(sha256.New, []byte(h.hmacSecret))
	fmt.Fprintf(mac, "%s:%d", taskID, timestamp)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(provided))
}
