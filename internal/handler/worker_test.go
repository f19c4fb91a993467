package handler

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testHMACSecret = "test-hmac-secret"

func signTask(taskID uuid.UUID, ts int64, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%s:%d", taskID, ts)
	return hex.EncodeToString(mac.Sum(nil))
}

func TestSignatureValid(t *testing.T) {
	h := NewWorkerHandler(nil, testHMACSecret, true, 5*time.Minute)
	taskID := uuid.New()
	now := time.Now().UnixMilli()

	tests := []struct {
		name      string
		signature string
		timestamp int64
		want      bool
	}{
		{
			name:      "valid signature",
			signature: signTask(taskID, now, testHMACSecret),
			timestamp: now,
			want:      true,
		},
		{
			name:      "wrong secret",
			signature: signTask(taskID, now, "other-secret"),
			timestamp: now,
			want:      false,
		},
		{
			name:      "signature for another task",
			signature: signTask(uuid.New(), now, testHMACSecret),
			timestamp: now,
			want:      false,
		},
		{
			name:      "expired timestamp",
			signature: signTask(taskID, now-6*60*1000, testHMACSecret),
			timestamp: now - 6*60*1000,
			want:      false,
		},
		{
			name:      "timestamp from the future",
			signature: signTask(taskID, now+6*60*1000, testHMACSecret),
			timestamp: now + 6*60*1000,
			want:      false,
		},
		{
			name:      "missing signature",
			signature: "",
			timestamp: now,
			want:      false,
		},
		{
			name:      "zero timestamp",
			signature: signTask(taskID, 0, testHMACSecret),
			timestamp: 0,
			want:      false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, h.signatureValid(taskID, tt.signature, tt.timestamp))
		})
	}
}

func TestSignatureValid_NoSecretConfigured(t *testing.T) {
	h := NewWorkerHandler(nil, "", true, 5*time.Minute)
	taskID := uuid.New()
	now := time.Now().UnixMilli()

	assert.False(t, h.signatureValid(taskID, signTask(taskID, now, ""), now))
}

func TestCompleteRequest_Normalize(t *testing.T) {
	tests := []struct {
		name         string
		body         string
		wantActual   int
		wantDelivery string
		wantOK       bool
	}{
		{
			name:         "camelCase payload",
			body:         `{"actualQuantity": 3, "deliveryId": "d-1"}`,
			wantActual:   3,
			wantDelivery: "d-1",
			wantOK:       true,
		},
		{
			name:         "snake_case payload",
			body:         `{"actual_quantity": 2, "delivery_id": "d-2"}`,
			wantActual:   2,
			wantDelivery: "d-2",
			wantOK:       true,
		},
		{
			name:       "zero quantity is a real value",
			body:       `{"actual_quantity": 0}`,
			wantActual: 0,
			wantOK:     true,
		},
		{
			name:       "camelCase wins when both present",
			body:       `{"actualQuantity": 5, "actual_quantity": 9}`,
			wantActual: 5,
			wantOK:     true,
		},
		{
			name:   "quantity missing entirely",
			body:   `{"deliveryId": "d-3"}`,
			wantOK: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var req completeRequest
			require.NoError(t, json.Unmarshal([]byte(tt.body), &req))

			actual, deliveryID, ok := req.normalize()
			assert.Equal(t, tt.wantOK, ok)
			if tt.wantOK {
				assert.Equal(t, tt.wantActual, actual)
				assert.Equal(t, tt.wantDelivery, deliveryID)
			}
		})
	}
}

func TestFailRequest_Normalize(t *testing.T) {
	two := 2

	tests := []struct {
		name        string
		body        string
		wantReason  string
		wantActual  *int
		wantPartial bool
	}{
		{name: "plain reason", body: `{"reason": "room closed"}`, wantReason: "room closed"},
		{name: "bare error key", body: `{"error": "room closed"}`, wantReason: "room closed"},
		{name: "camelCase error message", body: `{"errorMessage": "timeout"}`, wantReason: "timeout"},
		{name: "snake_case error message", body: `{"error_message": "rejected"}`, wantReason: "rejected"},
		{name: "reason wins over error", body: `{"reason": "a", "error": "b"}`, wantReason: "a"},
		{name: "error wins over error message", body: `{"error": "b", "errorMessage": "c"}`, wantReason: "b"},
		{
			name:        "camelCase partial delivery",
			body:        `{"error": "cut short", "actualQuantity": 2, "partialSuccess": true}`,
			wantReason:  "cut short",
			wantActual:  &two,
			wantPartial: true,
		},
		{
			name:        "snake_case partial delivery",
			body:        `{"error": "cut short", "actual_quantity": 2, "partial_success": true}`,
			wantReason:  "cut short",
			wantActual:  &two,
			wantPartial: true,
		},
		{name: "empty body", body: `{}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var req failRequest
			require.NoError(t, json.Unmarshal([]byte(tt.body), &req))

			reason, actual, partial := req.normalize()
			assert.Equal(t, tt.wantReason, reason)
			assert.Equal(t, tt.wantPartial, partial)
			if tt.wantActual == nil {
				assert.Nil(t, actual)
			} else {
				require.NotNil(t, actual)
				assert.Equal(t, *tt.wantActual, *actual)
			}
		})
	}
}
