// worker-sim is a loopback delivery worker for local development: it leases
// tasks from a running API instance and reports every one of them delivered
// in full. Point it at a real instance only if you mean it.
package main

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/minimalgames/giftledger/internal/logging"
)

type leasedTask struct {
	TaskID   string `json:"task_id"`
	GiftID   string `json:"gift_id"`
	RoomID   string `json:"room_id"`
	Quantity int    `json:"quantity"`
}

type leaseResponse struct {
	Data struct {
		Tasks []leasedTask `json:"tasks"`
	} `json:"data"`
}

func main() {
	_ = godotenv.Load()

	logging.Init("worker-sim", os.Getenv("LOG_LEVEL"), os.Getenv("APP_ENV"))

	baseURL := os.Getenv("API_BASE_URL")
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}
	apiKey := os.Getenv("WORKER_API_KEY")
	hmacSecret := os.Getenv("WORKER_HMAC_SECRET")

	client := &http.Client{Timeout: 10 * time.Second}

	slog.Info("worker simulator started", "api", baseURL)
	for {
		tasks, err := lease(client, baseURL, apiKey)
		if err != nil {
			slog.Error("lease failed", "error", err)
			time.Sleep(5 * time.Second)
			continue
		}

		for _, task := range tasks {
			slog.Info("delivering", "task_id", task.TaskID, "gift_id", task.GiftID, "room_id", task.RoomID)
			if err := complete(client, baseURL, apiKey, hmacSecret, task); err != nil {
				slog.Error("complete failed", "task_id", task.TaskID, "error", err)
			}
		}

		if len(tasks) == 0 {
			time.Sleep(2 * time.Second)
		}
	}
}

func lease(client *http.Client, baseURL, apiKey string) ([]leasedTask, error) {
	req, err := http.NewRequest(http.MethodGet, baseURL+"/worker/tasks", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-Worker-Key", apiKey)

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("lease: status %d", resp.StatusCode)
	}

	var body leaseResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, err
	}
	return body.Data.Tasks, nil
}

func complete(client *http.Client, baseURL, apiKey, hmacSecret string, task leasedTask) error {
	payload := map[string]any{
		"actual_quantity": task.Quantity,
		"delivery_id":     fmt.Sprintf("sim-%d", time.Now().UnixNano()),
	}
	if hmacSecret != "" {
		ts := time.Now().UnixMilli()
		mac := hmac.New(sha256.New, []byte(hmacSecret))
		fmt.Fprintf(mac, "%s:%d", task.TaskID, ts)
		payload["signature"] = hex.EncodeToString(mac.Sum(nil))
		payload["timestamp"] = ts
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	url := fmt.Sprintf("%s/worker/tasks/%s/complete", baseURL, task.TaskID)
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("X-Worker-Key", apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("complete: status %d", resp.StatusCode)
	}
	return nil
}
