package testutil

import (
	"database/sql"
	"testing"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

const TestPassword = "password123"

// SeedAccount inserts an account with a usable bcrypt password hash. Pass an
// empty room to create an account with no delivery room bound.
func SeedAccount(t *testing.T, db *sql.DB, username string, balance int64, room string) {
	t.Helper()

	hash, err := bcrypt.GenerateFromPassword([]byte(TestPassword), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hash password: %v", err)
	}

	var deliveryRoom *string
	if room != "" {
		deliveryRoom = &room
	}
	_, err = db.Exec(
		`INSERT INTO accounts (username, balance, delivery_room, password_hash, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		username, balance, deliveryRoom, string(hash), time.Now().UTC(),
	)
	if err != nil {
		t.Fatalf("seed account %s: %v", username, err)
	}
}

func GetAccountBalance(t *testing.T, db *sql.DB, username string) int64 {
	t.Helper()

	var balance int64
	if err := db.QueryRow(`SELECT balance FROM accounts WHERE username = $1`, username).Scan(&balance); err != nil {
		t.Fatalf("get balance %s: %v", username, err)
	}
	return balance
}

func GetTaskStatus(t *testing.T, db *sql.DB, taskID uuid.UUID) (status, deliveryStatus string) {
	t.Helper()

	err := db.QueryRow(
		`SELECT status, delivery_status FROM gift_exchanges WHERE id = $1`, taskID,
	).Scan(&status, &deliveryStatus)
	if err != nil {
		t.Fatalf("get task %s: %v", taskID, err)
	}
	return status, deliveryStatus
}

func CountBalanceLogs(t *testing.T, db *sql.DB, username string) int {
	t.Helper()

	var count int
	if err := db.QueryRow(`SELECT COUNT(*) FROM balance_logs WHERE username = $1`, username).Scan(&count); err != nil {
		t.Fatalf("count balance logs %s: %v", username, err)
	}
	return count
}

// BackdateTask shifts a task's created_at into the past. Used to trip the
// stuck-task timeout without waiting for it.
func BackdateTask(t *testing.T, db *sql.DB, taskID uuid.UUID, age time.Duration) {
	t.Helper()

	_, err := db.Exec(
		`UPDATE gift_exchanges SET created_at = now() - ($2 || ' milliseconds')::interval WHERE id = $1`,
		taskID, age.Milliseconds(),
	)
	if err != nil {
		t.Fatalf("backdate task %s: %v", taskID, err)
	}
}
