package identity

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"

	"github.com/ggonzalez94/platform-explorer/internal/model"
)

// Key log statuses. Keys are logged as pending before the identity create
// transition is broadcast; a later status line resolves them.
const (
	KeyStatusPending   = "pending"
	KeyStatusConfirmed = "confirmed"
	KeyStatusRejected  = "rejected"
)

// KeyLog is the append-only backup of private keys generated for new identities.
// Private keys are written once; status changes are separate lines without key
// material.
type KeyLog struct {
	path string
	lock *flock.Flock
}

type KeyLogEntry struct {
	IdentityID    string              `json:"identity_id"`
	KeyID         uint32              `json:"key_id"`
	Purpose       model.Purpose       `json:"purpose"`
	SecurityLevel model.SecurityLevel `json:"security_level"`
	PublicKey     string              `json:"public_key"`
	PrivateKey    string              `json:"private_key"`
	Status        string              `json:"status"`
	CreatedAt     time.Time           `json:"created_at"`
}

type statusLine struct {
	Record     string    `json:"record"`
	IdentityID string    `json:"identity_id"`
	Status     string    `json:"status"`
	At         time.Time `json:"at"`
}

const statusRecord = "status"

func OpenKeyLog(path, lockPath string) (*KeyLog, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create key log directory: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return nil, fmt.Errorf("create key log lock directory: %w", err)
	}
	return &KeyLog{path: path, lock: flock.New(lockPath)}, nil
}

func (l *KeyLog) Path() string { return l.path }

// Append writes every entry in one locked write.
func (l *KeyLog) Append(entries []KeyLogEntry) error {
	if len(entries) == 0 {
		return nil
	}
	lines := make([]any, 0, len(entries))
	for _, e := range entries {
		if e.Status == "" {
			e.Status = KeyStatusPending
		}
		lines = append(lines, e)
	}
	return l.write(lines)
}

// MarkStatus records the outcome for every key logged for identityID.
func (l *KeyLog) MarkStatus(identityID, status string, at time.Time) error {
	return l.write([]any{statusLine{Record: statusRecord, IdentityID: identityID, Status: status, At: at.UTC()}})
}

func (l *KeyLog) write(lines []any) error {
	locked, err := l.lock.TryLockContext(context.Background(), 5*time.Second)
	if err != nil {
		return fmt.Errorf("lock key log: %w", err)
	}
	if !locked {
		return fmt.Errorf("lock key log: timeout acquiring lock")
	}
	defer func() { _ = l.lock.Unlock() }()

	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("open key log: %w", err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	for _, line := range lines {
		if err := enc.Encode(line); err != nil {
			return fmt.Errorf("encode key log entry: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("write key log: %w", err)
	}
	return f.Sync()
}

// Entries returns the logged keys with the latest status of their identity.
func (l *KeyLog) Entries() ([]KeyLogEntry, error) {
	f, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open key log: %w", err)
	}
	defer f.Close()

	var out []KeyLogEntry
	statuses := map[string]string{}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var st statusLine
		if err := json.Unmarshal(scanner.Bytes(), &st); err != nil {
			return nil, fmt.Errorf("decode key log line: %w", err)
		}
		if st.Record == statusRecord {
			statuses[st.IdentityID] = st.Status
			continue
		}
		var e KeyLogEntry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			return nil, fmt.Errorf("decode key log line: %w", err)
		}
		out = append(out, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read key log: %w", err)
	}
	for i := range out {
		if status, ok := statuses[out[i].IdentityID]; ok {
			out[i].Status = status
		}
	}
	return out, nil
}
