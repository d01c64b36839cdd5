package database

import "time"

// AuditEvent is one session lifecycle event.
type AuditEvent struct {
	ID        uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	Type      string    `gorm:"not null;index" json:"type"`
	SessionID string    `gorm:"index;size:36" json:"session_id"`
	Owner     string    `gorm:"index" json:"owner"`
	Backend   string    `json:"backend"`
	Command   string    `json:"command"`
	Target    string    `json:"target,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	ExitCode  int       `gorm:"not null" json:"exit_code"`
	BytesIn   int64     `json:"bytes_in"`
	BytesOut  int64     `json:"bytes_out"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `gorm:"index" json:"created_at"`
}
