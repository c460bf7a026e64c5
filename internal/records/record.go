// Package records holds the governance record model shared by the storage
// backends and the saga steps.
package records

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrNotFound          = errors.New("record not found")
	ErrDraftNotFound     = errors.New("draft not found")
	ErrAlreadyExists     = errors.New("record already exists")
	ErrVersionConflict   = errors.New("record was modified concurrently")
	ErrInvalidTransition = errors.New("status transition not allowed")
	ErrInvalidRecord     = errors.New("invalid record")
)

// Status is the approval state of a record.
type Status string

const (
	StatusDraft     Status = "draft"
	StatusProposed  Status = "proposed"
	StatusApproved  Status = "approved"
	StatusPublished Status = "published"
	StatusRepealed  Status = "repealed"
	StatusArchived  Status = "archived"
)

// Record is one governance document (bylaw, resolution, minutes...).
type Record struct {
	ID     string `json:"id" yaml:"id"`
	Title  string `json:"title" yaml:"title"`
	Type   string `json:"type" yaml:"type"`
	Status Status `json:"status" yaml:"status"`
	Body   string `json:"body" yaml:"-"`

	// Version increases by one on every saga that mutates the row.
	Version int `json:"version" yaml:"version"`

	CreatedAt  time.Time  `json:"created_at" yaml:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at" yaml:"updated_at"`
	ArchivedAt *time.Time `json:"archived_at,omitempty" yaml:"archived_at,omitempty"`
}

// Draft is a staged record waiting to be published. RecordID is the record
// it will create or replace.
type Draft struct {
	ID        string    `json:"id"`
	RecordID  string    `json:"record_id"`
	Title     string    `json:"title"`
	Type      string    `json:"type"`
	Status    Status    `json:"status"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
}

// Validate checks the fields every stored record must have.
func (r Record) Validate() error {
	var missing []string
	if r.ID == "" {
		missing = append(missing, "id")
	}
	if strings.TrimSpace(r.Title) == "" {
		missing = append(missing, "title")
	}
	if !validType(r.Type) {
		return fmt.Errorf("%w: type %q must be a lowercase word", ErrInvalidRecord, r.Type)
	}
	if r.Status == "" {
		missing = append(missing, "status")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrInvalidRecord, strings.Join(missing, ", "))
	}
	return nil
}

// validType keeps record types usable as a directory name.
func validType(t string) bool {
	if t == "" {
		return false
	}
	for _, c := range t {
		if (c < 'a' || c > 'z') && (c < '0' || c > '9') && c != '-' && c != '_' {
			return false
		}
	}
	return true
}

// Path is where the live record file lives in the versioned tree.
func (r Record) Path() string {
	return fmt.Sprintf("records/%s/%s.md", r.Type, r.ID)
}

// ArchivePath is where the file of an archived record lives.
func (r Record) ArchivePath() string {
	return fmt.Sprintf("archive/%s/%s.md", r.Type, r.ID)
}
