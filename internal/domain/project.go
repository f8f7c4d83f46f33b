package domain

import (
	"time"

	"github.com/google/uuid"
)

// ProjectStatus is the closed set of project states.
type ProjectStatus string

const (
	ProjectStatusOpen       ProjectStatus = "OPEN"
	ProjectStatusInProgress ProjectStatus = "IN_PROGRESS"
	ProjectStatusCompleted  ProjectStatus = "COMPLETED"
)

// Project represents an investor-owned property that needs site visits.
// Owned and mutated only by its investor; deleted only while OPEN and
// unfunded.
type Project struct {
	ID          uuid.UUID     `json:"id"`
	InvestorID  uuid.UUID     `json:"investor_id"`
	Title       string        `json:"title"`
	City        string        `json:"city"`
	State       string        `json:"state"`
	ZipCode     string        `json:"zip_code"` // empty means no zip filter
	PayPerVisit int64         `json:"pay_per_visit"` // in cents
	ScopeTags   []string      `json:"scope_tags"`
	Status      ProjectStatus `json:"status"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

// InterestStatus is the closed set of interest states.
type InterestStatus string

const (
	InterestStatusActive    InterestStatus = "ACTIVE"
	InterestStatusWithdrawn InterestStatus = "WITHDRAWN"
)

// Interest expresses a BG's desire to be assigned to a project. Many-to-one
// with Project, unique per (project, bg). The investor never mutates an
// interest directly; funding is the investor's action.
type Interest struct {
	ID        uuid.UUID      `json:"id"`
	ProjectID uuid.UUID      `json:"project_id"`
	BGID      uuid.UUID      `json:"bg_id"`
	Status    InterestStatus `json:"status"`
	Message   *string        `json:"message,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}
