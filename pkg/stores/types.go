package stores

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists is returned when a create collides with an existing key.
	ErrAlreadyExists = errors.New("already exists")
)

// CellStatus represents the lifecycle status of a cell
type CellStatus string

const (
	CellStatusCreating CellStatus = "creating"
	CellStatusActive   CellStatus = "active"
	CellStatusUpdating CellStatus = "updating"
	CellStatusFailed   CellStatus = "failed"
	CellStatusDeleting CellStatus = "deleting"
)

// Stage is the deployment stage of a cell
type Stage string

const (
	StageProd    Stage = "prod"
	StageSandbox Stage = "sandbox"
)

// EventLevel represents the severity level of an event
type EventLevel string

const (
	EventLevelDebug   EventLevel = "debug"
	EventLevelInfo    EventLevel = "info"
	EventLevelWarning EventLevel = "warning"
	EventLevelError   EventLevel = "error"
)

// Cell is a row of the cell registry
type Cell struct {
	ID              string     `json:"cell_id" yaml:"cell_id"`
	StackName       string     `json:"stack_name" yaml:"stack_name"`
	Status          CellStatus `json:"status" yaml:"status"`
	Stage           Stage      `json:"stage" yaml:"stage"`
	ImageURI        string     `json:"image_uri,omitempty" yaml:"image_uri,omitempty"`
	TemplateVersion int        `json:"template_version" yaml:"template_version"`
	CreatedAt       time.Time  `json:"created_at" yaml:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at" yaml:"updated_at"`
}

// CellFilter narrows ListCells. Empty fields match everything.
type CellFilter struct {
	Status CellStatus
	Stage  Stage
}

// User maps a tenant to its cell
type User struct {
	Username   string    `json:"username" yaml:"username"`
	APIKeyHash string    `json:"-" yaml:"-"`
	CellID     string    `json:"cell_id" yaml:"cell_id"`
	CreatedAt  time.Time `json:"created_at" yaml:"created_at"`
}

// Item is a value in a cell's key-value table, partitioned by username
type Item struct {
	CellID    string    `json:"cell_id"`
	Username  string    `json:"username"`
	Key       string    `json:"key"`
	Value     string    `json:"value"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Template is a stored version of the cell template
type Template struct {
	Version   int       `json:"version" yaml:"version"`
	Content   string    `json:"content" yaml:"-"`
	Hash      string    `json:"hash" yaml:"hash"`
	CreatedAt time.Time `json:"created_at" yaml:"created_at"`
}

// Stack is a provisioned stack with its parameters and outputs
type Stack struct {
	Name            string            `json:"stack_name" yaml:"stack_name"`
	Kind            string            `json:"kind" yaml:"kind"`
	Status          string            `json:"status" yaml:"status"`
	Parameters      map[string]string `json:"parameters" yaml:"parameters"`
	Outputs         map[string]string `json:"outputs" yaml:"outputs"`
	TemplateVersion int               `json:"template_version" yaml:"template_version"`
	TemplateHash    string            `json:"template_hash" yaml:"template_hash"`
	CreatedAt       time.Time         `json:"created_at" yaml:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at" yaml:"updated_at"`
}

// Run represents a rollout run
type Run struct {
	ID          string     `json:"id"`
	PlanID      string     `json:"plan_id"`
	Status      string     `json:"status"`
	StartedBy   string     `json:"started_by"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Summary     string     `json:"summary"`  // JSON blob
	Metadata    string     `json:"metadata"` // JSON blob
	Error       *string    `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// PlanUnit represents the persisted state of one unit of a rollout run
type PlanUnit struct {
	RunID          string     `json:"run_id"`
	ID             string     `json:"id"`
	CellID         string     `json:"cell_id"`
	Operation      string     `json:"operation"`
	Status         string     `json:"status"`
	Dependencies   string     `json:"dependencies"`            // JSON array of unit IDs
	DesiredState   *string    `json:"desired_state,omitempty"` // JSON blob
	ActualState    *string    `json:"actual_state,omitempty"`  // JSON blob
	ExecutionOrder int        `json:"execution_order"`
	Attempts       int        `json:"attempts"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	Error          *string    `json:"error,omitempty"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// Event represents an append-only log event
type Event struct {
	ID         int64      `json:"id"`
	EventID    string     `json:"event_id"`
	RunID      *string    `json:"run_id,omitempty"`
	PlanUnitID *string    `json:"plan_unit_id,omitempty"`
	CellID     *string    `json:"cell_id,omitempty"`
	Type       string     `json:"type"`
	Level      EventLevel `json:"level"`
	Message    string     `json:"message"`
	Details    *string    `json:"details,omitempty"` // JSON blob
	Timestamp  time.Time  `json:"timestamp"`
}

// CanaryResult is the outcome of one canary check
type CanaryResult struct {
	ID         int64         `json:"id" yaml:"id"`
	CellID     string        `json:"cell_id" yaml:"cell_id"`
	Success    bool          `json:"success" yaml:"success"`
	StatusCode int           `json:"status_code" yaml:"status_code"`
	Latency    time.Duration `json:"latency" yaml:"latency"`
	Error      *string       `json:"error,omitempty" yaml:"error,omitempty"`
	CheckedAt  time.Time     `json:"checked_at" yaml:"checked_at"`
}

// AuditEntry represents an audit trail entry
type AuditEntry struct {
	ID        int64     `json:"id"`
	Action    string    `json:"action"`              // e.g., "cell.created", "user.registered"
	Actor     string    `json:"actor"`               // user or system identifier
	TargetID  *string   `json:"target_id,omitempty"` // cell/user/run ID
	Details   *string   `json:"details,omitempty"`   // JSON blob
	Timestamp time.Time `json:"timestamp"`
}

// Store defines the interface for the persistence layer
type Store interface {
	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error
	HealthCheck(ctx context.Context) error

	// Transaction support
	BeginTx(ctx context.Context) (*sql.Tx, error)

	// Cell registry
	CreateCell(ctx context.Context, cell *Cell) error
	GetCell(ctx context.Context, id string) (*Cell, error)
	ListCells(ctx context.Context, filter CellFilter) ([]*Cell, error)
	UpdateCellStatus(ctx context.Context, id string, status CellStatus) error
	UpdateCellVersion(ctx context.Context, id string, version int, imageURI string) error
	DeleteCell(ctx context.Context, id string) error

	// Users
	CreateUser(ctx context.Context, user *User) error
	GetUser(ctx context.Context, username string) (*User, error)
	ListUsers(ctx context.Context, cellID string) ([]*User, error)

	// Per-cell items
	PutItem(ctx context.Context, item *Item) error
	GetItem(ctx context.Context, cellID, username, key string) (*Item, error)
	DeleteItem(ctx context.Context, cellID, username, key string) error
	ListItems(ctx context.Context, cellID, username string) ([]*Item, error)

	// Templates and stacks
	PutTemplate(ctx context.Context, content string) (*Template, error)
	GetTemplate(ctx context.Context, version int) (*Template, error)
	LatestTemplate(ctx context.Context) (*Template, error)
	ListTemplates(ctx context.Context) ([]*Template, error)
	SaveStack(ctx context.Context, stack *Stack) error
	GetStack(ctx context.Context, name string) (*Stack, error)
	ListStacks(ctx context.Context, kind string) ([]*Stack, error)
	DeleteStack(ctx context.Context, name string) error

	// Runs, plan units and events
	CreateRun(ctx context.Context, run *Run) error
	UpdateRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, id string) (*Run, error)
	ListRuns(ctx context.Context, limit, offset int) ([]*Run, error)
	SavePlanUnit(ctx context.Context, unit *PlanUnit) error
	ListPlanUnits(ctx context.Context, runID string) ([]*PlanUnit, error)
	AppendEvent(ctx context.Context, event *Event) error
	ListEvents(ctx context.Context, runID string, afterID int64, limit int) ([]*Event, error)

	// Canary results
	RecordCanaryResult(ctx context.Context, result *CanaryResult) error
	ListCanaryResults(ctx context.Context, cellID string, limit int) ([]*CanaryResult, error)

	// Audit
	CreateAuditEntry(ctx context.Context, entry *AuditEntry) error
	ListAuditEntries(ctx context.Context, action *string, actor *string, limit, offset int) ([]*AuditEntry, error)
}
