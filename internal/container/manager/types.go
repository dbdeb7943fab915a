package manager

import "time"

// Status is the lifecycle state of a managed container.
type Status string

const (
	StatusRunning   Status = "running"
	StatusDestroyed Status = "destroyed"
)

// ExecutionStatus is the lifecycle state of a code execution.
type ExecutionStatus string

const (
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionError     ExecutionStatus = "error"
)

// Container is the registry record for a managed container.
type Container struct {
	ID           string
	Tag          string
	ExecutorPort int
	ResourcePort int
	CreatedAt    time.Time
	LastUsedAt   time.Time
	Status       Status

	// dockerID is the runtime container id backing this record.
	dockerID string
}

// Info is a point-in-time snapshot of a container record.
type Info struct {
	ID           string
	Tag          string
	ExecutorPort int
	ResourcePort int
	CreatedAt    time.Time
	LastUsedAt   time.Time
	Status       Status
}

func (c *Container) snapshot() Info {
	return Info{
		ID:           c.ID,
		Tag:          c.Tag,
		ExecutorPort: c.ExecutorPort,
		ResourcePort: c.ResourcePort,
		CreatedAt:    c.CreatedAt,
		LastUsedAt:   c.LastUsedAt,
		Status:       c.Status,
	}
}

// Execution is the registry record for a code execution.
type Execution struct {
	ID          string
	ContainerID string
	Status      ExecutionStatus
	CreatedAt   time.Time
	CompletedAt *time.Time
	Error       string
}

// CreateRequest holds the parameters for creating a container.
type CreateRequest struct {
	Tag              string
	Binds            map[string]string
	Env              map[string]string
	ExecutorPort     int
	ResourcePort     int
	ShowPullProgress bool
}
