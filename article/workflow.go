package article

import "time"

// Workflow statuses.
const (
	StatusIdle    = "idle"
	StatusRunning = "running"
	StatusError   = "error"
	StatusSuccess = "success"
)

// Pipeline steps, in execution order. StepComplete is a derived marker, not
// an executed stage.
const (
	StepExtracting = "extracting"
	StepPreparing  = "preparing"
	StepUploading  = "uploading"
	StepFormatting = "formatting"
	StepPublishing = "publishing"
	StepComplete   = "complete"
)

// Steps lists the executed stages in order.
var Steps = []string{StepExtracting, StepPreparing, StepUploading, StepFormatting, StepPublishing}

// Step statuses.
const (
	StepPending = "pending"
	StepRunning = "running"
	StepDone    = "done"
	StepError   = "error"
)

// StepState is the recorded progress of a single stage within a run.
type StepState struct {
	Status    string    `json:"status"`
	UpdatedAt time.Time `json:"updatedAt,omitzero"`
	Error     string    `json:"error,omitempty"`
	Warning   string    `json:"warning,omitempty"`
}

// Workflow tracks one pipeline run. Step transitions are monotonic within a
// run; a run that reaches error never resumes, a new run restarts from
// extracting.
type Workflow struct {
	Status      string               `json:"status"`
	CurrentStep string               `json:"currentStep,omitempty"`
	Steps       map[string]StepState `json:"steps,omitempty"`
	Error       string               `json:"error,omitempty"`
	Message     string               `json:"message,omitempty"`
	StartedAt   time.Time            `json:"startedAt,omitzero"`
	CompletedAt time.Time            `json:"completedAt,omitzero"`
}

// NewRunWorkflow returns the fresh state written wholesale at the start of
// every run: running, positioned at extracting, all steps pending.
func NewRunWorkflow(now time.Time) Workflow {
	steps := make(map[string]StepState, len(Steps))
	for _, step := range Steps {
		steps[step] = StepState{Status: StepPending, UpdatedAt: now}
	}
	return Workflow{
		Status:      StatusRunning,
		CurrentStep: StepExtracting,
		Steps:       steps,
		StartedAt:   now,
	}
}
