package types

import "time"

// JobType enumerates the kinds of work the pool can execute.
type JobType string

const (
	JobGenerate   JobType = "generate"
	JobSR         JobType = "sr"
	JobComfy      JobType = "comfy"
	JobModeSwitch JobType = "modeSwitch"
	JobDreamTick  JobType = "dreamTick"
)

// Priority lanes, lowest value dequeues first.
type Priority int

const (
	PriorityUrgent     Priority = 0
	PriorityNormal     Priority = 1
	PriorityBatch      Priority = 2
	PriorityBackground Priority = 3
)

func (p Priority) Valid() bool { return p >= PriorityUrgent && p <= PriorityBackground }

// State is a Job's lifecycle state. Terminal states are done, failed, canceled.
type State string

const (
	StateQueued    State = "queued"
	StateRunning   State = "running"
	StateCanceling State = "canceling"
	StateDone      State = "done"
	StateFailed    State = "failed"
	StateCanceled  State = "canceled"
)

func (s State) Terminal() bool {
	return s == StateDone || s == StateFailed || s == StateCanceled
}

// GenerateParams backs JobGenerate.
type GenerateParams struct {
	Prompt            string  `json:"prompt"`
	Size              string  `json:"size"`
	Steps             int     `json:"steps"`
	CFG               float64 `json:"cfg"`
	Seed              uint64  `json:"seed"`
	Superres          bool    `json:"superres,omitempty"`
	SuperresMagnitude int     `json:"superres_magnitude,omitempty"`
	InitImageRef      string  `json:"init_image_ref,omitempty"`
	DenoiseStrength   float64 `json:"denoise_strength,omitempty"`
}

// SRParams backs JobSR.
type SRParams struct {
	InitImageRef string `json:"init_image_ref"`
	Magnitude    int    `json:"magnitude"`
}

// ComfyParams backs JobComfy.
type ComfyParams struct {
	WorkflowID string         `json:"workflowId"`
	Params     map[string]any `json:"params,omitempty"`
	InputImage string         `json:"inputImage,omitempty"`
}

// ModeSwitchParams backs JobModeSwitch.
type ModeSwitchParams struct {
	Mode string `json:"mode"`
}

// Result is a Job's terminal payload: either an output reference or an error.
type Result struct {
	Key     string         `json:"key,omitempty"`
	URL     string         `json:"url,omitempty"`
	Meta    map[string]any `json:"meta,omitempty"`
	ErrKind string         `json:"kind,omitempty"`
	ErrMsg  string         `json:"error,omitempty"`
}

// Job is the central entity shuttled between the Session Router, the
// Priority Queue, and the Worker Pool.
type Job struct {
	ID           string    `json:"id"`
	CorrID       string    `json:"corrId,omitempty"`
	SessionID    string    `json:"-"`
	JobType      JobType   `json:"jobType"`
	Priority     Priority  `json:"priority"`
	Params       any       `json:"params"`
	InitImageRef string    `json:"initImageRef,omitempty"`
	SubmittedAt  time.Time `json:"submittedAt"`
	State        State     `json:"state"`
	Result       *Result   `json:"result,omitempty"`
}

// Descriptor is the queue snapshot shape for queue:state pushes.
type Descriptor struct {
	ID       string   `json:"id"`
	Priority Priority `json:"priority"`
	Source   string   `json:"source"`
}
