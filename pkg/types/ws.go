package types

// Envelope is the wire shape for every WS frame in both directions:
// {type, id?, ...}. Payload fields are attached by the concrete message
// structs below via json.RawMessage during dispatch.
type Envelope struct {
	Type string `json:"type"`
	ID   string `json:"id,omitempty"`
}

// JobSubmit is the payload of an inbound job:submit.
type JobSubmit struct {
	JobType      JobType `json:"jobType"`
	Params       any     `json:"params"`
	InitImageRef string  `json:"initImageRef,omitempty"`
}

// JobAck replies to job:submit once the pool has accepted the job.
type JobAck struct {
	ID    string `json:"id"`
	JobID string `json:"jobId"`
}

// JobProgress is pushed zero or more times per jobId.
type JobProgress struct {
	JobID    string   `json:"jobId"`
	Status   string   `json:"status"`
	Progress Fraction `json:"progress"`
}

// Fraction wraps progress fraction so the wire shape matches spec's
// {fraction} nesting.
type Fraction struct {
	Fraction float64 `json:"fraction"`
}

// JobComplete is the success terminal event.
type JobComplete struct {
	JobID   string         `json:"jobId"`
	Outputs []OutputRef    `json:"outputs"`
	Meta    map[string]any `json:"meta,omitempty"`
}

// OutputRef is one entry of JobComplete.Outputs.
type OutputRef struct {
	URL string `json:"url"`
	Key string `json:"key"`
}

// JobError is the failure/cancel terminal event, and also the synchronous
// validation-failure reply.
type JobError struct {
	JobID string `json:"jobId,omitempty"`
	ID    string `json:"id,omitempty"`
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

// JobCancel is both the inbound cancel request and the cancel terminal
// event pushed back to the owning session.
type JobCancel struct {
	JobID string `json:"jobId"`
}

// JobPriority is the inbound reprioritize request.
type JobPriority struct {
	JobID    string   `json:"jobId"`
	Priority Priority `json:"priority"`
}

// DreamStart is the inbound dream:start payload.
type DreamStart struct {
	Prompt      string  `json:"prompt"`
	DurationHrs float64 `json:"durationHours"`
	Temperature float64 `json:"temperature"`
	IntervalMs  int     `json:"intervalMs"`
	Strategy    string  `json:"strategy,omitempty"`
}

// DreamStarted acknowledges dream:start.
type DreamStarted struct {
	SessionID string `json:"sessionId"`
}

// DreamGuide is the inbound dream:guide payload.
type DreamGuide struct {
	Prompt      *string  `json:"prompt,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
}

// DreamStopped carries stats back with the terminal dream:stopped event.
type DreamStopped struct {
	Stats DreamStats `json:"stats"`
}

// DreamStats summarizes a finished dream session.
type DreamStats struct {
	Total int `json:"total"`
}

// DreamCandidate is a push notification for a discovered candidate. Nothing
// currently publishes this topic; the discovery criterion lives outside
// this core per the spec's own deferral.
type DreamCandidate struct {
	JobID  string `json:"jobId"`
	Prompt string `json:"prompt"`
}

// SystemStatus is pushed on connect and then every 5s while any client is
// connected. There is no separate push on a mode change or a VRAM
// threshold crossing; such changes appear in the next periodic push.
type SystemStatus struct {
	Mode       string      `json:"mode"`
	VRAM       VRAMStats   `json:"vram"`
	Storage    StorageInfo `json:"storage"`
	QueueState QueueState  `json:"queueState"`
}

// StorageInfo is the storage collaborator's self-reported shape for
// system:status.
type StorageInfo struct {
	BlobCount int `json:"blobCount"`
}

// QueueState is pushed after every enqueue/dequeue/cancel.
type QueueState struct {
	Pending int          `json:"pending"`
	Running int          `json:"running"`
	Jobs    []Descriptor `json:"jobs"`
}
