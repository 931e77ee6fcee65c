package wsrouter

import (
	"encoding/base64"
	"encoding/json"
	"strings"

	"orchestratord/internal/jobstore"
	"orchestratord/internal/orchestrator"
	"orchestratord/pkg/types"
)

type submitWire struct {
	JobType      types.JobType   `json:"jobType"`
	Params       json.RawMessage `json:"params"`
	InitImageRef string          `json:"initImageRef,omitempty"`
}

// handleSubmit validates params per jobType, resolves an initImageRef
// through the File-Ref Store, constructs a Job, and hands it to the pool.
// It replies job:ack synchronously and attaches this job's future
// events to the session via ownerOf.
func (r *Router) handleSubmit(s *Session, id string, raw json.RawMessage) {
	var wire submitWire
	if err := json.Unmarshal(raw, &wire); err != nil {
		r.sendError(s, "", id, orchestrator.ErrBadRequest("malformed job:submit"))
		return
	}

	if wire.InitImageRef != "" {
		if _, _, ok := r.fileRefs.Take(wire.InitImageRef); !ok {
			r.sendError(s, "", id, orchestrator.ErrRefNotFound(wire.InitImageRef))
			return
		}
	}

	if wire.JobType == types.JobModeSwitch {
		var p types.ModeSwitchParams
		if err := json.Unmarshal(wire.Params, &p); err != nil || p.Mode == "" {
			r.sendError(s, "", id, orchestrator.ErrBadRequest("modeSwitch requires mode"))
			return
		}
		job, _, err := r.pool.SwitchMode(p.Mode)
		if err != nil {
			r.sendError(s, "", id, err)
			return
		}
		s.remember(id, job.ID)
		_ = s.conn.WriteJSON(envelope("job:ack", "", types.JobAck{ID: id, JobID: job.ID}))
		if job.State.Terminal() {
			// Mode-switch no-op optimization: the job is already terminal by
			// the time SwitchMode returns, so the pool's event bus never
			// published a terminal frame for it. Emit one directly.
			r.emitTerminal(s, job)
			return
		}
		r.setOwner(job.ID, s.ID)
		return
	}

	params, err := parseParams(wire.JobType, wire.Params)
	if err != nil {
		r.sendError(s, "", id, err)
		return
	}
	if cp, ok := params.(types.ComfyParams); ok {
		if _, known := r.reg.Workflow(cp.WorkflowID); !known {
			r.sendError(s, "", id, orchestrator.ErrBadRequest("unknown workflowId: "+cp.WorkflowID))
			return
		}
	}
	priority := types.PriorityNormal
	job := jobstore.NewJob(id, s.ID, wire.JobType, priority, params, wire.InitImageRef)
	submitted, err := r.pool.Submit(job, "session")
	if err != nil {
		r.sendError(s, "", id, err)
		return
	}
	r.setOwner(submitted.ID, s.ID)
	s.remember(id, submitted.ID)
	_ = s.conn.WriteJSON(envelope("job:ack", "", types.JobAck{ID: id, JobID: submitted.ID}))
}

func (r *Router) emitTerminal(s *Session, job types.Job) {
	if job.Result != nil && job.Result.ErrKind != "" {
		_ = s.conn.WriteJSON(envelope("job:error", "", types.JobError{JobID: job.ID, Error: job.Result.ErrMsg, Kind: job.Result.ErrKind}))
		return
	}
	meta := map[string]any{}
	var outputs []types.OutputRef
	if job.Result != nil {
		meta = job.Result.Meta
		if job.Result.Key != "" {
			outputs = []types.OutputRef{{URL: job.Result.URL, Key: job.Result.Key}}
		}
	}
	_ = s.conn.WriteJSON(envelope("job:complete", "", types.JobComplete{JobID: job.ID, Outputs: outputs, Meta: meta}))
}

func parseParams(jobType types.JobType, raw json.RawMessage) (any, error) {
	switch jobType {
	case types.JobGenerate:
		var p types.GenerateParams
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, orchestrator.ErrBadRequest("invalid generate params")
		}
		if strings.TrimSpace(p.Prompt) == "" {
			return nil, orchestrator.ErrBadRequest("generate requires prompt")
		}
		return p, nil
	case types.JobSR:
		var p types.SRParams
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, orchestrator.ErrBadRequest("invalid sr params")
		}
		if p.InitImageRef == "" {
			return nil, orchestrator.ErrBadRequest("sr requires init_image_ref")
		}
		return p, nil
	case types.JobComfy:
		var p types.ComfyParams
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, orchestrator.ErrBadRequest("invalid comfy params")
		}
		if p.WorkflowID == "" {
			return nil, orchestrator.ErrBadRequest("comfy requires workflowId")
		}
		return p, nil
	default:
		return nil, orchestrator.ErrBadRequest("unknown jobType: " + string(jobType))
	}
}

// handleCancel is best-effort: canceling an unowned, unknown, or already
// terminal job is a silent no-op.
func (r *Router) handleCancel(s *Session, id string, raw json.RawMessage) {
	var p types.JobCancel
	if err := json.Unmarshal(raw, &p); err != nil || p.JobID == "" {
		return
	}
	if owner, ok := r.ownerOfJob(p.JobID); !ok || owner != s.ID {
		return
	}
	r.pool.Cancel(p.JobID)
}

func (r *Router) handlePriority(s *Session, id string, raw json.RawMessage) {
	var p types.JobPriority
	if err := json.Unmarshal(raw, &p); err != nil || p.JobID == "" {
		r.sendError(s, "", id, orchestrator.ErrBadRequest("malformed job:priority"))
		return
	}
	if !p.Priority.Valid() {
		r.sendError(s, "", id, orchestrator.ErrBadRequest("invalid priority"))
		return
	}
	r.pool.Reprioritize(p.JobID, p.Priority)
}

func (r *Router) handleDreamStart(s *Session, id string, raw json.RawMessage) {
	var req types.DreamStart
	if err := json.Unmarshal(raw, &req); err != nil || strings.TrimSpace(req.Prompt) == "" {
		r.sendError(s, "", id, orchestrator.ErrBadRequest("malformed dream:start"))
		return
	}
	if err := r.dreamCtl.Start(s.ID, req); err != nil {
		r.sendError(s, "", id, err)
		return
	}
	_ = s.conn.WriteJSON(envelope("dream:started", id, types.DreamStarted{SessionID: s.ID}))
}

func (r *Router) handleDreamStop(s *Session, id string, raw json.RawMessage) {
	stats := r.dreamCtl.Stop()
	_ = s.conn.WriteJSON(envelope("dream:stopped", id, types.DreamStopped{Stats: stats}))
}

func (r *Router) handleDreamStatus(s *Session, id string, raw json.RawMessage) {
	_ = s.conn.WriteJSON(envelope("dream:status", id, map[string]any{"active": r.dreamCtl.Active()}))
}

// handleDreamTop reports the best candidates seen so far. Discovery
// scoring lives in a separate subsystem, so this always replies with an
// empty set rather than failing.
func (r *Router) handleDreamTop(s *Session, id string, raw json.RawMessage) {
	_ = s.conn.WriteJSON(envelope("dream:top", id, map[string]any{"candidates": []types.DreamCandidate{}}))
}

func (r *Router) handleDreamGuide(s *Session, id string, raw json.RawMessage) {
	var req types.DreamGuide
	if err := json.Unmarshal(raw, &req); err != nil {
		r.sendError(s, "", id, orchestrator.ErrBadRequest("malformed dream:guide"))
		return
	}
	if err := r.dreamCtl.Guide(req); err != nil {
		r.sendError(s, "", id, err)
	}
}

// storagePutWire lets a session seed a blob directly over the control
// channel for offline/test population; production uploads flow through
// POST /upload to keep base64 inflation off the control channel.
type storagePutWire struct {
	Mime    string `json:"mime"`
	DataB64 string `json:"data_b64"`
}

func (r *Router) handleStoragePut(s *Session, id string, raw json.RawMessage) {
	var p storagePutWire
	if err := json.Unmarshal(raw, &p); err != nil {
		r.sendError(s, "", id, orchestrator.ErrBadRequest("malformed storage:put"))
		return
	}
	b, err := base64.StdEncoding.DecodeString(p.DataB64)
	if err != nil {
		r.sendError(s, "", id, orchestrator.ErrBadRequest("invalid data_b64"))
		return
	}
	key := r.blobs.Put(b, p.Mime)
	_ = s.conn.WriteJSON(envelope("storage:put", id, types.OutputRef{Key: key, URL: "/storage/" + key}))
}

func (r *Router) handlePing(s *Session, id string, raw json.RawMessage) {
	_ = s.conn.WriteJSON(envelope("pong", id, nil))
}

// handleTelemetry discards client telemetry frames; the collector is an
// external system.
func (r *Router) handleTelemetry(s *Session, id string, raw json.RawMessage) {}
