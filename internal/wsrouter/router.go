// Package wsrouter implements the Session Router: per-session message
// dispatch, request/response correlation, and push-event fan-out. It
// owns the per-jobId ordering guarantees that make the rest of the core
// observable from outside.
package wsrouter

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"orchestratord/internal/blobstore"
	"orchestratord/internal/dream"
	"orchestratord/internal/events"
	"orchestratord/internal/fileref"
	"orchestratord/internal/jobstore"
	"orchestratord/internal/orchestrator"
	"orchestratord/internal/pool"
	"orchestratord/internal/registry"
	"orchestratord/internal/wshub"
	"orchestratord/pkg/types"
)

const (
	pingInterval = 30 * time.Second
	readTimeout  = 60 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// handlerFunc is the dispatch table's shared handler signature.
type handlerFunc func(s *Session, id string, raw json.RawMessage)

// Router is the Session Router. One instance serves every WS connection.
type Router struct {
	hub      *wshub.Hub
	pool     *pool.Pool
	fileRefs *fileref.Store
	blobs    *blobstore.Store
	reg      *registry.Registry
	store    *jobstore.Store
	dreamCtl *dream.Controller
	bus      *events.Bus
	log      zerolog.Logger

	handlers map[string]handlerFunc

	mu      sync.Mutex
	ownerOf map[string]string // jobID -> sessionID, for routing bus events
}

func New(hub *wshub.Hub, p *pool.Pool, fr *fileref.Store, blobs *blobstore.Store, reg *registry.Registry, store *jobstore.Store, dreamCtl *dream.Controller, bus *events.Bus, log zerolog.Logger) *Router {
	r := &Router{
		hub:      hub,
		pool:     p,
		fileRefs: fr,
		blobs:    blobs,
		reg:      reg,
		store:    store,
		dreamCtl: dreamCtl,
		bus:      bus,
		log:      log,
		ownerOf:  make(map[string]string),
	}
	r.handlers = map[string]handlerFunc{
		"job:submit":      r.handleSubmit,
		"job:cancel":      r.handleCancel,
		"job:priority":    r.handlePriority,
		"dream:start":     r.handleDreamStart,
		"dream:stop":      r.handleDreamStop,
		"dream:status":    r.handleDreamStatus,
		"dream:top":       r.handleDreamTop,
		"dream:guide":     r.handleDreamGuide,
		"storage:put":     r.handleStoragePut,
		"ping":            r.handlePing,
		"telemetry:otlp":  r.handleTelemetry,
	}
	return r
}

// Start subscribes to the bus so pool/dream events reach the right
// session (job topic) or every session (broadcast topic), and launches
// the periodic system:status broadcaster.
func (r *Router) Start() {
	r.bus.Subscribe(events.TopicJob, r.onJobEvent)
	r.bus.Subscribe(events.TopicBroadcast, r.onBroadcastEvent)
	go r.statusLoop()
}

func (r *Router) setOwner(jobID, sessionID string) {
	r.mu.Lock()
	r.ownerOf[jobID] = sessionID
	r.mu.Unlock()
}

func (r *Router) ownerOfJob(jobID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.ownerOf[jobID]
	return s, ok
}

// onJobEvent fans a per-jobId progress/terminal event to its owning
// session's connection. Terminal events unsubscribe by removing the
// ownership entry. A missing owner (session disconnected) is not an
// error: the job continues and its output is still content-addressed
// and retrievable over HTTP.
func (r *Router) onJobEvent(ev events.Event) {
	sessionID, ok := r.ownerOfJob(ev.JobID)
	terminal := ev.Kind == "job:complete" || ev.Kind == "job:error" || ev.Kind == "job:cancel"
	if terminal {
		r.mu.Lock()
		delete(r.ownerOf, ev.JobID)
		r.mu.Unlock()
	}
	if !ok {
		return
	}
	conn, ok := r.hub.Get(sessionID)
	if !ok {
		return
	}
	_ = conn.WriteJSON(envelope(ev.Kind, "", ev.Payload))
}

func (r *Router) onBroadcastEvent(ev events.Event) {
	if r.hub.Count() == 0 {
		return // idle broadcaster suspension
	}
	r.hub.Broadcast(envelope(ev.Kind, "", ev.Payload))
}

// statusLoop broadcasts system:status every 5s while any client is
// connected, suspending entirely when the hub is empty.
func (r *Router) statusLoop() {
	t := time.NewTicker(5 * time.Second)
	defer t.Stop()
	for range t.C {
		if r.hub.Count() == 0 {
			continue
		}
		r.hub.Broadcast(envelope("system:status", "", r.systemStatus()))
	}
}

func (r *Router) systemStatus() types.SystemStatus {
	return types.SystemStatus{
		Mode:    r.pool.CurrentMode(),
		VRAM:    r.reg.Stats(),
		Storage: types.StorageInfo{BlobCount: r.blobs.Count()},
		QueueState: types.QueueState{
			Pending: r.pool.QueueLen(),
			Running: boolToInt(r.pool.Running()),
			Jobs:    r.pool.QueueSnapshot(),
		},
	}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// envelope wraps payload with the WS frame's {type, id?} header fields by
// remarshaling: payload is marshaled to a map, then type/id are merged in.
// This keeps every message struct in pkg/types free of wire-envelope
// concerns.
func envelope(typ, id string, payload any) map[string]any {
	out := map[string]any{"type": typ}
	if id != "" {
		out["id"] = id
	}
	if payload == nil {
		return out
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return out
	}
	var fields map[string]any
	if err := json.Unmarshal(b, &fields); err != nil {
		return out
	}
	for k, v := range fields {
		out[k] = v
	}
	return out
}

// HandleWS upgrades the request and runs the per-connection read loop.
// ServeHTTP-compatible handler wired at GET /v1/ws.
func (r *Router) HandleWS(w http.ResponseWriter, req *http.Request) {
	ws, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.log.Error().Err(err).Msg("ws upgrade failed")
		return
	}
	sessionID := uuid.New().String()
	conn := r.hub.Add(sessionID, ws)
	session := newSession(sessionID, conn)

	defer func() {
		r.hub.Remove(sessionID)
		r.dreamCtl.StopIfOwnedBy(sessionID)
		conn.Close()
	}()

	_ = conn.WriteJSON(envelope("system:status", "", r.systemStatus()))

	ws.SetReadDeadline(time.Now().Add(readTimeout))
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		ws.SetReadDeadline(time.Now().Add(readTimeout))
		r.dispatch(session, data)
	}
}

func (r *Router) dispatch(s *Session, data []byte) {
	var env struct {
		Type string `json:"type"`
		ID   string `json:"id,omitempty"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		r.sendError(s, "", "", orchestrator.ErrBadRequest("malformed envelope"))
		return
	}
	h, ok := r.handlers[env.Type]
	if !ok {
		_ = s.conn.WriteJSON(envelope("job:error", env.ID, types.JobError{ID: env.ID, Error: "unrecognized type: " + env.Type, Kind: "UnknownType"}))
		return
	}
	h(s, env.ID, data)
}

func (r *Router) sendError(s *Session, jobID, id string, err error) {
	_ = s.conn.WriteJSON(envelope("job:error", "", types.JobError{JobID: jobID, ID: id, Error: err.Error(), Kind: orchestrator.KindOf(err)}))
}
