package worker

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os/exec"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"orchestratord/internal/events"
	"orchestratord/pkg/types"
)

// SubprocessConfig parameterizes how a generalized accelerator backend is
// spawned. This intentionally says nothing about image generation: it is
// a generic "spawn a binary, speak NDJSON-over-HTTP to it" contract that a
// real CUDA/NPU backend implements on the other end.
type SubprocessConfig struct {
	BinPath      string
	ExtraArgs    []string
	HealthPath   string        // default "/health"
	RunPath      string        // default "/run"
	StartTimeout time.Duration // default 10s
	StopTimeout  time.Duration // default 5s, SIGTERM grace before SIGKILL
}

// subprocessWorker manages one subprocess's lifecycle for the lifetime
// of a loaded mode: spawn, poll health, stream a run, graceful stop, and
// an early-exit watcher that surfaces crashes as events rather than
// silently wedging the pool.
type subprocessWorker struct {
	cfg    SubprocessConfig
	mode   types.Mode
	log    zerolog.Logger
	bus    *events.Bus
	port   int
	pid    int
	cmd    *exec.Cmd
	client *http.Client

	mu      sync.Mutex
	exited  bool
	exitErr error

	stopping bool // set by Unload before it signals the process
}

// NewSubprocessFactory returns a worker.Factory that spawns cfg.BinPath
// for every mode load. bus receives a broadcast event if the subprocess
// exits unexpectedly while still owned by the pool.
func NewSubprocessFactory(cfg SubprocessConfig, log zerolog.Logger, bus *events.Bus) Factory {
	if cfg.HealthPath == "" {
		cfg.HealthPath = "/health"
	}
	if cfg.RunPath == "" {
		cfg.RunPath = "/run"
	}
	if cfg.StartTimeout <= 0 {
		cfg.StartTimeout = 10 * time.Second
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 5 * time.Second
	}
	return func(ctx context.Context, mode types.Mode) (Worker, error) {
		port, err := pickPort()
		if err != nil {
			return nil, fmt.Errorf("pick port: %w", err)
		}
		args := append([]string{"--port", strconv.Itoa(port), "--model", mode.ModelPath}, cfg.ExtraArgs...)
		cmd := exec.Command(cfg.BinPath, args...)
		if err := cmd.Start(); err != nil {
			return nil, fmt.Errorf("start worker subprocess: %w", err)
		}
		w := &subprocessWorker{
			cfg:    cfg,
			mode:   mode,
			log:    log.With().Str("mode", mode.Name).Int("pid", cmd.Process.Pid).Logger(),
			bus:    bus,
			port:   port,
			pid:    cmd.Process.Pid,
			cmd:    cmd,
			client: &http.Client{Timeout: 0},
		}
		go w.watchExit()
		if err := w.waitHealthy(ctx); err != nil {
			_ = w.Unload(context.Background())
			return nil, err
		}
		w.log.Info().Msg("worker subprocess ready")
		return w, nil
	}
}

func (w *subprocessWorker) watchExit() {
	err := w.cmd.Wait()
	w.mu.Lock()
	w.exited = true
	w.exitErr = err
	stopping := w.stopping
	w.mu.Unlock()
	if err != nil && !stopping {
		w.log.Warn().Err(err).Msg("worker subprocess exited unexpectedly")
		if w.bus != nil {
			w.bus.Publish(events.Event{
				Topic: events.TopicBroadcast,
				Kind:  "worker:exited",
				Payload: map[string]any{"mode": w.mode.Name, "pid": w.pid, "error": err.Error()},
			})
		}
	}
}

func (w *subprocessWorker) waitHealthy(ctx context.Context) error {
	deadline := time.Now().Add(w.cfg.StartTimeout)
	url := fmt.Sprintf("http://127.0.0.1:%d%s", w.port, w.cfg.HealthPath)
	for time.Now().Before(deadline) {
		w.mu.Lock()
		exited := w.exited
		w.mu.Unlock()
		if exited {
			return fmt.Errorf("worker subprocess exited before becoming healthy")
		}
		req, _ := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		resp, err := w.client.Do(req)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
	return fmt.Errorf("worker subprocess did not become healthy within %s", w.cfg.StartTimeout)
}

// runRequest/runLine are the NDJSON frames exchanged with the backend:
// progress lines until a final done line carrying the output.
type runRequest struct {
	JobID  string `json:"jobId"`
	Params any    `json:"params"`
}

type runLine struct {
	Fraction float64        `json:"fraction,omitempty"`
	Status   string         `json:"status,omitempty"`
	Done     bool           `json:"done,omitempty"`
	Mime     string         `json:"mime,omitempty"`
	DataB64  string         `json:"data_b64,omitempty"`
	Meta     map[string]any `json:"meta,omitempty"`
	Error    string         `json:"error,omitempty"`
}

func (w *subprocessWorker) Run(ctx context.Context, job types.Job, progress ProgressFunc) (Output, error) {
	body, err := json.Marshal(runRequest{JobID: job.ID, Params: job.Params})
	if err != nil {
		return Output{}, err
	}
	url := fmt.Sprintf("http://127.0.0.1:%d%s", w.port, w.cfg.RunPath)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return Output{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := w.client.Do(req)
	if err != nil {
		return Output{}, fmt.Errorf("worker run request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Output{}, fmt.Errorf("worker run returned status %d", resp.StatusCode)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	var out Output
	for scanner.Scan() {
		if ctx.Err() != nil {
			return Output{}, ctx.Err()
		}
		var line runLine
		if err := json.Unmarshal(scanner.Bytes(), &line); err != nil {
			continue
		}
		if line.Error != "" {
			return Output{}, fmt.Errorf("worker error: %s", line.Error)
		}
		if line.Done {
			if line.DataB64 != "" {
				data, err := base64.StdEncoding.DecodeString(line.DataB64)
				if err != nil {
					return Output{}, fmt.Errorf("decode worker output: %w", err)
				}
				out.Bytes = data
			}
			out.Mime = line.Mime
			out.Meta = line.Meta
			break
		}
		if progress != nil {
			progress(line.Fraction, line.Status)
		}
	}
	if err := scanner.Err(); err != nil {
		return Output{}, err
	}
	return out, nil
}

func (w *subprocessWorker) Unload(ctx context.Context) error {
	w.mu.Lock()
	exited := w.exited
	w.stopping = true
	w.mu.Unlock()
	if exited || w.cmd.Process == nil {
		return nil
	}
	_ = w.cmd.Process.Signal(syscall.SIGTERM)
	done := make(chan struct{})
	go func() {
		w.cmd.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(w.cfg.StopTimeout):
		_ = w.cmd.Process.Kill()
		<-done
	}
	return nil
}

func pickPort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}
