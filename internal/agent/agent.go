// Package agent is the car-side end of the command channel. It keeps a
// websocket open to the worker service, acknowledges command frames and
// streams execution status back while the command runs.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/cuongbtq/fleet-jobs/internal/channel"
	"github.com/cuongbtq/fleet-jobs/internal/domain"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/semaphore"
)

// Executor runs one command and returns its output
type Executor interface {
	Execute(ctx context.Context, cmd channel.Command) (string, error)
}

// ExecutorFunc adapts a function to Executor
type ExecutorFunc func(ctx context.Context, cmd channel.Command) (string, error)

func (f ExecutorFunc) Execute(ctx context.Context, cmd channel.Command) (string, error) {
	return f(ctx, cmd)
}

// Config holds agent settings
type Config struct {
	Logger            *slog.Logger
	WorkerURL         string // base URL of the worker service, http(s)://host:port
	AgentID           string
	MaxConcurrent     int
	ReconnectInterval time.Duration
	Executors         map[domain.JobKind]Executor
}

// Agent connects to the worker and executes the commands it receives
type Agent struct {
	logger    *slog.Logger
	endpoint  string
	agentID   string
	reconnect time.Duration
	executors map[domain.JobKind]Executor
	slots     *semaphore.Weighted

	mu          sync.Mutex
	conn        *websocket.Conn
	undelivered map[string]channel.Frame // latest unsent status per command
	accepted    map[string]*commandState // recently accepted commands by ID
	running     sync.WaitGroup
}

// acceptedRetention is how long an accepted command ID is remembered
const acceptedRetention = time.Hour

type commandState struct {
	status     channel.ExecutionStatus
	output     string
	acceptedAt time.Time
}

// New creates an agent. Executors must cover every kind the agent accepts.
func New(cfg *Config) (*Agent, error) {
	if cfg.AgentID == "" {
		return nil, errors.New("agent id is required")
	}
	endpoint, err := agentEndpoint(cfg.WorkerURL, cfg.AgentID)
	if err != nil {
		return nil, err
	}

	maxConcurrent := cfg.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	reconnect := cfg.ReconnectInterval
	if reconnect <= 0 {
		reconnect = 5 * time.Second
	}

	return &Agent{
		logger:      cfg.Logger.With(slog.String("agent_id", cfg.AgentID)),
		endpoint:    endpoint,
		agentID:     cfg.AgentID,
		reconnect:   reconnect,
		executors:   cfg.Executors,
		slots:       semaphore.NewWeighted(int64(maxConcurrent)),
		undelivered: make(map[string]channel.Frame),
		accepted:    make(map[string]*commandState),
	}, nil
}

// agentEndpoint turns the worker base URL into the websocket URL for agentID
func agentEndpoint(workerURL, agentID string) (string, error) {
	u, err := url.Parse(workerURL)
	if err != nil {
		return "", fmt.Errorf("invalid worker url: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("invalid worker url scheme %q", u.Scheme)
	}
	u.Path = "/agents/ws"
	q := u.Query()
	q.Set("agent_id", agentID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Run keeps a connection to the worker until ctx is done, reconnecting after
// every disconnect. Commands still executing are waited for before returning.
func (a *Agent) Run(ctx context.Context) error {
	defer a.running.Wait()

	for {
		conn, resp, err := websocket.DefaultDialer.DialContext(ctx, a.endpoint, nil)
		if err != nil {
			status := 0
			if resp != nil {
				status = resp.StatusCode
			}
			a.logger.Warn("Worker dial failed",
				slog.String("url", a.endpoint),
				slog.Int("status", status),
				slog.String("error", err.Error()),
			)
		} else {
			a.logger.Info("Connected to worker", slog.String("url", a.endpoint))
			a.serve(ctx, conn)
			a.logger.Info("Disconnected from worker")
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(a.reconnect):
		}
	}
}

// serve reads frames from conn until it fails or ctx is done
func (a *Agent) serve(ctx context.Context, conn *websocket.Conn) {
	a.mu.Lock()
	a.conn = conn
	a.mu.Unlock()
	a.flushUndelivered()

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()
	defer func() {
		a.mu.Lock()
		if a.conn == conn {
			a.conn = nil
		}
		a.mu.Unlock()
		_ = conn.Close()
	}()

	for {
		var frame channel.Frame
		if err := conn.ReadJSON(&frame); err != nil {
			return
		}
		if frame.Type != channel.FrameCommand {
			a.logger.Debug("Ignoring frame", slog.String("type", frame.Type))
			continue
		}
		a.handleCommand(ctx, frame)
	}
}

// handleCommand acks or rejects a command frame and starts accepted commands
func (a *Agent) handleCommand(ctx context.Context, frame channel.Frame) {
	reject := func(reason string) {
		a.logger.Warn("Rejecting command",
			slog.String("command_id", frame.CommandID),
			slog.String("reason", reason),
		)
		_ = a.send(channel.Frame{Type: channel.FrameAck, CommandID: frame.CommandID, Reason: reason})
	}

	if frame.Command == nil {
		reject("missing command")
		return
	}
	if last, ok := a.lastState(frame.CommandID); ok {
		a.logger.Info("Command already accepted, not running it again",
			slog.String("command_id", frame.CommandID),
			slog.String("status", string(last.status)),
		)
		if err := a.send(channel.Frame{Type: channel.FrameAck, CommandID: frame.CommandID, Accepted: true}); err != nil {
			return
		}
		if last.status.IsTerminal() {
			a.report(frame.CommandID, last.status, last.output)
		}
		return
	}

	cmd := *frame.Command
	exec, ok := a.executors[cmd.Kind]
	if !ok {
		reject(fmt.Sprintf("unsupported kind %s", cmd.Kind))
		return
	}
	if !a.slots.TryAcquire(1) {
		reject("agent busy")
		return
	}

	if err := a.send(channel.Frame{Type: channel.FrameAck, CommandID: frame.CommandID, Accepted: true}); err != nil {
		a.slots.Release(1)
		return
	}
	a.remember(frame.CommandID)

	a.logger.Info("Command accepted",
		slog.String("command_id", frame.CommandID),
		slog.String("job_id", cmd.JobID),
		slog.String("kind", string(cmd.Kind)),
	)

	a.running.Add(1)
	go func() {
		defer a.running.Done()
		defer a.slots.Release(1)
		a.execute(ctx, frame.CommandID, cmd, exec)
	}()
}

func (a *Agent) execute(ctx context.Context, commandID string, cmd channel.Command, exec Executor) {
	a.report(commandID, channel.ExecutionInProgress, "")

	start := time.Now()
	output, err := exec.Execute(ctx, cmd)
	if err != nil {
		a.logger.Error("Command failed",
			slog.String("command_id", commandID),
			slog.String("job_id", cmd.JobID),
			slog.Duration("duration", time.Since(start)),
			slog.String("error", err.Error()),
		)
		a.report(commandID, channel.ExecutionFailed, err.Error())
		return
	}

	a.logger.Info("Command succeeded",
		slog.String("command_id", commandID),
		slog.String("job_id", cmd.JobID),
		slog.Duration("duration", time.Since(start)),
	)
	a.report(commandID, channel.ExecutionSuccess, output)
}

// remember records an accepted command and forgets old finished ones
func (a *Agent) remember(commandID string) {
	now := time.Now()
	a.mu.Lock()
	defer a.mu.Unlock()

	for id, st := range a.accepted {
		if st.status.IsTerminal() && now.Sub(st.acceptedAt) > acceptedRetention {
			delete(a.accepted, id)
		}
	}
	a.accepted[commandID] = &commandState{status: channel.ExecutionPending, acceptedAt: now}
}

func (a *Agent) lastState(commandID string) (commandState, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	st, ok := a.accepted[commandID]
	if !ok {
		return commandState{}, false
	}
	return *st, true
}

// report sends a status frame, keeping it for the next connection if the send fails
func (a *Agent) report(commandID string, status channel.ExecutionStatus, output string) {
	a.mu.Lock()
	if st, ok := a.accepted[commandID]; ok {
		st.status, st.output = status, output
	}
	a.mu.Unlock()

	frame := channel.Frame{Type: channel.FrameStatus, CommandID: commandID, Status: status, Output: output}
	if err := a.send(frame); err != nil {
		a.mu.Lock()
		a.undelivered[commandID] = frame
		a.mu.Unlock()
		a.logger.Warn("Status not delivered, will resend after reconnect",
			slog.String("command_id", commandID),
			slog.String("status", string(status)),
		)
	}
}

func (a *Agent) flushUndelivered() {
	a.mu.Lock()
	pending := a.undelivered
	a.undelivered = make(map[string]channel.Frame)
	a.mu.Unlock()

	for id, frame := range pending {
		a.report(id, frame.Status, frame.Output)
	}
}

var errNotConnected = errors.New("not connected to worker")

func (a *Agent) send(frame channel.Frame) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.conn == nil {
		return errNotConnected
	}
	_ = a.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := a.conn.WriteJSON(frame); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	return nil
}
