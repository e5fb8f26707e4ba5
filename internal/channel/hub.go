package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/cuongbtq/fleet-jobs/internal/domain"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

// HubConfig holds agent hub settings
type HubConfig struct {
	Logger        *slog.Logger
	Ledger        Ledger
	AckTimeout    time.Duration
	WriteTimeout  time.Duration
	DispatchRate  float64 // dispatches per second across all agents, 0 disables limiting
	DispatchBurst int
}

type agentConn struct {
	id      string
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (a *agentConn) write(frame Frame, timeout time.Duration) error {
	a.writeMu.Lock()
	defer a.writeMu.Unlock()

	if timeout > 0 {
		_ = a.conn.SetWriteDeadline(time.Now().Add(timeout))
	}
	return a.conn.WriteJSON(frame)
}

// Hub maintains agent websocket connections keyed by agent ID and implements Channel
type Hub struct {
	upgrader     websocket.Upgrader
	logger       *slog.Logger
	ledger       Ledger
	limiter      *rate.Limiter
	ackTimeout   time.Duration
	writeTimeout time.Duration

	mu      sync.RWMutex
	agents  map[string]*agentConn
	pending map[string]chan Frame // ack waiters keyed by command ID
}

// NewHub creates a new agent hub
func NewHub(cfg *HubConfig) *Hub {
	limit := rate.Inf
	if cfg.DispatchRate > 0 {
		limit = rate.Limit(cfg.DispatchRate)
	}
	burst := cfg.DispatchBurst
	if burst <= 0 {
		burst = 1
	}
	ackTimeout := cfg.AckTimeout
	if ackTimeout <= 0 {
		ackTimeout = 10 * time.Second
	}

	return &Hub{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger:       cfg.Logger,
		ledger:       cfg.Ledger,
		limiter:      rate.NewLimiter(limit, burst),
		ackTimeout:   ackTimeout,
		writeTimeout: cfg.WriteTimeout,
		agents:       make(map[string]*agentConn),
		pending:      make(map[string]chan Frame),
	}
}

// HandleAgent upgrades and stores the connection for an agent; expects ?agent_id=xxx
func (h *Hub) HandleAgent(w http.ResponseWriter, r *http.Request) {
	agentID := r.URL.Query().Get("agent_id")
	if agentID == "" {
		http.Error(w, "agent_id required", http.StatusBadRequest)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("Agent websocket upgrade failed",
			slog.String("agent_id", agentID),
			slog.String("error", err.Error()),
		)
		return
	}

	ac := &agentConn{id: agentID, conn: conn}
	h.mu.Lock()
	if old, ok := h.agents[agentID]; ok {
		_ = old.conn.Close()
	}
	h.agents[agentID] = ac
	h.mu.Unlock()

	h.logger.Info("Agent connected",
		slog.String("agent_id", agentID),
		slog.String("remote_addr", r.RemoteAddr),
	)

	go h.readLoop(ac)
}

// Connected reports whether an agent currently holds a connection
func (h *Hub) Connected(agentID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.agents[agentID]
	return ok
}

// ConnectedAgents returns the IDs of all connected agents
func (h *Hub) ConnectedAgents() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	ids := make([]string, 0, len(h.agents))
	for id := range h.agents {
		ids = append(ids, id)
	}
	return ids
}

// Dispatch sends a command frame to the agent and waits for its ack
func (h *Hub) Dispatch(ctx context.Context, agentAddress string, cmd Command) (string, error) {
	if err := h.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("dispatch rate limit: %w", err)
	}

	h.mu.RLock()
	ac := h.agents[agentAddress]
	h.mu.RUnlock()
	if ac == nil {
		return "", fmt.Errorf("%w: agent %s is not connected", domain.ErrAgentUnreachable, agentAddress)
	}

	commandID := cmd.ID
	if commandID == "" {
		commandID = uuid.NewString()
	}

	existing, err := h.ledger.Get(ctx, commandID)
	switch {
	case err == nil && existing.Accepted:
		h.logger.Info("Command already accepted by agent",
			slog.String("agent_id", agentAddress),
			slog.String("command_id", commandID),
		)
		return commandID, nil
	case err == nil && existing.Status == ExecutionFailed:
		return "", fmt.Errorf("%w: %s", domain.ErrDispatchRejected, existing.Output)
	case err != nil && !errors.Is(err, domain.ErrUnknownCommand):
		return "", err
	}

	acks := make(chan Frame, 1)
	h.mu.Lock()
	h.pending[commandID] = acks
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		delete(h.pending, commandID)
		h.mu.Unlock()
	}()

	// The record exists before the agent can report on it
	if existing == nil {
		if err := h.ledger.Put(ctx, Record{CommandID: commandID, AgentID: agentAddress, Status: ExecutionPending}); err != nil {
			return "", err
		}
	}

	frame := Frame{Type: FrameCommand, CommandID: commandID, Command: &cmd}
	if err := ac.write(frame, h.writeTimeout); err != nil {
		h.dropAgent(ac)
		return "", fmt.Errorf("%w: write to %s: %v", domain.ErrAgentUnreachable, agentAddress, err)
	}

	timer := time.NewTimer(h.ackTimeout)
	defer timer.Stop()

	select {
	case ack := <-acks:
		if !ack.Accepted {
			return "", fmt.Errorf("%w: %s", domain.ErrDispatchRejected, ack.Reason)
		}
	case <-timer.C:
		return "", fmt.Errorf("%w: no ack from %s within %s", domain.ErrAgentUnreachable, agentAddress, h.ackTimeout)
	case <-ctx.Done():
		return "", ctx.Err()
	}

	h.logger.Info("Command dispatched",
		slog.String("agent_id", agentAddress),
		slog.String("command_id", commandID),
		slog.String("job_id", cmd.JobID),
		slog.String("kind", string(cmd.Kind)),
	)

	return commandID, nil
}

// Poll returns the last execution status reported for a command
func (h *Hub) Poll(ctx context.Context, commandID string) (Execution, error) {
	rec, err := h.ledger.Get(ctx, commandID)
	if err != nil {
		return Execution{}, err
	}
	return Execution{Status: rec.Status, Output: rec.Output}, nil
}

// Run sweeps expired ledger records until ctx is done. Ledgers that expire
// records on their own are left alone.
func (h *Hub) Run(ctx context.Context, interval time.Duration) {
	sweeper, ok := h.ledger.(interface{ Sweep(time.Time) int })
	if !ok || interval <= 0 {
		<-ctx.Done()
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if n := sweeper.Sweep(now); n > 0 {
				h.logger.Debug("Expired command records swept", slog.Int("count", n))
			}
		}
	}
}

// Close disconnects every agent
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for id, ac := range h.agents {
		_ = ac.conn.Close()
		delete(h.agents, id)
	}
}

func (h *Hub) readLoop(ac *agentConn) {
	defer h.dropAgent(ac)

	for {
		var frame Frame
		if err := ac.conn.ReadJSON(&frame); err != nil {
			var closeErr *websocket.CloseError
			if !errors.As(err, &closeErr) {
				h.logger.Debug("Agent read failed",
					slog.String("agent_id", ac.id),
					slog.String("error", err.Error()),
				)
			}
			return
		}

		switch frame.Type {
		case FrameAck:
			h.deliverAck(ac.id, frame)
		case FrameStatus:
			h.recordStatus(ac.id, frame)
		default:
			h.logger.Warn("Unknown frame from agent",
				slog.String("agent_id", ac.id),
				slog.String("type", frame.Type),
			)
		}
	}
}

// deliverAck records the agent's answer and wakes the waiting Dispatch, if any.
// Acks that arrive after the ack timeout are still recorded, so a retried
// Dispatch of the same command does not send it again.
func (h *Hub) deliverAck(agentID string, frame Frame) {
	if frame.Accepted {
		h.recordAcceptance(agentID, frame.CommandID)
	} else {
		h.recordRejection(context.Background(), frame.CommandID, agentID, frame.Reason)
	}

	h.mu.RLock()
	acks := h.pending[frame.CommandID]
	h.mu.RUnlock()
	if acks == nil {
		return
	}
	select {
	case acks <- frame:
	default:
	}
}

// recordStatus stores a status frame; reports for finished commands are ignored
func (h *Hub) recordStatus(agentID string, frame Frame) {
	ctx := context.Background()
	if !frame.Status.Valid() {
		h.logger.Warn("Invalid execution status from agent",
			slog.String("agent_id", agentID),
			slog.String("command_id", frame.CommandID),
			slog.String("status", string(frame.Status)),
		)
		return
	}

	current, err := h.ledger.Get(ctx, frame.CommandID)
	if err != nil {
		h.logger.Warn("Status for unknown command",
			slog.String("agent_id", agentID),
			slog.String("command_id", frame.CommandID),
		)
		return
	}
	if current.AgentID != agentID || current.Status.IsTerminal() {
		return
	}

	rec := Record{
		CommandID: frame.CommandID,
		AgentID:   agentID,
		Status:    frame.Status,
		Output:    frame.Output,
		Accepted:  true,
	}
	if err := h.ledger.Put(ctx, rec); err != nil {
		h.logger.Error("Failed to record command status",
			slog.String("command_id", frame.CommandID),
			slog.String("error", err.Error()),
		)
	}
}

func (h *Hub) recordAcceptance(agentID, commandID string) {
	ctx := context.Background()
	rec, err := h.ledger.Get(ctx, commandID)
	if err != nil || rec.AgentID != agentID || rec.Accepted {
		return
	}
	rec.Accepted = true
	rec.UpdatedAt = time.Time{}
	if err := h.ledger.Put(ctx, *rec); err != nil {
		h.logger.Warn("Failed to record accepted command",
			slog.String("command_id", commandID),
			slog.String("error", err.Error()),
		)
	}
}

func (h *Hub) recordRejection(ctx context.Context, commandID, agentID, reason string) {
	rec := Record{CommandID: commandID, AgentID: agentID, Status: ExecutionFailed, Output: reason}
	if err := h.ledger.Put(ctx, rec); err != nil {
		h.logger.Warn("Failed to record rejected command",
			slog.String("command_id", commandID),
			slog.String("error", err.Error()),
		)
	}
}

func (h *Hub) dropAgent(ac *agentConn) {
	_ = ac.conn.Close()

	h.mu.Lock()
	current, ok := h.agents[ac.id]
	if ok && current == ac {
		delete(h.agents, ac.id)
	}
	h.mu.Unlock()

	if ok && current == ac {
		h.logger.Info("Agent disconnected", slog.String("agent_id", ac.id))
	}
}

var _ Channel = (*Hub)(nil)
