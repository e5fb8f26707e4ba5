package orchestrator

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/cuongbtq/fleet-jobs/internal/channel"
	"github.com/cuongbtq/fleet-jobs/internal/domain"
	"github.com/cuongbtq/fleet-jobs/internal/notify"
	"github.com/cuongbtq/fleet-jobs/internal/storage"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

type fakeCommand struct {
	agent  string
	script []channel.Execution
	polls  int
}

// fakeChannel plays a scripted sequence of executions per agent
type fakeChannel struct {
	mu          sync.Mutex
	scripts     map[string][]channel.Execution
	rejected    map[string]string
	unreachable map[string]bool
	lostAcks    map[string]int // dispatches that reach the agent but report unreachable
	commands    map[string]*fakeCommand
	dispatched  []string
	attemptIDs  []string
	pollTimes   []time.Time
	active      int
	maxActive   int
	seq         int
	onPoll      func(agent string, poll int)
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{
		scripts:     make(map[string][]channel.Execution),
		rejected:    make(map[string]string),
		unreachable: make(map[string]bool),
		lostAcks:    make(map[string]int),
		commands:    make(map[string]*fakeCommand),
	}
}

func (f *fakeChannel) script(agent string, statuses ...channel.ExecutionStatus) {
	execs := make([]channel.Execution, len(statuses))
	for i, s := range statuses {
		execs[i] = channel.Execution{Status: s, Output: fmt.Sprintf("%s %s", agent, s)}
	}
	f.mu.Lock()
	f.scripts[agent] = execs
	f.mu.Unlock()
}

// preload registers a command as if it had been dispatched before a restart
func (f *fakeChannel) preload(commandID, agent string, statuses ...channel.ExecutionStatus) {
	f.script(agent, statuses...)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commands[commandID] = &fakeCommand{agent: agent, script: f.scripts[agent]}
	f.active++
}

func (f *fakeChannel) Dispatch(ctx context.Context, agentAddress string, cmd channel.Command) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.unreachable[agentAddress] {
		return "", fmt.Errorf("%w: %s", domain.ErrAgentUnreachable, agentAddress)
	}
	if reason, ok := f.rejected[agentAddress]; ok {
		return "", fmt.Errorf("%w: %s", domain.ErrDispatchRejected, reason)
	}

	id := cmd.ID
	if id == "" {
		f.seq++
		id = fmt.Sprintf("cmd-%d", f.seq)
	}
	f.attemptIDs = append(f.attemptIDs, id)

	// the agent runs a command ID once, however often it is sent
	if _, ok := f.commands[id]; !ok {
		f.commands[id] = &fakeCommand{agent: agentAddress, script: f.scripts[agentAddress]}
		f.dispatched = append(f.dispatched, agentAddress)
		f.active++
		if f.active > f.maxActive {
			f.maxActive = f.active
		}
	}

	if f.lostAcks[agentAddress] > 0 {
		f.lostAcks[agentAddress]--
		return "", fmt.Errorf("%w: no ack from %s", domain.ErrAgentUnreachable, agentAddress)
	}
	return id, nil
}

// polls returns how often the commands sent to agent were polled
func (f *fakeChannel) polls(agent string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, cmd := range f.commands {
		if cmd.agent == agent {
			n += cmd.polls
		}
	}
	return n
}

func (f *fakeChannel) Poll(ctx context.Context, commandID string) (channel.Execution, error) {
	f.mu.Lock()
	cmd, ok := f.commands[commandID]
	if !ok {
		f.mu.Unlock()
		return channel.Execution{}, fmt.Errorf("%w: %s", domain.ErrUnknownCommand, commandID)
	}

	f.pollTimes = append(f.pollTimes, time.Now())
	exec := channel.Execution{Status: channel.ExecutionInProgress}
	if len(cmd.script) > 0 {
		i := cmd.polls
		if i >= len(cmd.script) {
			i = len(cmd.script) - 1
		}
		exec = cmd.script[i]
	}
	cmd.polls++
	if exec.Status.IsTerminal() {
		f.active--
	}
	hook, agent, n := f.onPoll, cmd.agent, cmd.polls
	f.mu.Unlock()

	if hook != nil {
		hook(agent, n)
	}
	return exec, nil
}

func (f *fakeChannel) dispatchedAgents() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.dispatched...)
}

type fakeScheduler struct {
	mu   sync.Mutex
	jobs []string
	err  error
}

func (s *fakeScheduler) Schedule(_ context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = append(s.jobs, jobID)
	return s.err
}

// flakyStore fails the first n target updates with a transient error
type flakyStore struct {
	*storage.MemoryStore
	mu       sync.Mutex
	failures int
}

func (s *flakyStore) UpdateTargetStatus(ctx context.Context, jobID, targetKey string, expected domain.TargetStatus, update domain.TargetUpdate) error {
	s.mu.Lock()
	if s.failures > 0 {
		s.failures--
		s.mu.Unlock()
		return fmt.Errorf("%w: connection reset", domain.ErrStoreUnavailable)
	}
	s.mu.Unlock()
	return s.MemoryStore.UpdateTargetStatus(ctx, jobID, targetKey, expected, update)
}

// failingCreateStore rejects job creation while err is set
type failingCreateStore struct {
	*storage.MemoryStore
	mu  sync.Mutex
	err error
}

func (s *failingCreateStore) CreateJobWithTargets(ctx context.Context, job *domain.Job, targets []domain.Target) error {
	s.mu.Lock()
	err := s.err
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return s.MemoryStore.CreateJobWithTargets(ctx, job, targets)
}

func (s *failingCreateStore) heal() {
	s.mu.Lock()
	s.err = nil
	s.mu.Unlock()
}

type harness struct {
	orch      *Orchestrator
	store     storage.JobStore
	channel   *fakeChannel
	events    *notify.Recorder
	scheduler *fakeScheduler
}

func newHarness(t *testing.T, store storage.JobStore, opts ...func(*Config)) *harness {
	t.Helper()

	if store == nil {
		store = storage.NewMemoryStore()
	}
	h := &harness{
		store:     store,
		channel:   newFakeChannel(),
		events:    &notify.Recorder{},
		scheduler: &fakeScheduler{},
	}

	cfg := &Config{
		Logger:     discard,
		Store:      store,
		Channel:    h.channel,
		Publisher:  h.events,
		Scheduler:  h.scheduler,
		JobTimeout: 5 * time.Second,
		Poll:       PollerConfig{Interval: 5 * time.Millisecond},
		Retry:      RetryPolicy{Attempts: 3, Interval: time.Millisecond},
	}
	for _, opt := range opts {
		opt(cfg)
	}
	h.orch = New(cfg)
	return h
}

func (h *harness) submit(t *testing.T, agents ...string) *domain.Job {
	t.Helper()

	specs := make([]domain.TargetSpec, len(agents))
	for i, a := range agents {
		specs[i] = domain.TargetSpec{AgentID: a, AgentAddress: a, PayloadRef: "s3://models/" + a}
	}
	job, err := h.orch.Submit(context.Background(), SubmitRequest{
		Kind:    domain.JobKindUploadPayload,
		EventID: "event-1",
		Targets: specs,
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	return job
}
