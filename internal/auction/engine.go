package auction

import (
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/ssd-technologies/swarm/internal/events"
	"github.com/ssd-technologies/swarm/internal/reputation"
)

// Config holds auction tuning.
type Config struct {
	BidWindow      time.Duration
	MaxBidsPerTask int
	Weights        Weights
}

// DefaultConfig returns a 2 minute window, 20 bids per task and the default
// weights.
func DefaultConfig() Config {
	return Config{
		BidWindow:      2 * time.Minute,
		MaxBidsPerTask: 20,
		Weights:        DefaultWeights(),
	}
}

// Ledger is the part of the reputation ledger the auction reads and the
// task-count bookkeeping it writes.
type Ledger interface {
	Profile(id string) reputation.Profile
	StartTask(id string)
	ReleaseTask(id string)
	CompleteTask(id string, success bool, took time.Duration) reputation.Profile
}

// timer is the handle returned by the scheduler.
type timer interface {
	Stop() bool
}

type openTask struct {
	task  Task
	bids  []Bid
	index map[string]bool // bidder id -> has bid
	timer timer
}

type assigned struct {
	assignment Assignment
	pending    map[string]bool // assignees that have not reported completion
}

// Engine owns the open task queue, the bid sets and live assignments. It is
// safe for concurrent use; every mutation happens under one mutex and events
// are emitted after it is released.
type Engine struct {
	mu          sync.Mutex
	cfg         Config
	ledger      Ledger
	emitter     events.Emitter
	log         zerolog.Logger
	open        map[string]*openTask
	assignments map[string]*assigned

	now       func() time.Time
	afterFunc func(time.Duration, func()) timer
}

// Option configures an Engine.
type Option func(*Engine)

// WithEmitter routes auction events to em.
func WithEmitter(em events.Emitter) Option {
	return func(e *Engine) { e.emitter = em }
}

// WithLogger sets the logger.
func WithLogger(log zerolog.Logger) Option {
	return func(e *Engine) { e.log = log }
}

// NewEngine creates an auction engine. Zero config fields take defaults.
func NewEngine(cfg Config, ledger Ledger, opts ...Option) *Engine {
	def := DefaultConfig()
	if cfg.BidWindow <= 0 {
		cfg.BidWindow = def.BidWindow
	}
	if cfg.MaxBidsPerTask <= 0 {
		cfg.MaxBidsPerTask = def.MaxBidsPerTask
	}
	if cfg.Weights == (Weights{}) {
		cfg.Weights = def.Weights
	}
	e := &Engine{
		cfg:         cfg,
		ledger:      ledger,
		emitter:     events.Discard{},
		log:         zerolog.Nop(),
		open:        make(map[string]*openTask),
		assignments: make(map[string]*assigned),
		now:         time.Now,
		afterFunc: func(d time.Duration, f func()) timer {
			return time.AfterFunc(d, f)
		},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Announce opens the bid window for a task and schedules its single
// evaluation. A missing ID is generated.
func (e *Engine) Announce(task Task) (Task, error) {
	now := e.now()
	task = normalizeTask(task.clone(), now)
	if err := validateTask(task, now); err != nil {
		return Task{}, err
	}

	e.mu.Lock()
	if _, ok := e.open[task.ID]; ok {
		e.mu.Unlock()
		return Task{}, fmt.Errorf("%w: %s", ErrDuplicateTask, task.ID)
	}
	if _, ok := e.assignments[task.ID]; ok {
		e.mu.Unlock()
		return Task{}, fmt.Errorf("%w: %s", ErrDuplicateTask, task.ID)
	}
	ot := &openTask{task: task, index: make(map[string]bool)}
	id := task.ID
	ot.timer = e.afterFunc(e.cfg.BidWindow, func() { e.evaluate(id) })
	e.open[id] = ot
	e.mu.Unlock()

	e.log.Info().
		Str("task_id", task.ID).
		Strs("capabilities", task.RequiredCapabilities).
		Str("bounty", task.Bounty.String()).
		Dur("bid_window", e.cfg.BidWindow).
		Msg("task announced")
	e.emitter.Emit(events.New(events.TaskAnnounced, task.clone()))
	return task.clone(), nil
}

func normalizeTask(t Task, now time.Time) Task {
	t.ID = strings.TrimSpace(t.ID)
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.MinAgents <= 0 {
		t.MinAgents = 1
	}
	if t.MaxAgents < t.MinAgents {
		t.MaxAgents = t.MinAgents
	}
	caps := t.RequiredCapabilities[:0]
	for _, tag := range t.RequiredCapabilities {
		if strings.TrimSpace(tag) != "" {
			caps = append(caps, tag)
		}
	}
	t.RequiredCapabilities = caps
	t.AnnouncedAt = now
	return t
}

func validateTask(t Task, now time.Time) error {
	switch {
	case t.Bounty.IsNegative():
		return fmt.Errorf("%w: negative bounty", ErrInvalidTask)
	case t.Deadline.IsZero():
		return fmt.Errorf("%w: missing deadline", ErrInvalidTask)
	case !t.Deadline.After(now):
		return fmt.Errorf("%w: deadline %s already passed", ErrInvalidTask, t.Deadline.Format(time.RFC3339))
	}
	return nil
}

// SubmitBid adds a bid to an open task's bid set.
func (e *Engine) SubmitBid(bid Bid) error {
	bid = bid.clone()
	bid.TaskID = strings.TrimSpace(bid.TaskID)
	bid.BidderID = strings.TrimSpace(bid.BidderID)

	e.mu.Lock()
	ot, ok := e.open[bid.TaskID]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownTask, bid.TaskID)
	}
	if err := validateBid(bid); err != nil {
		e.mu.Unlock()
		return err
	}
	if ot.index[bid.BidderID] {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s already bid on %s", ErrDuplicateBid, bid.BidderID, bid.TaskID)
	}
	if missing := missingCapabilities(ot.task.RequiredCapabilities, bid.Capabilities); len(missing) > 0 {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s missing %s", ErrCapabilityMismatch, bid.BidderID, strings.Join(missing, ","))
	}
	if len(ot.bids) >= e.cfg.MaxBidsPerTask {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s has %d bids", ErrTooManyBids, bid.TaskID, len(ot.bids))
	}
	bid.Reputation = e.ledger.Profile(bid.BidderID).Reputation
	bid.SubmittedAt = e.now()
	ot.bids = append(ot.bids, bid)
	ot.index[bid.BidderID] = true
	count := len(ot.bids)
	e.mu.Unlock()

	e.log.Debug().
		Str("task_id", bid.TaskID).
		Str("bidder_id", bid.BidderID).
		Float64("confidence", bid.Confidence).
		Float64("reputation", bid.Reputation).
		Int("bid_count", count).
		Msg("bid accepted")
	e.emitter.Emit(events.New(events.BidSubmitted, BidAccepted{Bid: bid.clone(), BidCount: count}))
	return nil
}

func validateBid(b Bid) error {
	switch {
	case b.BidderID == "":
		return fmt.Errorf("%w: missing bidder id", ErrInvalidBid)
	case b.Confidence < 0 || b.Confidence > 1:
		return fmt.Errorf("%w: confidence %.3f outside [0,1]", ErrInvalidBid, b.Confidence)
	case b.RequestedReward.IsNegative():
		return fmt.Errorf("%w: negative reward", ErrInvalidBid)
	case b.EstimatedTime < 0:
		return fmt.Errorf("%w: negative estimated time", ErrInvalidBid)
	}
	return nil
}

// evaluate closes the bid window for a task. It runs at most once per task:
// the task leaves the open queue here, and a cancelled task is already gone.
func (e *Engine) evaluate(taskID string) {
	e.mu.Lock()
	ot, ok := e.open[taskID]
	if !ok {
		e.mu.Unlock()
		return
	}
	delete(e.open, taskID)
	task := ot.task

	if len(ot.bids) == 0 {
		e.mu.Unlock()
		e.fail(task.ID, ReasonNoBids, 0)
		return
	}

	now := e.now()
	scored := make([]ScoredBid, len(ot.bids))
	for i, bid := range ot.bids {
		active := e.ledger.Profile(bid.BidderID).ActiveTasks
		scored[i] = ScoredBid{Bid: bid, Score: Score(bid, task, active, now, e.cfg.Weights)}
	}
	rank(scored)
	winners := selectWinners(scored, task.MinAgents, task.MaxAgents)
	if len(winners) == 0 {
		e.mu.Unlock()
		e.fail(task.ID, ReasonNoSuitableAgents, len(scored))
		return
	}

	a := Assignment{
		TaskID:      task.ID,
		Assignees:   make([]string, len(winners)),
		TotalReward: task.Bounty,
		Deadline:    task.Deadline,
		AssignedAt:  now,
		Winners:     winners,
	}
	pending := make(map[string]bool, len(winners))
	for i, w := range winners {
		a.Assignees[i] = w.Bid.BidderID
		pending[w.Bid.BidderID] = true
		e.ledger.StartTask(w.Bid.BidderID)
	}
	e.assignments[task.ID] = &assigned{assignment: a, pending: pending}
	e.mu.Unlock()

	e.log.Info().
		Str("task_id", task.ID).
		Strs("assignees", a.Assignees).
		Str("requested", a.TotalRequested().String()).
		Int("bids", len(scored)).
		Float64("top_score", winners[0].Score).
		Msg("task assigned")
	e.emitter.Emit(events.New(events.TaskAssigned, a.clone()))
}

func (e *Engine) fail(taskID, reason string, bids int) {
	e.log.Warn().Str("task_id", taskID).Str("reason", reason).Int("bids", bids).Msg("task assignment failed")
	e.emitter.Emit(events.New(events.TaskAssignmentFailed, AssignmentFailed{TaskID: taskID, Reason: reason, Bids: bids}))
}

// CompleteTask records an assignee's result for an assigned task and updates
// its profile. The assignment is dropped once every assignee has reported.
func (e *Engine) CompleteTask(taskID, agentID string, success bool) error {
	e.mu.Lock()
	as, ok := e.assignments[taskID]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("%w: no assignment for %s", ErrUnknownTask, taskID)
	}
	if !as.pending[agentID] {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s on %s", ErrNotAssignee, agentID, taskID)
	}
	delete(as.pending, agentID)
	remaining := pendingIDs(as.pending)
	if len(remaining) == 0 {
		delete(e.assignments, taskID)
	}
	took := e.now().Sub(as.assignment.AssignedAt)
	e.ledger.CompleteTask(agentID, success, took)
	e.mu.Unlock()

	e.log.Info().
		Str("task_id", taskID).
		Str("agent_id", agentID).
		Bool("success", success).
		Dur("took", took).
		Msg("task completed")
	e.emitter.Emit(events.New(events.TaskCompleted, Completion{TaskID: taskID, AgentID: agentID, Success: success, Took: took, Remaining: remaining}))
	return nil
}

// CancelTask withdraws an open task (discarding its bids) or an existing
// assignment (releasing every assignee that has not completed).
func (e *Engine) CancelTask(taskID, reason string) error {
	e.mu.Lock()
	c := Cancellation{TaskID: taskID, Reason: reason}
	if ot, ok := e.open[taskID]; ok {
		if ot.timer != nil {
			ot.timer.Stop()
		}
		delete(e.open, taskID)
	} else if as, ok := e.assignments[taskID]; ok {
		c.WasAssigned = true
		for _, id := range as.assignment.Assignees {
			if as.pending[id] {
				e.ledger.ReleaseTask(id)
				c.Released = append(c.Released, id)
			}
		}
		delete(e.assignments, taskID)
	} else {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownTask, taskID)
	}
	e.mu.Unlock()

	e.log.Info().Str("task_id", taskID).Str("reason", reason).Bool("was_assigned", c.WasAssigned).Msg("task cancelled")
	e.emitter.Emit(events.New(events.TaskCancelled, c))
	return nil
}

func pendingIDs(pending map[string]bool) []string {
	ids := make([]string, 0, len(pending))
	for id := range pending {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Restore reinstates a live assignment loaded from storage. Only the pending
// assignees may still report completion. Active-task counts are not touched;
// the caller recounts them from every restored assignment.
func (e *Engine) Restore(a Assignment, pending []string) error {
	a.TaskID = strings.TrimSpace(a.TaskID)
	if a.TaskID == "" {
		return fmt.Errorf("%w: missing task id", ErrInvalidTask)
	}
	set := make(map[string]bool, len(pending))
	for _, id := range pending {
		if slices.Contains(a.Assignees, id) {
			set[id] = true
		}
	}
	if len(set) == 0 {
		return fmt.Errorf("%w: %s has no pending assignees", ErrInvalidTask, a.TaskID)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.open[a.TaskID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateTask, a.TaskID)
	}
	if _, ok := e.assignments[a.TaskID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateTask, a.TaskID)
	}
	e.assignments[a.TaskID] = &assigned{assignment: a.clone(), pending: set}
	return nil
}

// Task returns an open task.
func (e *Engine) Task(id string) (Task, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ot, ok := e.open[id]
	if !ok {
		return Task{}, false
	}
	return ot.task.clone(), true
}

// Bids returns a copy of an open task's bid set in submission order.
func (e *Engine) Bids(taskID string) []Bid {
	e.mu.Lock()
	defer e.mu.Unlock()
	ot, ok := e.open[taskID]
	if !ok {
		return nil
	}
	out := make([]Bid, len(ot.bids))
	for i, b := range ot.bids {
		out[i] = b.clone()
	}
	return out
}

// Assignment returns a live assignment.
func (e *Engine) Assignment(taskID string) (Assignment, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	as, ok := e.assignments[taskID]
	if !ok {
		return Assignment{}, false
	}
	return as.assignment.clone(), true
}

// Outstanding returns the assignees of a live assignment that have not
// reported yet, sorted.
func (e *Engine) Outstanding(taskID string) []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	as, ok := e.assignments[taskID]
	if !ok {
		return nil
	}
	return pendingIDs(as.pending)
}

// OpenTasks returns the ids of tasks still collecting bids, sorted.
func (e *Engine) OpenTasks() []string {
	e.mu.Lock()
	ids := make([]string, 0, len(e.open))
	for id := range e.open {
		ids = append(ids, id)
	}
	e.mu.Unlock()
	sort.Strings(ids)
	return ids
}

// Close stops every pending bid-window timer. Open tasks are left unevaluated.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, ot := range e.open {
		if ot.timer != nil {
			ot.timer.Stop()
		}
	}
}

// TotalRequested sums the rewards requested by an assignment's winners.
func (a Assignment) TotalRequested() decimal.Decimal {
	total := decimal.Zero
	for _, w := range a.Winners {
		total = total.Add(w.Bid.RequestedReward)
	}
	return total
}
