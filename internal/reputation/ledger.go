// Package reputation keeps the per-participant profile both engines read:
// a bounded reputation score plus task bookkeeping.
package reputation

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ssd-technologies/swarm/internal/events"
)

const (
	MinScore     = 0.0
	MaxScore     = 200.0
	InitialScore = 100.0
)

// Profile is the state tracked for one participant.
type Profile struct {
	ID                string        `json:"id"`
	Reputation        float64       `json:"reputation"`
	ActiveTasks       int           `json:"active_tasks"`
	CompletedTasks    int           `json:"completed_tasks"`
	SuccessRate       float64       `json:"success_rate"`
	AvgCompletionTime time.Duration `json:"avg_completion_time"`
	UpdatedAt         time.Time     `json:"updated_at"`
}

// Update is the payload of a reputationUpdated event.
type Update struct {
	AgentID  string  `json:"agent_id"`
	Previous float64 `json:"previous"`
	Current  float64 `json:"current"`
	Delta    float64 `json:"delta"`
	Reason   string  `json:"reason"`
}

// Persister receives every profile change. Failures are logged by the
// ledger and never roll back the in-memory state.
type Persister interface {
	SaveProfile(p Profile) error
}

// Clamp bounds a score to [MinScore, MaxScore].
func Clamp(score float64) float64 {
	if score < MinScore {
		return MinScore
	}
	if score > MaxScore {
		return MaxScore
	}
	return score
}

// Ledger is safe for concurrent use. Profiles are created on first contact.
type Ledger struct {
	mu       sync.Mutex
	profiles map[string]*Profile

	emitter   events.Emitter
	persister Persister
	log       zerolog.Logger
	now       func() time.Time
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithEmitter routes reputationUpdated events to e.
func WithEmitter(e events.Emitter) Option {
	return func(l *Ledger) { l.emitter = e }
}

// WithPersister writes every change through to p.
func WithPersister(p Persister) Option {
	return func(l *Ledger) { l.persister = p }
}

// WithLogger sets the logger.
func WithLogger(log zerolog.Logger) Option {
	return func(l *Ledger) { l.log = log }
}

// NewLedger creates an empty ledger.
func NewLedger(opts ...Option) *Ledger {
	l := &Ledger{
		profiles: make(map[string]*Profile),
		emitter:  events.Discard{},
		log:      zerolog.Nop(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Load seeds the ledger with stored profiles, clamping their scores. It does
// not emit events or write back.
func (l *Ledger) Load(profiles []Profile) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, p := range profiles {
		p := p
		p.Reputation = Clamp(p.Reputation)
		if p.ActiveTasks < 0 {
			p.ActiveTasks = 0
		}
		l.profiles[p.ID] = &p
	}
}

// RecountActive sets every profile's active-task count to counts[id], zero
// when absent, and persists the profiles that changed.
func (l *Ledger) RecountActive(counts map[string]int) {
	l.mu.Lock()
	var changed []Profile
	for id := range counts {
		l.profileLocked(id)
	}
	for id, p := range l.profiles {
		if n := max(0, counts[id]); p.ActiveTasks != n {
			p.ActiveTasks = n
			p.UpdatedAt = l.now()
			changed = append(changed, *p)
		}
	}
	l.mu.Unlock()

	for _, p := range changed {
		l.persist(p)
	}
}

// profileLocked returns the profile for id, creating it on first contact.
// Must be called with l.mu held.
func (l *Ledger) profileLocked(id string) *Profile {
	p, ok := l.profiles[id]
	if !ok {
		p = &Profile{ID: id, Reputation: InitialScore, UpdatedAt: l.now()}
		l.profiles[id] = p
	}
	return p
}

// Profile returns a copy of the participant's profile.
func (l *Ledger) Profile(id string) Profile {
	l.mu.Lock()
	defer l.mu.Unlock()
	return *l.profileLocked(id)
}

// Score returns the participant's reputation.
func (l *Ledger) Score(id string) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.profileLocked(id).Reputation
}

// Known reports whether the participant has a profile without creating one.
func (l *Ledger) Known(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.profiles[id]
	return ok
}

// Profiles returns copies of all profiles ordered by id.
func (l *Ledger) Profiles() []Profile {
	l.mu.Lock()
	out := make([]Profile, 0, len(l.profiles))
	for _, p := range l.profiles {
		out = append(out, *p)
	}
	l.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Set overwrites a participant's score (clamped). Used for operator seeding.
func (l *Ledger) Set(id string, score float64, reason string) float64 {
	l.mu.Lock()
	p := l.profileLocked(id)
	prev := p.Reputation
	p.Reputation = Clamp(score)
	p.UpdatedAt = l.now()
	snapshot := *p
	l.mu.Unlock()

	l.afterChange(snapshot, prev, reason)
	return snapshot.Reputation
}

// Adjust adds delta to the participant's score, clamped to [0,200], and
// returns the new score.
func (l *Ledger) Adjust(id string, delta float64, reason string) float64 {
	l.mu.Lock()
	p := l.profileLocked(id)
	prev := p.Reputation
	p.Reputation = Clamp(prev + delta)
	p.UpdatedAt = l.now()
	snapshot := *p
	l.mu.Unlock()

	l.afterChange(snapshot, prev, reason)
	return snapshot.Reputation
}

// afterChange persists the profile and reports the score change.
func (l *Ledger) afterChange(p Profile, prev float64, reason string) {
	l.persist(p)
	l.log.Debug().
		Str("agent_id", p.ID).
		Float64("previous", prev).
		Float64("current", p.Reputation).
		Str("reason", reason).
		Msg("reputation updated")
	l.emitter.Emit(events.New(events.ReputationUpdated, Update{
		AgentID:  p.ID,
		Previous: prev,
		Current:  p.Reputation,
		Delta:    p.Reputation - prev,
		Reason:   reason,
	}))
}

// StartTask increments the active-task count.
func (l *Ledger) StartTask(id string) {
	l.mu.Lock()
	p := l.profileLocked(id)
	p.ActiveTasks++
	p.UpdatedAt = l.now()
	snapshot := *p
	l.mu.Unlock()
	l.persist(snapshot)
}

// ReleaseTask decrements the active-task count without recording a
// completion (cancellation).
func (l *Ledger) ReleaseTask(id string) {
	l.mu.Lock()
	p := l.profileLocked(id)
	if p.ActiveTasks > 0 {
		p.ActiveTasks--
	}
	p.UpdatedAt = l.now()
	snapshot := *p
	l.mu.Unlock()
	l.persist(snapshot)
}

// CompleteTask records a finished task: active−1 (floor 0), completed+1, and
// incremental means for success rate and completion time.
func (l *Ledger) CompleteTask(id string, success bool, took time.Duration) Profile {
	l.mu.Lock()
	p := l.profileLocked(id)
	if p.ActiveTasks > 0 {
		p.ActiveTasks--
	}
	p.CompletedTasks++
	n := float64(p.CompletedTasks)
	outcome := 0.0
	if success {
		outcome = 1
	}
	p.SuccessRate = (p.SuccessRate*(n-1) + outcome) / n
	if took < 0 {
		took = 0
	}
	p.AvgCompletionTime = time.Duration((float64(p.AvgCompletionTime)*(n-1) + float64(took)) / n)
	p.UpdatedAt = l.now()
	snapshot := *p
	l.mu.Unlock()

	l.persist(snapshot)
	return snapshot
}

func (l *Ledger) persist(p Profile) {
	if l.persister == nil {
		return
	}
	if err := l.persister.SaveProfile(p); err != nil {
		l.log.Error().Err(err).Str("agent_id", p.ID).Msg("persist profile failed")
	}
}
