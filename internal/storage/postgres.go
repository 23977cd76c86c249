package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/ssd-technologies/swarm/internal/reputation"
)

type profileModel struct {
	ID              string    `gorm:"column:id;primaryKey"`
	Reputation      float64   `gorm:"column:reputation;not null"`
	ActiveTasks     int       `gorm:"column:active_tasks;not null;default:0"`
	CompletedTasks  int       `gorm:"column:completed_tasks;not null;default:0"`
	SuccessRate     float64   `gorm:"column:success_rate;not null;default:0"`
	AvgCompletionNs int64     `gorm:"column:avg_completion_ns;not null;default:0"`
	UpdatedAt       time.Time `gorm:"column:updated_at;not null;autoUpdateTime:false"`
}

func (profileModel) TableName() string { return "agent_profiles" }

type assignmentModel struct {
	TaskID      string    `gorm:"column:task_id;primaryKey"`
	Assignees   string    `gorm:"column:assignees;not null"` // comma separated
	Pending     string    `gorm:"column:pending;not null;default:''"`
	TotalReward string    `gorm:"column:total_reward;type:numeric;not null"`
	Deadline    time.Time `gorm:"column:deadline;not null"`
	AssignedAt  time.Time `gorm:"column:assigned_at;not null"`
	Status      string    `gorm:"column:status;index;not null"`
	UpdatedAt   time.Time `gorm:"column:updated_at;not null;autoUpdateTime:false"`
}

func (assignmentModel) TableName() string { return "assignments" }

type outcomeModel struct {
	ProposalID    string    `gorm:"column:proposal_id;primaryKey"`
	TaskID        string    `gorm:"column:task_id;index;not null"`
	ProposerID    string    `gorm:"column:proposer_id;not null"`
	SolutionHash  string    `gorm:"column:solution_hash;not null"`
	SolutionURI   string    `gorm:"column:solution_uri"`
	Status        string    `gorm:"column:status;not null"`
	SupportWeight float64   `gorm:"column:support_weight;not null"`
	RejectWeight  float64   `gorm:"column:reject_weight;not null"`
	TotalVotes    int       `gorm:"column:total_votes;not null"`
	Early         bool      `gorm:"column:early;not null"`
	DecidedAt     time.Time `gorm:"column:decided_at;index;not null"`
}

func (outcomeModel) TableName() string { return "outcomes" }

// Postgres is the gorm-backed Store for deployments sharing one database.
type Postgres struct {
	db  *gorm.DB
	log zerolog.Logger
}

// ConnectPostgres opens dsn, pings it and migrates the schema.
func ConnectPostgres(ctx context.Context, dsn string, log zerolog.Logger) (*Postgres, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("postgres dsn is required")
	}
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("open gorm postgres: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("resolve postgres sql db handle: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := sqlDB.PingContext(pingCtx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if err := db.WithContext(ctx).AutoMigrate(&profileModel{}, &assignmentModel{}, &outcomeModel{}); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("migrate postgres: %w", err)
	}
	return &Postgres{db: db, log: log}, nil
}

// Close closes the connection pool.
func (p *Postgres) Close() error {
	if p == nil || p.db == nil {
		return nil
	}
	sqlDB, err := p.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// SaveProfile upserts a profile unless the stored row is newer.
func (p *Postgres) SaveProfile(rp reputation.Profile) error {
	row := profileModel{
		ID:              rp.ID,
		Reputation:      rp.Reputation,
		ActiveTasks:     rp.ActiveTasks,
		CompletedTasks:  rp.CompletedTasks,
		SuccessRate:     rp.SuccessRate,
		AvgCompletionNs: int64(rp.AvgCompletionTime),
		UpdatedAt:       rp.UpdatedAt.UTC(),
	}
	err := p.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"reputation", "active_tasks", "completed_tasks", "success_rate", "avg_completion_ns", "updated_at",
		}),
		Where: clause.Where{Exprs: []clause.Expression{
			clause.Expr{SQL: "agent_profiles.updated_at <= excluded.updated_at"},
		}},
	}).Create(&row).Error
	if err != nil {
		return p.logError("save profile", err, "agent_id", rp.ID)
	}
	return nil
}

// LoadProfiles returns every stored profile ordered by id.
func (p *Postgres) LoadProfiles(ctx context.Context) ([]reputation.Profile, error) {
	var rows []profileModel
	if err := p.db.WithContext(ctx).Order("id ASC").Find(&rows).Error; err != nil {
		return nil, p.logError("load profiles", err)
	}
	out := make([]reputation.Profile, len(rows))
	for i, r := range rows {
		out[i] = reputation.Profile{
			ID:                r.ID,
			Reputation:        r.Reputation,
			ActiveTasks:       r.ActiveTasks,
			CompletedTasks:    r.CompletedTasks,
			SuccessRate:       r.SuccessRate,
			AvgCompletionTime: time.Duration(r.AvgCompletionNs),
			UpdatedAt:         r.UpdatedAt.UTC(),
		}
	}
	return out, nil
}

// SaveAssignment inserts or replaces an assignment record.
func (p *Postgres) SaveAssignment(ctx context.Context, a Assignment) error {
	if a.Status == "" {
		a.Status = AssignmentActive
	}
	if a.UpdatedAt.IsZero() {
		a.UpdatedAt = a.AssignedAt
	}
	row := assignmentModel{
		TaskID:      a.TaskID,
		Assignees:   strings.Join(a.Assignees, ","),
		Pending:     strings.Join(a.Pending, ","),
		TotalReward: a.TotalReward,
		Deadline:    a.Deadline.UTC(),
		AssignedAt:  a.AssignedAt.UTC(),
		Status:      a.Status,
		UpdatedAt:   a.UpdatedAt.UTC(),
	}
	err := p.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "task_id"}},
		UpdateAll: true,
	}).Create(&row).Error
	if err != nil {
		return p.logError("save assignment", err, "task_id", a.TaskID)
	}
	return nil
}

// SetAssignmentStatus updates the status of a stored assignment.
func (p *Postgres) SetAssignmentStatus(ctx context.Context, taskID, status string) error {
	res := p.db.WithContext(ctx).Model(&assignmentModel{}).
		Where("task_id = ?", taskID).
		Updates(map[string]any{"status": status, "updated_at": time.Now().UTC()})
	if res.Error != nil {
		return p.logError("set assignment status", res.Error, "task_id", taskID)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("assignment %s: %w", taskID, ErrNotFound)
	}
	return nil
}

// GetAssignment retrieves an assignment by task id.
func (p *Postgres) GetAssignment(ctx context.Context, taskID string) (Assignment, error) {
	var row assignmentModel
	err := p.db.WithContext(ctx).Where("task_id = ?", taskID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Assignment{}, fmt.Errorf("assignment %s: %w", taskID, ErrNotFound)
	}
	if err != nil {
		return Assignment{}, p.logError("get assignment", err, "task_id", taskID)
	}
	return row.record(), nil
}

// ListAssignments returns the assignments in status, oldest first.
func (p *Postgres) ListAssignments(ctx context.Context, status string) ([]Assignment, error) {
	var rows []assignmentModel
	err := p.db.WithContext(ctx).Where("status = ?", status).Order("assigned_at ASC, task_id ASC").Find(&rows).Error
	if err != nil {
		return nil, p.logError("list assignments", err, "status", status)
	}
	out := make([]Assignment, len(rows))
	for i, r := range rows {
		out[i] = r.record()
	}
	return out, nil
}

func (r assignmentModel) record() Assignment {
	return Assignment{
		TaskID:      r.TaskID,
		Assignees:   splitIDs(r.Assignees),
		Pending:     splitIDs(r.Pending),
		TotalReward: r.TotalReward,
		Deadline:    r.Deadline.UTC(),
		AssignedAt:  r.AssignedAt.UTC(),
		Status:      r.Status,
		UpdatedAt:   r.UpdatedAt.UTC(),
	}
}

func splitIDs(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}

// SaveOutcome records a proposal's terminal state. The first record wins.
func (p *Postgres) SaveOutcome(ctx context.Context, o Outcome) error {
	row := outcomeModel{
		ProposalID:    o.ProposalID,
		TaskID:        o.TaskID,
		ProposerID:    o.ProposerID,
		SolutionHash:  o.SolutionHash,
		SolutionURI:   o.SolutionURI,
		Status:        o.Status,
		SupportWeight: o.SupportWeight,
		RejectWeight:  o.RejectWeight,
		TotalVotes:    o.TotalVotes,
		Early:         o.Early,
		DecidedAt:     o.DecidedAt.UTC(),
	}
	err := p.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error
	if err != nil {
		return p.logError("save outcome", err, "proposal_id", o.ProposalID)
	}
	return nil
}

// GetOutcome retrieves the outcome of a proposal.
func (p *Postgres) GetOutcome(ctx context.Context, proposalID string) (Outcome, error) {
	var row outcomeModel
	err := p.db.WithContext(ctx).Where("proposal_id = ?", proposalID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Outcome{}, fmt.Errorf("outcome %s: %w", proposalID, ErrNotFound)
	}
	if err != nil {
		return Outcome{}, p.logError("get outcome", err, "proposal_id", proposalID)
	}
	return row.toOutcome(), nil
}

// ListOutcomes returns the most recent outcomes first.
func (p *Postgres) ListOutcomes(ctx context.Context, limit int) ([]Outcome, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []outcomeModel
	if err := p.db.WithContext(ctx).Order("decided_at DESC").Limit(limit).Find(&rows).Error; err != nil {
		return nil, p.logError("list outcomes", err)
	}
	out := make([]Outcome, len(rows))
	for i, r := range rows {
		out[i] = r.toOutcome()
	}
	return out, nil
}

func (r outcomeModel) toOutcome() Outcome {
	return Outcome{
		ProposalID:    r.ProposalID,
		TaskID:        r.TaskID,
		ProposerID:    r.ProposerID,
		SolutionHash:  r.SolutionHash,
		SolutionURI:   r.SolutionURI,
		Status:        r.Status,
		SupportWeight: r.SupportWeight,
		RejectWeight:  r.RejectWeight,
		TotalVotes:    r.TotalVotes,
		Early:         r.Early,
		DecidedAt:     r.DecidedAt.UTC(),
	}
}

func (p *Postgres) logError(op string, err error, kv ...string) error {
	ev := p.log.Error().Err(err).Str("op", op)
	for i := 0; i+1 < len(kv); i += 2 {
		ev = ev.Str(kv[i], kv[i+1])
	}
	ev.Msg("postgres store failed")
	return fmt.Errorf("%s: %w", op, err)
}
