package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/jonboulle/clockwork"

	apperrors "github.com/edgard/replybot/internal/errors"
	"github.com/edgard/replybot/internal/instance"
	"github.com/edgard/replybot/internal/logger"
	"github.com/edgard/replybot/internal/rules"
)

// Store defines the persistence operations used by the service.
type Store interface {
	// Ping checks the database connection.
	Ping(ctx context.Context) error

	// RunSQLMaintenance performs database maintenance tasks like VACUUM.
	RunSQLMaintenance(ctx context.Context) error

	rules.Store

	// GetRule returns one rule, or a ValidationError if it does not exist.
	GetRule(ctx context.Context, id string) (rules.AutoReplyRule, error)

	instance.Repository

	// MarkReceived records a webhook message id, reporting false when it was
	// already recorded.
	MarkReceived(ctx context.Context, instanceID, messageID string, at time.Time) (bool, error)

	// PruneReceipts deletes receipts recorded before cutoff.
	PruneReceipts(ctx context.Context, cutoff time.Time) (int64, error)
}

// sqlxStore provides an implementation of the Store interface using sqlx.
type sqlxStore struct {
	db     *sqlx.DB
	clock  clockwork.Clock
	logger *slog.Logger
}

// NewStore creates a Store backed by db. A nil clock uses the real clock.
func NewStore(db *sqlx.DB, log *slog.Logger, clock clockwork.Clock) Store {
	if log == nil {
		log = logger.Discard()
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &sqlxStore{
		db:     db,
		clock:  clock,
		logger: log.With("component", "store"),
	}
}

func (s *sqlxStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *sqlxStore) ListRules(ctx context.Context) ([]rules.AutoReplyRule, error) {
	var rows []ruleRow
	query := `SELECT ` + ruleColumns + ` FROM auto_reply_rules ORDER BY id`
	if err := s.db.SelectContext(ctx, &rows, query); err != nil {
		return nil, apperrors.NewDatabaseError("failed to list rules", err)
	}

	out := make([]rules.AutoReplyRule, 0, len(rows))
	for _, row := range rows {
		r, err := row.toRule()
		if err != nil {
			s.logger.WarnContext(ctx, "Skipping unreadable rule", "rule_id", row.ID, "error", err)
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

func (s *sqlxStore) GetRule(ctx context.Context, id string) (rules.AutoReplyRule, error) {
	var row ruleRow
	query := `SELECT ` + ruleColumns + ` FROM auto_reply_rules WHERE id = ?`
	err := s.db.GetContext(ctx, &row, query, id)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return rules.AutoReplyRule{}, apperrors.NewValidationError("unknown rule "+id, nil)
	case err != nil:
		return rules.AutoReplyRule{}, apperrors.NewDatabaseError("failed to get rule "+id, err)
	}
	return row.toRule()
}

// ClaimUse counts one firing with a single conditional UPDATE, so concurrent
// claims can never push a rule past its quota. A counter recorded for another
// day restarts at one.
func (s *sqlxStore) ClaimUse(ctx context.Context, ruleID, day string, now time.Time) (bool, error) {
	query := `
        UPDATE auto_reply_rules
        SET current_uses_today = CASE WHEN usage_date = ? THEN current_uses_today + 1 ELSE 1 END,
            usage_date = ?,
            last_used_at = ?,
            updated_at = ?
        WHERE id = ?
          AND (max_uses_per_day = 0 OR usage_date <> ? OR current_uses_today < max_uses_per_day);
    `
	res, err := s.db.ExecContext(ctx, query, day, day, now.UTC(), s.clock.Now().UTC(), ruleID, day)
	if err != nil {
		return false, apperrors.NewDatabaseError("failed to claim rule use", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, apperrors.NewDatabaseError("failed to read claim result", err)
	}
	if affected == 1 {
		return true, nil
	}

	exists, err := s.ruleExists(ctx, ruleID)
	if err != nil {
		return false, err
	}
	if !exists {
		return false, apperrors.NewValidationError("unknown rule "+ruleID, nil)
	}
	return false, nil
}

func (s *sqlxStore) ResetUsage(ctx context.Context, ruleID, day string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE auto_reply_rules SET current_uses_today = 0, usage_date = ?, updated_at = ? WHERE id = ? AND usage_date <> ?`,
		day, s.clock.Now().UTC(), ruleID, day)
	if err != nil {
		return apperrors.NewDatabaseError("failed to reset rule usage", err)
	}
	if affected, err := res.RowsAffected(); err == nil && affected == 0 {
		exists, err := s.ruleExists(ctx, ruleID)
		if err != nil {
			return err
		}
		if !exists {
			return apperrors.NewValidationError("unknown rule "+ruleID, nil)
		}
	}
	return nil
}

// UpsertRule inserts a rule or replaces its definition. Usage counters of an
// existing rule are kept.
func (s *sqlxStore) UpsertRule(ctx context.Context, rule rules.AutoReplyRule) error {
	if rule.ID == "" {
		return apperrors.NewValidationError("rule id is required", nil)
	}
	row, err := newRuleRow(rule, s.clock.Now().UTC())
	if err != nil {
		return apperrors.NewValidationError("invalid rule "+rule.ID, err)
	}

	query := `
        INSERT INTO auto_reply_rules (` + ruleColumns + `)
        VALUES (:id, :trigger_text, :response, :alternate_responses, :enabled, :case_sensitive, :exact_match,
                :priority, :category, :delay_seconds, :max_uses_per_day, :current_uses_today, :usage_date, :last_used_at,
                :conditions, :use_sender_name, :use_current_time, :use_random_response, :timezone, :created_at, :updated_at)
        ON CONFLICT (id) DO UPDATE SET
            trigger_text        = excluded.trigger_text,
            response            = excluded.response,
            alternate_responses = excluded.alternate_responses,
            enabled             = excluded.enabled,
            case_sensitive      = excluded.case_sensitive,
            exact_match         = excluded.exact_match,
            priority            = excluded.priority,
            category            = excluded.category,
            delay_seconds       = excluded.delay_seconds,
            max_uses_per_day    = excluded.max_uses_per_day,
            conditions          = excluded.conditions,
            use_sender_name     = excluded.use_sender_name,
            use_current_time    = excluded.use_current_time,
            use_random_response = excluded.use_random_response,
            timezone            = excluded.timezone,
            updated_at          = excluded.updated_at;
    `
	if _, err := s.db.NamedExecContext(ctx, query, row); err != nil {
		s.logger.ErrorContext(ctx, "Error saving rule", "rule_id", rule.ID, "error", err)
		return apperrors.NewDatabaseError("failed to save rule "+rule.ID, err)
	}
	s.logger.DebugContext(ctx, "Rule saved", "rule_id", rule.ID)
	return nil
}

func (s *sqlxStore) ruleExists(ctx context.Context, id string) (bool, error) {
	var n int
	if err := s.db.GetContext(ctx, &n, `SELECT COUNT(1) FROM auto_reply_rules WHERE id = ?`, id); err != nil {
		return false, apperrors.NewDatabaseError("failed to look up rule", err)
	}
	return n > 0, nil
}

func (s *sqlxStore) SaveInstance(ctx context.Context, inst instance.MessagingInstance) error {
	row := newInstanceRow(inst, s.clock.Now().UTC())
	query := `
        INSERT INTO messaging_instances (id, phone_number, auth_token, gateway_base_url, state,
                                         last_state_change_at, last_error, created_at, updated_at)
        VALUES (:id, :phone_number, :auth_token, :gateway_base_url, :state,
                :last_state_change_at, :last_error, :created_at, :updated_at)
        ON CONFLICT (id) DO UPDATE SET
            phone_number         = excluded.phone_number,
            auth_token           = excluded.auth_token,
            gateway_base_url     = excluded.gateway_base_url,
            state                = excluded.state,
            last_state_change_at = excluded.last_state_change_at,
            last_error           = excluded.last_error,
            updated_at           = excluded.updated_at;
    `
	if _, err := s.db.NamedExecContext(ctx, query, row); err != nil {
		return apperrors.NewDatabaseError("failed to save instance "+inst.ID, err)
	}
	return nil
}

func (s *sqlxStore) DeleteInstance(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM messaging_instances WHERE id = ?`, id); err != nil {
		return apperrors.NewDatabaseError("failed to delete instance "+id, err)
	}
	return nil
}

func (s *sqlxStore) ListInstances(ctx context.Context) ([]instance.MessagingInstance, error) {
	var rows []instanceRow
	query := `
        SELECT id, phone_number, auth_token, gateway_base_url, state, last_state_change_at, last_error, created_at, updated_at
        FROM messaging_instances
        ORDER BY id;
    `
	if err := s.db.SelectContext(ctx, &rows, query); err != nil {
		return nil, apperrors.NewDatabaseError("failed to list instances", err)
	}
	out := make([]instance.MessagingInstance, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toInstance())
	}
	return out, nil
}

func (s *sqlxStore) MarkReceived(ctx context.Context, instanceID, messageID string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO webhook_receipts (instance_id, message_id, received_at) VALUES (?, ?, ?)`,
		instanceID, messageID, at.Unix())
	if err != nil {
		return false, apperrors.NewDatabaseError("failed to record webhook receipt", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, apperrors.NewDatabaseError("failed to read receipt result", err)
	}
	return affected == 1, nil
}

func (s *sqlxStore) PruneReceipts(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM webhook_receipts WHERE received_at < ?`, cutoff.Unix())
	if err != nil {
		return 0, apperrors.NewDatabaseError("failed to prune webhook receipts", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, apperrors.NewDatabaseError("failed to read prune result", err)
	}
	if n > 0 {
		s.logger.InfoContext(ctx, "Pruned webhook receipts", "deleted", n, "cutoff", cutoff)
	}
	return n, nil
}

// RunSQLMaintenance runs VACUUM and refreshes the planner statistics.
func (s *sqlxStore) RunSQLMaintenance(ctx context.Context) error {
	if ctx.Err() != nil {
		s.logger.WarnContext(ctx, "Context cancelled or timed out before starting VACUUM", "error", ctx.Err())
		return ctx.Err()
	}

	s.logger.InfoContext(ctx, "Starting database maintenance (VACUUM)...")
	start := s.clock.Now()

	// VACUUM cannot run inside a transaction.
	_, err := s.db.ExecContext(ctx, "VACUUM;")
	switch {
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled):
		s.logger.WarnContext(ctx, "VACUUM operation timed out or was cancelled", "error", err)
		return fmt.Errorf("database maintenance (VACUUM) timed out: %w", err)
	case err != nil:
		s.logger.ErrorContext(ctx, "Database maintenance (VACUUM) failed", "error", err)
		return apperrors.NewDatabaseError("failed to execute VACUUM", err)
	}

	if _, err := s.db.ExecContext(ctx, "PRAGMA optimize;"); err != nil {
		s.logger.WarnContext(ctx, "PRAGMA optimize failed", "error", err)
	}

	s.logger.InfoContext(ctx, "Database maintenance (VACUUM) completed successfully", "duration", s.clock.Since(start))
	return nil
}
