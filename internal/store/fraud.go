package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/punchamoorthee/shardledger/internal/domain"
)

// RecordDecision stores the scored decision and enqueues its event in one
// transaction. recorded is false when the transfer was already scored; in
// that case nothing is enqueued.
func (f *FraudStore) RecordDecision(ctx context.Context, rec domain.DecisionRecord, ev *domain.OutboxEvent) (recorded bool, err error) {
	err = f.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO fraud_decisions (transfer_id, score, decision, from_owner, to_owner, amount, currency, decided_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (transfer_id) DO NOTHING`,
			rec.TransferID, rec.Score, string(rec.Decision), rec.FromOwner, rec.ToOwner, rec.Amount, rec.Currency, rec.DecidedAt.UTC())
		if err != nil {
			return classify(fmt.Errorf("insert decision: %w", err))
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil
		}
		recorded = true
		_, err = insertOutbox(ctx, tx, ev)
		return err
	})
	return recorded, err
}

// GetDecision retrieves the decision recorded for a transfer.
func (f *FraudStore) GetDecision(ctx context.Context, transferID string) (*domain.DecisionRecord, error) {
	var (
		rec      domain.DecisionRecord
		decision string
	)
	err := f.conn.QueryRowContext(ctx, `
		SELECT transfer_id, score, decision, from_owner, to_owner, amount, currency, decided_at
		FROM fraud_decisions WHERE transfer_id = $1`, transferID).
		Scan(&rec.TransferID, &rec.Score, &decision, &rec.FromOwner, &rec.ToOwner, &rec.Amount, &rec.Currency, &rec.DecidedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: no decision for %s", domain.ErrTransferNotFound, transferID)
		}
		return nil, classify(err)
	}
	rec.Decision = domain.Decision(decision)
	rec.DecidedAt = rec.DecidedAt.UTC()
	return &rec, nil
}

// claimReceiptTx records that the decision for transferID is being acted on.
// It returns false if an earlier delivery already claimed it.
func claimReceiptTx(ctx context.Context, tx *sql.Tx, transferID string, decision domain.Decision) (bool, error) {
	res, err := tx.ExecContext(ctx, `
		INSERT INTO decision_receipts (transfer_id, decision, received_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (transfer_id) DO NOTHING`, transferID, string(decision), time.Now().UTC())
	if err != nil {
		return false, classify(fmt.Errorf("claim receipt: %w", err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("receipt rows affected: %w", err)
	}
	return n == 1, nil
}

func insertAlertTx(ctx context.Context, tx *sql.Tx, a *domain.FraudAlert) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO fraud_alerts (id, alert_type, transfer_id, owner_id, message, severity, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		a.ID, a.Type, a.TransferID, a.OwnerID, a.Message, string(a.Severity), a.CreatedAt.UTC())
	if err != nil {
		return classify(fmt.Errorf("insert %s alert: %w", a.Type, err))
	}
	return nil
}

// ApplyAllow records the monitoring alert for an ALLOW decision once.
func (f *FraudStore) ApplyAllow(ctx context.Context, transferID string, alert *domain.FraudAlert) (applied bool, err error) {
	err = f.inTx(ctx, func(tx *sql.Tx) error {
		claimed, err := claimReceiptTx(ctx, tx, transferID, domain.DecisionAllow)
		if err != nil || !claimed {
			return err
		}
		applied = true
		return insertAlertTx(ctx, tx, alert)
	})
	return applied, err
}

// ApplyReview queues the transfer for manual review, raises the alert and
// enqueues ev, once per transfer.
func (f *FraudStore) ApplyReview(ctx context.Context, entry *domain.ReviewQueueEntry, alert *domain.FraudAlert, ev *domain.OutboxEvent) (applied bool, err error) {
	err = f.inTx(ctx, func(tx *sql.Tx) error {
		claimed, err := claimReceiptTx(ctx, tx, entry.TransferID, domain.DecisionReview)
		if err != nil || !claimed {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO review_queue (transfer_id, owner_id, to_owner, amount, currency, score, reason, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (transfer_id) DO NOTHING`,
			entry.TransferID, entry.OwnerID, entry.ToOwner, entry.Amount, entry.Currency, entry.Score, entry.Reason, entry.CreatedAt.UTC())
		if err != nil {
			return classify(fmt.Errorf("insert review entry: %w", err))
		}
		if err := insertAlertTx(ctx, tx, alert); err != nil {
			return err
		}
		if _, err := insertOutbox(ctx, tx, ev); err != nil {
			return err
		}
		applied = true
		return nil
	})
	return applied, err
}

const actionColumns = `transfer_id, action_type, reason, score, owner_id, to_owner, amount, currency, status, attempts, reversal_id, notes, created_at, updated_at`

// Freeze describes the status change OpenReversal applies to the action's
// owner when it creates the action.
type Freeze struct {
	Reason string
	Actor  string
}

// OpenReversal creates the PENDING reversal action for a transfer unless one
// exists, and returns the stored row. A non-empty receipt also claims the
// decision receipt in the same transaction. A non-nil freeze moves the owner
// to FROZEN only together with creating the action, so a later attempt on the
// same action never overrides an admin's unfreeze.
func (f *FraudStore) OpenReversal(ctx context.Context, a *domain.FraudAction, receipt domain.Decision, freeze *Freeze) (*domain.FraudAction, error) {
	now := time.Now().UTC()
	var stored *domain.FraudAction
	err := f.inTx(ctx, func(tx *sql.Tx) error {
		if receipt != "" {
			if _, err := claimReceiptTx(ctx, tx, a.TransferID, receipt); err != nil {
				return err
			}
		}
		res, err := tx.ExecContext(ctx, `
			INSERT INTO fraud_actions (`+actionColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 1, '', $10, $11, $11)
			ON CONFLICT (transfer_id) DO NOTHING`,
			a.TransferID, a.ActionType, a.Reason, a.Score, a.OwnerID, a.ToOwner, a.Amount, a.Currency,
			string(domain.ActionPending), a.Notes, now)
		if err != nil {
			return classify(fmt.Errorf("insert fraud action: %w", err))
		}
		created, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("fraud action rows affected: %w", err)
		}
		if created == 1 && freeze != nil {
			current, err := getStatus(ctx, tx, a.OwnerID)
			if err != nil {
				return err
			}
			if _, err := setStatusTx(ctx, tx, current, domain.StatusFrozen, freeze.Reason, freeze.Actor, nil, now); err != nil {
				return fmt.Errorf("freeze %s: %w", a.OwnerID, err)
			}
		}
		stored, err = scanAction(tx.QueryRowContext(ctx, `SELECT `+actionColumns+` FROM fraud_actions WHERE transfer_id = $1`, a.TransferID))
		return err
	})
	return stored, err
}

// GetAction retrieves the fraud action for a transfer.
func (f *FraudStore) GetAction(ctx context.Context, transferID string) (*domain.FraudAction, error) {
	return scanAction(f.conn.QueryRowContext(ctx, `SELECT `+actionColumns+` FROM fraud_actions WHERE transfer_id = $1`, transferID))
}

func scanAction(row rowScanner) (*domain.FraudAction, error) {
	var (
		a      domain.FraudAction
		status string
	)
	err := row.Scan(&a.TransferID, &a.ActionType, &a.Reason, &a.Score, &a.OwnerID, &a.ToOwner, &a.Amount,
		&a.Currency, &status, &a.Attempts, &a.ReversalID, &a.Notes, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, notFound(err, domain.ErrActionNotFound)
	}
	a.Status = domain.ActionStatus(status)
	a.CreatedAt = a.CreatedAt.UTC()
	a.UpdatedAt = a.UpdatedAt.UTC()
	return &a, nil
}

// StalePendingActions lists PENDING actions last touched before cutoff,
// oldest first.
func (f *FraudStore) StalePendingActions(ctx context.Context, cutoff time.Time, limit int) ([]*domain.FraudAction, error) {
	rows, err := f.conn.QueryContext(ctx, `
		SELECT `+actionColumns+` FROM fraud_actions
		WHERE status = $1 AND updated_at < $2
		ORDER BY updated_at
		LIMIT $3`, string(domain.ActionPending), cutoff.UTC(), limit)
	if err != nil {
		return nil, classify(fmt.Errorf("select pending actions: %w", err))
	}
	defer rows.Close()

	var actions []*domain.FraudAction
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, err
		}
		actions = append(actions, a)
	}
	return actions, rows.Err()
}

// ActionOutcome is the terminal result of one reversal attempt.
type ActionOutcome struct {
	Status     domain.ActionStatus
	ReversalID string
	Notes      string
	Alert      *domain.FraudAlert
	Event      *domain.OutboxEvent
}

// FinishAction moves the PENDING action at the given attempt to a terminal
// status and writes its alert and event. finished is false if the attempt
// was already finished, in which case nothing is written.
func (f *FraudStore) FinishAction(ctx context.Context, transferID string, attempt int, out ActionOutcome) (finished bool, err error) {
	err = f.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE fraud_actions SET status = $1, reversal_id = $2, notes = $3, updated_at = $4
			WHERE transfer_id = $5 AND attempts = $6 AND status = $7`,
			string(out.Status), out.ReversalID, out.Notes, time.Now().UTC(), transferID, attempt, string(domain.ActionPending))
		if err != nil {
			return classify(fmt.Errorf("finish fraud action: %w", err))
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil
		}
		finished = true
		if out.Alert != nil {
			if err := insertAlertTx(ctx, tx, out.Alert); err != nil {
				return err
			}
		}
		if out.Event != nil {
			if _, err := insertOutbox(ctx, tx, out.Event); err != nil {
				return err
			}
		}
		return nil
	})
	return finished, err
}

// RearmAction moves a FAILED action back to PENDING with the next attempt
// number. Actions in any other status are returned unchanged with rearmed
// set to false.
func (f *FraudStore) RearmAction(ctx context.Context, transferID, actor string) (a *domain.FraudAction, rearmed bool, err error) {
	err = f.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE fraud_actions SET status = $1, attempts = attempts + 1, notes = $2, updated_at = $3
			WHERE transfer_id = $4 AND status = $5`,
			string(domain.ActionPending), "retry requested by "+actor, time.Now().UTC(), transferID, string(domain.ActionFailed))
		if err != nil {
			return classify(fmt.Errorf("rearm fraud action: %w", err))
		}
		n, _ := res.RowsAffected()
		rearmed = n == 1
		a, err = scanAction(tx.QueryRowContext(ctx, `SELECT `+actionColumns+` FROM fraud_actions WHERE transfer_id = $1`, transferID))
		return err
	})
	return a, rearmed, err
}

// GetAccountStatus returns the owner's status. Owners never touched by the
// fraud engine are ACTIVE.
func (f *FraudStore) GetAccountStatus(ctx context.Context, ownerID string) (*domain.AccountStatus, error) {
	return getStatus(ctx, f.conn, ownerID)
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getStatus(ctx context.Context, q queryRower, ownerID string) (*domain.AccountStatus, error) {
	var (
		st       domain.AccountStatus
		status   string
		frozenAt sql.NullTime
	)
	err := q.QueryRowContext(ctx, `
		SELECT owner_id, status, reason, frozen_at, frozen_by, updated_at
		FROM account_status WHERE owner_id = $1`, ownerID).
		Scan(&st.OwnerID, &status, &st.Reason, &frozenAt, &st.FrozenBy, &st.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return &domain.AccountStatus{OwnerID: ownerID, Status: domain.StatusActive}, nil
	}
	if err != nil {
		return nil, classify(fmt.Errorf("select account status: %w", err))
	}
	st.Status = domain.Status(status)
	st.FrozenAt = timePtr(frozenAt)
	st.UpdatedAt = st.UpdatedAt.UTC()
	return &st, nil
}

// SetStatus transitions ownerID to status, appending an audit row and the
// optional alert. changed is false, and nothing is written, when the owner is
// already in that status.
func (f *FraudStore) SetStatus(ctx context.Context, ownerID string, status domain.Status, reason, actor string, alert *domain.FraudAlert) (changed bool, err error) {
	now := time.Now().UTC()
	err = f.inTx(ctx, func(tx *sql.Tx) error {
		current, err := getStatus(ctx, tx, ownerID)
		if err != nil {
			return err
		}
		changed, err = setStatusTx(ctx, tx, current, status, reason, actor, alert, now)
		return err
	})
	return changed, err
}

// maxStatusRaces bounds how often setStatusTx re-reads after losing a race.
const maxStatusRaces = 3

// setStatusTx moves the owner from current to status. The write only
// applies if the stored status still equals current; otherwise the status is
// re-read so the audit row names the status actually replaced.
func setStatusTx(ctx context.Context, tx *sql.Tx, current *domain.AccountStatus, status domain.Status, reason, actor string, alert *domain.FraudAlert, now time.Time) (bool, error) {
	var (
		frozenAt *time.Time
		frozenBy string
	)
	if status != domain.StatusActive {
		frozenAt, frozenBy = &now, actor
	}

	for range maxStatusRaces {
		if current.Status == status {
			return false, nil
		}

		var (
			res sql.Result
			err error
		)
		if current.UpdatedAt.IsZero() {
			// No stored row yet: the owner is implicitly ACTIVE.
			res, err = tx.ExecContext(ctx, `
				INSERT INTO account_status (owner_id, status, reason, frozen_at, frozen_by, updated_at)
				VALUES ($1, $2, $3, $4, $5, $6)
				ON CONFLICT (owner_id) DO NOTHING`,
				current.OwnerID, string(status), reason, nullTime(frozenAt), frozenBy, now)
		} else {
			res, err = tx.ExecContext(ctx, `
				UPDATE account_status
				SET status = $1, reason = $2, frozen_at = $3, frozen_by = $4, updated_at = $5
				WHERE owner_id = $6 AND status = $7`,
				string(status), reason, nullTime(frozenAt), frozenBy, now, current.OwnerID, string(current.Status))
		}
		if err != nil {
			return false, classify(fmt.Errorf("write account status: %w", err))
		}
		n, err := res.RowsAffected()
		if err != nil {
			return false, fmt.Errorf("account status rows affected: %w", err)
		}
		if n == 0 {
			if current, err = getStatus(ctx, tx, current.OwnerID); err != nil {
				return false, err
			}
			continue
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO account_status_audit (id, owner_id, from_status, to_status, actor, reason, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			uuid.NewString(), current.OwnerID, string(current.Status), string(status), actor, reason, now)
		if err != nil {
			return false, classify(fmt.Errorf("insert status audit: %w", err))
		}
		if alert != nil {
			if err := insertAlertTx(ctx, tx, alert); err != nil {
				return false, err
			}
		}
		return true, nil
	}
	return false, fmt.Errorf("%w: status of %s keeps changing", domain.ErrConflict, current.OwnerID)
}

// StatusHistory returns the audit trail of an owner, oldest first.
func (f *FraudStore) StatusHistory(ctx context.Context, ownerID string) ([]domain.StatusChange, error) {
	rows, err := f.conn.QueryContext(ctx, `
		SELECT id, owner_id, from_status, to_status, actor, reason, created_at
		FROM account_status_audit WHERE owner_id = $1
		ORDER BY created_at, id`, ownerID)
	if err != nil {
		return nil, classify(fmt.Errorf("select status audit: %w", err))
	}
	defer rows.Close()

	var changes []domain.StatusChange
	for rows.Next() {
		var (
			c        domain.StatusChange
			from, to string
		)
		if err := rows.Scan(&c.ID, &c.OwnerID, &from, &to, &c.Actor, &c.Reason, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan status audit: %w", err)
		}
		c.FromStatus, c.ToStatus = domain.Status(from), domain.Status(to)
		c.CreatedAt = c.CreatedAt.UTC()
		changes = append(changes, c)
	}
	return changes, rows.Err()
}

const reviewColumns = `transfer_id, owner_id, to_owner, amount, currency, score, reason, created_at, reviewed_at, reviewed_by, review_decision, review_notes`

func scanReview(row rowScanner) (*domain.ReviewQueueEntry, error) {
	var (
		e        domain.ReviewQueueEntry
		reviewed sql.NullTime
		decision string
	)
	err := row.Scan(&e.TransferID, &e.OwnerID, &e.ToOwner, &e.Amount, &e.Currency, &e.Score, &e.Reason,
		&e.CreatedAt, &reviewed, &e.ReviewedBy, &decision, &e.ReviewNotes)
	if err != nil {
		return nil, notFound(err, domain.ErrReviewNotFound)
	}
	e.CreatedAt = e.CreatedAt.UTC()
	e.ReviewedAt = timePtr(reviewed)
	e.ReviewDecision = domain.ReviewDecision(decision)
	return &e, nil
}

// GetReview retrieves a review queue entry.
func (f *FraudStore) GetReview(ctx context.Context, transferID string) (*domain.ReviewQueueEntry, error) {
	return scanReview(f.conn.QueryRowContext(ctx, `SELECT `+reviewColumns+` FROM review_queue WHERE transfer_id = $1`, transferID))
}

// ResolveReview records the reviewer's decision. Repeating the same decision
// returns the entry with changed set to false; a different decision on a
// reviewed entry is domain.ErrReviewConflict.
func (f *FraudStore) ResolveReview(ctx context.Context, transferID string, decision domain.ReviewDecision, actor, notes string, alert *domain.FraudAlert) (entry *domain.ReviewQueueEntry, changed bool, err error) {
	now := time.Now().UTC()
	err = f.inTx(ctx, func(tx *sql.Tx) error {
		read, err := getReview(ctx, tx, transferID)
		if err != nil {
			return err
		}
		entry, changed, err = resolveReviewTx(ctx, tx, read, decision, actor, notes, alert, now)
		return err
	})
	return entry, changed, err
}

func getReview(ctx context.Context, q queryRower, transferID string) (*domain.ReviewQueueEntry, error) {
	return scanReview(q.QueryRowContext(ctx, `SELECT `+reviewColumns+` FROM review_queue WHERE transfer_id = $1`, transferID))
}

// settled reports the outcome of resolving an already reviewed entry again.
func settled(entry *domain.ReviewQueueEntry, decision domain.ReviewDecision) error {
	if entry.ReviewDecision == decision {
		return nil
	}
	return fmt.Errorf("%w: %s is %s", domain.ErrReviewConflict, entry.TransferID, entry.ReviewDecision)
}

// resolveReviewTx records decision on an entry read as unreviewed. When a
// concurrent reviewer got there first the stored decision wins.
func resolveReviewTx(ctx context.Context, tx *sql.Tx, entry *domain.ReviewQueueEntry, decision domain.ReviewDecision, actor, notes string, alert *domain.FraudAlert, now time.Time) (*domain.ReviewQueueEntry, bool, error) {
	if entry.Reviewed() {
		return entry, false, settled(entry, decision)
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE review_queue SET reviewed_at = $1, reviewed_by = $2, review_decision = $3, review_notes = $4
		WHERE transfer_id = $5 AND review_decision = ''`,
		now, actor, string(decision), notes, entry.TransferID)
	if err != nil {
		return nil, false, classify(fmt.Errorf("resolve review: %w", err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("review rows affected: %w", err)
	}
	if n == 0 {
		stored, err := getReview(ctx, tx, entry.TransferID)
		if err != nil {
			return nil, false, err
		}
		return stored, false, settled(stored, decision)
	}

	if alert != nil {
		if err := insertAlertTx(ctx, tx, alert); err != nil {
			return nil, false, err
		}
	}
	resolved := *entry
	resolved.ReviewedAt = &now
	resolved.ReviewedBy = actor
	resolved.ReviewDecision = decision
	resolved.ReviewNotes = notes
	return &resolved, true, nil
}

// PendingReviews lists unreviewed entries, oldest first.
func (f *FraudStore) PendingReviews(ctx context.Context, limit int) ([]*domain.ReviewQueueEntry, error) {
	rows, err := f.conn.QueryContext(ctx, `
		SELECT `+reviewColumns+` FROM review_queue
		WHERE review_decision = ''
		ORDER BY created_at, transfer_id
		LIMIT $1`, limit)
	if err != nil {
		return nil, classify(fmt.Errorf("select pending reviews: %w", err))
	}
	defer rows.Close()

	var entries []*domain.ReviewQueueEntry
	for rows.Next() {
		e, err := scanReview(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// AlertFilter narrows ListAlerts.
type AlertFilter struct {
	TransferID     string
	Severity       domain.Severity
	Unacknowledged bool
	Limit          int
}

const alertColumns = `id, alert_type, transfer_id, owner_id, message, severity, created_at, acknowledged_at, acknowledged_by`

func scanAlert(row rowScanner) (*domain.FraudAlert, error) {
	var (
		a        domain.FraudAlert
		severity string
		acked    sql.NullTime
	)
	err := row.Scan(&a.ID, &a.Type, &a.TransferID, &a.OwnerID, &a.Message, &severity, &a.CreatedAt, &acked, &a.AcknowledgedBy)
	if err != nil {
		return nil, notFound(err, domain.ErrAlertNotFound)
	}
	a.Severity = domain.Severity(severity)
	a.CreatedAt = a.CreatedAt.UTC()
	a.AcknowledgedAt = timePtr(acked)
	return &a, nil
}

// ListAlerts returns alerts newest first.
func (f *FraudStore) ListAlerts(ctx context.Context, filter AlertFilter) ([]*domain.FraudAlert, error) {
	query := `SELECT ` + alertColumns + ` FROM fraud_alerts WHERE 1 = 1`
	var args []any
	if filter.TransferID != "" {
		args = append(args, filter.TransferID)
		query += fmt.Sprintf(" AND transfer_id = $%d", len(args))
	}
	if filter.Severity != "" {
		args = append(args, string(filter.Severity))
		query += fmt.Sprintf(" AND severity = $%d", len(args))
	}
	if filter.Unacknowledged {
		query += " AND acknowledged_at IS NULL"
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY created_at DESC, id LIMIT $%d", len(args))

	rows, err := f.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify(fmt.Errorf("select alerts: %w", err))
	}
	defer rows.Close()

	var alerts []*domain.FraudAlert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		alerts = append(alerts, a)
	}
	return alerts, rows.Err()
}

// AcknowledgeAlert marks the alert as seen by actor. The first
// acknowledgement wins; repeating it is not an error.
func (f *FraudStore) AcknowledgeAlert(ctx context.Context, id, actor string) (*domain.FraudAlert, error) {
	_, err := f.conn.ExecContext(ctx, `
		UPDATE fraud_alerts SET acknowledged_at = $1, acknowledged_by = $2
		WHERE id = $3 AND acknowledged_at IS NULL`, time.Now().UTC(), actor, id)
	if err != nil {
		return nil, classify(fmt.Errorf("acknowledge alert: %w", err))
	}
	return scanAlert(f.conn.QueryRowContext(ctx, `SELECT `+alertColumns+` FROM fraud_alerts WHERE id = $1`, id))
}

// FraudStats summarises the fraud tables.
type FraudStats struct {
	Decisions      map[domain.Decision]int64     `json:"decisions"`
	Actions        map[domain.ActionStatus]int64 `json:"actions"`
	PendingReviews int64                         `json:"pending_reviews"`
	FrozenAccounts int64                         `json:"frozen_accounts"`
	UnackedAlerts  map[domain.Severity]int64     `json:"unacknowledged_alerts"`
	OutboxBacklog  int64                         `json:"outbox_backlog"`
}

// Stats summarises decisions, actions, review and alert backlogs.
func (f *FraudStore) Stats(ctx context.Context) (*FraudStats, error) {
	st := &FraudStats{
		Decisions:     make(map[domain.Decision]int64),
		Actions:       make(map[domain.ActionStatus]int64),
		UnackedAlerts: make(map[domain.Severity]int64),
	}

	groups := []struct {
		query string
		put   func(key string, n int64)
	}{
		{`SELECT decision, COUNT(*) FROM fraud_decisions GROUP BY decision`,
			func(k string, n int64) { st.Decisions[domain.Decision(k)] = n }},
		{`SELECT status, COUNT(*) FROM fraud_actions GROUP BY status`,
			func(k string, n int64) { st.Actions[domain.ActionStatus(k)] = n }},
		{`SELECT severity, COUNT(*) FROM fraud_alerts WHERE acknowledged_at IS NULL GROUP BY severity`,
			func(k string, n int64) { st.UnackedAlerts[domain.Severity(k)] = n }},
	}
	for _, g := range groups {
		if err := f.countGroups(ctx, g.query, g.put); err != nil {
			return nil, err
		}
	}

	err := f.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM review_queue WHERE review_decision = ''`).Scan(&st.PendingReviews)
	if err != nil {
		return nil, classify(fmt.Errorf("count pending reviews: %w", err))
	}
	err = f.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM account_status WHERE status <> $1`, string(domain.StatusActive)).
		Scan(&st.FrozenAccounts)
	if err != nil {
		return nil, classify(fmt.Errorf("count frozen accounts: %w", err))
	}
	st.OutboxBacklog, err = f.OutboxBacklog(ctx)
	if err != nil {
		return nil, err
	}
	return st, nil
}

func (f *FraudStore) countGroups(ctx context.Context, query string, put func(string, int64)) error {
	rows, err := f.conn.QueryContext(ctx, query)
	if err != nil {
		return classify(fmt.Errorf("group counts: %w", err))
	}
	defer rows.Close()
	for rows.Next() {
		var (
			key string
			n   int64
		)
		if err := rows.Scan(&key, &n); err != nil {
			return fmt.Errorf("scan group count: %w", err)
		}
		put(key, n)
	}
	return rows.Err()
}
