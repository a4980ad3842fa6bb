package store

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"

	"github.com/punchamoorthee/shardledger/internal/domain"
)

const outboxColumns = `id, dedupe_key, aggregate_id, event_type, payload, created_at, processed_at, attempts, last_error`

// insertOutbox enqueues ev inside tx. A row with the same dedupe key is left
// untouched and reported as not inserted.
func insertOutbox(ctx context.Context, tx *sql.Tx, ev *domain.OutboxEvent) (bool, error) {
	res, err := tx.ExecContext(ctx, `
		INSERT INTO outbox (id, dedupe_key, aggregate_id, event_type, payload, created_at, attempts, last_error)
		VALUES ($1, $2, $3, $4, $5, $6, 0, '')
		ON CONFLICT (dedupe_key) DO NOTHING`,
		ev.ID, ev.DedupeKey, ev.AggregateID, string(ev.EventType), string(ev.Payload), ev.CreatedAt.UTC())
	if err != nil {
		return false, classify(fmt.Errorf("insert outbox %s: %w", ev.EventType, err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("outbox rows affected: %w", err)
	}
	return n == 1, nil
}

// ClaimPending leases up to limit unprocessed events, oldest first. A leased
// event is invisible to other relays until the lease expires, which lets
// several publisher replicas share one outbox.
func (d *database) ClaimPending(ctx context.Context, limit int, lease time.Duration) ([]*domain.OutboxEvent, error) {
	now := time.Now().UTC()
	until := now.Add(lease)

	var claimed []*domain.OutboxEvent
	err := d.inTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT `+outboxColumns+`
			FROM outbox
			WHERE processed_at IS NULL AND (locked_until IS NULL OR locked_until < $1)
			ORDER BY created_at, id
			LIMIT $2`, now, limit)
		if err != nil {
			return classify(fmt.Errorf("select pending outbox: %w", err))
		}
		candidates, err := scanOutbox(rows)
		if err != nil {
			return err
		}

		for _, ev := range candidates {
			res, err := tx.ExecContext(ctx, `
				UPDATE outbox SET locked_until = $1
				WHERE id = $2 AND processed_at IS NULL AND (locked_until IS NULL OR locked_until < $3)`,
				until, ev.ID, now)
			if err != nil {
				return classify(fmt.Errorf("lease outbox %s: %w", ev.ID, err))
			}
			if n, _ := res.RowsAffected(); n == 1 {
				claimed = append(claimed, ev)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.SliceStable(claimed, func(i, j int) bool {
		if claimed[i].CreatedAt.Equal(claimed[j].CreatedAt) {
			return claimed[i].ID < claimed[j].ID
		}
		return claimed[i].CreatedAt.Before(claimed[j].CreatedAt)
	})
	return claimed, nil
}

func scanOutbox(rows *sql.Rows) ([]*domain.OutboxEvent, error) {
	defer rows.Close()

	var events []*domain.OutboxEvent
	for rows.Next() {
		var (
			ev        domain.OutboxEvent
			eventType string
			payload   []byte
			processed sql.NullTime
		)
		if err := rows.Scan(&ev.ID, &ev.DedupeKey, &ev.AggregateID, &eventType, &payload,
			&ev.CreatedAt, &processed, &ev.Attempts, &ev.LastError); err != nil {
			return nil, fmt.Errorf("scan outbox: %w", err)
		}
		ev.EventType = domain.EventType(eventType)
		ev.Payload = payload
		ev.CreatedAt = ev.CreatedAt.UTC()
		ev.ProcessedAt = timePtr(processed)
		events = append(events, &ev)
	}
	return events, rows.Err()
}

// MarkProcessed records a successful publish.
func (d *database) MarkProcessed(ctx context.Context, id string) error {
	_, err := d.conn.ExecContext(ctx, `
		UPDATE outbox SET processed_at = $1, locked_until = NULL
		WHERE id = $2 AND processed_at IS NULL`, time.Now().UTC(), id)
	if err != nil {
		return classify(fmt.Errorf("mark outbox %s processed: %w", id, err))
	}
	return nil
}

// RecordPublishFailure releases the lease and keeps the event pending.
func (d *database) RecordPublishFailure(ctx context.Context, id string, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	_, err := d.conn.ExecContext(ctx, `
		UPDATE outbox SET attempts = attempts + 1, last_error = $1, locked_until = NULL
		WHERE id = $2 AND processed_at IS NULL`, msg, id)
	if err != nil {
		return classify(fmt.Errorf("record outbox %s failure: %w", id, err))
	}
	return nil
}

// OutboxBacklog counts events not yet published.
func (d *database) OutboxBacklog(ctx context.Context) (int64, error) {
	var n int64
	err := d.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM outbox WHERE processed_at IS NULL`).Scan(&n)
	if err != nil {
		return 0, classify(fmt.Errorf("count outbox backlog: %w", err))
	}
	return n, nil
}

// OutboxByAggregate lists every event enqueued for an aggregate, processed or
// not, in creation order.
func (d *database) OutboxByAggregate(ctx context.Context, aggregateID string) ([]*domain.OutboxEvent, error) {
	rows, err := d.conn.QueryContext(ctx, `
		SELECT `+outboxColumns+`
		FROM outbox WHERE aggregate_id = $1
		ORDER BY created_at, id`, aggregateID)
	if err != nil {
		return nil, classify(fmt.Errorf("select outbox for %s: %w", aggregateID, err))
	}
	return scanOutbox(rows)
}
