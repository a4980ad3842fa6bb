package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/punchamoorthee/shardledger/internal/domain"
)

const accountColumns = `id, owner_id, balance, currency, version, created_at, updated_at`

// CreateAccount opens an account for ownerID with an opening balance.
func (s *Shard) CreateAccount(ctx context.Context, ownerID string, balance int64, currency string) (*domain.Account, error) {
	if balance < 0 {
		return nil, fmt.Errorf("%w: negative opening balance", domain.ErrInvalidTransfer)
	}
	now := time.Now().UTC()
	acc := &domain.Account{
		ID:        uuid.NewString(),
		OwnerID:   ownerID,
		Balance:   balance,
		Currency:  currency,
		CreatedAt: now,
		UpdatedAt: now,
	}
	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO accounts (`+accountColumns+`)
		VALUES ($1, $2, $3, $4, 0, $5, $6)`,
		acc.ID, acc.OwnerID, acc.Balance, acc.Currency, acc.CreatedAt, acc.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: %s", domain.ErrAccountExists, ownerID)
		}
		return nil, classify(fmt.Errorf("insert account: %w", err))
	}
	return acc, nil
}

// GetAccountByOwner retrieves the account owned by ownerID.
func (s *Shard) GetAccountByOwner(ctx context.Context, ownerID string) (*domain.Account, error) {
	row := s.conn.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE owner_id = $1`, ownerID)
	return scanAccount(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (*domain.Account, error) {
	var acc domain.Account
	err := row.Scan(&acc.ID, &acc.OwnerID, &acc.Balance, &acc.Currency, &acc.Version, &acc.CreatedAt, &acc.UpdatedAt)
	if err != nil {
		return nil, notFound(err, domain.ErrAccountNotFound)
	}
	acc.CreatedAt = acc.CreatedAt.UTC()
	acc.UpdatedAt = acc.UpdatedAt.UTC()
	return &acc, nil
}

// Entries lists the newest ledger entries of ownerID's account.
func (s *Shard) Entries(ctx context.Context, ownerID string, limit int) ([]domain.LedgerEntry, error) {
	acc, err := s.GetAccountByOwner(ctx, ownerID)
	if err != nil {
		return nil, err
	}

	rows, err := s.conn.QueryContext(ctx, `
		SELECT id, transfer_id, account_id, amount, direction, leg, created_at
		FROM ledger_entries WHERE account_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2`, acc.ID, limit)
	if err != nil {
		return nil, classify(fmt.Errorf("select entries: %w", err))
	}
	defer rows.Close()

	var entries []domain.LedgerEntry
	for rows.Next() {
		var (
			e              domain.LedgerEntry
			direction, leg string
		)
		if err := rows.Scan(&e.ID, &e.TransferID, &e.AccountID, &e.Amount, &direction, &leg, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		e.Direction = domain.Direction(direction)
		e.Leg = domain.Leg(leg)
		e.CreatedAt = e.CreatedAt.UTC()
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Debit withdraws amount from ownerID for the given leg of transferID.
// applied is false when the leg was already recorded by an earlier call.
func (s *Shard) Debit(ctx context.Context, ownerID string, amount int64, currency, transferID string, leg domain.Leg) (applied bool, err error) {
	return s.applyLeg(ctx, ownerID, -amount, currency, transferID, leg)
}

// Credit deposits amount to ownerID for the given leg of transferID.
// applied is false when the leg was already recorded by an earlier call.
func (s *Shard) Credit(ctx context.Context, ownerID string, amount int64, currency, transferID string, leg domain.Leg) (applied bool, err error) {
	return s.applyLeg(ctx, ownerID, amount, currency, transferID, leg)
}

func (s *Shard) applyLeg(ctx context.Context, ownerID string, delta int64, currency, transferID string, leg domain.Leg) (bool, error) {
	var applied bool
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		applied, err = applyLegTx(ctx, tx, ownerID, delta, currency, transferID, leg, time.Now().UTC())
		return err
	})
	return applied, err
}

// applyLegTx writes one ledger entry and the matching balance change.
// The account must hold currency. The balance update is guarded by the row
// version read in the same transaction; a concurrent writer turns it into
// domain.ErrConflict.
func applyLegTx(ctx context.Context, tx *sql.Tx, ownerID string, delta int64, currency, transferID string, leg domain.Leg, now time.Time) (bool, error) {
	var recorded int
	err := tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM ledger_entries WHERE transfer_id = $1 AND leg = $2`,
		transferID, string(leg)).Scan(&recorded)
	if err != nil {
		return false, classify(fmt.Errorf("check %s leg: %w", leg, err))
	}
	if recorded > 0 {
		return false, nil
	}

	var (
		accountID   string
		balance     int64
		version     int64
		accCurrency string
	)
	err = tx.QueryRowContext(ctx, `SELECT id, balance, version, currency FROM accounts WHERE owner_id = $1`, ownerID).
		Scan(&accountID, &balance, &version, &accCurrency)
	if err != nil {
		return false, notFound(err, domain.ErrAccountNotFound)
	}
	if accCurrency != currency {
		return false, fmt.Errorf("%w: %s holds %s, not %s", domain.ErrCurrencyMismatch, ownerID, accCurrency, currency)
	}
	if balance+delta < 0 {
		return false, domain.ErrInsufficientFunds
	}

	if err := updateBalance(ctx, tx, accountID, balance+delta, version, now); err != nil {
		return false, err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO ledger_entries (id, transfer_id, account_id, amount, direction, leg, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		uuid.NewString(), transferID, accountID, delta, string(leg.Direction()), string(leg), now)
	if err != nil {
		if isUniqueViolation(err) {
			// Another writer recorded the same leg first; a retry sees it.
			return false, domain.ErrConflict
		}
		return false, classify(fmt.Errorf("insert %s entry: %w", leg, err))
	}
	return true, nil
}

// updateBalance sets the balance of accountID if its version is still the
// one the caller read.
func updateBalance(ctx context.Context, tx *sql.Tx, accountID string, balance, version int64, now time.Time) error {
	res, err := tx.ExecContext(ctx, `
		UPDATE accounts SET balance = $1, version = version + 1, updated_at = $2
		WHERE id = $3 AND version = $4`,
		balance, now, accountID, version)
	if err != nil {
		return classify(fmt.Errorf("update balance: %w", err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("balance rows affected: %w", err)
	}
	if n == 0 {
		return domain.ErrConflict
	}
	return nil
}

// HasLeg reports whether the leg of transferID is recorded on this shard.
func (s *Shard) HasLeg(ctx context.Context, transferID string, leg domain.Leg) (bool, error) {
	var n int
	err := s.conn.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM ledger_entries WHERE transfer_id = $1 AND leg = $2`,
		transferID, string(leg)).Scan(&n)
	if err != nil {
		return false, classify(fmt.Errorf("check %s leg: %w", leg, err))
	}
	return n > 0, nil
}

// LegSums returns the signed sum of entries per transfer on this shard.
func (s *Shard) LegSums(ctx context.Context) (map[string]int64, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT transfer_id, SUM(amount) FROM ledger_entries GROUP BY transfer_id`)
	if err != nil {
		return nil, classify(fmt.Errorf("sum legs: %w", err))
	}
	defer rows.Close()

	sums := make(map[string]int64)
	for rows.Next() {
		var (
			id  string
			sum int64
		)
		if err := rows.Scan(&id, &sum); err != nil {
			return nil, fmt.Errorf("scan leg sum: %w", err)
		}
		sums[id] = sum
	}
	return sums, rows.Err()
}

// NegativeBalances lists accounts below zero. The schema forbids them, so a
// non-empty result means the database was edited by hand.
func (s *Shard) NegativeBalances(ctx context.Context) ([]*domain.Account, error) {
	rows, err := s.conn.QueryContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE balance < 0`)
	if err != nil {
		return nil, classify(fmt.Errorf("select negative balances: %w", err))
	}
	defer rows.Close()

	var accounts []*domain.Account
	for rows.Next() {
		acc, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, acc)
	}
	return accounts, rows.Err()
}

// ExecuteLocal applies both legs of a same-shard transfer, completes it and
// enqueues ev in a single transaction. Running it again after a commit is a
// no-op.
func (s *Shard) ExecuteLocal(ctx context.Context, t *domain.Transfer, ev *domain.OutboxEvent) error {
	now := time.Now().UTC()
	return s.inTx(ctx, func(tx *sql.Tx) error {
		applied, err := applyLegTx(ctx, tx, t.FromAccount, -t.Amount, t.Currency, t.ID, domain.LegDebit, now)
		if err != nil {
			return err
		}
		if !applied {
			return nil
		}
		if _, err := applyLegTx(ctx, tx, t.ToAccount, t.Amount, t.Currency, t.ID, domain.LegCredit, now); err != nil {
			return err
		}
		if err := completeTx(ctx, tx, t.ID, now); err != nil {
			return err
		}
		_, err = insertOutbox(ctx, tx, ev)
		return err
	})
}

// transferColumns lists transfer columns in scan order.
const transferColumns = `id, from_account, to_account, amount, currency, status, failure_reason, reversal_of, reversed_by, created_at, completed_at`

// CreateTransfer inserts t as PENDING. When a transfer with the same id
// exists it is returned unchanged with created set to false.
func (s *Shard) CreateTransfer(ctx context.Context, t *domain.Transfer) (stored *domain.Transfer, created bool, err error) {
	res, err := s.conn.ExecContext(ctx, `
		INSERT INTO transfers (`+transferColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, '', $7, '', $8, NULL)
		ON CONFLICT (id) DO NOTHING`,
		t.ID, t.FromAccount, t.ToAccount, t.Amount, t.Currency, string(domain.TransferPending), t.ReversalOf, t.CreatedAt.UTC())
	if err != nil {
		return nil, false, classify(fmt.Errorf("insert transfer: %w", err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("transfer rows affected: %w", err)
	}

	stored, err = s.GetTransfer(ctx, t.ID)
	if err != nil {
		return nil, false, err
	}
	return stored, n == 1, nil
}

// GetTransfer retrieves transfer details.
func (s *Shard) GetTransfer(ctx context.Context, id string) (*domain.Transfer, error) {
	row := s.conn.QueryRowContext(ctx, `SELECT `+transferColumns+` FROM transfers WHERE id = $1`, id)
	return scanTransfer(row)
}

func scanTransfer(row rowScanner) (*domain.Transfer, error) {
	var (
		t         domain.Transfer
		status    string
		completed sql.NullTime
	)
	err := row.Scan(&t.ID, &t.FromAccount, &t.ToAccount, &t.Amount, &t.Currency, &status,
		&t.FailureReason, &t.ReversalOf, &t.ReversedBy, &t.CreatedAt, &completed)
	if err != nil {
		return nil, notFound(err, domain.ErrTransferNotFound)
	}
	t.Status = domain.TransferStatus(status)
	t.CreatedAt = t.CreatedAt.UTC()
	t.CompletedAt = timePtr(completed)
	return &t, nil
}

func completeTx(ctx context.Context, tx *sql.Tx, id string, now time.Time) error {
	res, err := tx.ExecContext(ctx, `
		UPDATE transfers SET status = $1, completed_at = $2
		WHERE id = $3 AND status = $4`,
		string(domain.TransferCompleted), now, id, string(domain.TransferPending))
	if err != nil {
		return classify(fmt.Errorf("complete transfer: %w", err))
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}

	var status string
	err = tx.QueryRowContext(ctx, `SELECT status FROM transfers WHERE id = $1`, id).Scan(&status)
	if err != nil {
		return notFound(err, domain.ErrTransferNotFound)
	}
	switch domain.TransferStatus(status) {
	case domain.TransferCompleted, domain.TransferReversed:
		return nil
	}
	return fmt.Errorf("%w: cannot complete %s transfer %s", domain.ErrInvalidTransfer, status, id)
}

// CompleteTransfer marks a PENDING transfer COMPLETED and enqueues ev in the
// same transaction. Completing an already completed transfer is a no-op.
func (s *Shard) CompleteTransfer(ctx context.Context, id string, ev *domain.OutboxEvent) error {
	now := time.Now().UTC()
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if err := completeTx(ctx, tx, id, now); err != nil {
			return err
		}
		_, err := insertOutbox(ctx, tx, ev)
		return err
	})
}

// FailTransfer marks a PENDING transfer FAILED. It does nothing to a
// transfer that already reached a terminal status.
func (s *Shard) FailTransfer(ctx context.Context, id, reason string) error {
	_, err := s.conn.ExecContext(ctx, `
		UPDATE transfers SET status = $1, failure_reason = $2, completed_at = $3
		WHERE id = $4 AND status = $5`,
		string(domain.TransferFailed), reason, time.Now().UTC(), id, string(domain.TransferPending))
	if err != nil {
		return classify(fmt.Errorf("fail transfer: %w", err))
	}
	return nil
}

// MarkReversed moves a COMPLETED transfer to REVERSED and links it to the
// reversal transfer.
func (s *Shard) MarkReversed(ctx context.Context, id, reversalID string) error {
	res, err := s.conn.ExecContext(ctx, `
		UPDATE transfers SET status = $1, reversed_by = $2
		WHERE id = $3 AND status = $4`,
		string(domain.TransferReversed), reversalID, id, string(domain.TransferCompleted))
	if err != nil {
		return classify(fmt.Errorf("mark reversed: %w", err))
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}

	t, err := s.GetTransfer(ctx, id)
	if err != nil {
		return err
	}
	if t.Status == domain.TransferReversed {
		return nil
	}
	return fmt.Errorf("%w: %s is %s", domain.ErrNotReversible, id, t.Status)
}

// StalePending lists PENDING transfers created before cutoff, oldest first.
func (s *Shard) StalePending(ctx context.Context, cutoff time.Time, limit int) ([]*domain.Transfer, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT `+transferColumns+` FROM transfers
		WHERE status = $1 AND created_at < $2
		ORDER BY created_at
		LIMIT $3`, string(domain.TransferPending), cutoff.UTC(), limit)
	if err != nil {
		return nil, classify(fmt.Errorf("select stale transfers: %w", err))
	}
	defer rows.Close()

	var transfers []*domain.Transfer
	for rows.Next() {
		t, err := scanTransfer(rows)
		if err != nil {
			return nil, err
		}
		transfers = append(transfers, t)
	}
	return transfers, rows.Err()
}

// TransferStatuses maps every transfer recorded on this shard to its status.
func (s *Shard) TransferStatuses(ctx context.Context) (map[string]domain.TransferStatus, error) {
	rows, err := s.conn.QueryContext(ctx, `SELECT id, status FROM transfers`)
	if err != nil {
		return nil, classify(fmt.Errorf("select transfer statuses: %w", err))
	}
	defer rows.Close()

	statuses := make(map[string]domain.TransferStatus)
	for rows.Next() {
		var id, status string
		if err := rows.Scan(&id, &status); err != nil {
			return nil, fmt.Errorf("scan transfer status: %w", err)
		}
		statuses[id] = domain.TransferStatus(status)
	}
	return statuses, rows.Err()
}

// ShardStats summarises one shard.
type ShardStats struct {
	Shard         int                             `json:"shard"`
	Accounts      int64                           `json:"accounts"`
	TotalBalance  int64                           `json:"total_balance"`
	Transfers     map[domain.TransferStatus]int64 `json:"transfers"`
	OutboxBacklog int64                           `json:"outbox_backlog"`
}

// Stats summarises the shard's accounts, transfers and outbox.
func (s *Shard) Stats(ctx context.Context) (*ShardStats, error) {
	st := &ShardStats{Shard: s.index, Transfers: make(map[domain.TransferStatus]int64)}

	err := s.conn.QueryRowContext(ctx, `SELECT COUNT(*), COALESCE(SUM(balance), 0) FROM accounts`).
		Scan(&st.Accounts, &st.TotalBalance)
	if err != nil {
		return nil, classify(fmt.Errorf("account stats: %w", err))
	}

	rows, err := s.conn.QueryContext(ctx, `SELECT status, COUNT(*) FROM transfers GROUP BY status`)
	if err != nil {
		return nil, classify(fmt.Errorf("transfer stats: %w", err))
	}
	for rows.Next() {
		var (
			status string
			n      int64
		)
		if err := rows.Scan(&status, &n); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan transfer stats: %w", err)
		}
		st.Transfers[domain.TransferStatus(status)] = n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	st.OutboxBacklog, err = s.OutboxBacklog(ctx)
	if err != nil {
		return nil, err
	}
	return st, nil
}
