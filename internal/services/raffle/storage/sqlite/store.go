// Package sqlite provides a SQLite-backed raffle storage implementation.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	sqlitemigrate "github.com/tombola-engine/tombola/internal/platform/storage/sqlitemigrate"
	"github.com/tombola-engine/tombola/internal/services/raffle/storage"
	"github.com/tombola-engine/tombola/internal/services/raffle/storage/sqlite/migrations"
	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"
)

// Store persists raffle state in SQLite.
type Store struct {
	sqlDB *sql.DB
}

func toMillis(value time.Time) int64 {
	if value.IsZero() {
		return 0
	}
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	if value == 0 {
		return time.Time{}
	}
	return time.UnixMilli(value).UTC()
}

// Random words occupy the full uint64 range; sqlite integers are int64, so
// words round-trip through a bit cast.
func wordToInt64(word uint64) int64  { return int64(word) }
func wordFromInt64(value int64) uint64 { return uint64(value) }

// Open opens a SQLite raffle store and applies embedded migrations.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	cleanPath := filepath.Clean(path)
	dsn := cleanPath + "?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=5000&_synchronous=NORMAL"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := sqlitemigrate.ApplyMigrations(sqlDB, migrations.FS, ""); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{sqlDB: sqlDB}, nil
}

// Close closes the SQLite handle.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// CreateRound inserts one round aggregate.
func (s *Store) CreateRound(ctx context.Context, record storage.RoundRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	roundID := strings.TrimSpace(record.ID)
	if roundID == "" {
		return fmt.Errorf("round id is required")
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create round: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	updatedAt := record.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}

	_, err = tx.ExecContext(
		ctx,
		`INSERT INTO rounds (
		   id, state,
		   ticket_price, capacity, per_participant_cap, fee_bps, caller_incentive_bps,
		   entry_window_ms, request_timeout_ms, recovery_policy, fee_recipient,
		   created_at, deadline,
		   prize_pool, fee_pool, driver_pot,
		   winner, pending_request_id, requested_at,
		   randomness_ready, random_word, prize_claimed,
		   version, updated_at
		 ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		roundID,
		record.State,
		int64(record.TicketPrice),
		int64(record.Capacity),
		int64(record.PerParticipantCap),
		int64(record.FeeBps),
		int64(record.CallerIncentiveBps),
		record.EntryWindow.Milliseconds(),
		record.RequestTimeout.Milliseconds(),
		record.Recovery,
		record.FeeRecipient,
		toMillis(record.CreatedAt),
		toMillis(record.Deadline),
		int64(record.PrizePool),
		int64(record.FeePool),
		int64(record.DriverPot),
		record.Winner,
		record.PendingRequestID,
		toMillis(record.RequestedAt),
		boolToInt(record.RandomnessReady),
		wordToInt64(record.RandomWord),
		boolToInt(record.PrizeClaimed),
		int64(record.Version),
		toMillis(updatedAt),
	)
	if err != nil {
		if isRoundUniqueViolation(err) {
			return storage.ErrAlreadyExists
		}
		return fmt.Errorf("create round: %w", err)
	}

	if err := insertChildren(ctx, tx, roundID, record); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit create round: %w", err)
	}
	return nil
}

// GetRound returns one round aggregate by id.
func (s *Store) GetRound(ctx context.Context, roundID string) (storage.RoundRecord, error) {
	if err := ctx.Err(); err != nil {
		return storage.RoundRecord{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.RoundRecord{}, fmt.Errorf("storage is not configured")
	}
	roundID = strings.TrimSpace(roundID)
	if roundID == "" {
		return storage.RoundRecord{}, fmt.Errorf("round id is required")
	}

	row := s.sqlDB.QueryRowContext(
		ctx,
		`SELECT id, state,
		        ticket_price, capacity, per_participant_cap, fee_bps, caller_incentive_bps,
		        entry_window_ms, request_timeout_ms, recovery_policy, fee_recipient,
		        created_at, deadline,
		        prize_pool, fee_pool, driver_pot,
		        winner, pending_request_id, requested_at,
		        randomness_ready, random_word, prize_claimed,
		        version, updated_at
		   FROM rounds
		  WHERE id = ?`,
		roundID,
	)

	var record storage.RoundRecord
	var (
		ticketPrice, capacity, perCap, feeBps, incentiveBps   int64
		entryWindowMS, requestTimeoutMS                       int64
		createdAt, deadline, requestedAt, updatedAt           int64
		prizePool, feePool, driverPot, randomWord, version    int64
		randomnessReady, prizeClaimed                         int64
	)
	err := row.Scan(
		&record.ID,
		&record.State,
		&ticketPrice,
		&capacity,
		&perCap,
		&feeBps,
		&incentiveBps,
		&entryWindowMS,
		&requestTimeoutMS,
		&record.Recovery,
		&record.FeeRecipient,
		&createdAt,
		&deadline,
		&prizePool,
		&feePool,
		&driverPot,
		&record.Winner,
		&record.PendingRequestID,
		&requestedAt,
		&randomnessReady,
		&randomWord,
		&prizeClaimed,
		&version,
		&updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.RoundRecord{}, storage.ErrNotFound
		}
		return storage.RoundRecord{}, fmt.Errorf("get round: %w", err)
	}

	record.TicketPrice = uint64(ticketPrice)
	record.Capacity = uint64(capacity)
	record.PerParticipantCap = uint64(perCap)
	record.FeeBps = uint64(feeBps)
	record.CallerIncentiveBps = uint64(incentiveBps)
	record.EntryWindow = time.Duration(entryWindowMS) * time.Millisecond
	record.RequestTimeout = time.Duration(requestTimeoutMS) * time.Millisecond
	record.CreatedAt = fromMillis(createdAt)
	record.Deadline = fromMillis(deadline)
	record.PrizePool = uint64(prizePool)
	record.FeePool = uint64(feePool)
	record.DriverPot = uint64(driverPot)
	record.RequestedAt = fromMillis(requestedAt)
	record.RandomnessReady = randomnessReady != 0
	record.RandomWord = wordFromInt64(randomWord)
	record.PrizeClaimed = prizeClaimed != 0
	record.Version = uint64(version)
	record.UpdatedAt = fromMillis(updatedAt)

	if err := s.loadChildren(ctx, roundID, &record); err != nil {
		return storage.RoundRecord{}, err
	}
	return record, nil
}

// SaveRound replaces one round aggregate, guarded by the record version.
// The stored version is bumped on success; a mismatch fails with
// ErrStaleRound so the caller can reload and retry.
func (s *Store) SaveRound(ctx context.Context, record storage.RoundRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	roundID := strings.TrimSpace(record.ID)
	if roundID == "" {
		return fmt.Errorf("round id is required")
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin save round: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(
		ctx,
		`UPDATE rounds SET
		   state = ?,
		   prize_pool = ?, fee_pool = ?, driver_pot = ?,
		   winner = ?, pending_request_id = ?, requested_at = ?,
		   randomness_ready = ?, random_word = ?, prize_claimed = ?,
		   version = version + 1, updated_at = ?
		 WHERE id = ? AND version = ?`,
		record.State,
		int64(record.PrizePool),
		int64(record.FeePool),
		int64(record.DriverPot),
		record.Winner,
		record.PendingRequestID,
		toMillis(record.RequestedAt),
		boolToInt(record.RandomnessReady),
		wordToInt64(record.RandomWord),
		boolToInt(record.PrizeClaimed),
		time.Now().UTC().UnixMilli(),
		roundID,
		int64(record.Version),
	)
	if err != nil {
		return fmt.Errorf("save round: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("save round affected rows: %w", err)
	}
	if affected == 0 {
		var exists int
		row := tx.QueryRowContext(ctx, `SELECT 1 FROM rounds WHERE id = ?`, roundID)
		if scanErr := row.Scan(&exists); scanErr != nil {
			if errors.Is(scanErr, sql.ErrNoRows) {
				return storage.ErrNotFound
			}
			return fmt.Errorf("save round existence check: %w", scanErr)
		}
		return storage.ErrStaleRound
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM ticket_ranges WHERE round_id = ?`, roundID); err != nil {
		return fmt.Errorf("clear ticket ranges: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM balances WHERE round_id = ?`, roundID); err != nil {
		return fmt.Errorf("clear balances: %w", err)
	}
	if err := insertChildren(ctx, tx, roundID, record); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit save round: %w", err)
	}
	return nil
}

// ListRounds returns one page of round summaries ordered by id.
func (s *Store) ListRounds(ctx context.Context, pageSize int, pageToken string) (storage.RoundPage, error) {
	if err := ctx.Err(); err != nil {
		return storage.RoundPage{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.RoundPage{}, fmt.Errorf("storage is not configured")
	}
	if pageSize <= 0 {
		return storage.RoundPage{}, fmt.Errorf("page size must be greater than zero")
	}
	pageToken = strings.TrimSpace(pageToken)

	page := storage.RoundPage{
		Rounds: make([]storage.RoundSummary, 0, pageSize),
	}

	query := `SELECT r.id, r.state, r.capacity, r.prize_pool, r.winner, r.created_at, r.deadline,
	                 COALESCE((SELECT MAX(upper_bound) FROM ticket_ranges t WHERE t.round_id = r.id), 0)
	            FROM rounds r`
	args := []any{}
	if pageToken != "" {
		query += ` WHERE r.id > ?`
		args = append(args, pageToken)
	}
	query += ` ORDER BY r.id ASC LIMIT ?`
	args = append(args, pageSize+1)

	rows, err := s.sqlDB.QueryContext(ctx, query, args...)
	if err != nil {
		return storage.RoundPage{}, fmt.Errorf("list rounds: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var summary storage.RoundSummary
		var capacity, prizePool, sold, createdAt, deadline int64
		if err := rows.Scan(
			&summary.ID,
			&summary.State,
			&capacity,
			&prizePool,
			&summary.Winner,
			&createdAt,
			&deadline,
			&sold,
		); err != nil {
			return storage.RoundPage{}, fmt.Errorf("list rounds: %w", err)
		}
		summary.Capacity = uint64(capacity)
		summary.PrizePool = uint64(prizePool)
		summary.Sold = uint64(sold)
		summary.CreatedAt = fromMillis(createdAt)
		summary.Deadline = fromMillis(deadline)
		page.Rounds = append(page.Rounds, summary)
	}
	if err := rows.Err(); err != nil {
		return storage.RoundPage{}, fmt.Errorf("list rounds: %w", err)
	}
	if len(page.Rounds) > pageSize {
		page.NextPageToken = page.Rounds[pageSize-1].ID
		page.Rounds = page.Rounds[:pageSize]
	}

	return page, nil
}

func (s *Store) loadChildren(ctx context.Context, roundID string, record *storage.RoundRecord) error {
	rangeRows, err := s.sqlDB.QueryContext(
		ctx,
		`SELECT participant, upper_bound FROM ticket_ranges WHERE round_id = ? ORDER BY seq ASC`,
		roundID,
	)
	if err != nil {
		return fmt.Errorf("load ticket ranges: %w", err)
	}
	defer rangeRows.Close()
	for rangeRows.Next() {
		var r storage.TicketRangeRecord
		var upperBound int64
		if err := rangeRows.Scan(&r.Participant, &upperBound); err != nil {
			return fmt.Errorf("load ticket ranges: %w", err)
		}
		r.UpperBound = uint64(upperBound)
		record.Ranges = append(record.Ranges, r)
	}
	if err := rangeRows.Err(); err != nil {
		return fmt.Errorf("load ticket ranges: %w", err)
	}

	balanceRows, err := s.sqlDB.QueryContext(
		ctx,
		`SELECT participant, tickets_owned, claimable_refund, claimable_reward
		   FROM balances WHERE round_id = ? ORDER BY participant ASC`,
		roundID,
	)
	if err != nil {
		return fmt.Errorf("load balances: %w", err)
	}
	defer balanceRows.Close()
	for balanceRows.Next() {
		var b storage.BalanceRecord
		var owned, refund, reward int64
		if err := balanceRows.Scan(&b.Participant, &owned, &refund, &reward); err != nil {
			return fmt.Errorf("load balances: %w", err)
		}
		b.TicketsOwned = uint64(owned)
		b.ClaimableRefund = uint64(refund)
		b.ClaimableReward = uint64(reward)
		record.Balances = append(record.Balances, b)
	}
	if err := balanceRows.Err(); err != nil {
		return fmt.Errorf("load balances: %w", err)
	}
	return nil
}

func insertChildren(ctx context.Context, tx *sql.Tx, roundID string, record storage.RoundRecord) error {
	for seq, r := range record.Ranges {
		if _, err := tx.ExecContext(
			ctx,
			`INSERT INTO ticket_ranges (round_id, seq, participant, upper_bound) VALUES (?, ?, ?, ?)`,
			roundID,
			seq,
			r.Participant,
			int64(r.UpperBound),
		); err != nil {
			return fmt.Errorf("insert ticket range: %w", err)
		}
	}
	for _, b := range record.Balances {
		if _, err := tx.ExecContext(
			ctx,
			`INSERT INTO balances (round_id, participant, tickets_owned, claimable_refund, claimable_reward)
			 VALUES (?, ?, ?, ?, ?)`,
			roundID,
			b.Participant,
			int64(b.TicketsOwned),
			int64(b.ClaimableRefund),
			int64(b.ClaimableReward),
		); err != nil {
			return fmt.Errorf("insert balance: %w", err)
		}
	}
	return nil
}

func boolToInt(value bool) int64 {
	if value {
		return 1
	}
	return 0
}

func isRoundUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3lib.SQLITE_CONSTRAINT_UNIQUE:
			return true
		}
	}
	message := strings.ToLower(err.Error())
	return strings.Contains(message, "unique constraint failed") &&
		strings.Contains(message, "rounds.id")
}

var _ storage.RoundStore = (*Store)(nil)
