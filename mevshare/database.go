package mevshare

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

var (
	ErrOutcomeNotFound  = errors.New("outcome not found")
	ErrSubmissionFailed = errors.New("submission resolution failed")
)

type DBHint struct {
	ID         int64           `db:"id"`
	Seq        int64           `db:"seq"`
	Hash       []byte          `db:"hash"`
	Kind       string          `db:"kind"`
	Hint       json.RawMessage `db:"hint"`
	ReceivedAt time.Time       `db:"received_at"`
	InsertedAt time.Time       `db:"inserted_at"`
}

var insertHintQuery = `
INSERT INTO hint_history (seq, hash, kind, hint, received_at)
VALUES (:seq, :hash, :kind, :hint, :received_at)
RETURNING id`

type DBSubmission struct {
	Hash       []byte        `db:"hash"`
	Kind       string        `db:"kind"`
	Items      []byte        `db:"items"`
	MinBlock   int64         `db:"min_block"`
	MaxBlock   sql.NullInt64 `db:"max_block"`
	InsertedAt time.Time     `db:"inserted_at"`
}

var insertSubmissionQuery = `
INSERT INTO submission (hash, kind, items, min_block, max_block)
VALUES (:hash, :kind, :items, :min_block, :max_block)
ON CONFLICT (hash) DO NOTHING`

type DBSubmissionOutcome struct {
	Hash        []byte         `db:"hash"`
	Status      sql.NullString `db:"status"`
	BlockNumber sql.NullInt64  `db:"block_number"`
	Outcome     []byte         `db:"outcome"`
	Failure     sql.NullString `db:"failure"`
	ResolvedAt  time.Time      `db:"resolved_at"`
}

// the first terminal result is kept, a failure can be replaced by a later outcome of a retried resolution
var insertOutcomeQuery = `
INSERT INTO submission_outcome (hash, status, block_number, outcome, failure, resolved_at)
VALUES (:hash, :status, :block_number, :outcome, :failure, :resolved_at)
ON CONFLICT (hash) DO
UPDATE SET status = :status, block_number = :block_number, outcome = :outcome, failure = :failure, resolved_at = :resolved_at
WHERE submission_outcome.status IS NULL`

var getOutcomeQuery = `
SELECT hash, status, block_number, outcome, failure, resolved_at
FROM submission_outcome
WHERE hash = $1`

// DBBackend stores the hint history, tracked submissions and their outcomes in postgres.
type DBBackend struct {
	db *sqlx.DB

	insertHint       *sqlx.NamedStmt
	insertSubmission *sqlx.NamedStmt
	insertOutcome    *sqlx.NamedStmt
	getOutcome       *sqlx.Stmt
}

func NewDBBackend(postgresDSN string) (*DBBackend, error) {
	db, err := sqlx.Connect("postgres", postgresDSN)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(20)

	insertHint, err := db.PrepareNamed(insertHintQuery)
	if err != nil {
		return nil, err
	}
	insertSubmission, err := db.PrepareNamed(insertSubmissionQuery)
	if err != nil {
		return nil, err
	}
	insertOutcome, err := db.PrepareNamed(insertOutcomeQuery)
	if err != nil {
		return nil, err
	}
	getOutcome, err := db.Preparex(getOutcomeQuery)
	if err != nil {
		return nil, err
	}

	return &DBBackend{
		db:               db,
		insertHint:       insertHint,
		insertSubmission: insertSubmission,
		insertOutcome:    insertOutcome,
		getOutcome:       getOutcome,
	}, nil
}

// InsertHint appends a received hint to the history. seq is the local arrival sequence number.
func (b *DBBackend) InsertHint(ctx context.Context, seq uint64, hint *Hint) error {
	byteHint, err := json.Marshal(hint)
	if err != nil {
		return err
	}
	dbHint := DBHint{
		Seq:        int64(seq),
		Hash:       hint.Hash.Bytes(),
		Kind:       hint.Kind().String(),
		Hint:       byteHint,
		ReceivedAt: time.Now(),
	}
	_, err = b.insertHint.ExecContext(ctx, dbHint)
	return err
}

func dbSubmission(handle SubmissionHandle) (DBSubmission, error) {
	items, err := json.Marshal(handle.Items)
	if err != nil {
		return DBSubmission{}, err
	}
	res := DBSubmission{
		Hash:     handle.Hash.Bytes(),
		Kind:     handle.Kind.String(),
		Items:    items,
		MinBlock: int64(handle.Window.MinBlock),
	}
	if handle.Window.MaxBlock != nil {
		res.MaxBlock = sql.NullInt64{Int64: int64(*handle.Window.MaxBlock), Valid: true}
	}
	return res, nil
}

// InsertSubmission records a tracked submission. Inserting a known submission is a no-op.
func (b *DBBackend) InsertSubmission(ctx context.Context, handle SubmissionHandle) error {
	submission, err := dbSubmission(handle)
	if err != nil {
		return err
	}
	_, err = b.insertSubmission.ExecContext(ctx, submission)
	return err
}

func (b *DBBackend) insertResult(ctx context.Context, handle SubmissionHandle, result DBSubmissionOutcome) error {
	submission, err := dbSubmission(handle)
	if err != nil {
		return err
	}

	dbTx, err := b.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	_, err = dbTx.NamedStmtContext(ctx, b.insertSubmission).ExecContext(ctx, submission)
	if err != nil {
		_ = dbTx.Rollback()
		return err
	}
	_, err = dbTx.NamedStmtContext(ctx, b.insertOutcome).ExecContext(ctx, result)
	if err != nil {
		_ = dbTx.Rollback()
		return err
	}
	return dbTx.Commit()
}

// RecordOutcome stores the terminal outcome of a submission. An outcome that is already stored is not replaced.
func (b *DBBackend) RecordOutcome(ctx context.Context, handle SubmissionHandle, outcome Outcome) error {
	byteOutcome, err := json.Marshal(outcome)
	if err != nil {
		return err
	}
	return b.insertResult(ctx, handle, DBSubmissionOutcome{
		Hash:        handle.Hash.Bytes(),
		Status:      sql.NullString{String: outcome.Status.String(), Valid: true},
		BlockNumber: sql.NullInt64{Int64: int64(outcome.BlockNumber), Valid: outcome.BlockNumber != 0},
		Outcome:     byteOutcome,
		ResolvedAt:  time.Now(),
	})
}

// RecordFailure stores the reason a submission could not be resolved.
func (b *DBBackend) RecordFailure(ctx context.Context, handle SubmissionHandle, reason error) error {
	return b.insertResult(ctx, handle, DBSubmissionOutcome{
		Hash:       handle.Hash.Bytes(),
		Failure:    sql.NullString{String: reason.Error(), Valid: true},
		ResolvedAt: time.Now(),
	})
}

// GetOutcome returns ErrOutcomeNotFound for unknown or unresolved submissions
// and ErrSubmissionFailed if the resolution failed.
func (b *DBBackend) GetOutcome(ctx context.Context, hash common.Hash) (Outcome, error) {
	var dbOutcome DBSubmissionOutcome
	err := b.getOutcome.GetContext(ctx, &dbOutcome, hash.Bytes())
	if errors.Is(err, sql.ErrNoRows) {
		return Outcome{}, ErrOutcomeNotFound
	} else if err != nil {
		return Outcome{}, err
	}
	if !dbOutcome.Status.Valid {
		return Outcome{}, fmt.Errorf("%w: %s", ErrSubmissionFailed, dbOutcome.Failure.String)
	}

	var outcome Outcome
	if err := json.Unmarshal(dbOutcome.Outcome, &outcome); err != nil {
		return Outcome{}, err
	}
	return outcome, nil
}

func (b *DBBackend) Close() error {
	return b.db.Close()
}
