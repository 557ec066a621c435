package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"magnet-queue/internal/domain"
	"magnet-queue/internal/repository"
)

const createOperatorsTable = `
CREATE TABLE IF NOT EXISTS operators (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	username TEXT NOT NULL UNIQUE,
	password_hash TEXT NOT NULL,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);
`

type OperatorRepository struct {
	db *sql.DB
}

func NewOperatorRepository(db *sql.DB) repository.OperatorRepository {
	return &OperatorRepository{db: db}
}

func (r *OperatorRepository) Init(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, createOperatorsTable); err != nil {
		return fmt.Errorf("create operators table: %w", err)
	}
	return nil
}

func (r *OperatorRepository) Create(ctx context.Context, op *domain.Operator) (int64, error) {
	now := time.Now().UTC()
	op.CreatedAt = now
	op.UpdatedAt = now

	res, err := r.db.ExecContext(ctx, `
INSERT INTO operators (username, password_hash, created_at, updated_at)
VALUES (?, ?, ?, ?)`,
		op.Username,
		op.PasswordHash,
		op.CreatedAt,
		op.UpdatedAt,
	)
	if err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "unique") {
			return 0, fmt.Errorf("operator %s: %w", op.Username, repository.ErrConflict)
		}
		return 0, fmt.Errorf("insert operator: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("operator last insert id: %w", err)
	}
	op.ID = id
	return id, nil
}

func (r *OperatorRepository) GetByUsername(ctx context.Context, username string) (*domain.Operator, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT id, username, password_hash, created_at, updated_at
FROM operators
WHERE username = ?`,
		username,
	)
	return scanOperator(row)
}

func (r *OperatorRepository) GetByID(ctx context.Context, id int64) (*domain.Operator, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT id, username, password_hash, created_at, updated_at
FROM operators
WHERE id = ?`,
		id,
	)
	return scanOperator(row)
}

func scanOperator(row interface {
	Scan(dest ...any) error
}) (*domain.Operator, error) {
	var op domain.Operator
	if err := row.Scan(
		&op.ID,
		&op.Username,
		&op.PasswordHash,
		&op.CreatedAt,
		&op.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("operator: %w", repository.ErrNotFound)
		}
		return nil, fmt.Errorf("scan operator: %w", err)
	}
	return &op, nil
}
