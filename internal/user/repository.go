package user

import (
	"context"
	"database/sql"
	"errors"

	"agrispare-be/internal/logger"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"go.uber.org/zap"
)

type Repository interface {
	FindByEmail(ctx context.Context, email string) (*User, error)
	DisplayNames(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]string, error)
}

type repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) Repository {
	return &repository{db: db}
}

func (r *repository) FindByEmail(ctx context.Context, email string) (*User, error) {
	var (
		u        User
		fullName sql.NullString
	)
	err := r.db.QueryRowContext(ctx,
		"SELECT id, email, password, full_name, role, created_at FROM users WHERE email = $1",
		email,
	).Scan(&u.ID, &u.Email, &u.Password, &fullName, &u.Role, &u.CreatedAt)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			logger.FromCtx(ctx).Error("db: failed to find user",
				zap.String("email", email),
				zap.Error(err),
			)
		}
		return nil, err
	}
	u.FullName = fullName.String
	return &u, nil
}

// DisplayNames resolves user ids to their full name, falling back to email.
// Unknown ids are absent from the result.
func (r *repository) DisplayNames(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]string, error) {
	out := make(map[uuid.UUID]string, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	strIDs := make([]string, len(ids))
	for i, id := range ids {
		strIDs[i] = id.String()
	}

	rows, err := r.db.QueryContext(ctx,
		"SELECT id, COALESCE(NULLIF(full_name, ''), email) FROM users WHERE id = ANY($1::uuid[])",
		pq.Array(strIDs),
	)
	if err != nil {
		logger.FromCtx(ctx).Error("db: failed to resolve display names", zap.Error(err))
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			id   uuid.UUID
			name string
		)
		if err := rows.Scan(&id, &name); err != nil {
			return nil, err
		}
		out[id] = name
	}
	return out, rows.Err()
}
