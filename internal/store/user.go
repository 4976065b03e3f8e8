package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/accountdesk/apiserver/types"
	"github.com/lib/pq"
)

const (
	defaultQueryTimeout = 5 * time.Second
	uniqueViolation     = pq.ErrorCode("23505")
)

const userColumns = `id, fullname, email, phone_number, role, password_hash,
		       report_url, report_original_name, created_at, updated_at`

// UserRepository handles persistence for users.
type UserRepository struct {
	db      *sql.DB
	timeout time.Duration
}

// NewUserRepository constructs a repository whose queries are bounded by
// timeout. A non-positive timeout selects the default.
func NewUserRepository(db *sql.DB, timeout time.Duration) *UserRepository {
	if timeout <= 0 {
		timeout = defaultQueryTimeout
	}
	return &UserRepository{db: db, timeout: timeout}
}

func (r *UserRepository) GetByID(ctx context.Context, id int) (types.User, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	const query = `SELECT ` + userColumns + ` FROM users WHERE id = $1`
	return scanUser(r.db.QueryRowContext(ctx, query, id))
}

func (r *UserRepository) GetByEmail(ctx context.Context, email string) (types.User, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	const query = `SELECT ` + userColumns + ` FROM users WHERE email = $1`
	return scanUser(r.db.QueryRowContext(ctx, query, email))
}

func (r *UserRepository) Create(ctx context.Context, user types.User) (types.User, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	now := time.Now().UTC()
	user.CreatedAt = now
	user.UpdatedAt = now

	const query = `
		INSERT INTO users (fullname, email, phone_number, role, password_hash, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id`
	if err := r.db.QueryRowContext(
		ctx,
		query,
		user.FullName,
		user.Email,
		user.PhoneNumber,
		user.Role,
		user.PasswordHash,
		user.CreatedAt,
		user.UpdatedAt,
	).Scan(&user.ID); err != nil {
		return types.User{}, mapWriteError(err)
	}
	return user, nil
}

// UpdateProfile writes the non-zero profile fields of the row with id and
// returns the row as stored. The report columns are not touched.
func (r *UserRepository) UpdateProfile(ctx context.Context, id int, fullName, email string, phone types.PhoneNumber) (types.User, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	const query = `
		UPDATE users
		SET fullname = COALESCE(NULLIF($1, ''), fullname),
			email = COALESCE(NULLIF($2, ''), email),
			phone_number = COALESCE(NULLIF($3, 0), phone_number),
			updated_at = $4
		WHERE id = $5
		RETURNING ` + userColumns
	user, err := scanUser(r.db.QueryRowContext(ctx, query, fullName, email, int64(phone), time.Now().UTC(), id))
	if err != nil {
		return types.User{}, mapWriteError(err)
	}
	return user, nil
}

// SetReport replaces the report reference of the row with id and returns
// the row as stored. The profile columns are not touched.
func (r *UserRepository) SetReport(ctx context.Context, id int, report types.Report) (types.User, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	const query = `
		UPDATE users
		SET report_url = $1,
			report_original_name = $2,
			updated_at = $3
		WHERE id = $4
		RETURNING ` + userColumns
	return scanUser(r.db.QueryRowContext(
		ctx,
		query,
		nullString(report.FileURL),
		nullString(report.OriginalName),
		time.Now().UTC(),
		id,
	))
}

func scanUser(row *sql.Row) (types.User, error) {
	var user types.User
	var reportURL, reportName sql.NullString
	err := row.Scan(
		&user.ID,
		&user.FullName,
		&user.Email,
		&user.PhoneNumber,
		&user.Role,
		&user.PasswordHash,
		&reportURL,
		&reportName,
		&user.CreatedAt,
		&user.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return types.User{}, ErrNotFound
		}
		return types.User{}, err
	}
	user.Report = types.Report{
		FileURL:      reportURL.String,
		OriginalName: reportName.String,
	}
	return user, nil
}

func mapWriteError(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return ErrDuplicateEmail
	}
	return err
}

func nullString(value string) sql.NullString {
	return sql.NullString{String: value, Valid: value != ""}
}
