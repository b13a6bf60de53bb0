package sqlxrepos

import (
	"context"
	"database/sql"
	"strconv"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/pkg/errors"
	"github.com/volatiletech/null/v8"

	"github.com/trezcool/daftari/core"
	"github.com/trezcool/daftari/core/user"
)

type userRepository struct {
	db *sqlx.DB
}

var _ user.Repository = (*userRepository)(nil)

func NewUserRepository(db *sqlx.DB) user.Repository {
	return &userRepository{db: db}
}

type userRow struct {
	ID           string         `db:"id"`
	Name         string         `db:"name"`
	Username     string         `db:"username"`
	Email        string         `db:"email"`
	IsActive     bool           `db:"is_active"`
	Roles        pq.StringArray `db:"roles"`
	PasswordHash []byte         `db:"password_hash"`
	CreatedAt    time.Time      `db:"created_at"`
	UpdatedAt    time.Time      `db:"updated_at"`
	LastLogin    null.Time      `db:"last_login"`
}

func (r userRow) toCore() user.User {
	usr := user.User{
		ID:           r.ID,
		Name:         r.Name,
		Username:     r.Username,
		Email:        r.Email,
		IsActive:     r.IsActive,
		Roles:        r.Roles,
		PasswordHash: r.PasswordHash,
		CreatedAt:    r.CreatedAt.UTC(),
		UpdatedAt:    r.UpdatedAt.UTC(),
	}
	if r.LastLogin.Valid {
		usr.LastLogin = r.LastLogin.Time.UTC()
	}
	return usr
}

const userCols = `id, name, username, email, is_active, roles, password_hash, created_at, updated_at, last_login`

func (repo *userRepository) CheckUsernameUniqueness(ctx context.Context, username, email string, excludedUsers ...user.User) error {
	q := `SELECT username, email FROM "user" WHERE (username = ? OR email = ?)`
	args := []interface{}{username, email}
	if len(excludedUsers) > 0 {
		ids := make([]string, 0, len(excludedUsers))
		for _, usr := range excludedUsers {
			ids = append(ids, usr.ID)
		}
		q += ` AND id NOT IN (?)`
		args = append(args, ids)
	}
	q += ` LIMIT 1`

	q, args, err := sqlx.In(q, args...)
	if err != nil {
		return errors.Wrap(err, "building uniqueness query")
	}
	q = repo.db.Rebind(q)

	var row struct {
		Username string `db:"username"`
		Email    string `db:"email"`
	}
	if err = repo.db.GetContext(ctx, &row, q, args...); err != nil {
		if err == sql.ErrNoRows {
			return nil
		}
		return errors.Wrap(err, "checking username uniqueness")
	}
	if row.Username == username {
		return user.ErrUsernameExists
	}
	return user.ErrEmailExists
}

func (repo *userRepository) CreateUser(ctx context.Context, usr user.User) (user.User, error) {
	const q = `
	INSERT INTO "user" (id, name, username, email, is_active, roles, password_hash, created_at, updated_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	_, err := repo.db.ExecContext(ctx, q,
		usr.ID, usr.Name, usr.Username, usr.Email, usr.IsActive,
		pq.StringArray(usr.Roles), usr.PasswordHash, usr.CreatedAt, usr.UpdatedAt,
	)
	if err != nil {
		return user.User{}, errors.Wrap(err, "inserting user")
	}
	return usr, nil
}

func (repo *userRepository) GetUser(ctx context.Context, filter user.GetFilter) (user.User, error) {
	q := `SELECT ` + userCols + ` FROM "user" WHERE `
	var args []interface{}
	switch {
	case filter.ID != "":
		q += `id = $1`
		args = append(args, filter.ID)
	case filter.Username != "":
		q += `username = $1`
		args = append(args, filter.Username)
	case filter.Email != "":
		q += `email = $1`
		args = append(args, filter.Email)
	default:
		q += `(username = $1 OR email = $1)`
		args = append(args, filter.UsernameOrEmail)
	}

	var row userRow
	if err := repo.db.GetContext(ctx, &row, q, args...); err != nil {
		if err == sql.ErrNoRows {
			return user.User{}, user.ErrNotFound
		}
		return user.User{}, errors.Wrap(err, "selecting user")
	}
	return row.toCore(), nil
}

// orderableUserFields whitelists the columns QueryUsers may order by.
var orderableUserFields = map[string]bool{
	"name":       true,
	"username":   true,
	"email":      true,
	"created_at": true,
	"updated_at": true,
	"last_login": true,
}

func (repo *userRepository) QueryUsers(ctx context.Context, filter user.QueryFilter, orderings ...core.DBOrdering) ([]user.User, error) {
	q := `SELECT ` + userCols + ` FROM "user" WHERE true`
	var args []interface{}
	if filter.Search != "" {
		q += ` AND (name ILIKE ? OR username ILIKE ? OR email ILIKE ?)`
		pattern := "%" + filter.Search + "%"
		args = append(args, pattern, pattern, pattern)
	}
	if len(filter.Roles) > 0 {
		q += ` AND roles && ?`
		args = append(args, pq.StringArray(filter.Roles))
	}
	if filter.IsActive != nil {
		q += ` AND is_active = ?`
		args = append(args, *filter.IsActive)
	}

	orderBy := make([]string, 0, len(orderings))
	for _, ord := range orderings {
		if orderableUserFields[ord.Field] {
			orderBy = append(orderBy, ord.String())
		}
	}
	if len(orderBy) == 0 {
		orderBy = append(orderBy, "name ASC")
	}
	q += ` ORDER BY ` + strings.Join(orderBy, ", ")
	q = repo.db.Rebind(q)

	var rows []userRow
	if err := repo.db.SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, errors.Wrap(err, "selecting users")
	}
	users := make([]user.User, 0, len(rows))
	for _, row := range rows {
		users = append(users, row.toCore())
	}
	return users, nil
}

// UpdateUser only saves set fields; a zero LastLogin or nil Roles/PasswordHash
// leaves the stored value untouched.
func (repo *userRepository) UpdateUser(ctx context.Context, usr user.User, isActive ...*bool) (user.User, error) {
	q := `
	UPDATE "user" SET
		name = COALESCE(NULLIF($2, ''), name),
		username = COALESCE(NULLIF($3, ''), username),
		email = COALESCE(NULLIF($4, ''), email),
		updated_at = now()`
	args := []interface{}{usr.ID, usr.Name, usr.Username, usr.Email}
	i := len(args)

	appendSet := func(expr string, val interface{}) {
		i++
		q += `, ` + expr + ` = $` + strconv.Itoa(i)
		args = append(args, val)
	}
	if usr.Roles != nil {
		appendSet("roles", pq.StringArray(usr.Roles))
	}
	if usr.PasswordHash != nil {
		appendSet("password_hash", usr.PasswordHash)
	}
	if !usr.LastLogin.IsZero() {
		appendSet("last_login", usr.LastLogin)
	}
	if len(isActive) > 0 && isActive[0] != nil {
		appendSet("is_active", *isActive[0])
	}
	q += ` WHERE id = $1 RETURNING ` + userCols

	var row userRow
	if err := repo.db.GetContext(ctx, &row, q, args...); err != nil {
		if err == sql.ErrNoRows {
			return user.User{}, user.ErrNotFound
		}
		return user.User{}, errors.Wrap(err, "updating user")
	}
	return row.toCore(), nil
}

func (repo *userRepository) UpdateOrCreateUser(ctx context.Context, usr user.User) (user.User, error) {
	const q = `
	INSERT INTO "user" (id, name, username, email, is_active, roles, password_hash, created_at, updated_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	ON CONFLICT (username)
	DO UPDATE SET name = EXCLUDED.name, email = EXCLUDED.email, is_active = EXCLUDED.is_active,
	              roles = EXCLUDED.roles, password_hash = EXCLUDED.password_hash, updated_at = EXCLUDED.updated_at
	RETURNING ` + userCols

	var row userRow
	err := repo.db.GetContext(ctx, &row, q,
		usr.ID, usr.Name, usr.Username, usr.Email, usr.IsActive,
		pq.StringArray(usr.Roles), usr.PasswordHash, usr.CreatedAt, usr.UpdatedAt,
	)
	if err != nil {
		return user.User{}, errors.Wrap(err, "upserting user")
	}
	return row.toCore(), nil
}

func (repo *userRepository) DeleteUsersByID(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	q, args, err := sqlx.In(`DELETE FROM "user" WHERE id IN (?)`, ids)
	if err != nil {
		return errors.Wrap(err, "building delete query")
	}
	q = repo.db.Rebind(q)
	_, err = repo.db.ExecContext(ctx, q, args...)
	return errors.Wrap(err, "deleting users")
}
