package server

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/crypto/bcrypt"
)

// ErrUserNotFound is returned when no user matches the username.
var ErrUserNotFound = errors.New("user not found")

type User struct {
	ID           int
	Username     string
	PasswordHash string
	Role         string
	LastLogin    *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func GetUserByUsername(ctx context.Context, pool *pgxpool.Pool, username string) (*User, error) {
	query := `
	SELECT id, username, password_hash, role, last_login, created_at, updated_at
	FROM users
	WHERE username = $1
	`

	row := pool.QueryRow(ctx, query, username)
	var user User
	if err := row.Scan(
		&user.ID,
		&user.Username,
		&user.PasswordHash,
		&user.Role,
		&user.LastLogin,
		&user.CreatedAt,
		&user.UpdatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return &user, nil
}

func CreateUser(ctx context.Context, pool *pgxpool.Pool, username, passwordHash, role string) error {
	query := `
	INSERT INTO users (username, password_hash, role)
	VALUES ($1, $2, $3)
	`
	_, err := pool.Exec(ctx, query, username, passwordHash, role)
	return err
}

func UpdateLastLogin(ctx context.Context, pool *pgxpool.Pool, username string) error {
	query := `
	UPDATE users
	SET last_login = CURRENT_TIMESTAMP,
		updated_at = CURRENT_TIMESTAMP
	WHERE username = $1
	`
	_, err := pool.Exec(ctx, query, username)
	return err
}

func AnyAdminExists(ctx context.Context, pool *pgxpool.Pool) (bool, error) {
	var count int
	err := pool.QueryRow(ctx, "SELECT COUNT(*) FROM users WHERE role = 'admin'").Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// EnsureDefaultAdmin creates the bootstrap admin account when no
// admin exists yet. Returns true when an account was created.
func EnsureDefaultAdmin(ctx context.Context, pool *pgxpool.Pool, username, password string) (bool, error) {
	exists, err := AnyAdminExists(ctx, pool)
	if err != nil {
		return false, err
	}
	if exists {
		return false, nil
	}

	username = strings.TrimSpace(username)
	if username == "" {
		username = "admin"
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return false, err
	}
	if err := CreateUser(ctx, pool, username, string(hash), "admin"); err != nil {
		return false, err
	}
	return true, nil
}

// CheckPassword compares a candidate password against the stored hash.
func CheckPassword(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}
