package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"relaychat/internal/app/db"
	"relaychat/internal/app/user"
	"relaychat/internal/pkg/randx"
)

// PostgresStore keeps users and messages in PostgreSQL. The schema lives in internal/app/db/migrations.
type PostgresStore struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool, now: time.Now}
}

const userColumns = `user_id, role_key, role, first_name, last_name, created_at`

func scanUser(row pgx.Row) (user.User, error) {
	var (
		u    user.User
		role string
	)
	if err := row.Scan(&u.ID, &u.RoleKey, &role, &u.FirstName, &u.LastName, &u.CreatedAt); err != nil {
		return user.User{}, err
	}
	u.Role = user.Role(role)
	return u, nil
}

func (s *PostgresStore) findUserByKey(ctx context.Context, roleKey string, role user.Role) (user.User, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE role = $1 AND role_key = $2`,
		string(role), roleKey)
	return scanUser(row)
}

// FindOrCreateUser relies on the (role, role_key) unique constraint: a concurrent insert that
// loses the race observes a unique violation and re-reads the winner's row.
func (s *PostgresStore) FindOrCreateUser(ctx context.Context, roleKey string, role user.Role, firstName, lastName string) (user.User, bool, error) {
	const op = "find or create user"
	if err := validateUser(roleKey, role, firstName, lastName); err != nil {
		return user.User{}, false, wrap(op, err)
	}

	existing, err := s.findUserByKey(ctx, roleKey, role)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return user.User{}, false, wrap(op, err)
	}

	row := s.pool.QueryRow(ctx,
		`INSERT INTO users (user_id, role_key, role, first_name, last_name, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING `+userColumns,
		randx.UserID(), roleKey, string(role),
		strings.TrimSpace(firstName), strings.TrimSpace(lastName),
		s.now().UTC().Truncate(time.Microsecond))

	created, err := scanUser(row)
	if err == nil {
		return created, true, nil
	}
	if !db.IsUniqueViolation(err) {
		return user.User{}, false, wrap(op, err)
	}

	existing, err = s.findUserByKey(ctx, roleKey, role)
	if err != nil {
		return user.User{}, false, wrap(op, err)
	}
	return existing, false, nil
}

func (s *PostgresStore) GetUser(ctx context.Context, id string) (user.User, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE user_id = $1`, id)
	u, err := scanUser(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return user.User{}, wrap("get user", ErrUserNotFound)
	}
	if err != nil {
		return user.User{}, wrap("get user", err)
	}
	return u, nil
}

func (s *PostgresStore) ListUsers(ctx context.Context) ([]user.User, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+userColumns+` FROM users ORDER BY created_at, user_id`)
	if err != nil {
		return nil, wrap("list users", err)
	}
	defer rows.Close()

	users := []user.User{}
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, wrap("list users", err)
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap("list users", err)
	}
	return users, nil
}

func (s *PostgresStore) AppendMessage(ctx context.Context, sender, recipient, body string, sentAt time.Time) (int64, error) {
	const op = "append message"
	if err := validateMessage(sender, recipient); err != nil {
		return 0, wrap(op, err)
	}

	var id int64
	err := s.pool.QueryRow(ctx,
		`INSERT INTO messages (sender, recipient, body, sent_at) VALUES ($1, $2, $3, $4) RETURNING id`,
		sender, recipient, body, sentAt.UTC().Truncate(time.Microsecond)).Scan(&id)
	if db.IsCheckViolation(err) {
		return 0, wrap(op, ErrMalformed)
	}
	if err != nil {
		return 0, wrap(op, err)
	}
	return id, nil
}

// LoadHistory selects the newest rows first so the limit applies to the most recent messages,
// then the outer query restores ascending order.
func (s *PostgresStore) LoadHistory(ctx context.Context, identity string, limit int) ([]Message, error) {
	var lim *int
	if limit > 0 {
		lim = &limit
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id, sender, recipient, body, sent_at, is_read, read_at FROM (
			SELECT id, sender, recipient, body, sent_at, is_read, read_at
			FROM messages
			WHERE sender = $1 OR recipient = $1
			ORDER BY sent_at DESC, id DESC
			LIMIT $2
		) recent
		ORDER BY sent_at ASC, id ASC`,
		identity, lim)
	if err != nil {
		return nil, wrap("load history", err)
	}
	defer rows.Close()

	messages := []Message{}
	for rows.Next() {
		var msg Message
		if err := rows.Scan(&msg.ID, &msg.Sender, &msg.Recipient, &msg.Body, &msg.SentAt, &msg.IsRead, &msg.ReadAt); err != nil {
			return nil, wrap("load history", err)
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap("load history", err)
	}
	return messages, nil
}

// MarkRead flips is_read only while it is still false, so concurrent acknowledgements of the
// same message produce exactly one receipt.
func (s *PostgresStore) MarkRead(ctx context.Context, id int64, readAt time.Time) (ReadReceipt, bool, error) {
	const op = "mark read"
	at := readAt.UTC().Truncate(time.Microsecond)

	receipt := ReadReceipt{MessageID: id, ReadAt: at}
	err := s.pool.QueryRow(ctx,
		`UPDATE messages SET is_read = TRUE, read_at = $2
		 WHERE id = $1 AND is_read = FALSE
		 RETURNING sender, recipient`,
		id, at).Scan(&receipt.Sender, &receipt.Recipient)
	if err == nil {
		return receipt, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return ReadReceipt{}, false, wrap(op, err)
	}

	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM messages WHERE id = $1)`, id).Scan(&exists); err != nil {
		return ReadReceipt{}, false, wrap(op, err)
	}
	if !exists {
		return ReadReceipt{}, false, wrap(op, ErrMessageNotFound)
	}
	return ReadReceipt{}, false, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return wrap("ping", s.pool.Ping(ctx))
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
