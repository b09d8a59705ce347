//go:generate go run go.uber.org/mock/mockgen -source=store.go -destination=../../mocks/mock_store.go -package=mocks

/*
Package store defines the durable side of the relay: the participant table and the
append-only message log with read state.

Two implementations are provided: PostgresStore for shared deployments and BadgerStore,
an embedded database for single-node deployments and tests.
*/
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"relaychat/internal/app/user"
	"relaychat/internal/pkg/randx"
)

var (
	// ErrUserNotFound is returned when no participant matches the requested identity.
	ErrUserNotFound = errors.New("user not found")

	// ErrMessageNotFound is returned when no message matches the requested id.
	ErrMessageNotFound = errors.New("message not found")

	// ErrMalformed is returned when an operation receives structurally invalid input.
	ErrMalformed = errors.New("malformed input")
)

// Error wraps a failure of a single store operation.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("store: %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Op: op, Err: err}
}

// Message is a single persisted chat message.
// ID, Sender, Recipient, Body and SentAt never change after insert; IsRead/ReadAt
// move from unread to read exactly once.
type Message struct {
	ID        int64      `json:"id"`
	Sender    string     `json:"sender"`
	Recipient string     `json:"recipient"`
	Body      string     `json:"body"`
	SentAt    time.Time  `json:"sentAt"`
	IsRead    bool       `json:"isRead"`
	ReadAt    *time.Time `json:"readAt"`
}

// ReadReceipt describes a message that has just transitioned to read.
type ReadReceipt struct {
	MessageID int64
	Sender    string
	Recipient string
	ReadAt    time.Time
}

// Store is the persistence contract used by the broker and the registration endpoint.
type Store interface {
	// FindOrCreateUser returns the participant registered under (roleKey, role), creating it
	// with a generated identity when absent. created reports whether a new row was written.
	FindOrCreateUser(ctx context.Context, roleKey string, role user.Role, firstName, lastName string) (u user.User, created bool, err error)

	// GetUser returns the participant with the given identity or ErrUserNotFound.
	GetUser(ctx context.Context, id string) (user.User, error)

	// ListUsers returns every registered participant.
	ListUsers(ctx context.Context) ([]user.User, error)

	// AppendMessage persists an unread message and returns its assigned id.
	AppendMessage(ctx context.Context, sender, recipient, body string, sentAt time.Time) (int64, error)

	// LoadHistory returns the messages sent or received by identity, ordered by SentAt.
	// A positive limit keeps only the most recent messages.
	LoadHistory(ctx context.Context, identity string, limit int) ([]Message, error)

	// MarkRead marks an unread message as read. It returns ok=false without error when the
	// message was already read.
	MarkRead(ctx context.Context, id int64, readAt time.Time) (receipt ReadReceipt, ok bool, err error)

	// Ping checks that the store is reachable.
	Ping(ctx context.Context) error

	// Close releases the underlying resources.
	Close() error
}

func validateUser(roleKey string, role user.Role, firstName, lastName string) error {
	if !randx.IsValidIdentity(roleKey) || role == user.RoleUnknown {
		return ErrMalformed
	}
	if strings.TrimSpace(firstName) == "" || strings.TrimSpace(lastName) == "" {
		return ErrMalformed
	}
	return nil
}

func validateMessage(sender, recipient string) error {
	if !randx.IsValidIdentity(sender) || !randx.IsValidIdentity(recipient) {
		return ErrMalformed
	}
	if sender == recipient {
		return ErrMalformed
	}
	return nil
}
