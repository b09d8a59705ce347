package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/rs/zerolog"

	"relaychat/internal/app/user"
	"relaychat/internal/pkg/logx"
	"relaychat/internal/pkg/randx"
)

const (
	maxTxnRetries     = 8
	sequenceBandwidth = 128
)

var messageSequenceKey = []byte("seq:message")

// BadgerStore keeps users and messages in an embedded Badger database.
//
// Key layout:
//
//	user:key:{role}:{roleKey}                           -> user id
//	user:id:{id}                                        -> user record (JSON)
//	msg:{id:020d}                                       -> message record (JSON)
//	idx:{len(identity)}:{identity}:{sec:020d}:{nsec:09d}:{id:020d}  -> empty, one per party
//
// sec is the Unix second with its sign bit flipped, so negative (pre-1970) times sort before
// positive ones. The zero padding keeps lexicographic key order equal to numeric order, so a
// prefix scan over idx: yields a participant's history sorted by send time.
type BadgerStore struct {
	db  *badger.DB
	seq *badger.Sequence
	now func() time.Time
}

// OpenBadger opens (or creates) a Badger database at path with its logs routed through zerolog.
func OpenBadger(path string) (*badger.DB, error) {
	opts := badger.DefaultOptions(path).WithLogger(badgerLogger{logx.Component("badger")})
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger at %s: %w", path, err)
	}
	return db, nil
}

// NewBadgerStore wraps an open Badger database. Close releases the id sequence and the database.
func NewBadgerStore(db *badger.DB) (*BadgerStore, error) {
	seq, err := db.GetSequence(messageSequenceKey, sequenceBandwidth)
	if err != nil {
		return nil, wrap("open", err)
	}
	return &BadgerStore{db: db, seq: seq, now: time.Now}, nil
}

func userKeyByRole(role user.Role, roleKey string) []byte {
	return []byte(fmt.Sprintf("user:key:%s:%s", string(role), roleKey))
}

func userKeyByID(id string) []byte {
	return []byte("user:id:" + id)
}

func messageKey(id int64) []byte {
	return []byte(fmt.Sprintf("msg:%020d", id))
}

func historyPrefix(identity string) []byte {
	return []byte(fmt.Sprintf("idx:%d:%s:", len(identity), identity))
}

func historyKey(identity string, sentAt time.Time, id int64) []byte {
	return append(historyPrefix(identity), sortableTime(sentAt)+fmt.Sprintf(":%020d", id)...)
}

// sortableTime renders t so that byte order matches time order for every representable time.
func sortableTime(t time.Time) string {
	return fmt.Sprintf("%020d:%09d", uint64(t.Unix())^(1<<63), t.Nanosecond())
}

// update runs fn in a read-write transaction, retrying on optimistic conflicts.
func (s *BadgerStore) update(ctx context.Context, fn func(txn *badger.Txn) error) error {
	var err error
	for attempt := 0; attempt < maxTxnRetries; attempt++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		err = s.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
	return err
}

func getJSON(txn *badger.Txn, key []byte, dst any) error {
	item, err := txn.Get(key)
	if err != nil {
		return err
	}
	return item.Value(func(val []byte) error {
		return json.Unmarshal(val, dst)
	})
}

func setJSON(txn *badger.Txn, key []byte, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return txn.Set(key, b)
}

func (s *BadgerStore) FindOrCreateUser(ctx context.Context, roleKey string, role user.Role, firstName, lastName string) (user.User, bool, error) {
	const op = "find or create user"
	if err := validateUser(roleKey, role, firstName, lastName); err != nil {
		return user.User{}, false, wrap(op, err)
	}

	var (
		u       user.User
		created bool
	)
	err := s.update(ctx, func(txn *badger.Txn) error {
		created = false
		idxKey := userKeyByRole(role, roleKey)

		item, err := txn.Get(idxKey)
		switch {
		case err == nil:
			id, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			return getJSON(txn, userKeyByID(string(id)), &u)
		case !errors.Is(err, badger.ErrKeyNotFound):
			return err
		}

		u = user.User{
			ID:        randx.UserID(),
			RoleKey:   roleKey,
			Role:      role,
			FirstName: strings.TrimSpace(firstName),
			LastName:  strings.TrimSpace(lastName),
			CreatedAt: s.now().UTC().Truncate(time.Microsecond),
		}
		if err := txn.Set(idxKey, []byte(u.ID)); err != nil {
			return err
		}
		created = true
		return setJSON(txn, userKeyByID(u.ID), u)
	})
	if err != nil {
		return user.User{}, false, wrap(op, err)
	}
	return u, created, nil
}

func (s *BadgerStore) GetUser(_ context.Context, id string) (user.User, error) {
	var u user.User
	err := s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, userKeyByID(id), &u)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return user.User{}, wrap("get user", ErrUserNotFound)
	}
	if err != nil {
		return user.User{}, wrap("get user", err)
	}
	return u, nil
}

func (s *BadgerStore) ListUsers(_ context.Context) ([]user.User, error) {
	users := []user.User{}
	err := s.db.View(func(txn *badger.Txn) error {
		prefix := []byte("user:id:")
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var u user.User
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &u)
			}); err != nil {
				return err
			}
			users = append(users, u)
		}
		return nil
	})
	if err != nil {
		return nil, wrap("list users", err)
	}
	return users, nil
}

func (s *BadgerStore) AppendMessage(ctx context.Context, sender, recipient, body string, sentAt time.Time) (int64, error) {
	const op = "append message"
	if err := validateMessage(sender, recipient); err != nil {
		return 0, wrap(op, err)
	}

	next, err := s.seq.Next()
	if err != nil {
		return 0, wrap(op, err)
	}

	msg := Message{
		ID:        int64(next) + 1,
		Sender:    sender,
		Recipient: recipient,
		Body:      body,
		SentAt:    sentAt.UTC().Truncate(time.Microsecond),
	}

	err = s.update(ctx, func(txn *badger.Txn) error {
		if err := setJSON(txn, messageKey(msg.ID), msg); err != nil {
			return err
		}
		if err := txn.Set(historyKey(sender, msg.SentAt, msg.ID), nil); err != nil {
			return err
		}
		return txn.Set(historyKey(recipient, msg.SentAt, msg.ID), nil)
	})
	if err != nil {
		return 0, wrap(op, err)
	}
	return msg.ID, nil
}

// LoadHistory scans the participant index backwards from the newest entry so a limit keeps
// the most recent messages, then restores ascending order.
func (s *BadgerStore) LoadHistory(_ context.Context, identity string, limit int) ([]Message, error) {
	messages := []Message{}
	err := s.db.View(func(txn *badger.Txn) error {
		prefix := historyPrefix(identity)
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		seekKey := append(append([]byte{}, prefix...), 0xff)
		for it.Seek(seekKey); it.ValidForPrefix(prefix); it.Next() {
			if limit > 0 && len(messages) == limit {
				break
			}
			key := string(it.Item().Key()[len(prefix):])
			sep := strings.LastIndexByte(key, ':')
			if sep < 0 {
				return fmt.Errorf("corrupt history key %q", key)
			}
			var id int64
			if _, err := fmt.Sscanf(key[sep+1:], "%d", &id); err != nil {
				return fmt.Errorf("corrupt history key %q: %w", key, err)
			}

			var msg Message
			if err := getJSON(txn, messageKey(id), &msg); err != nil {
				return err
			}
			messages = append(messages, msg)
		}
		return nil
	})
	if err != nil {
		return nil, wrap("load history", err)
	}

	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

func (s *BadgerStore) MarkRead(ctx context.Context, id int64, readAt time.Time) (ReadReceipt, bool, error) {
	var (
		receipt ReadReceipt
		ok      bool
	)
	err := s.update(ctx, func(txn *badger.Txn) error {
		ok = false
		var msg Message
		if err := getJSON(txn, messageKey(id), &msg); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return ErrMessageNotFound
			}
			return err
		}
		if msg.IsRead {
			return nil
		}

		at := readAt.UTC().Truncate(time.Microsecond)
		msg.IsRead = true
		msg.ReadAt = &at
		if err := setJSON(txn, messageKey(id), msg); err != nil {
			return err
		}

		receipt = ReadReceipt{MessageID: id, Sender: msg.Sender, Recipient: msg.Recipient, ReadAt: at}
		ok = true
		return nil
	})
	if err != nil {
		return ReadReceipt{}, false, wrap("mark read", err)
	}
	return receipt, ok, nil
}

func (s *BadgerStore) Ping(_ context.Context) error {
	if s.db.IsClosed() {
		return wrap("ping", errors.New("database is closed"))
	}
	return nil
}

func (s *BadgerStore) Close() error {
	if err := s.seq.Release(); err != nil {
		logx.Warn("Failed to release badger sequence", "error", err.Error())
	}
	return s.db.Close()
}

// badgerLogger adapts zerolog to badger.Logger.
type badgerLogger struct {
	l zerolog.Logger
}

func (b badgerLogger) Errorf(format string, args ...any) {
	b.l.Error().Msgf(strings.TrimSpace(format), args...)
}

func (b badgerLogger) Warningf(format string, args ...any) {
	b.l.Warn().Msgf(strings.TrimSpace(format), args...)
}

func (b badgerLogger) Infof(format string, args ...any) {
	b.l.Debug().Msgf(strings.TrimSpace(format), args...)
}

func (b badgerLogger) Debugf(format string, args ...any) {
	b.l.Trace().Msgf(strings.TrimSpace(format), args...)
}
