// Package store is the persistence boundary. One worker goroutine owns
// the SQLite handle and executes every operation in submission order,
// so durable writes are serialised and readers always observe a
// consistent snapshot. Callers interact through blocking methods that
// enqueue work onto the worker's mailbox.
package store

import (
	"context"
	"crypto/rand"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"github.com/MITBorg/titanirc-sub000/internal/metrics"
	"github.com/MITBorg/titanirc-sub000/internal/state"
)

const schema = `
CREATE TABLE IF NOT EXISTS users (
    id            INTEGER PRIMARY KEY AUTOINCREMENT,
    username      TEXT NOT NULL UNIQUE,
    password_hash TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS user_nicks (
    nick    TEXT PRIMARY KEY,
    user_id INTEGER NOT NULL REFERENCES users(id)
);

CREATE TABLE IF NOT EXISTS channels (
    id   INTEGER PRIMARY KEY AUTOINCREMENT,
    name TEXT NOT NULL UNIQUE
);

CREATE TABLE IF NOT EXISTS channel_users (
    channel                      INTEGER NOT NULL REFERENCES channels(id),
    user                         INTEGER NOT NULL REFERENCES users(id),
    permissions                  INTEGER NOT NULL DEFAULT 0,
    in_channel                   BOOLEAN NOT NULL DEFAULT FALSE,
    last_seen_message_timestamp  INTEGER,
    PRIMARY KEY (channel, user)
);

CREATE TABLE IF NOT EXISTS channel_messages (
    channel   INTEGER NOT NULL REFERENCES channels(id),
    timestamp INTEGER NOT NULL,
    sender    TEXT NOT NULL,
    message   TEXT NOT NULL,
    PRIMARY KEY (channel, timestamp)
);

CREATE TABLE IF NOT EXISTS keys (
    name   TEXT PRIMARY KEY,
    enckey BLOB NOT NULL
);
`

const (
	gcInterval  = 5 * time.Minute
	maxAttempts = 3
	retryDelay  = 100 * time.Millisecond
)

// Errors surfaced to the session layer.
var (
	ErrBadCredentials = errors.New("store: bad credentials")
	ErrClosed         = errors.New("store: closed")
)

// StoredMessage is one replayable channel history line.
type StoredMessage struct {
	Timestamp int64  `db:"timestamp"`
	Sender    string `db:"sender"`
	Message   string `db:"message"`
}

// ChannelPermission pairs a nick's wildcard mask source with its
// persisted rank, as loaded at channel spawn.
type ChannelPermission struct {
	Nick       string
	Permission state.Permission
}

// Store is the persistence actor.
type Store struct {
	db      *sqlx.DB
	clock   *monotonicClock
	logger  zerolog.Logger
	metrics *metrics.Registry

	replayWindow time.Duration

	requests chan func()
	done     chan struct{}
}

// Open opens (creating if needed) the database at path and starts the
// worker goroutine.
func Open(path string, replayWindow time.Duration, logger zerolog.Logger, reg *metrics.Registry) (*Store, error) {
	db, err := sqlx.Connect("sqlite", "file:"+path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", path, err)
	}

	// one writer; the worker goroutine is the only user of the handle
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	s := &Store{
		db:           db,
		clock:        newMonotonicClock(),
		logger:       logger.With().Str("component", "store").Logger(),
		metrics:      reg,
		replayWindow: replayWindow,
		requests:     make(chan func(), 256),
		done:         make(chan struct{}),
	}

	go s.run()
	return s, nil
}

// run is the single-writer mailbox loop, plus the history GC ticker.
func (s *Store) run() {
	gc := time.NewTicker(gcInterval)
	defer gc.Stop()

	for {
		select {
		case req, ok := <-s.requests:
			if !ok {
				close(s.done)
				return
			}
			req()
		case <-gc.C:
			s.collectGarbage()
		}
	}
}

// Close drains the mailbox and closes the database.
func (s *Store) Close() error {
	close(s.requests)
	<-s.done
	return s.db.Close()
}

// submit runs fn on the worker goroutine and waits for completion.
func submit[T any](ctx context.Context, s *Store, op string, fn func() (T, error)) (T, error) {
	var zero T

	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)

	req := func() {
		start := time.Now()
		v, err := fn()
		if s.metrics != nil {
			s.metrics.StoreQueryDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
			if err != nil {
				s.metrics.StoreErrors.Inc()
			}
		}
		ch <- result{v, err}
	}

	select {
	case s.requests <- req:
	case <-ctx.Done():
		return zero, ctx.Err()
	}

	select {
	case r := <-ch:
		return r.v, r.err
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// retry re-runs fn for transient SQLite contention errors.
func retry[T any](fn func() (T, error)) (T, error) {
	var v T
	var err error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		v, err = fn()
		if err == nil || !isTransient(err) {
			return v, err
		}
		time.Sleep(retryDelay)
	}
	return v, err
}

func isTransient(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "busy")
}

// Authenticate resolves a SASL PLAIN attempt. Unknown usernames are
// created with an argon2id hash of the supplied password; known
// usernames are verified against the stored hash. Wrong passwords
// return ErrBadCredentials.
func (s *Store) Authenticate(ctx context.Context, username, password string) (state.UserID, error) {
	return submit(ctx, s, "authenticate", func() (state.UserID, error) {
		return retry(func() (state.UserID, error) {
			var row struct {
				ID   int64  `db:"id"`
				Hash string `db:"password_hash"`
			}
			err := s.db.Get(&row, `SELECT id, password_hash FROM users WHERE username = ?`, username)
			switch {
			case errors.Is(err, sql.ErrNoRows):
				hash, herr := hashPassword(password)
				if herr != nil {
					return 0, herr
				}
				res, ierr := s.db.Exec(`INSERT INTO users (username, password_hash) VALUES (?, ?)`, username, hash)
				if ierr != nil {
					return 0, fmt.Errorf("create user %s: %w", username, ierr)
				}
				id, _ := res.LastInsertId()
				s.logger.Info().Str("username", username).Int64("user_id", id).Msg("created user")
				return state.UserID(id), nil
			case err != nil:
				return 0, fmt.Errorf("fetch user %s: %w", username, err)
			}

			ok, verr := verifyPassword(row.Hash, password)
			if verr != nil {
				return 0, fmt.Errorf("verify password for %s: %w", username, verr)
			}
			if !ok {
				return 0, ErrBadCredentials
			}
			return state.UserID(row.ID), nil
		})
	})
}

// ReserveNick claims nick for user. The claim succeeds iff the nick is
// unowned or already owned by this user.
func (s *Store) ReserveNick(ctx context.Context, user state.UserID, nick string) (bool, error) {
	return submit(ctx, s, "reserve_nick", func() (bool, error) {
		return retry(func() (bool, error) {
			var owner int64
			err := s.db.Get(&owner, `
				INSERT INTO user_nicks (nick, user_id) VALUES (?, ?)
				ON CONFLICT (nick) DO UPDATE SET nick = nick
				RETURNING user_id`, nick, int64(user))
			if err != nil {
				return false, fmt.Errorf("reserve nick %s: %w", nick, err)
			}
			return owner == int64(user), nil
		})
	})
}

// EnsureChannel creates the durable channel row if missing and returns
// its id.
func (s *Store) EnsureChannel(ctx context.Context, name string) (int64, error) {
	return submit(ctx, s, "ensure_channel", func() (int64, error) {
		return retry(func() (int64, error) {
			return s.channelID(name)
		})
	})
}

// channelID is the worker-side upsert used by every channel-scoped op.
func (s *Store) channelID(name string) (int64, error) {
	var id int64
	err := s.db.Get(&id, `
		INSERT INTO channels (name) VALUES (?)
		ON CONFLICT (name) DO UPDATE SET name = name
		RETURNING id`, name)
	if err != nil {
		return 0, fmt.Errorf("ensure channel %s: %w", name, err)
	}
	return id, nil
}

// ChannelJoined marks user present in channel. Idempotent.
func (s *Store) ChannelJoined(ctx context.Context, channel string, user state.UserID) error {
	_, err := submit(ctx, s, "channel_joined", func() (struct{}, error) {
		return retry(func() (struct{}, error) {
			id, err := s.channelID(channel)
			if err != nil {
				return struct{}{}, err
			}
			_, err = s.db.Exec(`
				INSERT INTO channel_users (channel, user, in_channel) VALUES (?, ?, TRUE)
				ON CONFLICT (channel, user) DO UPDATE SET in_channel = TRUE`,
				id, int64(user))
			if err != nil {
				return struct{}{}, fmt.Errorf("join %s: %w", channel, err)
			}
			return struct{}{}, nil
		})
	})
	return err
}

// ChannelParted marks user absent from channel.
func (s *Store) ChannelParted(ctx context.Context, channel string, user state.UserID) error {
	_, err := submit(ctx, s, "channel_parted", func() (struct{}, error) {
		return retry(func() (struct{}, error) {
			id, err := s.channelID(channel)
			if err != nil {
				return struct{}{}, err
			}
			_, err = s.db.Exec(`
				UPDATE channel_users SET in_channel = FALSE
				WHERE channel = ? AND user = ?`, id, int64(user))
			if err != nil {
				return struct{}{}, fmt.Errorf("part %s: %w", channel, err)
			}
			return struct{}{}, nil
		})
	})
	return err
}

// ChannelMessage appends a history line and advances the read marker of
// every receiver, so live witnesses never get the line replayed.
func (s *Store) ChannelMessage(ctx context.Context, channel, sender, message string, receivers []state.UserID) error {
	_, err := submit(ctx, s, "channel_message", func() (struct{}, error) {
		return retry(func() (struct{}, error) {
			id, err := s.channelID(channel)
			if err != nil {
				return struct{}{}, err
			}

			ts := s.clock.next()
			if _, err := s.db.Exec(`
				INSERT INTO channel_messages (channel, timestamp, sender, message)
				VALUES (?, ?, ?, ?)`, id, ts, sender, message); err != nil {
				return struct{}{}, fmt.Errorf("insert message: %w", err)
			}

			if len(receivers) == 0 {
				return struct{}{}, nil
			}

			ids := make([]int64, len(receivers))
			for i, r := range receivers {
				ids[i] = int64(r)
			}
			query, args, err := sqlx.In(`
				UPDATE channel_users SET last_seen_message_timestamp = ?
				WHERE channel = ? AND user IN (?)`, ts, id, ids)
			if err != nil {
				return struct{}{}, fmt.Errorf("build receiver update: %w", err)
			}
			if _, err := s.db.Exec(query, args...); err != nil {
				return struct{}{}, fmt.Errorf("advance read markers: %w", err)
			}
			return struct{}{}, nil
		})
	})
	return err
}

// FetchUnseenMessages returns the channel history the user has not
// witnessed, newest last, clamped to the replay retention window.
func (s *Store) FetchUnseenMessages(ctx context.Context, channel string, user state.UserID) ([]StoredMessage, error) {
	return submit(ctx, s, "fetch_unseen", func() ([]StoredMessage, error) {
		return retry(func() ([]StoredMessage, error) {
			id, err := s.channelID(channel)
			if err != nil {
				return nil, err
			}

			floor := time.Now().Add(-s.replayWindow).UnixNano()

			var out []StoredMessage
			err = s.db.Select(&out, `
				SELECT timestamp, sender, message FROM channel_messages
				WHERE channel = ?
				  AND timestamp > MAX(?, COALESCE(
					(SELECT last_seen_message_timestamp FROM channel_users
					 WHERE channel = ? AND user = ?), 0))
				ORDER BY timestamp ASC`, id, floor, id, int64(user))
			if err != nil {
				return nil, fmt.Errorf("fetch unseen for %s: %w", channel, err)
			}
			return out, nil
		})
	})
}

// FetchUserChannels returns the names of channels where the user is
// marked present, used for auto-rejoin at registration.
func (s *Store) FetchUserChannels(ctx context.Context, user state.UserID) ([]string, error) {
	return submit(ctx, s, "fetch_user_channels", func() ([]string, error) {
		return retry(func() ([]string, error) {
			var names []string
			err := s.db.Select(&names, `
				SELECT c.name FROM channels c
				JOIN channel_users cu ON cu.channel = c.id
				WHERE cu.user = ? AND cu.in_channel`, int64(user))
			if err != nil {
				return nil, fmt.Errorf("fetch channels: %w", err)
			}
			return names, nil
		})
	})
}

// FetchAllUserChannelPermissions loads the persisted per-user ranks of
// a channel, one entry per nick the user owns.
func (s *Store) FetchAllUserChannelPermissions(ctx context.Context, channel string) ([]ChannelPermission, error) {
	return submit(ctx, s, "fetch_permissions", func() ([]ChannelPermission, error) {
		return retry(func() ([]ChannelPermission, error) {
			id, err := s.channelID(channel)
			if err != nil {
				return nil, err
			}

			var rows []struct {
				Nick        string `db:"nick"`
				Permissions int    `db:"permissions"`
			}
			err = s.db.Select(&rows, `
				SELECT un.nick, cu.permissions FROM channel_users cu
				JOIN user_nicks un ON un.user_id = cu.user
				WHERE cu.channel = ? AND cu.permissions != 0`, id)
			if err != nil {
				return nil, fmt.Errorf("fetch permissions for %s: %w", channel, err)
			}

			out := make([]ChannelPermission, 0, len(rows))
			for _, r := range rows {
				out = append(out, ChannelPermission{
					Nick:       r.Nick,
					Permission: state.ParsePermission(r.Permissions),
				})
			}
			return out, nil
		})
	})
}

// SetUserChannelPermissions persists a member's rank on a channel.
func (s *Store) SetUserChannelPermissions(ctx context.Context, channel string, user state.UserID, perm state.Permission) error {
	_, err := submit(ctx, s, "set_permissions", func() (struct{}, error) {
		return retry(func() (struct{}, error) {
			id, err := s.channelID(channel)
			if err != nil {
				return struct{}{}, err
			}
			_, err = s.db.Exec(`
				INSERT INTO channel_users (channel, user, permissions) VALUES (?, ?, ?)
				ON CONFLICT (channel, user) DO UPDATE SET permissions = excluded.permissions`,
				id, int64(user), int(perm))
			if err != nil {
				return struct{}{}, fmt.Errorf("set permissions on %s: %w", channel, err)
			}
			return struct{}{}, nil
		})
	})
	return err
}

// LookupUserByNick resolves the owner of a reserved nick, if any.
func (s *Store) LookupUserByNick(ctx context.Context, nick string) (state.UserID, bool, error) {
	type res struct {
		id state.UserID
		ok bool
	}
	r, err := submit(ctx, s, "lookup_nick", func() (res, error) {
		return retry(func() (res, error) {
			var owner int64
			err := s.db.Get(&owner, `SELECT user_id FROM user_nicks WHERE nick = ?`, nick)
			if errors.Is(err, sql.ErrNoRows) {
				return res{}, nil
			}
			if err != nil {
				return res{}, fmt.Errorf("lookup nick %s: %w", nick, err)
			}
			return res{state.UserID(owner), true}, nil
		})
	})
	return r.id, r.ok, err
}

// Key returns the named secret, generating and persisting 32 random
// bytes on first use.
func (s *Store) Key(ctx context.Context, name string) ([]byte, error) {
	return submit(ctx, s, "key", func() ([]byte, error) {
		return retry(func() ([]byte, error) {
			var key []byte
			err := s.db.Get(&key, `SELECT enckey FROM keys WHERE name = ?`, name)
			if err == nil {
				return key, nil
			}
			if !errors.Is(err, sql.ErrNoRows) {
				return nil, fmt.Errorf("fetch key %s: %w", name, err)
			}

			key = make([]byte, 32)
			if _, err := rand.Read(key); err != nil {
				return nil, fmt.Errorf("generate key %s: %w", name, err)
			}
			if _, err := s.db.Exec(`INSERT INTO keys (name, enckey) VALUES (?, ?)`, name, key); err != nil {
				return nil, fmt.Errorf("persist key %s: %w", name, err)
			}
			return key, nil
		})
	})
}

// collectGarbage prunes history every member has seen, or that has
// aged out of the replay window.
func (s *Store) collectGarbage() {
	floor := time.Now().Add(-s.replayWindow).UnixNano()

	res, err := s.db.Exec(`
		DELETE FROM channel_messages
		WHERE timestamp <= MAX(
			COALESCE((SELECT MIN(COALESCE(cu.last_seen_message_timestamp, 0))
			          FROM channel_users cu
			          WHERE cu.channel = channel_messages.channel), 0),
			?)`, floor)
	if err != nil {
		s.logger.Error().Err(err).Msg("history gc failed")
		if s.metrics != nil {
			s.metrics.StoreErrors.Inc()
		}
		return
	}

	if n, _ := res.RowsAffected(); n > 0 {
		s.logger.Debug().Int64("deleted", n).Msg("history gc")
	}
}
