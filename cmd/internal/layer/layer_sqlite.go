package layer

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"chanlayer/cmd/internal/ids"

	_ "modernc.org/sqlite"
)

// SQLiteLayer is a Layer persisted in a single SQLite file. It suits one host with
// several processes sharing the file; the pool is limited to one connection so
// capacity checks and inserts are serialized.
type SQLiteLayer struct {
	cfg *Config
	db  *sql.DB
	log *slog.Logger

	pollInterval time.Duration
	extensions   []string
	ownsDB       bool
}

var (
	_ Layer      = (*SQLiteLayer)(nil)
	_ Statistics = (*SQLiteLayer)(nil)
	_ Sweeper    = (*SQLiteLayer)(nil)
)

// SQLiteOption configures SQLiteLayer behavior.
type SQLiteOption func(*SQLiteLayer) error

// WithSQLitePollInterval sets how often a blocking receive re-checks the table.
func WithSQLitePollInterval(d time.Duration) SQLiteOption {
	return func(l *SQLiteLayer) error {
		if d < minPollInterval {
			return fmt.Errorf("layer: poll interval below %s", minPollInterval)
		}
		l.pollInterval = d
		return nil
	}
}

// WithSQLiteLogger sets the logger.
func WithSQLiteLogger(log *slog.Logger) SQLiteOption {
	return func(l *SQLiteLayer) error {
		if log != nil {
			l.log = log
		}
		return nil
	}
}

// OpenSQLite opens (or creates) the database at path with WAL and a busy timeout.
func OpenSQLite(path string) (*sql.DB, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("layer: sqlite path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		`PRAGMA journal_mode = WAL`,
		`PRAGMA busy_timeout = 5000`,
		`PRAGMA synchronous = NORMAL`,
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}
	return db, nil
}

// NewSQLiteLayer constructs a layer on db and creates its tables. The layer does not
// own db unless it was opened through OpenSQLiteLayer.
func NewSQLiteLayer(ctx context.Context, db *sql.DB, cfg *Config, opts ...SQLiteOption) (*SQLiteLayer, error) {
	if db == nil {
		return nil, errors.New("layer: nil db")
	}
	if cfg == nil {
		cfg = DefaultConfig()
	}
	l := &SQLiteLayer{
		cfg:          cfg,
		db:           db,
		log:          slog.Default(),
		pollInterval: defaultPollInterval,
		extensions:   defaultExtensions(),
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(l); err != nil {
			return nil, err
		}
	}
	if err := l.migrate(ctx); err != nil {
		return nil, err
	}
	return l, nil
}

// OpenSQLiteLayer opens path and returns a layer that closes the database on Close.
func OpenSQLiteLayer(ctx context.Context, path string, cfg *Config, opts ...SQLiteOption) (*SQLiteLayer, error) {
	db, err := OpenSQLite(path)
	if err != nil {
		return nil, err
	}
	l, err := NewSQLiteLayer(ctx, db, cfg, opts...)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	l.ownsDB = true
	return l, nil
}

func (l *SQLiteLayer) migrate(ctx context.Context) error {
	const stmt = `
CREATE TABLE IF NOT EXISTS layer_messages (
  id         INTEGER PRIMARY KEY AUTOINCREMENT,
  channel    TEXT NOT NULL,
  payload    BLOB NOT NULL,
  created_at INTEGER NOT NULL,
  expires_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_layer_messages_channel_id ON layer_messages (channel, id);
CREATE INDEX IF NOT EXISTS idx_layer_messages_expires_at ON layer_messages (expires_at);

CREATE TABLE IF NOT EXISTS layer_group_members (
  group_name TEXT NOT NULL,
  channel    TEXT NOT NULL,
  expires_at INTEGER NOT NULL,
  PRIMARY KEY (group_name, channel)
);`

	if _, err := l.db.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("layer: migrate sqlite: %w", err)
	}
	return nil
}

// Config returns the layer configuration.
func (l *SQLiteLayer) Config() *Config { return l.cfg }

// Extensions returns a copy of the per-instance extension list.
func (l *SQLiteLayer) Extensions() []string {
	return append([]string(nil), l.extensions...)
}

// Close closes the database when the layer opened it.
func (l *SQLiteLayer) Close() error {
	if l.ownsDB {
		return l.db.Close()
	}
	return nil
}

// Ping checks the database connection.
func (l *SQLiteLayer) Ping(ctx context.Context) error { return l.db.PingContext(ctx) }

// Send enqueues msg on channel.
func (l *SQLiteLayer) Send(ctx context.Context, channel string, msg Message) error {
	if err := ValidChannelName(channel); err != nil {
		return err
	}
	payload, err := encodeMessage("layer.Send", l.cfg, msg)
	if err != nil {
		return err
	}
	return l.enqueue(ctx, "layer.Send", channel, payload, time.Now().UTC())
}

func (l *SQLiteLayer) enqueue(ctx context.Context, op, channel string, payload []byte, now time.Time) error {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var n int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM layer_messages WHERE channel = ? AND expires_at > ?`,
		channel, now.UnixNano(),
	).Scan(&n); err != nil {
		return err
	}
	if n >= l.cfg.Capacity(channel) {
		return opErr(op, ErrChannelFull, channel)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO layer_messages (channel, payload, created_at, expires_at) VALUES (?, ?, ?, ?)`,
		channel, payload, now.UnixNano(), now.Add(l.cfg.Expiry()).UnixNano(),
	); err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return tx.Commit()
}

// ReceiveMany pops the oldest live message across channels, polling while block is set.
func (l *SQLiteLayer) ReceiveMany(ctx context.Context, channels []string, block bool) (string, Message, error) {
	if err := validateChannels(channels); err != nil {
		return "", nil, err
	}
	if len(channels) == 0 {
		return "", nil, nil
	}

	var t *time.Ticker
	for {
		ch, msg, ok, err := l.receiveOnce(ctx, channels)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return "", nil, ctxErr
			}
			return "", nil, err
		}
		if ok {
			return ch, msg, nil
		}
		if !block {
			return "", nil, nil
		}

		if t == nil {
			t = time.NewTicker(l.pollInterval)
			defer t.Stop()
		}
		select {
		case <-ctx.Done():
			return "", nil, ctx.Err()
		case <-t.C:
		}
	}
}

func (l *SQLiteLayer) receiveOnce(ctx context.Context, channels []string) (string, Message, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", nil, false, err
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return "", nil, false, err
	}
	defer func() { _ = tx.Rollback() }()

	args := make([]any, 0, len(channels)+1)
	for _, ch := range channels {
		args = append(args, ch)
	}
	args = append(args, time.Now().UTC().UnixNano())

	var (
		id      int64
		ch      string
		payload []byte
	)
	err = tx.QueryRowContext(ctx,
		`SELECT id, channel, payload FROM layer_messages
		  WHERE channel IN (`+placeholders(len(channels))+`) AND expires_at > ?
		  ORDER BY id ASC
		  LIMIT 1`,
		args...,
	).Scan(&id, &ch, &payload)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil, false, nil
	}
	if err != nil {
		return "", nil, false, err
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM layer_messages WHERE id = ?`, id); err != nil {
		return "", nil, false, err
	}
	if err := tx.Commit(); err != nil {
		return "", nil, false, err
	}

	msg, err := decodeMessage(payload)
	if err != nil {
		return "", nil, false, err
	}
	return ch, msg, true, nil
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.Repeat("?, ", n-1) + "?"
}

// NewChannel returns a fresh channel name built from pattern.
func (l *SQLiteLayer) NewChannel(ctx context.Context, pattern string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	suffix, err := ids.NewChannelSuffix(time.Now().UTC())
	if err != nil {
		return "", err
	}
	return NewChannelName(pattern, suffix)
}

// GroupAdd adds channel to group, refreshing its expiry if already present.
func (l *SQLiteLayer) GroupAdd(ctx context.Context, group, channel string) error {
	if err := ValidGroupName(group); err != nil {
		return err
	}
	if err := ValidChannelName(channel); err != nil {
		return err
	}

	_, err := l.db.ExecContext(ctx,
		`INSERT INTO layer_group_members (group_name, channel, expires_at) VALUES (?, ?, ?)
		 ON CONFLICT (group_name, channel) DO UPDATE SET expires_at = excluded.expires_at`,
		group, channel, time.Now().UTC().Add(l.cfg.GroupExpiry()).UnixNano(),
	)
	return err
}

// GroupDiscard removes channel from group. Unknown members are ignored.
func (l *SQLiteLayer) GroupDiscard(ctx context.Context, group, channel string) error {
	if err := ValidGroupName(group); err != nil {
		return err
	}
	if err := ValidChannelName(channel); err != nil {
		return err
	}

	_, err := l.db.ExecContext(ctx,
		`DELETE FROM layer_group_members WHERE group_name = ? AND channel = ?`,
		group, channel,
	)
	return err
}

// SendGroup fans msg out to every live member of group. Members at capacity are skipped.
func (l *SQLiteLayer) SendGroup(ctx context.Context, group string, msg Message) error {
	if err := ValidGroupName(group); err != nil {
		return err
	}
	payload, err := encodeMessage("layer.SendGroup", l.cfg, msg)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	rows, err := l.db.QueryContext(ctx,
		`SELECT channel FROM layer_group_members WHERE group_name = ? AND expires_at > ? ORDER BY channel ASC`,
		group, now.UnixNano(),
	)
	if err != nil {
		return err
	}

	var channels []string
	for rows.Next() {
		var ch string
		if err := rows.Scan(&ch); err != nil {
			_ = rows.Close()
			return err
		}
		channels = append(channels, ch)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return err
	}
	_ = rows.Close()

	for _, ch := range channels {
		err := l.enqueue(ctx, "layer.SendGroup", ch, payload, now)
		if errors.Is(err, ErrChannelFull) {
			l.log.Debug("layer.send_group.skip_full", "group", group, "channel", ch)
			continue
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// Flush drops every queued message and group membership.
func (l *SQLiteLayer) Flush(ctx context.Context) error {
	if _, err := l.db.ExecContext(ctx, `DELETE FROM layer_messages; DELETE FROM layer_group_members;`); err != nil {
		return err
	}
	return nil
}

// ChannelStatistics reports the live queue length of channel.
func (l *SQLiteLayer) ChannelStatistics(ctx context.Context, channel string) (ChannelStats, error) {
	if err := ValidChannelName(channel); err != nil {
		return ChannelStats{}, err
	}

	var n int
	if err := l.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM layer_messages WHERE channel = ? AND expires_at > ?`,
		channel, time.Now().UTC().UnixNano(),
	).Scan(&n); err != nil {
		return ChannelStats{}, err
	}

	capacity := l.cfg.Capacity(channel)
	return ChannelStats{Channel: channel, Messages: n, Capacity: capacity, Full: n >= capacity}, nil
}

// Sweep removes expired messages and memberships.
func (l *SQLiteLayer) Sweep(ctx context.Context) (int, error) {
	now := time.Now().UTC().UnixNano()

	msgs, err := l.db.ExecContext(ctx, `DELETE FROM layer_messages WHERE expires_at <= ?`, now)
	if err != nil {
		return 0, err
	}
	a, err := msgs.RowsAffected()
	if err != nil {
		return 0, err
	}
	groups, err := l.db.ExecContext(ctx, `DELETE FROM layer_group_members WHERE expires_at <= ?`, now)
	if err != nil {
		return int(a), err
	}
	b, err := groups.RowsAffected()
	if err != nil {
		return int(a), err
	}
	return int(a + b), nil
}
