package layer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"chanlayer/cmd/internal/ids"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresLayer is a Layer backed by PostgreSQL, shared by any number of processes.
//
// Ownership model:
//   - PostgresLayer does NOT own the pgx pool. The caller must close the pool.
//   - Close() is therefore a no-op.
//
// Concurrency model:
//   - Send takes a per-channel transactional advisory lock so the capacity check and
//     the insert cannot interleave with another sender.
//   - Receive deletes with FOR UPDATE SKIP LOCKED, so each message is delivered once.
type PostgresLayer struct {
	cfg    *Config
	pool   *pgxpool.Pool
	schema string
	log    *slog.Logger

	pollInterval time.Duration
	extensions   []string
}

var (
	_ Layer      = (*PostgresLayer)(nil)
	_ Statistics = (*PostgresLayer)(nil)
	_ Sweeper    = (*PostgresLayer)(nil)
)

// PostgresOption configures PostgresLayer behavior.
type PostgresOption func(*PostgresLayer) error

// WithSchema sets the DB schema used by this layer (default: "chanlayer").
// The schema name is validated and safely quoted in queries.
func WithSchema(schema string) PostgresOption {
	return func(l *PostgresLayer) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("layer: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("layer: invalid schema identifier")
		}
		l.schema = schema
		return nil
	}
}

// WithPollInterval sets how often a blocking receive re-checks the table.
func WithPollInterval(d time.Duration) PostgresOption {
	return func(l *PostgresLayer) error {
		if d < minPollInterval {
			return fmt.Errorf("layer: poll interval below %s", minPollInterval)
		}
		l.pollInterval = d
		return nil
	}
}

// WithPostgresLogger sets the logger.
func WithPostgresLogger(log *slog.Logger) PostgresOption {
	return func(l *PostgresLayer) error {
		if log != nil {
			l.log = log
		}
		return nil
	}
}

// NewPostgresLayer constructs a PostgreSQL-backed layer. A nil cfg means DefaultConfig.
func NewPostgresLayer(pool *pgxpool.Pool, cfg *Config, opts ...PostgresOption) (*PostgresLayer, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	l := &PostgresLayer{
		cfg:          cfg,
		pool:         pool,
		schema:       "chanlayer",
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
	if l.pool == nil {
		return nil, errors.New("layer: nil pool")
	}
	return l, nil
}

// Config returns the layer configuration.
func (l *PostgresLayer) Config() *Config { return l.cfg }

// Extensions returns a copy of the per-instance extension list.
func (l *PostgresLayer) Extensions() []string {
	return append([]string(nil), l.extensions...)
}

// Close is a no-op because the pool is owned by the caller.
func (l *PostgresLayer) Close() error { return nil }

// Migrate creates the schema and tables if they do not exist.
func (l *PostgresLayer) Migrate(ctx context.Context) error {
	messages := pgIdent(l.schema, "layer_messages")
	members := pgIdent(l.schema, "layer_group_members")

	stmt := fmt.Sprintf(`
CREATE SCHEMA IF NOT EXISTS %s;

CREATE TABLE IF NOT EXISTS %s (
  id         BIGSERIAL PRIMARY KEY,
  channel    TEXT NOT NULL,
  payload    BYTEA NOT NULL,
  created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
  expires_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_layer_messages_channel_id
  ON %s (channel, id);

CREATE INDEX IF NOT EXISTS idx_layer_messages_expires_at
  ON %s (expires_at);

CREATE TABLE IF NOT EXISTS %s (
  group_name TEXT NOT NULL,
  channel    TEXT NOT NULL,
  expires_at TIMESTAMPTZ NOT NULL,
  PRIMARY KEY (group_name, channel)
);
`, pgx.Identifier{l.schema}.Sanitize(), messages, messages, messages, members)

	if _, err := l.pool.Exec(ctx, stmt); err != nil {
		return fmt.Errorf("layer: migrate: %w", err)
	}
	return nil
}

// Send enqueues msg on channel.
func (l *PostgresLayer) Send(ctx context.Context, channel string, msg Message) error {
	if err := ValidChannelName(channel); err != nil {
		return err
	}
	payload, err := encodeMessage("layer.Send", l.cfg, msg)
	if err != nil {
		return err
	}
	return l.enqueue(ctx, "layer.Send", channel, payload, time.Now().UTC())
}

func (l *PostgresLayer) enqueue(ctx context.Context, op, channel string, payload []byte, now time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	tx, err := l.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	messages := pgIdent(l.schema, "layer_messages")

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, channel); err != nil {
		return fmt.Errorf("advisory lock: %w", err)
	}

	var n int
	if err := tx.QueryRow(ctx,
		`SELECT COUNT(*) FROM `+messages+` WHERE channel = $1 AND expires_at > $2`,
		channel, now,
	).Scan(&n); err != nil {
		return err
	}
	if n >= l.cfg.Capacity(channel) {
		return opErr(op, ErrChannelFull, channel)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO `+messages+` (channel, payload, created_at, expires_at) VALUES ($1, $2, $3, $4)`,
		channel, payload, now, now.Add(l.cfg.Expiry()),
	); err != nil {
		return fmt.Errorf("insert message: %w", err)
	}

	return tx.Commit(ctx)
}

// ReceiveMany pops the oldest live message across channels, polling while block is set.
func (l *PostgresLayer) ReceiveMany(ctx context.Context, channels []string, block bool) (string, Message, error) {
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

func (l *PostgresLayer) receiveOnce(ctx context.Context, channels []string) (string, Message, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", nil, false, err
	}

	messages := pgIdent(l.schema, "layer_messages")

	var (
		ch      string
		payload []byte
	)
	err := l.pool.QueryRow(ctx,
		`DELETE FROM `+messages+`
		  WHERE id = (
		    SELECT id FROM `+messages+`
		     WHERE channel = ANY($1) AND expires_at > $2
		     ORDER BY id ASC
		     LIMIT 1
		     FOR UPDATE SKIP LOCKED
		  )
		RETURNING channel, payload`,
		channels, time.Now().UTC(),
	).Scan(&ch, &payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil, false, nil
	}
	if err != nil {
		return "", nil, false, err
	}

	msg, err := decodeMessage(payload)
	if err != nil {
		return "", nil, false, err
	}
	return ch, msg, true, nil
}

// NewChannel returns a fresh channel name built from pattern. ULID suffixes make
// collisions across processes negligible, so no table lookup is made.
func (l *PostgresLayer) NewChannel(ctx context.Context, pattern string) (string, error) {
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
func (l *PostgresLayer) GroupAdd(ctx context.Context, group, channel string) error {
	if err := ValidGroupName(group); err != nil {
		return err
	}
	if err := ValidChannelName(channel); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	members := pgIdent(l.schema, "layer_group_members")
	_, err := l.pool.Exec(ctx,
		`INSERT INTO `+members+` (group_name, channel, expires_at) VALUES ($1, $2, $3)
		 ON CONFLICT (group_name, channel) DO UPDATE SET expires_at = EXCLUDED.expires_at`,
		group, channel, time.Now().UTC().Add(l.cfg.GroupExpiry()),
	)
	return err
}

// GroupDiscard removes channel from group. Unknown members are ignored.
func (l *PostgresLayer) GroupDiscard(ctx context.Context, group, channel string) error {
	if err := ValidGroupName(group); err != nil {
		return err
	}
	if err := ValidChannelName(channel); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	members := pgIdent(l.schema, "layer_group_members")
	_, err := l.pool.Exec(ctx,
		`DELETE FROM `+members+` WHERE group_name = $1 AND channel = $2`,
		group, channel,
	)
	return err
}

// SendGroup fans msg out to every live member of group. Members at capacity are skipped.
func (l *PostgresLayer) SendGroup(ctx context.Context, group string, msg Message) error {
	if err := ValidGroupName(group); err != nil {
		return err
	}
	payload, err := encodeMessage("layer.SendGroup", l.cfg, msg)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	now := time.Now().UTC()
	members := pgIdent(l.schema, "layer_group_members")

	rows, err := l.pool.Query(ctx,
		`SELECT channel FROM `+members+` WHERE group_name = $1 AND expires_at > $2 ORDER BY channel ASC`,
		group, now,
	)
	if err != nil {
		return err
	}
	channels, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return err
	}

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
func (l *PostgresLayer) Flush(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := l.pool.Exec(ctx,
		`TRUNCATE `+pgIdent(l.schema, "layer_messages")+`, `+pgIdent(l.schema, "layer_group_members"),
	)
	return err
}

// ChannelStatistics reports the live queue length of channel.
func (l *PostgresLayer) ChannelStatistics(ctx context.Context, channel string) (ChannelStats, error) {
	if err := ValidChannelName(channel); err != nil {
		return ChannelStats{}, err
	}

	var n int
	if err := l.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM `+pgIdent(l.schema, "layer_messages")+` WHERE channel = $1 AND expires_at > $2`,
		channel, time.Now().UTC(),
	).Scan(&n); err != nil {
		return ChannelStats{}, err
	}

	capacity := l.cfg.Capacity(channel)
	return ChannelStats{Channel: channel, Messages: n, Capacity: capacity, Full: n >= capacity}, nil
}

// Sweep removes expired messages and memberships.
func (l *PostgresLayer) Sweep(ctx context.Context) (int, error) {
	now := time.Now().UTC()

	msgs, err := l.pool.Exec(ctx,
		`DELETE FROM `+pgIdent(l.schema, "layer_messages")+` WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, err
	}
	groups, err := l.pool.Exec(ctx,
		`DELETE FROM `+pgIdent(l.schema, "layer_group_members")+` WHERE expires_at <= $1`, now)
	if err != nil {
		return int(msgs.RowsAffected()), err
	}
	return int(msgs.RowsAffected() + groups.RowsAffected()), nil
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	// pgx.Identifier safely quotes identifiers, preventing SQL injection.
	return pgx.Identifier{schema, table}.Sanitize()
}
