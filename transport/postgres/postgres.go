// Package postgres provides a table-backed queue transport on PostgreSQL.
// Rows are claimed with FOR UPDATE SKIP LOCKED, deleted on ack and made
// available again with a backoff on nack, so several relays can share one
// queue table.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/drblury/postrelay/internal/runtime/jsoncodec"
	"github.com/drblury/postrelay/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "postgres"

const (
	// DefaultPollInterval is the idle wait between claim attempts.
	DefaultPollInterval = 100 * time.Millisecond
	// DefaultLockTimeout is how long a claimed row stays invisible to other
	// consumers before it is handed out again.
	DefaultLockTimeout = 30 * time.Second
	// DefaultMaxBackoff caps the delay applied after a nack.
	DefaultMaxBackoff = 30 * time.Second
	// DefaultSchemaName holds the queue table.
	DefaultSchemaName = "postrelay_queue"
)

// ErrClosed is returned by Publish and Subscribe after Close.
var ErrClosed = errors.New("postgres transport is closed")

var validSchemaName = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

func init() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.PostgresCapabilities)
	transport.Alias("postgresql", TransportName)
}

// Build creates a new PostgreSQL queue transport.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	t, err := New(ctx, Config{ConnectionString: cfg.GetQueueDatabaseURL()}, logger)
	if err != nil {
		return transport.Transport{}, err
	}

	return transport.Transport{
		Publisher:  t,
		Subscriber: t,
	}, nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.PostgresCapabilities
}

// Config holds PostgreSQL-specific configuration.
type Config struct {
	// ConnectionString is the PostgreSQL connection string.
	ConnectionString string
	// PollInterval is the wait after a poll that found nothing.
	PollInterval time.Duration
	// LockTimeout is how long a message stays locked during processing.
	LockTimeout time.Duration
	// MaxBackoff caps the exponential redelivery delay after a nack.
	MaxBackoff time.Duration
	// SchemaName is the schema holding the queue table.
	SchemaName string
	// MaxOpenConns sets the maximum number of open connections to the database.
	MaxOpenConns int
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.LockTimeout <= 0 {
		c.LockTimeout = DefaultLockTimeout
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = DefaultMaxBackoff
	}
	if c.SchemaName == "" {
		c.SchemaName = DefaultSchemaName
	}
	if c.MaxOpenConns <= 0 {
		c.MaxOpenConns = 10
	}
	return c
}

// Transport implements both Publisher and Subscriber on a queue table.
type Transport struct {
	db     *sql.DB
	config Config
	logger watermill.LoggerAdapter

	closeOnce sync.Once
	closed    chan struct{}
	wg        sync.WaitGroup
}

// New opens the database, verifies the connection and creates the queue
// table when missing.
func New(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (*Transport, error) {
	if cfg.ConnectionString == "" {
		return nil, errors.New("PostgreSQL connection string is required")
	}
	cfg = cfg.withDefaults()

	db, err := sql.Open("postgres", cfg.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("open PostgreSQL database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("connect to PostgreSQL: %w", err)
	}

	t, err := NewWithDB(ctx, db, cfg, logger)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return t, nil
}

// NewWithDB builds the transport on an existing pool. Close closes db.
func NewWithDB(ctx context.Context, db *sql.DB, cfg Config, logger watermill.LoggerAdapter) (*Transport, error) {
	cfg = cfg.withDefaults()
	if !validSchemaName.MatchString(cfg.SchemaName) {
		return nil, fmt.Errorf("invalid schema name %q", cfg.SchemaName)
	}
	if logger == nil {
		logger = watermill.NopLogger{}
	}

	t := &Transport{
		db:     db,
		config: cfg,
		logger: logger,
		closed: make(chan struct{}),
	}
	if err := t.initSchema(ctx); err != nil {
		return nil, fmt.Errorf("initialize queue schema: %w", err)
	}
	return t, nil
}

func (t *Transport) table() string {
	return t.config.SchemaName + ".messages"
}

func (t *Transport) initSchema(ctx context.Context) error {
	if _, err := t.db.ExecContext(ctx, fmt.Sprintf(`CREATE SCHEMA IF NOT EXISTS %s`, t.config.SchemaName)); err != nil {
		return err
	}

	_, err := t.db.ExecContext(ctx, fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS %[1]s (
		id BIGSERIAL PRIMARY KEY,
		uuid TEXT NOT NULL UNIQUE,
		topic TEXT NOT NULL,
		payload BYTEA NOT NULL,
		metadata JSONB NOT NULL DEFAULT '{}',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		available_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		locked_until TIMESTAMPTZ,
		retry_count INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS messages_topic_available_idx
		ON %[1]s (topic, available_at, id);
	`, t.table()))
	return err
}

func (t *Transport) isClosed() bool {
	select {
	case <-t.closed:
		return true
	default:
		return false
	}
}

// Publish inserts messages in one transaction. A message whose UUID is
// already queued is skipped.
func (t *Transport) Publish(topic string, messages ...*message.Message) error {
	if t.isClosed() {
		return ErrClosed
	}

	tx, err := t.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	query := fmt.Sprintf(`
		INSERT INTO %s (uuid, topic, payload, metadata)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (uuid) DO NOTHING
	`, t.table())

	for _, msg := range messages {
		metadata, err := jsoncodec.Marshal(msg.Metadata)
		if err != nil {
			return fmt.Errorf("marshal metadata: %w", err)
		}
		if _, err := tx.Exec(query, msg.UUID, topic, []byte(msg.Payload), metadata); err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// Subscribe polls the queue table for topic until ctx is done or the
// transport closes.
func (t *Transport) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	if t.isClosed() {
		return nil, ErrClosed
	}

	output := make(chan *message.Message)
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		defer close(output)
		t.poll(ctx, topic, output)
	}()
	return output, nil
}

func (t *Transport) poll(ctx context.Context, topic string, output chan<- *message.Message) {
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.closed:
			return
		case <-timer.C:
		}

		for {
			id, msg, found := t.claim(ctx, topic)
			if !found {
				break
			}
			if !t.deliver(ctx, id, msg, output) {
				return
			}
		}
		timer.Reset(t.config.PollInterval)
	}
}

func (t *Transport) claim(ctx context.Context, topic string) (int64, *message.Message, bool) {
	now := time.Now().UTC()

	query := fmt.Sprintf(`
		UPDATE %[1]s
		SET locked_until = $1
		WHERE id = (
			SELECT id FROM %[1]s
			WHERE topic = $2
			AND available_at <= $3
			AND (locked_until IS NULL OR locked_until < $3)
			ORDER BY available_at, id
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING id, uuid, payload, metadata, retry_count
	`, t.table())

	var (
		id           int64
		uuid         string
		payload      []byte
		metadataJSON []byte
		retryCount   int
	)
	err := t.db.QueryRowContext(ctx, query, now.Add(t.config.LockTimeout), topic, now).
		Scan(&id, &uuid, &payload, &metadataJSON, &retryCount)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) && ctx.Err() == nil {
			t.logger.Error("Failed to claim queued message", err, watermill.LogFields{"topic": topic})
		}
		return 0, nil, false
	}

	msg := message.NewMessage(uuid, payload)
	if len(metadataJSON) > 0 {
		if err := jsoncodec.Unmarshal(metadataJSON, &msg.Metadata); err != nil {
			t.logger.Error("Failed to decode message metadata", err, watermill.LogFields{"message_uuid": uuid})
		}
	}
	if msg.Metadata == nil {
		msg.Metadata = make(message.Metadata)
	}
	if retryCount > 0 {
		msg.Metadata.Set(transport.MetadataRedelivered, "true")
	}
	msg.Metadata.Set(transport.MetadataDeliveryTag, fmt.Sprintf("%d", id))
	return id, msg, true
}

// deliver hands msg to the consumer and settles its row. It reports false
// once the subscription should stop.
func (t *Transport) deliver(ctx context.Context, id int64, msg *message.Message, output chan<- *message.Message) bool {
	msg.SetContext(ctx)

	select {
	case output <- msg:
	case <-ctx.Done():
		t.unlock(id)
		return false
	case <-t.closed:
		t.unlock(id)
		return false
	}

	select {
	case <-msg.Acked():
		t.ack(ctx, id)
	case <-msg.Nacked():
		t.nack(ctx, id)
	case <-ctx.Done():
		t.unlock(id)
		return false
	case <-t.closed:
		t.unlock(id)
		return false
	}
	return true
}

func (t *Transport) ack(ctx context.Context, id int64) {
	query := fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, t.table())
	if _, err := t.db.ExecContext(ctx, query, id); err != nil {
		t.logger.Error("Failed to ack queued message", err, watermill.LogFields{"id": id})
	}
}

func (t *Transport) nack(ctx context.Context, id int64) {
	query := fmt.Sprintf(`
		UPDATE %s
		SET retry_count = retry_count + 1,
		    locked_until = NULL,
		    available_at = NOW() + make_interval(secs => LEAST(POWER(2, retry_count), $1))
		WHERE id = $2
	`, t.table())
	if _, err := t.db.ExecContext(ctx, query, t.config.MaxBackoff.Seconds(), id); err != nil {
		t.logger.Error("Failed to nack queued message", err, watermill.LogFields{"id": id})
	}
}

// unlock releases a claimed row; it runs while the subscriber context may
// already be cancelled.
func (t *Transport) unlock(id int64) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	query := fmt.Sprintf(`UPDATE %s SET locked_until = NULL WHERE id = $1`, t.table())
	if _, err := t.db.ExecContext(ctx, query, id); err != nil {
		t.logger.Error("Failed to unlock queued message", err, watermill.LogFields{"id": id})
	}
}

// PendingCount returns the number of queued messages for topic.
func (t *Transport) PendingCount(ctx context.Context, topic string) (int64, error) {
	var count int64
	query := fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE topic = $1`, t.table())
	err := t.db.QueryRowContext(ctx, query, topic).Scan(&count)
	return count, err
}

// Close stops all subscriptions and closes the database.
func (t *Transport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.closed)
		t.wg.Wait()
		err = t.db.Close()
	})
	return err
}
