package eventbus

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/sirupsen/logrus"
)

// Handler processes one delivered event. A returned error does not stop
// delivery to other handlers; the Bus logs it and moves on (at-least-once,
// not exactly-once — callers make their own handling idempotent).
type Handler func(ctx context.Context, event Event) error

// eventColumns mirrors the outbox_events table (see migrations/0001).
const eventColumns = `event_id, event_type, job_id, timestamp, correlation_id, payload`

// Bus is a durable, ordered, at-least-once event stream. Every Publish
// first persists the event to the outbox_events table (so a handler that
// is offline when NOTIFY fires still sees the event on its next catch-up
// poll), then sends pg_notify as a low-latency wake-up signal — the same
// two-part design the teacher's pgnotify.Bus uses for its table-change
// subscriptions, applied here to the event stream itself rather than just
// to raw table changes.
type Bus struct {
	db       *sqlx.DB
	listener *pq.Listener
	channel  string
	log      *logrus.Entry

	mu       sync.RWMutex
	handlers []Handler
	lastSeen time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

const defaultChannel = "dalston_events"

// New opens a durable event bus against dsn, publishing and listening on
// channel (defaultChannel if empty).
func New(db *sqlx.DB, dsn, channel string, log *logrus.Entry) (*Bus, error) {
	if channel == "" {
		channel = defaultChannel
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	reportProblem := func(_ pq.ListenerEventType, err error) {
		if err != nil {
			log.WithError(err).Warn("eventbus: listener connectivity event")
		}
	}
	listener := pq.NewListener(dsn, 10*time.Second, time.Minute, reportProblem)
	if err := listener.Listen(channel); err != nil {
		return nil, fmt.Errorf("eventbus: listen %s: %w", channel, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	b := &Bus{
		db:       db,
		listener: listener,
		channel:  channel,
		log:      log,
		lastSeen: time.Now().UTC(),
		ctx:      ctx,
		cancel:   cancel,
	}

	b.wg.Add(1)
	go b.run()

	return b, nil
}

// Subscribe registers a handler invoked for every event delivered after
// registration, plus any events the subsequent first catch-up poll finds.
func (b *Bus) Subscribe(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, h)
}

// Close stops the listener goroutine and releases the Postgres connection.
func (b *Bus) Close() error {
	b.cancel()
	b.wg.Wait()
	return b.listener.Close()
}

// Publish persists event to the outbox and wakes listeners. ctx should
// carry the same transaction as the state mutation the event announces
// (via ContextWithTx; Scheduler.publish bridges a statestore.WithTx
// transaction onto it) so the event and the row change commit
// atomically — an event is never observed for a mutation that rolled back.
func (b *Bus) Publish(ctx context.Context, eventType EventType, jobID string, correlationID *string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("eventbus: marshal payload: %w", err)
	}

	event := Event{
		EventID:       uuid.NewString(),
		EventType:     eventType,
		JobID:         jobID,
		Timestamp:     time.Now().UTC(),
		CorrelationID: correlationID,
		Payload:       data,
	}

	const insert = `
		INSERT INTO outbox_events (event_id, event_type, job_id, timestamp, correlation_id, payload)
		VALUES (:event_id, :event_type, :job_id, :timestamp, :correlation_id, :payload)`

	ext := extFromContext(ctx, b.db)
	if _, err := sqlx.NamedExecContext(ctx, ext, insert, event); err != nil {
		return fmt.Errorf("eventbus: insert outbox event: %w", err)
	}

	if _, err := ext.ExecContext(ctx, ext.Rebind(`SELECT pg_notify($1, $2)`), b.channel, event.EventID); err != nil {
		// The event is already durable; a failed NOTIFY only delays delivery
		// until the next catch-up poll, so this is logged, not returned.
		b.log.WithError(err).Warn("eventbus: pg_notify failed, relying on catch-up poll")
	}

	return nil
}

func (b *Bus) run() {
	defer b.wg.Done()

	b.pollCatchUp()
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-b.ctx.Done():
			return
		case n := <-b.listener.Notify:
			if n == nil {
				continue // connection dropped; listener reconnects on its own
			}
			b.pollCatchUp()
		case <-ticker.C:
			b.pollCatchUp()
		case <-time.After(90 * time.Second):
			go func() {
				if err := b.listener.Ping(); err != nil {
					b.log.WithError(err).Warn("eventbus: listener ping failed")
				}
			}()
		}
	}
}

// pollCatchUp reads every outbox_events row newer than the last one this
// process dispatched. This is what makes delivery at-least-once even
// across a dropped LISTEN connection or a restart: NOTIFY is only ever a
// latency optimization, never the system of record.
func (b *Bus) pollCatchUp() {
	b.mu.RLock()
	since := b.lastSeen
	handlers := make([]Handler, len(b.handlers))
	copy(handlers, b.handlers)
	b.mu.RUnlock()

	var events []Event
	query := `SELECT ` + eventColumns + ` FROM outbox_events WHERE timestamp > $1 ORDER BY timestamp ASC LIMIT 500`
	if err := b.db.SelectContext(b.ctx, &events, b.db.Rebind(query), since); err != nil {
		if err != sql.ErrNoRows {
			b.log.WithError(err).Warn("eventbus: catch-up poll failed")
		}
		return
	}
	if len(events) == 0 {
		return
	}

	for _, event := range events {
		for _, h := range handlers {
			b.dispatch(h, event)
		}
	}

	b.mu.Lock()
	b.lastSeen = events[len(events)-1].Timestamp
	b.mu.Unlock()
}

func (b *Bus) dispatch(h Handler, event Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := h(ctx, event); err != nil {
		b.log.WithError(err).WithField("event_type", event.EventType).Error("eventbus: handler returned error")
	}
}

// extFromContext mirrors statestore's tx-aware ext() helper without
// importing the statestore package: neither package imports the other, so
// the transaction is found only under this package's own context key.
func extFromContext(ctx context.Context, db *sqlx.DB) sqlx.ExtContext {
	if tx, ok := ctx.Value(txContextKey{}).(*sqlx.Tx); ok && tx != nil {
		return tx
	}
	return db
}

type txContextKey struct{}

// ContextWithTx attaches tx so a Publish call sharing ctx with a
// statestore.WithTx block writes to the outbox on the same transaction.
func ContextWithTx(ctx context.Context, tx *sqlx.Tx) context.Context {
	return context.WithValue(ctx, txContextKey{}, tx)
}
