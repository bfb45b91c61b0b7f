package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/relay/internal/interfaces"
)

// envelope is the internal structure stored in Badger for one message.
type envelope struct {
	ID           string    `json:"id"`
	Queue        string    `json:"queue"`
	Body         []byte    `json:"body"`
	EnqueuedAt   time.Time `json:"enqueued_at"`
	VisibleAt    time.Time `json:"visible_at"`
	ReceiveCount int       `json:"receive_count"`
}

// BadgerQueue implements the MessageQueue interface over BadgerDB.
// Each queue keeps messages under a per-queue key prefix plus a
// visibility index keyed by visible-at timestamp, so receiving scans
// only ready messages in enqueue order. Received messages become
// invisible for the visibility timeout and reappear unless deleted.
type BadgerQueue struct {
	db                *badger.DB
	visibilityTimeout time.Duration
	logger            arbor.ILogger
}

// NewBadgerQueue wraps an open Badger database. The database handle is
// managed externally; Close is a no-op.
func NewBadgerQueue(db *badger.DB, visibilityTimeout time.Duration, logger arbor.ILogger) (*BadgerQueue, error) {
	if db == nil {
		return nil, errors.New("badger db is required")
	}
	if visibilityTimeout <= 0 {
		visibilityTimeout = 5 * time.Minute
	}

	return &BadgerQueue{
		db:                db,
		visibilityTimeout: visibilityTimeout,
		logger:            logger,
	}, nil
}

// CreateQueue registers a queue name. Idempotent.
func (q *BadgerQueue) CreateQueue(ctx context.Context, name string) error {
	if name == "" {
		return errors.New("queue name is required")
	}

	return q.db.Update(func(txn *badger.Txn) error {
		return txn.Set(q.metaKey(name), []byte(time.Now().Format(time.RFC3339)))
	})
}

// SendMessage enqueues a message body, honoring an optional delay
// before the message becomes visible.
func (q *BadgerQueue) SendMessage(ctx context.Context, queueName string, body []byte, opts *interfaces.SendOptions) error {
	now := time.Now()
	visibleAt := now
	if opts != nil && opts.Delay > 0 {
		visibleAt = now.Add(opts.Delay)
	}

	env := envelope{
		ID:         uuid.New().String(),
		Queue:      queueName,
		Body:       body,
		EnqueuedAt: now,
		VisibleAt:  visibleAt,
	}

	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal queue message: %w", err)
	}

	return q.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(q.msgKey(queueName, env.ID), data); err != nil {
			return err
		}
		return txn.Set(q.indexKey(queueName, visibleAt, env.ID), []byte{})
	})
}

// ReceiveMessage pulls the next visible message, making it invisible
// for the visibility timeout. Returns nil when the queue is empty.
func (q *BadgerQueue) ReceiveMessage(ctx context.Context, queueName string) (*interfaces.QueueMessage, error) {
	var received *interfaces.QueueMessage

	err := q.db.Update(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		prefix := q.indexPrefix(queueName)

		it := txn.NewIterator(opts)
		defer it.Close()

		now := time.Now()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			key := it.Item().KeyCopy(nil)

			visibleAt, id, err := q.parseIndexKey(queueName, key)
			if err != nil {
				continue
			}
			if visibleAt.After(now) {
				// Index keys sort by timestamp; nothing later is ready.
				break
			}

			item, err := txn.Get(q.msgKey(queueName, id))
			if err != nil {
				if errors.Is(err, badger.ErrKeyNotFound) {
					// Orphaned index entry; clean it up and keep scanning.
					if err := txn.Delete(key); err != nil {
						return err
					}
					continue
				}
				return err
			}

			var env envelope
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &env)
			}); err != nil {
				return err
			}

			env.ReceiveCount++
			env.VisibleAt = now.Add(q.visibilityTimeout)

			data, err := json.Marshal(env)
			if err != nil {
				return err
			}
			if err := txn.Set(q.msgKey(queueName, id), data); err != nil {
				return err
			}
			if err := txn.Delete(key); err != nil {
				return err
			}
			if err := txn.Set(q.indexKey(queueName, env.VisibleAt, id), []byte{}); err != nil {
				return err
			}

			received = &interfaces.QueueMessage{
				ID:           env.ID,
				ReceiptID:    env.ID,
				Body:         env.Body,
				EnqueuedAt:   env.EnqueuedAt,
				ReceiveCount: env.ReceiveCount,
			}
			return nil
		}

		return nil
	})

	if err != nil {
		return nil, fmt.Errorf("failed to receive from %s: %w", queueName, err)
	}

	return received, nil
}

// DeleteMessage removes a received message and its index entry.
func (q *BadgerQueue) DeleteMessage(ctx context.Context, queueName string, receiptID string) error {
	return q.db.Update(func(txn *badger.Txn) error {
		msgKey := q.msgKey(queueName, receiptID)

		item, err := txn.Get(msgKey)
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return nil // already deleted
			}
			return err
		}

		var env envelope
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &env)
		}); err != nil {
			return err
		}

		if err := txn.Delete(q.indexKey(queueName, env.VisibleAt, receiptID)); err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}

		return txn.Delete(msgKey)
	})
}

// GetQueueInfo reports queue depth split into visible and invisible
// messages. The visibility index carries every message keyed by its
// visible-at time, so one prefix scan classifies both: entries at or
// before now are deliverable, later ones are in flight or delayed.
func (q *BadgerQueue) GetQueueInfo(ctx context.Context, queueName string) (*interfaces.QueueInfo, error) {
	visible, invisible := 0, 0

	err := q.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		prefix := q.indexPrefix(queueName)

		it := txn.NewIterator(opts)
		defer it.Close()

		now := time.Now()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			visibleAt, _, err := q.parseIndexKey(queueName, it.Item().Key())
			if err != nil {
				continue
			}
			if visibleAt.After(now) {
				invisible++
			} else {
				visible++
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to inspect %s: %w", queueName, err)
	}

	return &interfaces.QueueInfo{
		Name:           queueName,
		MessageCount:   visible,
		InvisibleCount: invisible,
	}, nil
}

// Close is a no-op; the Badger handle is managed externally.
func (q *BadgerQueue) Close() error {
	return nil
}

func (q *BadgerQueue) metaKey(name string) []byte {
	return []byte(fmt.Sprintf("queue:%s:meta", name))
}

func (q *BadgerQueue) msgKey(queueName, id string) []byte {
	return []byte(fmt.Sprintf("queue:%s:msg:%s", queueName, id))
}

func (q *BadgerQueue) indexPrefix(queueName string) []byte {
	return []byte(fmt.Sprintf("queue:%s:index:", queueName))
}

// indexKey zero-pads the timestamp to 20 digits so lexicographic key
// order matches numeric order.
func (q *BadgerQueue) indexKey(queueName string, visibleAt time.Time, id string) []byte {
	return []byte(fmt.Sprintf("queue:%s:index:%020d:%s", queueName, visibleAt.UnixNano(), id))
}

func (q *BadgerQueue) parseIndexKey(queueName string, key []byte) (time.Time, string, error) {
	prefix := q.indexPrefix(queueName)
	if len(key) <= len(prefix)+21 {
		return time.Time{}, "", fmt.Errorf("invalid index key")
	}

	suffix := string(key[len(prefix):])
	tsStr := suffix[:20]
	id := suffix[21:]

	var ts int64
	if _, err := fmt.Sscanf(tsStr, "%d", &ts); err != nil {
		return time.Time{}, "", err
	}

	return time.Unix(0, ts), id, nil
}
