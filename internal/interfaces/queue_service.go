package interfaces

import (
	"context"
	"time"
)

// QueueMessage is one message received from a queue. ReceiptID is the
// handle used to delete the message after processing.
type QueueMessage struct {
	ID           string
	ReceiptID    string
	Body         []byte
	EnqueuedAt   time.Time
	ReceiveCount int
}

// SendOptions carries optional delivery parameters for SendMessage.
type SendOptions struct {
	// Delay postpones visibility of the message.
	Delay time.Duration
	// Priority is an advisory hint; ordering within one queue is FIFO.
	Priority int
}

// QueueInfo describes one queue's current depth and consumers.
// MessageCount covers only messages ready for delivery; in-flight and
// delayed messages are reported separately so depth-driven scaling is
// not inflated by work already on a worker.
type QueueInfo struct {
	Name           string
	MessageCount   int
	InvisibleCount int
	ConsumerCount  int
}

// MessageQueue is the narrow send/receive/delete interface to the
// backing queue collaborator. The adapter owns one queue per priority
// tier plus a dead-letter queue, all reached through this interface.
type MessageQueue interface {
	// CreateQueue ensures a queue exists. Idempotent.
	CreateQueue(ctx context.Context, name string) error

	// SendMessage enqueues a message body.
	SendMessage(ctx context.Context, queueName string, body []byte, opts *SendOptions) error

	// ReceiveMessage pulls the next visible message, or nil when the
	// queue is empty.
	ReceiveMessage(ctx context.Context, queueName string) (*QueueMessage, error)

	// DeleteMessage removes a received message by receipt handle.
	DeleteMessage(ctx context.Context, queueName string, receiptID string) error

	// GetQueueInfo returns depth and consumer counts for a queue.
	GetQueueInfo(ctx context.Context, queueName string) (*QueueInfo, error)

	// Close releases queue resources.
	Close() error
}
