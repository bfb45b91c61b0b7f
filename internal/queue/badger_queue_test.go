package queue

import (
	"context"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/relay/internal/interfaces"
)

func newTestQueue(t *testing.T, visibility time.Duration) *BadgerQueue {
	t.Helper()

	opts := badger.DefaultOptions(t.TempDir()).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		t.Fatalf("failed to open badger: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	q, err := NewBadgerQueue(db, visibility, arbor.NewLogger())
	if err != nil {
		t.Fatalf("NewBadgerQueue() error = %v", err)
	}
	return q
}

func TestBadgerQueue_SendReceiveDelete(t *testing.T) {
	q := newTestQueue(t, 5*time.Minute)
	ctx := context.Background()

	if err := q.CreateQueue(ctx, "test"); err != nil {
		t.Fatalf("CreateQueue() error = %v", err)
	}

	if err := q.SendMessage(ctx, "test", []byte(`{"job_id":"abc"}`), nil); err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}

	msg, err := q.ReceiveMessage(ctx, "test")
	if err != nil {
		t.Fatalf("ReceiveMessage() error = %v", err)
	}
	if msg == nil {
		t.Fatal("ReceiveMessage() returned nil for a non-empty queue")
	}
	if string(msg.Body) != `{"job_id":"abc"}` {
		t.Errorf("body = %s", msg.Body)
	}
	if msg.ReceiveCount != 1 {
		t.Errorf("receive count = %d, want 1", msg.ReceiveCount)
	}

	if err := q.DeleteMessage(ctx, "test", msg.ReceiptID); err != nil {
		t.Fatalf("DeleteMessage() error = %v", err)
	}

	info, err := q.GetQueueInfo(ctx, "test")
	if err != nil {
		t.Fatalf("GetQueueInfo() error = %v", err)
	}
	if info.MessageCount != 0 {
		t.Errorf("message count after delete = %d, want 0", info.MessageCount)
	}
}

func TestBadgerQueue_EmptyQueueReturnsNil(t *testing.T) {
	q := newTestQueue(t, 5*time.Minute)

	msg, err := q.ReceiveMessage(context.Background(), "empty")
	if err != nil {
		t.Fatalf("ReceiveMessage() error = %v", err)
	}
	if msg != nil {
		t.Errorf("ReceiveMessage() = %v, want nil for an empty queue", msg)
	}
}

func TestBadgerQueue_FIFOOrder(t *testing.T) {
	q := newTestQueue(t, 5*time.Minute)
	ctx := context.Background()

	for _, body := range []string{"first", "second", "third"} {
		if err := q.SendMessage(ctx, "fifo", []byte(body), nil); err != nil {
			t.Fatalf("SendMessage(%s) error = %v", body, err)
		}
		// Distinct enqueue nanos keep index order deterministic.
		time.Sleep(time.Millisecond)
	}

	for _, want := range []string{"first", "second", "third"} {
		msg, err := q.ReceiveMessage(ctx, "fifo")
		if err != nil {
			t.Fatalf("ReceiveMessage() error = %v", err)
		}
		if msg == nil {
			t.Fatalf("queue drained early, want %s", want)
		}
		if string(msg.Body) != want {
			t.Errorf("body = %s, want %s", msg.Body, want)
		}
	}
}

func TestBadgerQueue_VisibilityTimeout(t *testing.T) {
	q := newTestQueue(t, 30*time.Millisecond)
	ctx := context.Background()

	if err := q.SendMessage(ctx, "vis", []byte("payload"), nil); err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}

	first, err := q.ReceiveMessage(ctx, "vis")
	if err != nil || first == nil {
		t.Fatalf("first receive = %v, %v", first, err)
	}

	// In flight: invisible to a second receive.
	hidden, err := q.ReceiveMessage(ctx, "vis")
	if err != nil {
		t.Fatalf("ReceiveMessage() error = %v", err)
	}
	if hidden != nil {
		t.Fatal("in-flight message must be invisible")
	}

	// After the timeout the undeleted message reappears with a bumped
	// receive count.
	time.Sleep(50 * time.Millisecond)
	again, err := q.ReceiveMessage(ctx, "vis")
	if err != nil {
		t.Fatalf("ReceiveMessage() error = %v", err)
	}
	if again == nil {
		t.Fatal("expired message must reappear")
	}
	if again.ReceiveCount != 2 {
		t.Errorf("receive count = %d, want 2", again.ReceiveCount)
	}
}

func TestBadgerQueue_DelayedDelivery(t *testing.T) {
	q := newTestQueue(t, 5*time.Minute)
	ctx := context.Background()

	if err := q.SendMessage(ctx, "delayed", []byte("later"), &interfaces.SendOptions{Delay: 40 * time.Millisecond}); err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}

	msg, err := q.ReceiveMessage(ctx, "delayed")
	if err != nil {
		t.Fatalf("ReceiveMessage() error = %v", err)
	}
	if msg != nil {
		t.Fatal("delayed message must not be visible immediately")
	}

	time.Sleep(60 * time.Millisecond)
	msg, err = q.ReceiveMessage(ctx, "delayed")
	if err != nil {
		t.Fatalf("ReceiveMessage() error = %v", err)
	}
	if msg == nil {
		t.Fatal("delayed message must become visible after the delay")
	}
}

func TestBadgerQueue_QueueIsolation(t *testing.T) {
	q := newTestQueue(t, 5*time.Minute)
	ctx := context.Background()

	if err := q.SendMessage(ctx, "a", []byte("for-a"), nil); err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}

	msg, err := q.ReceiveMessage(ctx, "b")
	if err != nil {
		t.Fatalf("ReceiveMessage() error = %v", err)
	}
	if msg != nil {
		t.Error("message leaked across queues")
	}
}

func TestBadgerQueue_DepthExcludesInvisible(t *testing.T) {
	q := newTestQueue(t, 5*time.Minute)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := q.SendMessage(ctx, "depth", []byte("ready"), nil); err != nil {
			t.Fatalf("SendMessage() error = %v", err)
		}
		time.Sleep(time.Millisecond)
	}
	if err := q.SendMessage(ctx, "depth", []byte("later"), &interfaces.SendOptions{Delay: time.Minute}); err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}

	msg, err := q.ReceiveMessage(ctx, "depth")
	if err != nil || msg == nil {
		t.Fatalf("receive = %v, %v", msg, err)
	}

	// One message on a worker and one delayed: neither counts as depth.
	info, err := q.GetQueueInfo(ctx, "depth")
	if err != nil {
		t.Fatalf("GetQueueInfo() error = %v", err)
	}
	if info.MessageCount != 2 {
		t.Errorf("visible depth = %d, want 2", info.MessageCount)
	}
	if info.InvisibleCount != 2 {
		t.Errorf("invisible count = %d, want 2", info.InvisibleCount)
	}

	// Deleting the in-flight message drops it from the invisible side.
	if err := q.DeleteMessage(ctx, "depth", msg.ReceiptID); err != nil {
		t.Fatalf("DeleteMessage() error = %v", err)
	}
	info, err = q.GetQueueInfo(ctx, "depth")
	if err != nil {
		t.Fatalf("GetQueueInfo() error = %v", err)
	}
	if info.MessageCount != 2 || info.InvisibleCount != 1 {
		t.Errorf("depth after delete = %d visible / %d invisible, want 2/1", info.MessageCount, info.InvisibleCount)
	}
}

func TestBadgerQueue_DeleteUnknownReceipt(t *testing.T) {
	q := newTestQueue(t, 5*time.Minute)

	if err := q.DeleteMessage(context.Background(), "test", "no-such-receipt"); err != nil {
		t.Errorf("DeleteMessage() on unknown receipt = %v, want nil", err)
	}
}
