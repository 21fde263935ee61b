package queue

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestWriteReadFIFO(t *testing.T) {
	q := New("test")
	r := q.CreateReader(ModeBlocking)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := q.Write(ctx, i); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
	}
	for i := 0; i < 5; i++ {
		v, err := q.Read(ctx, r)
		if err != nil {
			t.Fatalf("read %d: %v", i, err)
		}
		if v.(int) != i {
			t.Fatalf("expected %d, got %v", i, v)
		}
	}
}

func TestMultiReaderIndependentCursors(t *testing.T) {
	q := New("test")
	a := q.CreateReader(ModeBlocking)
	b := q.CreateReader(ModeBlocking)
	ctx := context.Background()

	q.Write(ctx, "x")
	q.Write(ctx, "y")

	// Reader a consumes both before b reads anything.
	v1, _ := q.Read(ctx, a)
	v2, _ := q.Read(ctx, a)
	if v1 != "x" || v2 != "y" {
		t.Fatalf("reader a got %v, %v", v1, v2)
	}
	if q.Depth() != 2 {
		t.Fatalf("expected depth 2 (b has not released), got %d", q.Depth())
	}
	v1b, _ := q.Read(ctx, b)
	v2b, _ := q.Read(ctx, b)
	if v1b != "x" || v2b != "y" {
		t.Fatalf("reader b got %v, %v", v1b, v2b)
	}
	if q.Depth() != 0 {
		t.Fatalf("expected depth 0 after both readers released, got %d", q.Depth())
	}
}

func TestWriteBlocksUntilSlowestReaderReleases(t *testing.T) {
	q := New("test")
	slow := q.CreateReader(ModeBlocking)
	ctx := context.Background()

	for i := 0; i < Capacity; i++ {
		if _, err := q.Write(ctx, i); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
	}

	writeDone := make(chan error, 1)
	go func() {
		_, err := q.Write(ctx, "overflow")
		writeDone <- err
	}()

	select {
	case <-writeDone:
		t.Fatal("write should have blocked with a full queue")
	case <-time.After(50 * time.Millisecond):
	}

	if _, err := q.Read(ctx, slow); err != nil {
		t.Fatalf("read: %v", err)
	}

	select {
	case err := <-writeDone:
		if err != nil {
			t.Fatalf("write: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("write did not unblock after reader released a slot")
	}
}

func TestCancelledReaderNeverStallsOthers(t *testing.T) {
	q := New("test")
	stalled := q.CreateReader(ModeBlocking)
	ok := q.CreateReader(ModeBlocking)
	ctx := context.Background()

	q.Write(ctx, 1)
	q.Write(ctx, 2)
	q.Write(ctx, 3)

	q.CancelReader(stalled)

	for i := 1; i <= 3; i++ {
		v, err := q.Read(ctx, ok)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if v.(int) != i {
			t.Fatalf("expected %d got %v", i, v)
		}
	}
	if q.Depth() != 0 {
		t.Fatalf("expected depth 0, got %d", q.Depth())
	}
}

func TestCancelReaderDuringBlockingRead(t *testing.T) {
	q := New("test")
	r := q.CreateReader(ModeBlocking)
	ctx := context.Background()

	var wg sync.WaitGroup
	wg.Add(1)
	var gotErr error
	go func() {
		defer wg.Done()
		_, gotErr = q.Read(ctx, r)
	}()

	time.Sleep(20 * time.Millisecond)
	q.CancelReader(r)
	wg.Wait()

	if gotErr != ErrCancelled {
		t.Fatalf("expected ErrCancelled, got %v", gotErr)
	}
}

func TestNonBlockingReadWouldBlock(t *testing.T) {
	q := New("test")
	r := q.CreateReader(ModeNonBlocking)
	ctx := context.Background()

	_, err := q.Read(ctx, r)
	if err != ErrWouldBlock {
		t.Fatalf("expected ErrWouldBlock, got %v", err)
	}

	q.Write(ctx, "item")
	v, err := q.Read(ctx, r)
	if err != nil || v != "item" {
		t.Fatalf("expected item, got %v, %v", v, err)
	}
}

func TestUnreadMatchesCursorDelta(t *testing.T) {
	q := New("test")
	r := q.CreateReader(ModeBlocking)
	ctx := context.Background()

	for i := 0; i < 7; i++ {
		q.Write(ctx, i)
	}
	if u := q.Unread(r); u != 7 {
		t.Fatalf("expected unread 7, got %d", u)
	}
	q.Read(ctx, r)
	q.Read(ctx, r)
	if u := q.Unread(r); u != 5 {
		t.Fatalf("expected unread 5, got %d", u)
	}
}
