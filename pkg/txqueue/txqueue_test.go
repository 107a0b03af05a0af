package txqueue

import (
	"bytes"
	"fmt"
	"testing"
	"time"
)

func TestOrdering(t *testing.T) {
	q := New()
	for i := 0; i < 100; i++ {
		if !q.Push([]byte(fmt.Sprintf("frame-%03d", i))) {
			t.Fatalf("Push %d failed on open queue", i)
		}
	}
	for i := 0; i < 100; i++ {
		frame, ok := q.Pop()
		if !ok {
			t.Fatalf("Pop %d reported closed", i)
		}
		want := []byte(fmt.Sprintf("frame-%03d", i))
		if !bytes.Equal(frame, want) {
			t.Fatalf("out of order: got %q, want %q", frame, want)
		}
	}
}

func TestCloseDrainsBeforeReportingClosed(t *testing.T) {
	q := New()
	q.Push([]byte("a"))
	q.Push([]byte("b"))
	q.Close()

	if frame, ok := q.Pop(); !ok || !bytes.Equal(frame, []byte("a")) {
		t.Fatalf("expected queued frame a, got %q ok=%v", frame, ok)
	}
	if frame, ok := q.Pop(); !ok || !bytes.Equal(frame, []byte("b")) {
		t.Fatalf("expected queued frame b, got %q ok=%v", frame, ok)
	}
	if _, ok := q.Pop(); ok {
		t.Error("expected closed after drain")
	}
}

func TestPushAfterClose(t *testing.T) {
	q := New()
	q.Close()
	if q.Push([]byte("late")) {
		t.Error("Push succeeded on closed queue")
	}
	if _, ok := q.Pop(); ok {
		t.Error("Pop returned a frame from a closed empty queue")
	}
}

func TestPopWakesOnPush(t *testing.T) {
	q := New()
	got := make(chan []byte, 1)
	go func() {
		frame, _ := q.Pop()
		got <- frame
	}()

	time.Sleep(10 * time.Millisecond)
	q.Push([]byte("wake"))

	select {
	case frame := <-got:
		if !bytes.Equal(frame, []byte("wake")) {
			t.Errorf("got %q, want wake", frame)
		}
	case <-time.After(time.Second):
		t.Fatal("Pop did not wake on Push")
	}
}

func TestPopWakesOnClose(t *testing.T) {
	q := New()
	done := make(chan bool, 1)
	go func() {
		_, ok := q.Pop()
		done <- ok
	}()

	time.Sleep(10 * time.Millisecond)
	q.Close()

	select {
	case ok := <-done:
		if ok {
			t.Error("Pop reported a frame after Close on empty queue")
		}
	case <-time.After(time.Second):
		t.Fatal("Pop did not wake on Close")
	}
}
