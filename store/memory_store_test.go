package store

import (
	"context"
	"testing"
	"time"

	"github.com/durablestreams/durablestreams/offsetcodec"
)

func TestCreateIsIdempotent(t *testing.T) {
	s := NewMemoryStore()
	opts := CreateOptions{ContentType: "application/json"}

	_, created, err := s.Create("/a", opts)
	if err != nil || !created {
		t.Fatalf("first create: created=%v err=%v", created, err)
	}
	_, created, err = s.Create("/a", opts)
	if err != nil || created {
		t.Fatalf("second create: expected idempotent no-op, got created=%v err=%v", created, err)
	}

	_, _, err = s.Create("/a", CreateOptions{ContentType: "text/plain"})
	if err != ErrConfigMismatch {
		t.Fatalf("expected ErrConfigMismatch, got %v", err)
	}
}

func TestAppendAndRead(t *testing.T) {
	s := NewMemoryStore()
	s.Create("/a", CreateOptions{ContentType: "application/json"})

	res, err := s.Append("/a", []byte(`[1,2,3]`), AppendOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if res.Offset.IsZero() {
		t.Fatal("expected non-zero offset after append")
	}

	msgs, upToDate, err := s.Read("/a", offsetcodec.Zero)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 3 {
		t.Fatalf("got %d messages, want 3", len(msgs))
	}
	if !upToDate {
		t.Error("expected upToDate after reading to tail")
	}
}

func TestIdempotentProducerFencing(t *testing.T) {
	s := NewMemoryStore()
	s.Create("/p", CreateOptions{ContentType: "text/plain"})

	epoch0 := int64(0)
	seq0 := int64(0)
	_, err := s.Append("/p", []byte("a"), AppendOptions{ProducerId: "p1", ProducerEpoch: &epoch0, ProducerSeq: &seq0})
	if err != nil {
		t.Fatalf("first append: %v", err)
	}

	// Duplicate resend of seq 0 should be a no-op success.
	res, err := s.Append("/p", []byte("a"), AppendOptions{ProducerId: "p1", ProducerEpoch: &epoch0, ProducerSeq: &seq0})
	if err != nil || res.ProducerResult != ProducerResultDuplicate {
		t.Fatalf("expected duplicate, got result=%v err=%v", res.ProducerResult, err)
	}

	// A gap should be rejected.
	seq2 := int64(2)
	_, err = s.Append("/p", []byte("b"), AppendOptions{ProducerId: "p1", ProducerEpoch: &epoch0, ProducerSeq: &seq2})
	if err != ErrProducerSeqGap {
		t.Fatalf("expected ErrProducerSeqGap, got %v", err)
	}

	// The next sequence number at the same epoch is accepted.
	seq1 := int64(1)
	_, err = s.Append("/p", []byte("b"), AppendOptions{ProducerId: "p1", ProducerEpoch: &epoch0, ProducerSeq: &seq1})
	if err != nil {
		t.Fatalf("seq1 at same epoch should be accepted: %v", err)
	}

	higherEpoch := int64(1)
	_, err = s.Append("/p", []byte("c"), AppendOptions{ProducerId: "p1", ProducerEpoch: &higherEpoch, ProducerSeq: &seq0})
	if err != nil {
		t.Fatalf("higher epoch restarting at seq 0 should be accepted: %v", err)
	}

	// A stale (lower) epoch than the current one is rejected.
	lowerEpoch := int64(0)
	_, err = s.Append("/p", []byte("d"), AppendOptions{ProducerId: "p1", ProducerEpoch: &lowerEpoch, ProducerSeq: &seq0})
	if err != ErrStaleEpoch {
		t.Fatalf("expected ErrStaleEpoch, got %v", err)
	}
}

func TestAutoClaimHeaderOptIn(t *testing.T) {
	s := NewMemoryStore()
	s.Create("/p", CreateOptions{ContentType: "text/plain"})

	epoch1 := int64(1)
	seq0 := int64(0)
	if _, err := s.Append("/p", []byte("a"), AppendOptions{ProducerId: "p1", ProducerEpoch: &epoch1, ProducerSeq: &seq0}); err != nil {
		t.Fatalf("seed epoch 1: %v", err)
	}

	epoch0 := int64(0)
	// Without auto-claim, a stale epoch rejects outright.
	if _, err := s.Append("/p", []byte("b"), AppendOptions{ProducerId: "p1", ProducerEpoch: &epoch0, ProducerSeq: &seq0}); err != ErrStaleEpoch {
		t.Fatalf("expected ErrStaleEpoch without auto-claim, got %v", err)
	}

	// With auto-claim, the server itself bumps the epoch instead of rejecting.
	res, err := s.Append("/p", []byte("b"), AppendOptions{ProducerId: "p1", ProducerEpoch: &epoch0, ProducerSeq: &seq0, AutoClaim: true})
	if err != nil {
		t.Fatalf("auto-claim append: %v", err)
	}
	if res.ProducerResult != ProducerResultClaimed {
		t.Fatalf("expected ProducerResultClaimed, got %v", res.ProducerResult)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	s := NewMemoryStore()
	s.Create("/c", CreateOptions{ContentType: "text/plain"})

	res, err := s.CloseStream("/c")
	if err != nil || res.AlreadyClosed {
		t.Fatalf("first close: already=%v err=%v", res.AlreadyClosed, err)
	}
	res, err = s.CloseStream("/c")
	if err != nil || !res.AlreadyClosed {
		t.Fatalf("second close: expected AlreadyClosed, got %v err=%v", res.AlreadyClosed, err)
	}

	if _, err := s.Append("/c", []byte("x"), AppendOptions{}); err != ErrStreamClosed {
		t.Fatalf("append to closed stream: expected ErrStreamClosed, got %v", err)
	}
}

func TestWaitForMessagesWakesOnAppend(t *testing.T) {
	s := NewMemoryStore()
	s.Create("/w", CreateOptions{ContentType: "text/plain"})

	done := make(chan struct{})
	go func() {
		defer close(done)
		msgs, timedOut, closed, err := s.WaitForMessages(context.Background(), "/w", offsetcodec.Zero, 2*time.Second)
		if err != nil || timedOut || closed || len(msgs) != 1 {
			t.Errorf("wait result: msgs=%d timedOut=%v closed=%v err=%v", len(msgs), timedOut, closed, err)
		}
	}()

	time.Sleep(20 * time.Millisecond)
	if _, err := s.Append("/w", []byte("hi"), AppendOptions{}); err != nil {
		t.Fatal(err)
	}

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("WaitForMessages did not wake up")
	}
}

func TestWaitForMessagesWakesOnClose(t *testing.T) {
	s := NewMemoryStore()
	s.Create("/w2", CreateOptions{ContentType: "text/plain"})

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, timedOut, closed, err := s.WaitForMessages(context.Background(), "/w2", offsetcodec.Zero, 2*time.Second)
		if err != nil || timedOut || !closed {
			t.Errorf("wait result: timedOut=%v closed=%v err=%v", timedOut, closed, err)
		}
	}()

	time.Sleep(20 * time.Millisecond)
	if _, err := s.CloseStream("/w2"); err != nil {
		t.Fatal(err)
	}

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("WaitForMessages did not wake up on close")
	}
}

func TestWaitForMessagesWakesOnDelete(t *testing.T) {
	s := NewMemoryStore()
	s.Create("/w3", CreateOptions{ContentType: "text/plain"})

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, timedOut, closed, err := s.WaitForMessages(context.Background(), "/w3", offsetcodec.Zero, 2*time.Second)
		if err != nil || timedOut || !closed {
			t.Errorf("wait result: timedOut=%v closed=%v err=%v", timedOut, closed, err)
		}
	}()

	time.Sleep(20 * time.Millisecond)
	if err := s.Delete("/w3"); err != nil {
		t.Fatal(err)
	}

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("WaitForMessages did not wake up on delete")
	}
}

func TestDeleteRecreateBumpsGeneration(t *testing.T) {
	s := NewMemoryStore()
	s.Create("/g", CreateOptions{ContentType: "text/plain"})
	s.Append("/g", []byte("x"), AppendOptions{})

	if err := s.Delete("/g"); err != nil {
		t.Fatal(err)
	}
	meta, _, err := s.Create("/g", CreateOptions{ContentType: "text/plain"})
	if err != nil {
		t.Fatal(err)
	}
	if meta.CurrentOffset.Generation == 0 {
		t.Error("expected recreated stream to start a new generation")
	}
}
