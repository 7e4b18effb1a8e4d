package webhook

import (
	"testing"

	"github.com/durablestreams/durablestreams/offsetcodec"
)

func TestCreateSubscriptionIsIdempotent(t *testing.T) {
	s := NewStore()

	sub1, created1, err := s.CreateSubscription("sub-1", "/rooms/*/messages", "https://example.com/hook", "")
	if err != nil || !created1 {
		t.Fatalf("expected fresh create, got created=%v err=%v", created1, err)
	}

	sub2, created2, err := s.CreateSubscription("sub-1", "/rooms/*/messages", "https://example.com/hook", "")
	if err != nil {
		t.Fatalf("expected idempotent create, got err=%v", err)
	}
	if created2 {
		t.Fatal("expected created=false on repeat call")
	}
	if sub1.WebhookSecret != sub2.WebhookSecret {
		t.Fatal("expected the same subscription object to be returned")
	}

	if _, _, err := s.CreateSubscription("sub-1", "/other/**", "https://example.com/hook", ""); err == nil {
		t.Fatal("expected error when pattern conflicts with existing subscription")
	}
}

func TestDeleteSubscriptionRemovesConsumers(t *testing.T) {
	s := NewStore()
	s.CreateSubscription("sub-1", "/rooms/*/messages", "https://example.com/hook", "")
	c := s.GetOrCreateConsumer("sub-1", "/rooms/42/messages")

	if !s.DeleteSubscription("sub-1") {
		t.Fatal("expected delete to succeed")
	}
	if s.GetConsumer(c.ConsumerID) != nil {
		t.Fatal("expected consumer to be removed with its subscription")
	}
	if s.DeleteSubscription("sub-1") {
		t.Fatal("expected second delete to report not found")
	}
}

func TestFindMatchingSubscriptions(t *testing.T) {
	s := NewStore()
	s.CreateSubscription("sub-1", "/rooms/*/messages", "https://example.com/hook", "")
	s.CreateSubscription("sub-2", "/orders/**", "https://example.com/hook2", "")

	matches := s.FindMatchingSubscriptions("/rooms/42/messages")
	if len(matches) != 1 || matches[0].SubscriptionID != "sub-1" {
		t.Fatalf("expected exactly sub-1 to match, got %+v", matches)
	}
}

func TestGetOrCreateConsumerIsIdempotentAndIndexed(t *testing.T) {
	s := NewStore()
	s.CreateSubscription("sub-1", "/rooms/*/messages", "https://example.com/hook", "")

	c1 := s.GetOrCreateConsumer("sub-1", "/rooms/42/messages")
	c2 := s.GetOrCreateConsumer("sub-1", "/rooms/42/messages")
	if c1 != c2 {
		t.Fatal("expected the same consumer instance to be returned")
	}
	if c1.State != StateIDLE {
		t.Fatalf("expected new consumer to start IDLE, got %s", c1.State)
	}

	ids := s.GetConsumersForStream("/rooms/42/messages")
	if len(ids) != 1 || ids[0] != c1.ConsumerID {
		t.Fatalf("expected stream index to contain consumer, got %+v", ids)
	}
}

func TestTransitionToWakingAndClaimWakeID(t *testing.T) {
	s := NewStore()
	s.CreateSubscription("sub-1", "/rooms/*/messages", "https://example.com/hook", "")
	c := s.GetOrCreateConsumer("sub-1", "/rooms/42/messages")

	epoch, wakeID := s.TransitionToWaking(c)
	if epoch != 1 {
		t.Fatalf("expected epoch 1, got %d", epoch)
	}
	if c.State != StateWAKING {
		t.Fatalf("expected state WAKING, got %s", c.State)
	}

	if s.ClaimWakeID(c, "bogus") {
		t.Fatal("expected claim with wrong wake id to fail")
	}
	if !s.ClaimWakeID(c, wakeID) {
		t.Fatal("expected claim with correct wake id to succeed")
	}
	if c.State != StateLIVE {
		t.Fatalf("expected state LIVE after claim, got %s", c.State)
	}
	// Idempotent re-claim.
	if !s.ClaimWakeID(c, wakeID) {
		t.Fatal("expected repeat claim to remain successful")
	}
}

func TestUpdateAcksAndHasPendingWork(t *testing.T) {
	s := NewStore()
	s.CreateSubscription("sub-1", "/rooms/*/messages", "https://example.com/hook", "")
	c := s.GetOrCreateConsumer("sub-1", "/rooms/42/messages")

	tail := offsetcodec.Offset{Generation: 0, Seq: 10}.String()
	getTail := func(path string) string { return tail }

	if !s.HasPendingWork(c, getTail) {
		t.Fatal("expected pending work when acked offset is behind tail")
	}

	s.UpdateAcks(c, []AckEntry{{Path: "/rooms/42/messages", Offset: tail}})
	if s.HasPendingWork(c, getTail) {
		t.Fatal("expected no pending work once acked offset matches tail")
	}

	behindTail := offsetcodec.Offset{Generation: 0, Seq: 5}.String()
	getTailBehind := func(path string) string { return behindTail }
	if s.HasPendingWork(c, getTailBehind) {
		t.Fatal("expected no pending work when tail regresses below acked offset")
	}
}

func TestSubscribeAndUnsubscribeStreams(t *testing.T) {
	s := NewStore()
	s.CreateSubscription("sub-1", "/rooms/*/messages", "https://example.com/hook", "")
	c := s.GetOrCreateConsumer("sub-1", "/rooms/42/messages")

	s.SubscribeStreams(c, []string{"/rooms/43/messages"}, func(string) string { return "-1" })
	if _, ok := c.Streams["/rooms/43/messages"]; !ok {
		t.Fatal("expected new stream to be subscribed")
	}

	empty := s.UnsubscribeStreams(c, []string{"/rooms/42/messages", "/rooms/43/messages"})
	if !empty {
		t.Fatal("expected consumer to report empty after unsubscribing from all streams")
	}
}

func TestRemoveStreamFromConsumersGarbageCollects(t *testing.T) {
	s := NewStore()
	s.CreateSubscription("sub-1", "/rooms/*/messages", "https://example.com/hook", "")
	c := s.GetOrCreateConsumer("sub-1", "/rooms/42/messages")

	s.RemoveStreamFromConsumers("/rooms/42/messages")
	if s.GetConsumer(c.ConsumerID) != nil {
		t.Fatal("expected consumer with no remaining streams to be garbage collected")
	}
}

func TestOffsetGreater(t *testing.T) {
	cases := []struct {
		tail, acked string
		want        bool
	}{
		{offsetcodec.Offset{Seq: 10}.String(), offsetcodec.Offset{Seq: 5}.String(), true},
		{offsetcodec.Offset{Seq: 5}.String(), offsetcodec.Offset{Seq: 10}.String(), false},
		{offsetcodec.Offset{Seq: 5}.String(), offsetcodec.Offset{Seq: 5}.String(), false},
		{offsetcodec.Offset{Seq: 5}.String(), "-1", true},
		{offsetcodec.Offset{Seq: 5}.String(), "", true},
	}
	for _, c := range cases {
		if got := offsetGreater(c.tail, c.acked); got != c.want {
			t.Errorf("offsetGreater(%q, %q) = %v, want %v", c.tail, c.acked, got, c.want)
		}
	}
}
