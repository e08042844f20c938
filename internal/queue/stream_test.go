package queue

import (
	"context"
	"testing"
	"time"
)

func TestStreamQueueRoundTrip(t *testing.T) {
	rdb := testRedis(t)
	ctx := context.Background()

	q := NewStreamQueue(rdb, "test:jobs", "workers", "c1", 10*time.Millisecond)
	if err := q.EnsureGroup(ctx); err != nil {
		t.Fatalf("ensure group: %v", err)
	}
	// A second call must tolerate the existing group.
	if err := q.EnsureGroup(ctx); err != nil {
		t.Fatalf("ensure group again: %v", err)
	}

	job := Job{
		Kind:        KindText,
		UserID:      "u1",
		ChatID:      "chat1",
		CharacterID: "char1",
		MessageID:   "msg1",
	}
	if _, err := q.Enqueue(ctx, job); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	msgs, err := q.Read(ctx, 1)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}
	got := msgs[0].Job
	if got.Kind != KindText || got.UserID != "u1" || got.MessageID != "msg1" {
		t.Fatalf("unexpected job payload: %+v", got)
	}
	if got.JobID == "" {
		t.Fatal("expected generated job id")
	}
	if got.EnqueuedAt.IsZero() {
		t.Fatal("expected enqueued timestamp")
	}

	if err := q.Ack(ctx, msgs[0].ID); err != nil {
		t.Fatalf("ack: %v", err)
	}

	msgs, err = q.Read(ctx, 1)
	if err != nil {
		t.Fatalf("read after ack: %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("expected empty stream after ack, got %d messages", len(msgs))
	}
}

func TestJobChargeable(t *testing.T) {
	cases := []struct {
		kind Kind
		want bool
	}{
		{KindText, true},
		{KindImage, true},
		{KindMemory, false},
		{KindTranslate, false},
	}
	for _, tc := range cases {
		if got := (Job{Kind: tc.kind}).Chargeable(); got != tc.want {
			t.Fatalf("Chargeable(%s) = %v, want %v", tc.kind, got, tc.want)
		}
	}
}
