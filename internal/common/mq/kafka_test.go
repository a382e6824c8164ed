package mq

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"
)

func TestKafkaMessageHeadersRoundTrip(t *testing.T) {
	t.Parallel()
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	in := &Message{
		ID:         "sub-1",
		Body:       []byte(`{"submission_id":"sub-1"}`),
		Headers:    map[string]string{"x-pool-retry": "2"},
		Timestamp:  ts,
		RetryCount: 1,
		MaxRetries: 5,
		Expiration: 90 * time.Second,
	}
	km := toKafkaMessage("judge", in)
	if string(km.Key) != "sub-1" || km.Topic != "judge" {
		t.Fatalf("unexpected kafka message key=%q topic=%q", km.Key, km.Topic)
	}
	out := fromKafkaMessage(km)
	if out.ID != in.ID || !out.Timestamp.Equal(ts) || out.RetryCount != 1 || out.MaxRetries != 5 || out.Expiration != in.Expiration {
		t.Fatalf("unexpected decoded message %+v", out)
	}
	if !reflect.DeepEqual(out.Headers, in.Headers) {
		t.Fatalf("expected custom headers preserved, got %v", out.Headers)
	}
}

func TestBuildWeightedSchedule(t *testing.T) {
	t.Parallel()
	got := buildWeightedSchedule([]WeightedTopic{{Topic: "judge", Weight: 3}, {Topic: "judge-retry", Weight: 1}})
	if !reflect.DeepEqual(got, []int{0, 0, 0, 1}) {
		t.Fatalf("unexpected schedule %v", got)
	}
}

func TestTokenLimiter(t *testing.T) {
	t.Parallel()
	l := NewTokenLimiter(1)
	ctx := context.Background()
	if err := l.Acquire(ctx); err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	if l.TryAcquire() {
		t.Fatalf("expected limiter exhausted")
	}
	l.Release()
	if !l.TryAcquire() {
		t.Fatalf("expected token after release")
	}
}

func TestDeliverRetriesUntilSuccess(t *testing.T) {
	t.Parallel()
	calls := 0
	m := &Message{MaxRetries: 3}
	err := deliver(context.Background(), func(ctx context.Context, msg *Message) error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	}, m, time.Millisecond)
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if calls != 3 || m.RetryCount != 2 {
		t.Fatalf("expected 3 calls and retry count 2, got %d and %d", calls, m.RetryCount)
	}
}

func TestDeliverHonoursPriorRetries(t *testing.T) {
	t.Parallel()
	calls := 0
	m := &Message{MaxRetries: 2, RetryCount: 1}
	err := deliver(context.Background(), func(ctx context.Context, msg *Message) error {
		calls++
		return errors.New("down")
	}, m, time.Millisecond)
	if err == nil {
		t.Fatalf("expected exhaustion error")
	}
	if calls != 2 {
		t.Fatalf("expected 2 calls, got %d", calls)
	}
}

func TestDeliverStopsOnCancel(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := deliver(ctx, func(ctx context.Context, msg *Message) error {
		calls++
		cancel()
		return errors.New("interrupted")
	}, &Message{MaxRetries: 5}, time.Millisecond)
	if err == nil || calls != 1 {
		t.Fatalf("expected a single failed call, got calls=%d err=%v", calls, err)
	}
}
