package notify

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestLogNotifier(t *testing.T) {
	core, observed := observer.New(zapcore.InfoLevel)
	n := NewLog(zap.New(core))

	err := n.Notify(context.Background(), Event{
		Type:    EventCycleCompleted,
		Time:    time.Now(),
		Message: "cycle completed",
		Data:    map[string]any{"applied": 2},
	})
	if err != nil {
		t.Fatalf("notify: %v", err)
	}

	entries := observed.FilterMessage("cycle completed").All()
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	if got := entries[0].ContextMap()["event"]; got != string(EventCycleCompleted) {
		t.Fatalf("unexpected event field %v", got)
	}

	if err := n.Notify(context.Background(), Event{Type: EventCycleFailed, Message: "boom"}); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if observed.FilterLevelExact(zapcore.WarnLevel).Len() != 1 {
		t.Fatalf("expected failure to be logged as warning")
	}
}

func TestMultiJoinsErrors(t *testing.T) {
	first := errors.New("first")
	calls := 0
	m := Multi{
		Func(func(context.Context, Event) error { calls++; return first }),
		nil,
		Nop(),
		Func(func(context.Context, Event) error { calls++; return nil }),
	}

	err := m.Notify(context.Background(), Event{Type: EventAgentStarted})
	if !errors.Is(err, first) {
		t.Fatalf("expected joined error, got %v", err)
	}
	if calls != 2 {
		t.Fatalf("every notifier must be called, got %d calls", calls)
	}
}

func TestRedisPublishes(t *testing.T) {
	addr := os.Getenv("JR_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("JR_TEST_REDIS_ADDR is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()

	n := NewRedis(client, "job-responder-test:events")
	sub := client.Subscribe(ctx, n.Channel())
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if err := n.Notify(ctx, Event{Type: EventAgentStarted, Message: "started"}); err != nil {
		t.Fatalf("notify: %v", err)
	}

	msg, err := sub.ReceiveMessage(ctx)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	var ev Event
	if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ev.Type != EventAgentStarted {
		t.Fatalf("unexpected event %+v", ev)
	}
}
