package core

import (
	"context"
	"testing"
)

func TestStatsSnapshot(t *testing.T) {
	svc := newTestService(t)

	one, _ := collectorSession("one")
	two, _ := collectorSession("two")
	svc.RegisterSession(one)
	svc.RegisterSession(two)
	if _, err := svc.Subscribe(context.Background(), SubscribeCommand{Session: one, Pattern: []string{"#"}}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if _, err := svc.Subscribe(context.Background(), SubscribeCommand{Session: one, Pattern: []string{"a", "*"}}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	sess := testSession("writer")
	mustPublish(t, svc, PublishCommand{Session: sess, Target: []string{"a"}, Data: strptr("v"), CTS: 1})
	mustPublish(t, svc, PublishCommand{Session: sess, Target: []string{"b"}, Data: strptr("v"), CTS: 1})
	mustPublish(t, svc, PublishCommand{Session: sess, Target: []string{"b"}, Delete: true, CTS: 2})

	stats, err := svc.Stats(context.Background())
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Sessions != 2 {
		t.Fatalf("expected 2 sessions, got %d", stats.Sessions)
	}
	if stats.SubscribedSessions != 1 {
		t.Fatalf("expected 1 subscribed session, got %d", stats.SubscribedSessions)
	}
	if stats.Subscriptions != 2 {
		t.Fatalf("expected 2 subscriptions, got %d", stats.Subscriptions)
	}
	if !stats.HasNodeCounts {
		t.Fatalf("memory backend exposes node counts")
	}
	if stats.LiveNodes != 1 || stats.Tombstones != 1 {
		t.Fatalf("expected 1 live and 1 tombstone, got %d/%d", stats.LiveNodes, stats.Tombstones)
	}

	svc.ReleaseSession(two)
	stats, err = svc.Stats(context.Background())
	if err != nil {
		t.Fatalf("stats after release: %v", err)
	}
	if stats.Sessions != 1 {
		t.Fatalf("expected 1 session after release, got %d", stats.Sessions)
	}
}

func TestCloseDrainsPendingEvents(t *testing.T) {
	svc := newTestService(t)
	sess, events := collectorSession("watcher")
	svc.RegisterSession(sess)
	if _, err := svc.Subscribe(context.Background(), SubscribeCommand{Session: sess, Pattern: []string{"#"}}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	pub := testSession("writer")
	for i := 0; i < 10; i++ {
		mustPublish(t, svc, PublishCommand{Session: pub, Target: []string{"burst"}, Data: strptr("v"), CTS: int64(i)})
	}

	svc.Close()
	if len(events) != 10 {
		t.Fatalf("expected all committed events delivered before close returned, got %d", len(events))
	}
}
