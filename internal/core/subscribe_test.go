package core

import (
	"context"
	"testing"

	"pkt.systems/syncd/api"
)

func TestSubscribeConsumesOneTick(t *testing.T) {
	svc := newTestService(t)
	sess := testSession("s1")

	mustPublish(t, svc, PublishCommand{Session: sess, Target: []string{"a"}, Data: strptr("v"), CTS: 1})

	sub, err := svc.Subscribe(context.Background(), SubscribeCommand{Session: sess, Pattern: []string{"a", "#"}})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if sub.VTS != 2 {
		t.Fatalf("expected subscription at tick 2, got %d", sub.VTS)
	}

	res := mustPublish(t, svc, PublishCommand{Session: sess, Target: []string{"b"}, Data: strptr("v"), CTS: 1})
	if res.VTS != 3 {
		t.Fatalf("expected next publish at tick 3, got %d", res.VTS)
	}
}

func TestSubscribeDuplicateIsFree(t *testing.T) {
	svc := newTestService(t)
	sess := testSession("s1")

	first, err := svc.Subscribe(context.Background(), SubscribeCommand{Session: sess, Pattern: []string{"#"}})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if first.VTS != 1 {
		t.Fatalf("expected first subscription at tick 1, got %d", first.VTS)
	}

	dup, err := svc.Subscribe(context.Background(), SubscribeCommand{Session: sess, Pattern: []string{"#"}})
	if err != nil {
		t.Fatalf("duplicate subscribe: %v", err)
	}
	if dup.VTS != 0 {
		t.Fatalf("duplicate subscription must not tick, got %d", dup.VTS)
	}

	res := mustPublish(t, svc, PublishCommand{Session: sess, Target: []string{"a"}, Data: strptr("v"), CTS: 1})
	if res.VTS != 2 {
		t.Fatalf("expected publish at tick 2 after free duplicate, got %d", res.VTS)
	}
}

func TestSubscribeRejectsMalformedPattern(t *testing.T) {
	svc := newTestService(t)
	sess := testSession("s1")

	for _, pattern := range [][]string{{}, {"a", "#", "b"}, {"a", ""}, {"#", "#"}} {
		_, err := svc.Subscribe(context.Background(), SubscribeCommand{Session: sess, Pattern: pattern})
		if code := failureCode(t, err); code != api.CodeInvalidPathFormat {
			t.Fatalf("pattern %v: expected invalid_path_format, got %v", pattern, code)
		}
	}
}

func TestUnsubscribeIdempotent(t *testing.T) {
	svc := newTestService(t)
	sess := testSession("s1")

	res, err := svc.Unsubscribe(context.Background(), UnsubscribeCommand{Session: sess, Pattern: []string{"a", "*"}})
	if err != nil {
		t.Fatalf("unsubscribe before subscribe: %v", err)
	}
	if res.Removed {
		t.Fatalf("nothing to remove yet")
	}

	if _, err := svc.Subscribe(context.Background(), SubscribeCommand{Session: sess, Pattern: []string{"a", "*"}}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	res, err = svc.Unsubscribe(context.Background(), UnsubscribeCommand{Session: sess, Pattern: []string{"a", "*"}})
	if err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
	if !res.Removed {
		t.Fatalf("expected removal of registered pattern")
	}

	res, err = svc.Unsubscribe(context.Background(), UnsubscribeCommand{Session: sess, Pattern: []string{"a", "*"}})
	if err != nil {
		t.Fatalf("second unsubscribe: %v", err)
	}
	if res.Removed {
		t.Fatalf("second unsubscribe must be a no-op")
	}
}

func TestUnsubscribeRequiresExactPattern(t *testing.T) {
	svc := newTestService(t)
	sess := testSession("s1")

	if _, err := svc.Subscribe(context.Background(), SubscribeCommand{Session: sess, Pattern: []string{"a", "#"}}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	res, err := svc.Unsubscribe(context.Background(), UnsubscribeCommand{Session: sess, Pattern: []string{"a", "*"}})
	if err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
	if res.Removed {
		t.Fatalf("different pattern must not match the registration")
	}
}
