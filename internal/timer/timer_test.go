package timer

import (
	"testing"
	"time"
)

func TestCore_AddDuration_FiresOnlyOnceExpired(t *testing.T) {
	now := time.Unix(0, 0)
	c := New(func() time.Time { return now })

	var fired int
	c.AddDuration(10*time.Second, "payload", func(data any) {
		fired++
		if data != "payload" {
			t.Errorf("callback data = %v, want payload", data)
		}
	})

	c.Expire()
	if fired != 0 {
		t.Fatalf("fired = %d before expiry, want 0", fired)
	}

	now = now.Add(10 * time.Second)
	c.Expire()
	if fired != 1 {
		t.Fatalf("fired = %d at expiry, want 1", fired)
	}

	c.Expire()
	if fired != 1 {
		t.Fatalf("fired = %d after a second Expire, want 1 (no re-fire)", fired)
	}
}

func TestCore_Delete_CancelsPendingTimer(t *testing.T) {
	now := time.Unix(0, 0)
	c := New(func() time.Time { return now })

	fired := false
	h := c.AddDuration(time.Second, nil, func(any) { fired = true })
	c.Delete(h)

	now = now.Add(time.Minute)
	c.Expire()
	if fired {
		t.Error("a deleted timer must not fire")
	}
}

func TestCore_ExpireTimeGet(t *testing.T) {
	now := time.Unix(100, 0)
	c := New(func() time.Time { return now })
	h := c.AddDuration(5*time.Second, nil, func(any) {})

	got, ok := c.ExpireTimeGet(h)
	if !ok {
		t.Fatal("expected ExpireTimeGet to find the pending timer")
	}
	if !got.Equal(now.Add(5 * time.Second)) {
		t.Fatalf("ExpireTimeGet = %v, want %v", got, now.Add(5*time.Second))
	}

	if _, ok := c.ExpireTimeGet(Handle(99999)); ok {
		t.Error("ExpireTimeGet on an unknown handle should report not-found")
	}
}

func TestCore_New_NilNowDefaultsToRealClock(t *testing.T) {
	c := New(nil)
	before := time.Now()
	fired := make(chan struct{}, 1)
	c.AddDuration(0, nil, func(any) { fired <- struct{}{} })
	c.Expire()
	select {
	case <-fired:
	default:
		t.Fatal("zero-duration timer should be immediately due under the real clock")
	}
	if time.Since(before) > time.Second {
		t.Error("Expire took implausibly long for a zero-duration timer")
	}
}

func TestCore_SchedwrkCreate_RunsInRegistrationOrderUntilDone(t *testing.T) {
	c := New(func() time.Time { return time.Unix(0, 0) })

	var order []int
	c.SchedwrkCreate(func(ctx any) int {
		order = append(order, ctx.(int))
		return 0 // de-register after one run
	}, 1)
	runs := 0
	c.SchedwrkCreate(func(ctx any) int {
		order = append(order, ctx.(int))
		runs++
		if runs >= 2 {
			return 0
		}
		return 1 // keep rescheduling
	}, 2)

	c.RunWork()
	if len(order) != 2 || order[0] != 1 || order[1] != 2 {
		t.Fatalf("first RunWork order = %v, want [1 2]", order)
	}

	order = nil
	c.RunWork()
	if len(order) != 1 || order[0] != 2 {
		t.Fatalf("second RunWork order = %v, want [2] (item 1 already de-registered)", order)
	}

	order = nil
	c.RunWork()
	if len(order) != 0 {
		t.Fatalf("third RunWork order = %v, want [] (both items de-registered)", order)
	}
}

func TestCore_WithLock_RunsFn(t *testing.T) {
	c := New(func() time.Time { return time.Unix(0, 0) })
	touched := false
	c.WithLock(func() { touched = true })
	if !touched {
		t.Error("WithLock must run fn")
	}
}
