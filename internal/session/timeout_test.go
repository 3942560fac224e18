package session

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRaceTimeout_ResultWins(t *testing.T) {
	t.Parallel()

	got, err := raceTimeout(context.Background(), time.Second, func(context.Context) (int, error) {
		return 42, nil
	}, func(int) { t.Error("release called for a winning result") })
	if err != nil || got != 42 {
		t.Fatalf("raceTimeout = %d, %v; want 42, nil", got, err)
	}
}

func TestRaceTimeout_TimerWinsAndReleasesLateValue(t *testing.T) {
	t.Parallel()

	released := make(chan int, 1)
	cancelled := make(chan struct{})
	start := time.Now()
	_, err := raceTimeout(context.Background(), 20*time.Millisecond, func(ctx context.Context) (int, error) {
		<-ctx.Done()
		close(cancelled)
		return 7, nil
	}, func(v int) { released <- v })

	if !errors.Is(err, ErrConnectTimeout) {
		t.Fatalf("err = %v; want ErrConnectTimeout", err)
	}
	if time.Since(start) > time.Second {
		t.Error("timeout settled late")
	}
	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("loser was not cancelled")
	}
	select {
	case v := <-released:
		if v != 7 {
			t.Errorf("released %d; want 7", v)
		}
	case <-time.After(time.Second):
		t.Fatal("late value not released")
	}
}

func TestRaceTimeout_ParentCancelled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := raceTimeout(ctx, time.Second, func(ctx context.Context) (int, error) {
		<-ctx.Done()
		return 0, ctx.Err()
	}, nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v; want context.Canceled", err)
	}
}

func TestRaceTimeout_ErrorWins(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	_, err := raceTimeout(context.Background(), time.Second, func(context.Context) (int, error) {
		return 0, boom
	}, nil)
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v; want boom", err)
	}
}

func TestState_String(t *testing.T) {
	t.Parallel()

	tests := []struct {
		s    State
		want string
	}{
		{StateIdle, "idle"},
		{StateConnecting, "connecting"},
		{StateOpen, "open"},
		{StateStreaming, "streaming"},
		{StateClosing, "closing"},
		{StateClosed, "closed"},
		{StateFailed, "failed"},
		{State(42), "State(42)"},
	}
	for _, tc := range tests {
		if got := tc.s.String(); got != tc.want {
			t.Errorf("State(%d).String() = %q; want %q", int(tc.s), got, tc.want)
		}
	}
	if !StateOpen.Connected() || !StateStreaming.Connected() || StateConnecting.Connected() {
		t.Error("Connected reports the wrong states")
	}
}
