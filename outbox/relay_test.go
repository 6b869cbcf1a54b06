package outbox

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"covenant/domain"
	"covenant/store"
)

func seed(t *testing.T, st store.Store, topics ...string) {
	t.Helper()
	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, st.WithinTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		for _, topic := range topics {
			if err := Append(ctx, tx, at, topic, 7, map[string]any{"topic": topic}); err != nil {
				return err
			}
		}
		return nil
	}))
}

func statuses(st *store.Memory) map[string]string {
	out := map[string]string{}
	for _, ev := range st.Events() {
		out[ev.Topic] = ev.Status
	}
	return out
}

func TestAppendRequiresTopic(t *testing.T) {
	st := store.NewMemory()
	err := st.WithinTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		return Append(ctx, tx, time.Now(), "", 0, nil)
	})
	require.Error(t, err)
	require.Empty(t, st.Events())
}

func TestDrainDeliversInOrder(t *testing.T) {
	st := store.NewMemory()
	seed(t, st, "a", "b", "c")

	var got []string
	relay := NewRelay(st, PublisherFunc(func(_ context.Context, ev domain.Event) error {
		got = append(got, ev.Topic)
		return nil
	}), WithBatchSize(2))

	n, err := relay.Drain(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, n)
	n, err = relay.Drain(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, n)
	n, err = relay.Drain(context.Background())
	require.NoError(t, err)
	require.Zero(t, n)

	require.Equal(t, []string{"a", "b", "c"}, got)
	for topic, status := range statuses(st) {
		require.Equal(t, domain.EventProcessed, status, topic)
	}
}

func TestFailingEventsGoDead(t *testing.T) {
	st := store.NewMemory()
	seed(t, st, "ok", "poison")

	relay := NewRelay(st, PublisherFunc(func(_ context.Context, ev domain.Event) error {
		if ev.Topic == "poison" {
			return errors.New("consumer rejected")
		}
		return nil
	}), WithMaxAttempts(3))

	for i := 0; i < 3; i++ {
		_, err := relay.Drain(context.Background())
		require.NoError(t, err)
	}

	require.Equal(t, map[string]string{"ok": domain.EventProcessed, "poison": domain.EventDead}, statuses(st))
	for _, ev := range st.Events() {
		if ev.Topic == "poison" {
			require.Equal(t, 3, ev.Attempts)
		}
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	defer goleak.VerifyNone(t)

	st := store.NewMemory()
	seed(t, st, "a")

	var mu sync.Mutex
	delivered := 0
	relay := NewRelay(st, PublisherFunc(func(context.Context, domain.Event) error {
		mu.Lock()
		defer mu.Unlock()
		delivered++
		return nil
	}), WithInterval(5*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- relay.Run(ctx) }()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return delivered == 1
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("relay did not stop")
	}
}
