package pipeline

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tickstream/internal/models"
)

func runStage(t *testing.T, s *Stage, events []models.Event) []models.Event {
	t.Helper()
	in := make(chan models.Event, len(events))
	out := make(chan models.Event, len(events))
	for _, ev := range events {
		in <- ev
	}
	close(in)

	s.Run(context.Background(), in, out)

	var got []models.Event
	for ev := range out {
		got = append(got, ev)
	}
	return got
}

func TestMarketAllowlist(t *testing.T) {
	s := &Stage{
		Exchange: "binance",
		Filters:  []FilterFunc{MarketAllowlist([]string{"BTC/USDT"})},
	}

	events := []models.Event{
		event(1),
		{Exchange: "binance", Market: "DOGE/USDT", Kind: models.KindTrade, Price: 1, Seq: 2},
		event(3),
	}

	got := runStage(t, s, events)
	require.Len(t, got, 2)
	assert.Equal(t, uint64(1), got[0].Seq)
	assert.Equal(t, uint64(3), got[1].Seq)
}

func TestStageTransformsApplyInOrder(t *testing.T) {
	s := &Stage{
		Exchange: "binance",
		Transforms: []TransformFunc{
			func(ev models.Event) models.Event { ev.Price *= 2; return ev },
			func(ev models.Event) models.Event { ev.Price += 1; return ev },
		},
	}

	got := runStage(t, s, []models.Event{event(1)})
	require.Len(t, got, 1)
	assert.Equal(t, 201.0, got[0].Price)
}

func TestStagePreservesOrder(t *testing.T) {
	s := &Stage{Exchange: "binance"}

	events := make([]models.Event, 0, 100)
	for i := 1; i <= 100; i++ {
		events = append(events, event(uint64(i)))
	}

	got := runStage(t, s, events)
	require.Len(t, got, 100)
	for i, ev := range got {
		assert.Equal(t, uint64(i+1), ev.Seq)
	}
}

func TestStageCancellation(t *testing.T) {
	s := &Stage{Exchange: "binance"}
	in := make(chan models.Event)
	out := make(chan models.Event)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Run(ctx, in, out)
	}()

	cancel()
	<-done

	_, open := <-out
	assert.False(t, open)
}
