package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/bnema/coachfeed/internal/domain"
)

func TestSend_WaitsForReader(t *testing.T) {
	ch := make(chan Progress)
	got := make(chan Progress, 1)
	go func() {
		time.Sleep(20 * time.Millisecond)
		got <- <-ch
	}()

	send(context.Background(), ch, Progress{Phase: PhaseAnalyze, Done: 1, Total: 3})

	select {
	case p := <-got:
		assert.Equal(t, 1, p.Done)
	case <-time.After(time.Second):
		t.Fatal("progress was not delivered")
	}
}

func TestSend_ReturnsWhenContextEnds(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	done := make(chan struct{})
	go func() {
		send(ctx, make(chan Progress), Progress{Phase: PhaseTranscribe})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("send blocked past context end")
	}
}

func TestSend_NilChannelIsDropped(t *testing.T) {
	assert.NotPanics(t, func() {
		send(context.Background(), nil, Progress{Phase: PhaseQA})
	})
}

func TestRecovered_IsSystemError(t *testing.T) {
	err := recovered(PhaseAnalyze, "stage research_grounding", "nil map")

	assert.Equal(t, domain.ErrorKindSystem, domain.Classify(err))
	assert.Contains(t, err.Error(), "panic in stage research_grounding: nil map")
}
