package events

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishRunsAllHandlers(t *testing.T) {
	d := NewInMemoryDispatcher()
	rec := NewRecorder(d)

	var calls int
	d.Subscribe(EventTicketCreated, func(context.Context, Event) error {
		calls++
		return errors.New("sink down")
	})
	d.Subscribe(EventTicketCreated, func(context.Context, Event) error {
		calls++
		return nil
	})

	err := d.Publish(context.Background(), Event{Type: EventTicketCreated, DraftID: "d-1"})
	require.Error(t, err)
	assert.Equal(t, 2, calls)

	got := rec.Events()
	require.Len(t, got, 1)
	assert.NotEmpty(t, got[0].ID)
	assert.False(t, got[0].Timestamp.IsZero())
	assert.Equal(t, 1, rec.Count(EventTicketCreated))
	assert.Zero(t, rec.Count(EventDraftCreated))
}
