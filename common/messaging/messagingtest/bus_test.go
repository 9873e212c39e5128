package messagingtest

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telhawk-systems/telhawk-audit/common/messaging"
)

func TestBus_FanOutAndQueueGroups(t *testing.T) {
	bus := New()
	ctx := context.Background()

	var fanout, q1, q2 int
	_, err := bus.Subscribe("audit.events.>", func(ctx context.Context, m *messaging.Message) error {
		fanout++
		return nil
	})
	require.NoError(t, err)
	_, err = bus.QueueSubscribe("audit.events.>", "workers", func(ctx context.Context, m *messaging.Message) error {
		q1++
		return nil
	})
	require.NoError(t, err)
	_, err = bus.QueueSubscribe("audit.events.>", "workers", func(ctx context.Context, m *messaging.Message) error {
		q2++
		return errors.New("boom")
	})
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		require.NoError(t, bus.Publish(ctx, "audit.events.iam", []byte("{}")))
	}

	assert.Equal(t, 4, fanout)
	assert.Equal(t, 2, q1)
	assert.Equal(t, 2, q2)
	assert.Len(t, bus.HandlerErrors(), 2)
	assert.Len(t, bus.Published("audit.events.>"), 4)
	assert.Empty(t, bus.Published("audit.notify.>"))
}

func TestBus_UnsubscribeAndClose(t *testing.T) {
	bus := New()
	calls := 0
	sub, err := bus.Subscribe("audit.notify.>", func(ctx context.Context, m *messaging.Message) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.True(t, sub.IsValid())
	assert.Equal(t, 1, bus.Subscriptions())

	require.NoError(t, sub.Unsubscribe())
	require.NoError(t, bus.Publish(context.Background(), "audit.notify.iam", nil))
	assert.Zero(t, calls)

	require.NoError(t, bus.Close())
	assert.False(t, bus.IsConnected())
	assert.ErrorIs(t, bus.Publish(context.Background(), "audit.notify.iam", nil), ErrClosed)
}
