package mqtt

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/irontide/sparkbridge/internal/ports"
)

func TestConfigDefaults(t *testing.T) {
	cfg := Config{BrokerURL: "tcp://localhost:1883"}
	cfg.applyDefaults()
	assert.NotEmpty(t, cfg.ClientID)
	assert.Equal(t, 30*time.Second, cfg.KeepAlive)
	assert.Equal(t, 30*time.Second, cfg.ReconnectMax)
	assert.Equal(t, 10*time.Second, cfg.PublishTimeout)
}

func TestMissingBrokerRejected(t *testing.T) {
	_, err := New(Config{}, nil)
	assert.Error(t, err)
}

func TestPublishBeforeConnectFails(t *testing.T) {
	tr, err := New(Config{BrokerURL: "tcp://localhost:1883"}, nil)
	require.NoError(t, err)

	err = tr.Publish(context.Background(), &ports.QueueEntry{Topic: "t"})
	var pubErr *ports.PublishError
	require.ErrorAs(t, err, &pubErr)
	assert.ErrorIs(t, err, ports.ErrNotConnected)
	assert.False(t, tr.Connected())
}

func TestCommandSubscriptionsRecordedForReplay(t *testing.T) {
	tr, err := New(Config{BrokerURL: "tcp://localhost:1883"}, nil)
	require.NoError(t, err)

	// Before a connection exists the filters are only recorded; the connect
	// handler replays them on every session, initial and after reconnects.
	require.NoError(t, tr.SubscribeCommands("spBv1.0/plant-a/NCMD/+", func(string, []byte) {}))
	require.NoError(t, tr.SubscribeCommands("spBv1.0/plant-b/NCMD/+", func(string, []byte) {}))

	tr.mu.Lock()
	defer tr.mu.Unlock()
	require.Len(t, tr.subs, 2)
	assert.Equal(t, "spBv1.0/plant-a/NCMD/+", tr.subs[0].filter)
	assert.Equal(t, "spBv1.0/plant-b/NCMD/+", tr.subs[1].filter)
}

func TestEventsBufferNeverBlocks(t *testing.T) {
	tr, err := New(Config{BrokerURL: "tcp://localhost:1883"}, nil)
	require.NoError(t, err)

	// More transitions than the buffer holds must not deadlock.
	for i := 0; i < 100; i++ {
		tr.emit(ports.ConnEvent{Connected: i%2 == 0})
	}
	ev := <-tr.Events()
	assert.True(t, ev.Connected)
	assert.False(t, ev.At.IsZero())
}
