package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnqueueAndDrainPreservesOrder(t *testing.T) {
	bus := NewBus(4)

	require.NoError(t, bus.Enqueue(Command{Type: CommandPause, Duration: time.Hour, Source: "test"}))
	require.NoError(t, bus.Enqueue(Command{Type: CommandResume, Source: "test"}))
	require.NoError(t, bus.Enqueue(Command{Type: CommandSellAll, Symbol: "BTC/USD", Source: "test"}))

	cmds := bus.Drain()
	require.Len(t, cmds, 3)
	assert.Equal(t, CommandPause, cmds[0].Type)
	assert.Equal(t, CommandResume, cmds[1].Type)
	assert.Equal(t, CommandSellAll, cmds[2].Type)
	assert.Equal(t, "BTC/USD", cmds[2].Symbol)
	assert.False(t, cmds[0].IssuedAt.IsZero())

	assert.Empty(t, bus.Drain())
}

func TestEnqueueValidates(t *testing.T) {
	bus := NewBus(4)

	assert.Error(t, bus.Enqueue(Command{Type: CommandPause}), "pause without duration")
	assert.Error(t, bus.Enqueue(Command{Type: CommandOpen}), "open without symbol")
	assert.Error(t, bus.Enqueue(Command{Type: CommandBracket, Symbol: "BTC/USD"}), "bracket without stop")
	assert.Error(t, bus.Enqueue(Command{Type: "restart"}), "unknown type")
	assert.Empty(t, bus.Drain())

	assert.NoError(t, bus.Enqueue(Command{Type: CommandBracket, Symbol: "BTC/USD", Stop: 98, Target: 103}))
}

func TestEnqueueFullQueueErrors(t *testing.T) {
	bus := NewBus(1)

	require.NoError(t, bus.Enqueue(Command{Type: CommandResume}))
	assert.Error(t, bus.Enqueue(Command{Type: CommandResume}))
}

func TestEnqueueAfterCloseErrors(t *testing.T) {
	bus := NewBus(1)
	bus.Close()
	assert.Error(t, bus.Enqueue(Command{Type: CommandResume}))
}
