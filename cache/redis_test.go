package cache

import (
	"context"
	"testing"
	"time"

	"orcha/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewClient_DisabledWithoutAddr(t *testing.T) {
	client, err := NewClient(context.Background(), config.RedisConfig{})
	require.NoError(t, err)
	assert.Nil(t, client)
}

func TestNewClient_UnreachableFails(t *testing.T) {
	_, err := NewClient(context.Background(), config.RedisConfig{Addr: "127.0.0.1:1"})
	require.Error(t, err)
}

func TestOperationContext(t *testing.T) {
	ctx, cancel := OperationContext(context.Background(), 50*time.Millisecond)
	defer cancel()
	deadline, ok := ctx.Deadline()
	require.True(t, ok)
	assert.WithinDuration(t, time.Now().Add(50*time.Millisecond), deadline, 20*time.Millisecond)

	short, cancelShort := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancelShort()
	same, done := OperationContext(short, time.Second)
	defer done()
	assert.Equal(t, short, same)
}
