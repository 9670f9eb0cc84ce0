package main

import (
	"testing"
	"time"

	"github.com/npezzotti/pointing-poker/internal/config"
	"github.com/npezzotti/pointing-poker/internal/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_chatConfig(t *testing.T) {
	cfg, err := config.Load(nil)
	require.NoError(t, err)
	cfg.Rooms.EstimatorTimeout = 30 * time.Second

	cc := chatConfig(cfg)
	assert.Equal(t, server.BotIdentityId, cc.BotId, "expected chat replies under the copilot's seat identity")
	assert.Equal(t, server.BotDisplayName, cc.BotName)
	assert.Equal(t, cfg.Chat.BatchSize, cc.BatchSize)
	assert.Equal(t, cfg.Chat.IdleWindow, cc.IdleWindow)
	assert.Equal(t, cfg.Chat.ContextMessages, cc.ContextMessages)
	assert.Equal(t, 30*time.Second, cc.Timeout)
}
