package notify

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestCollector_DrainClears(t *testing.T) {
	c := NewCollector()
	c.Success("Profile updated")
	c.Warn("Sign out is taking too long. Please refresh the page.")

	got := c.Drain()
	assert.Equal(t, []Notice{
		{Level: LevelSuccess, Message: "Profile updated"},
		{Level: LevelWarning, Message: "Sign out is taking too long. Please refresh the page."},
	}, got)
	assert.Empty(t, c.Drain())
}

func TestCollector_Bounded(t *testing.T) {
	c := NewCollector()
	for i := 0; i < maxPending+5; i++ {
		c.Error("failed")
	}
	assert.Len(t, c.Drain(), maxPending)
}

func TestMulti_FansOut(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	c := NewCollector()
	n := Multi{c, NewLogNotifier(zap.New(core))}

	n.Error("Failed to update status")

	assert.Len(t, c.Drain(), 1)
	entries := logs.All()
	if assert.Len(t, entries, 1) {
		assert.Equal(t, "Failed to update status", entries[0].Message)
	}
	Discard.Success("ignored")
}
