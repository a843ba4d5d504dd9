package pulsedb

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/draco28/PulseDB/model"
)

func TestActivityLifecycle(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	c1, err := db.CreateCollective(ctx, "c1")
	require.NoError(t, err)

	require.NoError(t, db.RegisterActivity(ctx, model.NewActivity{
		CollectiveID:   c1,
		AgentID:        "agent-1",
		CurrentTask:    "migrating schema",
		ContextSummary: "working on kv layer",
	}))

	agents, err := db.GetActiveAgents(ctx, c1)
	require.NoError(t, err)
	require.Len(t, agents, 1)
	assert.Equal(t, model.AgentID("agent-1"), agents[0].AgentID)
	assert.Equal(t, "migrating schema", agents[0].CurrentTask)

	firstHeartbeat := agents[0].LastHeartbeat
	started := agents[0].StartedAt

	time.Sleep(2 * time.Millisecond)
	require.NoError(t, db.UpdateHeartbeat(ctx, c1, "agent-1"))
	agents, err = db.GetActiveAgents(ctx, c1)
	require.NoError(t, err)
	require.Len(t, agents, 1)
	assert.Greater(t, agents[0].LastHeartbeat, firstHeartbeat)

	// Re-registering keeps the original start time.
	time.Sleep(2 * time.Millisecond)
	require.NoError(t, db.RegisterActivity(ctx, model.NewActivity{
		CollectiveID: c1,
		AgentID:      "agent-1",
		CurrentTask:  "new task",
	}))
	agents, err = db.GetActiveAgents(ctx, c1)
	require.NoError(t, err)
	require.Len(t, agents, 1)
	assert.Equal(t, started, agents[0].StartedAt)
	assert.Equal(t, "new task", agents[0].CurrentTask)

	require.NoError(t, db.EndActivity(ctx, c1, "agent-1"))
	agents, err = db.GetActiveAgents(ctx, c1)
	require.NoError(t, err)
	assert.Empty(t, agents)

	assert.ErrorIs(t, db.EndActivity(ctx, c1, "agent-1"), ErrNotFound)
	assert.ErrorIs(t, db.UpdateHeartbeat(ctx, c1, "agent-1"), ErrNotFound)
}

func TestStaleAgentsExcluded(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t, WithLimits(Limits{StaleAgentThreshold: 50 * time.Millisecond}))
	c1, err := db.CreateCollective(ctx, "c1")
	require.NoError(t, err)

	require.NoError(t, db.RegisterActivity(ctx, model.NewActivity{
		CollectiveID: c1,
		AgentID:      "sleepy",
	}))

	agents, err := db.GetActiveAgents(ctx, c1)
	require.NoError(t, err)
	require.Len(t, agents, 1)

	time.Sleep(80 * time.Millisecond)
	agents, err = db.GetActiveAgents(ctx, c1)
	require.NoError(t, err)
	assert.Empty(t, agents, "stale heartbeat ages the agent out")

	// A heartbeat revives it.
	require.NoError(t, db.UpdateHeartbeat(ctx, c1, "sleepy"))
	agents, err = db.GetActiveAgents(ctx, c1)
	require.NoError(t, err)
	assert.Len(t, agents, 1)
}

func TestActivityValidation(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	var vErr *ValidationError
	err := db.RegisterActivity(ctx, model.NewActivity{
		CollectiveID: model.NewCollectiveID(),
		AgentID:      "",
	})
	assert.ErrorAs(t, err, &vErr)

	err = db.RegisterActivity(ctx, model.NewActivity{
		CollectiveID: model.NewCollectiveID(),
		AgentID:      "a",
	})
	assert.ErrorIs(t, err, ErrNotFound)
}
