package runtime

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentos/internal/types"
)

func newTestAgentOSStore(t *testing.T) *AgentOSStore {
	t.Helper()
	s, err := NewAgentOSStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAgentStateUpsert(t *testing.T) {
	s := newTestAgentOSStore(t)

	st := &types.AgentState{
		AgentID:   "agent_researcher",
		SessionID: "sess_1",
		Status:    types.AgentIdle,
	}
	require.NoError(t, s.SaveAgentState(st))

	st.Status = types.AgentBusy
	st.TokensIn = 120
	st.APICalls = 3
	require.NoError(t, s.SaveAgentState(st))

	got, err := s.GetAgentState("agent_researcher", "sess_1")
	require.NoError(t, err)
	assert.Equal(t, types.AgentBusy, got.Status)
	assert.Equal(t, int64(120), got.TokensIn)
	assert.Equal(t, int64(3), got.APICalls)
	assert.False(t, got.Updated.IsZero())

	_, err = s.GetAgentState("agent_researcher", "sess_other")
	assert.True(t, types.IsNotFound(err))
}

func TestListAgentStatesBySession(t *testing.T) {
	s := newTestAgentOSStore(t)
	for _, id := range []string{"agent_a", "agent_b"} {
		require.NoError(t, s.SaveAgentState(&types.AgentState{
			AgentID: id, SessionID: "sess_1", Status: types.AgentIdle,
		}))
	}
	require.NoError(t, s.SaveAgentState(&types.AgentState{
		AgentID: "agent_a", SessionID: "sess_2", Status: types.AgentIdle,
	}))

	got, err := s.ListAgentStates("sess_1")
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestMessagePersistenceAndFilters(t *testing.T) {
	s := newTestAgentOSStore(t)

	base := time.Now().UTC().Truncate(time.Second)
	for i, m := range []*types.Message{
		{ID: "msg_1", Sender: "a", Recipient: "b", SessionID: "sess_1", CorrelationID: "corr_1"},
		{ID: "msg_2", Sender: "a", Recipient: "c", SessionID: "sess_1"},
		{ID: "msg_3", Sender: "b", Recipient: "a", SessionID: "sess_2", CorrelationID: "corr_1"},
	} {
		m.Type = types.MessageRequest
		m.Status = types.DeliveryQueued
		m.QueuedAt = base.Add(time.Duration(i) * time.Second)
		require.NoError(t, s.SaveMessage(m))
	}

	bySession, err := s.ListMessages(MessageFilter{SessionID: "sess_1"})
	require.NoError(t, err)
	require.Len(t, bySession, 2)
	assert.Equal(t, "msg_1", bySession[0].ID)

	byCorr, err := s.ListMessages(MessageFilter{CorrelationID: "corr_1"})
	require.NoError(t, err)
	assert.Len(t, byCorr, 2)

	limited, err := s.ListMessages(MessageFilter{Sender: "a", Limit: 1})
	require.NoError(t, err)
	require.Len(t, limited, 1)

	require.NoError(t, s.MarkDelivered("msg_1"))
	require.NoError(t, s.MarkRead("msg_1"))
	got, err := s.ListMessages(MessageFilter{Recipient: "b"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, types.DeliveryRead, got[0].Status)
	assert.NotNil(t, got[0].DeliveredAt)
	assert.NotNil(t, got[0].ReadAt)

	assert.True(t, types.IsNotFound(s.MarkRead("msg_ghost")))
}

func TestModificationRoundTrip(t *testing.T) {
	s := newTestAgentOSStore(t)

	p := &types.ModificationProposal{
		ID:     "mod_1",
		Title:  "rewrite scheduler",
		Author: "agent_builder",
		Changes: []types.CodeChange{{
			FilePath:     "core/sched.go",
			OriginalCode: "old\n",
			ModifiedCode: "new\n",
			ChangeType:   types.ChangeModifyFunction,
		}},
		Risk:              types.RiskMedium,
		RequiredApprovals: 1,
		Status:            types.ModPendingReview,
		Created:           time.Now().UTC().Truncate(time.Second),
	}
	require.NoError(t, s.SaveModification(p))

	p.Status = types.ModApproved
	p.Reviews = []types.ReviewResult{{
		Reviewer: "r1", Approved: true, Timestamp: time.Now().UTC(),
	}}
	require.NoError(t, s.SaveModification(p))

	got, err := s.GetModification("mod_1")
	require.NoError(t, err)
	assert.Equal(t, types.ModApproved, got.Status)
	assert.Equal(t, types.RiskMedium, got.Risk)
	require.Len(t, got.Changes, 1)
	assert.Equal(t, "old\n", got.Changes[0].OriginalCode)
	require.Len(t, got.Reviews, 1)
	assert.Equal(t, "r1", got.Reviews[0].Reviewer)

	all, err := s.ListModifications()
	require.NoError(t, err)
	assert.Len(t, all, 1)

	_, err = s.GetModification("mod_ghost")
	assert.True(t, types.IsNotFound(err))
}

func TestSessionLifecycle(t *testing.T) {
	s := newTestAgentOSStore(t)

	sess := &types.Session{
		ID:      "sess_1",
		Name:    "overnight index",
		Started: time.Now().UTC().Truncate(time.Second),
	}
	require.NoError(t, s.SaveSession(sess))
	require.NoError(t, s.AddSessionUsage("sess_1", 100, 40, 2))
	require.NoError(t, s.AddSessionUsage("sess_1", 50, 10, 1))

	got, err := s.GetSession("sess_1")
	require.NoError(t, err)
	assert.Equal(t, int64(150), got.TokensIn)
	assert.Equal(t, int64(50), got.TokensOut)
	assert.Equal(t, int64(3), got.APICalls)
	assert.Nil(t, got.Ended)

	active, err := s.ActiveSessions()
	require.NoError(t, err)
	require.Len(t, active, 1)

	require.NoError(t, s.EndSession("sess_1"))
	got, err = s.GetSession("sess_1")
	require.NoError(t, err)
	require.NotNil(t, got.Ended)

	active, err = s.ActiveSessions()
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestCleanupRemovesEndedSessionsAndMessages(t *testing.T) {
	s := newTestAgentOSStore(t)

	old := &types.Session{ID: "sess_old", Started: time.Now().UTC().Add(-48 * time.Hour)}
	require.NoError(t, s.SaveSession(old))
	require.NoError(t, s.SaveMessage(&types.Message{
		ID: "msg_old", Sender: "a", Recipient: "b", SessionID: "sess_old",
		Type: types.MessageInform, Status: types.DeliveryRead,
		QueuedAt: time.Now().UTC().Add(-48 * time.Hour),
	}))
	require.NoError(t, s.EndSession("sess_old"))

	live := &types.Session{ID: "sess_live", Started: time.Now().UTC()}
	require.NoError(t, s.SaveSession(live))

	n, err := s.CleanupBefore(time.Now().UTC().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = s.GetSession("sess_old")
	assert.True(t, types.IsNotFound(err))

	msgs, err := s.ListMessages(MessageFilter{SessionID: "sess_old"})
	require.NoError(t, err)
	assert.Empty(t, msgs)

	_, err = s.GetSession("sess_live")
	require.NoError(t, err)
}
