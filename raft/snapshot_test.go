package raft

import (
	"testing"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xmh1011/raftcore/param"
	"github.com/xmh1011/raftcore/storage/inmemory"
	"github.com/xmh1011/raftcore/transport"
)

// snapshotWithSessions 构造一个可直接用于 InstallSnapshot 的快照。
func snapshotWithSessions(t *testing.T, lastIncludedIndex, lastIncludedTerm uint64, kv map[string]string, sessions map[string]int64) *param.Snapshot {
	t.Helper()
	seed := inmemory.NewStateMachine()
	for key, value := range kv {
		seed.Apply(kvSetCommand(t, key, value))
	}
	state, err := seed.Snapshot()
	require.NoError(t, err)
	payload := param.SnapshotPayload{State: state, Sessions: sessions}
	data, err := payload.Encode()
	require.NoError(t, err)
	return param.NewSnapshot(lastIncludedIndex, lastIncludedTerm, data)
}

func TestTakeSnapshot(t *testing.T) {
	store := inmemory.NewStorage()
	sm := inmemory.NewStateMachine()
	seedLog(t, store, 1, 1, 2, 2, 2)
	sm.Apply(kvSetCommand(t, "a", "1"))

	r := newTestRaft(t, 1, []int{1, 2, 3}, store, sm, nil)
	r.currentTerm = 2
	r.lastApplied = 5
	r.commitIndex = 5
	r.clientSessions["client-1"] = 7

	r.TakeSnapshot()

	snapshot, err := store.ReadSnapshot()
	require.NoError(t, err)
	require.NotNil(t, snapshot)
	assert.Equal(t, uint64(5), snapshot.LastIncludedIndex)
	assert.Equal(t, uint64(2), snapshot.LastIncludedTerm)

	// 日志前缀已被压缩，但边界任期仍可查询。
	firstIndex, err := store.FirstIndex()
	require.NoError(t, err)
	assert.Equal(t, uint64(6), firstIndex)
	term, err := store.TermAt(5)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), term)

	// 快照内容包含状态机状态和会话表。
	payload, err := param.DecodeSnapshotPayload(snapshot.Data)
	require.NoError(t, err)
	assert.Equal(t, int64(7), payload.Sessions["client-1"])

	restored := inmemory.NewStateMachine()
	require.NoError(t, restored.Restore(payload.State))
	value, err := restored.Get("a")
	require.NoError(t, err)
	assert.Equal(t, "1", value)
}

func TestMaybeTakeSnapshotRespectsThreshold(t *testing.T) {
	store := inmemory.NewStorage()
	sm := inmemory.NewStateMachine()
	seedLog(t, store, 1, 1, 1)

	r := newTestRaft(t, 1, []int{1, 2, 3}, store, sm, nil)
	r.snapshotThreshold = 100
	r.lastApplied = 3

	r.maybeTakeSnapshot()

	snapshot, err := store.ReadSnapshot()
	require.NoError(t, err)
	assert.Nil(t, snapshot, "snapshot must not be taken below the threshold")

	// 阈值降到日志长度以下后触发。
	r.snapshotThreshold = 2
	r.maybeTakeSnapshot()
	snapshot, err = store.ReadSnapshot()
	require.NoError(t, err)
	require.NotNil(t, snapshot)
	assert.Equal(t, uint64(3), snapshot.LastIncludedIndex)
}

func TestInstallSnapshot(t *testing.T) {
	t.Run("InstallsAndRestores", func(t *testing.T) {
		store := inmemory.NewStorage()
		sm := inmemory.NewStateMachine()
		seedLog(t, store, 1, 1)

		r := newTestRaft(t, 2, []int{1, 2, 3}, store, sm, nil)
		r.currentTerm = 3

		snapshot := snapshotWithSessions(t, 10, 3,
			map[string]string{"a": "1", "b": "2"},
			map[string]int64{"client-1": 4})
		args := param.NewInstallSnapshotArgs(3, 1, snapshot.LastIncludedIndex, snapshot.LastIncludedTerm, snapshot.Data)
		reply := &param.InstallSnapshotReply{}

		require.NoError(t, r.InstallSnapshot(args, reply))
		assert.Equal(t, uint64(3), reply.Term)

		assert.Equal(t, uint64(10), r.commitIndex)
		assert.Equal(t, uint64(10), r.lastApplied)
		assert.Equal(t, int64(4), r.clientSessions["client-1"])
		assert.Equal(t, 1, r.knownLeaderID)

		value, err := sm.Get("b")
		require.NoError(t, err)
		assert.Equal(t, "2", value)

		// 旧日志被丢弃，下一条日志从快照边界之后开始。
		firstIndex, err := store.FirstIndex()
		require.NoError(t, err)
		assert.Equal(t, uint64(11), firstIndex)
		term, err := store.TermAt(10)
		require.NoError(t, err)
		assert.Equal(t, uint64(3), term)
	})

	t.Run("DiscardsDivergentSuffix", func(t *testing.T) {
		store := inmemory.NewStorage()
		sm := inmemory.NewStateMachine()
		// 本地日志 1..10 全部在任期 2，属于分歧的历史。
		seedLog(t, store, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2)

		r := newTestRaft(t, 2, []int{1, 2, 3}, store, sm, nil)
		r.currentTerm = 3

		snapshot := snapshotWithSessions(t, 8, 3, map[string]string{"a": "1"}, nil)
		args := param.NewInstallSnapshotArgs(3, 1, snapshot.LastIncludedIndex, snapshot.LastIncludedTerm, snapshot.Data)
		reply := &param.InstallSnapshotReply{}

		require.NoError(t, r.InstallSnapshot(args, reply))

		// 边界处任期不符，快照之后的本地条目必须一并丢弃，
		// 压缩边界的任期取自快照而不是被覆盖的旧条目。
		lastIndex, err := store.LastIndex()
		require.NoError(t, err)
		assert.Equal(t, uint64(8), lastIndex)
		term, err := store.TermAt(8)
		require.NoError(t, err)
		assert.Equal(t, uint64(3), term)

		// Leader 在快照边界之后的追加可以直接通过一致性检查。
		appendArgs := param.NewAppendEntriesArgs(3, 1, 8, 3, 8, []param.LogEntry{
			{Index: 9, Term: 3, Command: kvSetCommand(t, "b", "2")},
		})
		appendReply := &param.AppendEntriesReply{}
		require.NoError(t, r.AppendEntries(appendArgs, appendReply))
		assert.True(t, appendReply.Success)
		lastIndex, err = store.LastIndex()
		require.NoError(t, err)
		assert.Equal(t, uint64(9), lastIndex)
	})

	t.Run("RetainsMatchingSuffix", func(t *testing.T) {
		store := inmemory.NewStorage()
		sm := inmemory.NewStateMachine()
		seedLog(t, store, 3, 3, 3, 3, 3, 3, 3, 3, 3, 3)

		r := newTestRaft(t, 2, []int{1, 2, 3}, store, sm, nil)
		r.currentTerm = 3

		snapshot := snapshotWithSessions(t, 8, 3, map[string]string{"a": "1"}, nil)
		args := param.NewInstallSnapshotArgs(3, 1, snapshot.LastIncludedIndex, snapshot.LastIncludedTerm, snapshot.Data)
		reply := &param.InstallSnapshotReply{}

		require.NoError(t, r.InstallSnapshot(args, reply))

		// 边界处任期一致，快照之后的条目保留。
		lastIndex, err := store.LastIndex()
		require.NoError(t, err)
		assert.Equal(t, uint64(10), lastIndex)
		term, err := store.TermAt(9)
		require.NoError(t, err)
		assert.Equal(t, uint64(3), term)
	})

	t.Run("IgnoresStaleSnapshot", func(t *testing.T) {
		store := inmemory.NewStorage()
		sm := inmemory.NewStateMachine()
		seedLog(t, store, 1, 1, 1, 1, 1)

		r := newTestRaft(t, 2, []int{1, 2, 3}, store, sm, nil)
		r.currentTerm = 3
		r.commitIndex = 5
		r.lastApplied = 5

		snapshot := snapshotWithSessions(t, 4, 1, map[string]string{"x": "old"}, nil)
		args := param.NewInstallSnapshotArgs(3, 1, snapshot.LastIncludedIndex, snapshot.LastIncludedTerm, snapshot.Data)
		reply := &param.InstallSnapshotReply{}

		require.NoError(t, r.InstallSnapshot(args, reply))
		assert.Equal(t, uint64(5), r.commitIndex, "progress must not move backwards")
		assert.Equal(t, 0, sm.Len(), "state machine must not be touched by a stale snapshot")
	})

	t.Run("RejectsStaleTerm", func(t *testing.T) {
		store := inmemory.NewStorage()
		r := newTestRaft(t, 2, []int{1, 2, 3}, store, nil, nil)
		r.currentTerm = 5

		args := param.NewInstallSnapshotArgs(4, 1, 10, 3, nil)
		reply := &param.InstallSnapshotReply{}

		require.NoError(t, r.InstallSnapshot(args, reply))
		assert.Equal(t, uint64(5), reply.Term)
		assert.Equal(t, uint64(0), r.commitIndex)
	})
}

func TestSendSnapshot(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	store := inmemory.NewStorage()
	seedLog(t, store, 1, 1, 1, 1, 1)

	snapshot := snapshotWithSessions(t, 5, 1, map[string]string{"a": "1"}, nil)
	require.NoError(t, store.SaveSnapshot(snapshot))
	require.NoError(t, store.CompactTo(5))

	mockTrans := transport.NewMockTransport(ctrl)
	mockTrans.EXPECT().SendInstallSnapshot(2, gomock.Any(), gomock.Any()).
		DoAndReturn(func(id int, args *param.InstallSnapshotArgs, reply *param.InstallSnapshotReply) error {
			assert.Equal(t, uint64(5), args.LastIncludedIndex)
			assert.Equal(t, uint64(1), args.LastIncludedTerm)
			reply.Term = args.Term
			return nil
		})

	r := newTestRaft(t, 1, []int{1, 2, 3}, store, nil, mockTrans)
	r.currentTerm = 1
	r.state = param.Leader
	r.nextIndex = map[int]uint64{2: 3, 3: 6}
	r.matchIndex = map[int]uint64{2: 0, 3: 0}

	// Follower 2 需要的日志已被压缩，改发快照。
	assert.Equal(t, actionSendSnapshot, func() replicationAction {
		r.mu.Lock()
		defer r.mu.Unlock()
		return r.determineReplicationAction(2)
	}())

	r.sendSnapshot(2)

	r.mu.Lock()
	assert.Equal(t, uint64(5), r.matchIndex[2])
	assert.Equal(t, uint64(6), r.nextIndex[2])
	r.mu.Unlock()
}

func TestProcessSnapshotReplyStepsDownOnHigherTerm(t *testing.T) {
	store := inmemory.NewStorage()
	r := newTestRaft(t, 1, []int{1, 2, 3}, store, nil, nil)
	r.currentTerm = 3
	r.state = param.Leader

	r.processSnapshotReply(2, 3, 5, &param.InstallSnapshotReply{Term: 8})

	assert.Equal(t, param.Follower, r.state)
	assert.Equal(t, uint64(8), r.currentTerm)
}
