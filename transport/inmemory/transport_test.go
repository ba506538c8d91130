package inmemory

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/xmh1011/raftcore/param"
)

// mockRPCServer 是 param.RPCServer 接口的一个模拟实现，用于测试。
type mockRPCServer struct {
	lastArgs      any
	replyToReturn any
	errorToReturn error
}

func (m *mockRPCServer) RequestVote(args *param.RequestVoteArgs, reply *param.RequestVoteReply) error {
	m.lastArgs = args
	if m.replyToReturn != nil {
		*reply = *(m.replyToReturn.(*param.RequestVoteReply))
	}
	return m.errorToReturn
}

func (m *mockRPCServer) AppendEntries(args *param.AppendEntriesArgs, reply *param.AppendEntriesReply) error {
	m.lastArgs = args
	if m.replyToReturn != nil {
		*reply = *(m.replyToReturn.(*param.AppendEntriesReply))
	}
	return m.errorToReturn
}

func (m *mockRPCServer) InstallSnapshot(args *param.InstallSnapshotArgs, reply *param.InstallSnapshotReply) error {
	m.lastArgs = args
	if m.replyToReturn != nil {
		*reply = *(m.replyToReturn.(*param.InstallSnapshotReply))
	}
	return m.errorToReturn
}

func (m *mockRPCServer) ClientRequest(args *param.ClientArgs, reply *param.ClientReply) error {
	m.lastArgs = args
	if m.replyToReturn != nil {
		*reply = *(m.replyToReturn.(*param.ClientReply))
	}
	return m.errorToReturn
}

func TestInMemoryTransport(t *testing.T) {
	t.Run("Connect and Disconnect", func(t *testing.T) {
		trans := NewTransport("local")
		assert.Empty(t, trans.peers)

		mockPeer := &mockRPCServer{}
		trans.Connect(1, mockPeer)
		assert.Len(t, trans.peers, 1)

		trans.Disconnect(1)
		assert.Empty(t, trans.peers)
	})

	t.Run("Send successful RPC calls", func(t *testing.T) {
		trans := NewTransport("local")
		mockPeer := &mockRPCServer{}
		trans.Connect(1, mockPeer)

		mockPeer.replyToReturn = &param.RequestVoteReply{Term: 1, VoteGranted: true}
		argsRV := &param.RequestVoteArgs{Term: 1, CandidateID: 10}
		replyRV := &param.RequestVoteReply{}
		assert.NoError(t, trans.SendRequestVote(1, argsRV, replyRV))
		assert.True(t, replyRV.VoteGranted)
		assert.Equal(t, argsRV, mockPeer.lastArgs)

		mockPeer.replyToReturn = &param.AppendEntriesReply{Term: 2, Success: true}
		replyAE := &param.AppendEntriesReply{}
		assert.NoError(t, trans.SendAppendEntries(1, &param.AppendEntriesArgs{Term: 2}, replyAE))
		assert.True(t, replyAE.Success)

		mockPeer.replyToReturn = &param.InstallSnapshotReply{Term: 3}
		replyIS := &param.InstallSnapshotReply{}
		assert.NoError(t, trans.SendInstallSnapshot(1, &param.InstallSnapshotArgs{Term: 3}, replyIS))
		assert.Equal(t, uint64(3), replyIS.Term)

		mockPeer.replyToReturn = &param.ClientReply{Success: true, Result: []byte("ok")}
		replyCR := &param.ClientReply{}
		assert.NoError(t, trans.SendClientRequest(1, &param.ClientArgs{ClientID: "c1"}, replyCR))
		assert.Equal(t, []byte("ok"), replyCR.Result)
	})

	t.Run("Send to unknown peer", func(t *testing.T) {
		trans := NewTransport("local")
		err := trans.SendRequestVote(42, &param.RequestVoteArgs{}, &param.RequestVoteReply{})
		assert.Error(t, err)
	})

	t.Run("Server-side error propagates", func(t *testing.T) {
		trans := NewTransport("local")
		mockPeer := &mockRPCServer{errorToReturn: errors.New("deliberate failure")}
		trans.Connect(1, mockPeer)

		err := trans.SendAppendEntries(1, &param.AppendEntriesArgs{}, &param.AppendEntriesReply{})
		assert.ErrorContains(t, err, "deliberate failure")
	})
}
