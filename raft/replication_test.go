package raft

import (
	"errors"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xmh1011/raftcore/param"
	"github.com/xmh1011/raftcore/storage/inmemory"
	"github.com/xmh1011/raftcore/transport"
)

// seedLog 向存储写入 terms 指定任期的连续日志，索引从 1 开始。
func seedLog(t *testing.T, store *inmemory.Storage, terms ...uint64) {
	t.Helper()
	entries := make([]param.LogEntry, 0, len(terms))
	for i, term := range terms {
		entries = append(entries, param.NewLogEntry([]byte("cmd"), term, uint64(i+1)))
	}
	require.NoError(t, store.AppendEntries(entries))
}

func TestAppendEntriesHandler(t *testing.T) {
	tests := []struct {
		name          string
		localTerms    []uint64 // 本地日志各索引的任期
		currentTerm   uint64
		args          *param.AppendEntriesArgs
		expectedReply *param.AppendEntriesReply
		verify        func(t *testing.T, r *Raft, store *inmemory.Storage)
	}{
		{
			name:        "RejectsStaleTerm",
			localTerms:  []uint64{1, 1},
			currentTerm: 5,
			args:        param.NewAppendEntriesArgs(4, 2, 2, 1, 0, nil),
			expectedReply: &param.AppendEntriesReply{
				Term:    5,
				Success: false,
			},
		},
		{
			name:        "AcceptsHeartbeat",
			localTerms:  []uint64{1, 1},
			currentTerm: 5,
			args:        param.NewAppendEntriesArgs(5, 2, 2, 1, 0, nil),
			expectedReply: &param.AppendEntriesReply{
				Term:    5,
				Success: true,
			},
			verify: func(t *testing.T, r *Raft, store *inmemory.Storage) {
				assert.Equal(t, 2, r.knownLeaderID)
			},
		},
		{
			name:        "RejectsWhenPrevMissing",
			localTerms:  []uint64{1, 1},
			currentTerm: 5,
			args:        param.NewAppendEntriesArgs(5, 2, 4, 1, 0, nil),
			expectedReply: &param.AppendEntriesReply{
				Term:          5,
				Success:       false,
				ConflictIndex: 3,
				ConflictTerm:  0,
			},
		},
		{
			name: "ReportsConflictTerm",
			// 本地索引 2..3 是任期 2，Leader 认为索引 3 是任期 3。
			localTerms:  []uint64{1, 2, 2},
			currentTerm: 5,
			args:        param.NewAppendEntriesArgs(5, 2, 3, 3, 0, nil),
			expectedReply: &param.AppendEntriesReply{
				Term:          5,
				Success:       false,
				ConflictTerm:  2,
				ConflictIndex: 2,
			},
		},
		{
			name:        "AppendsNewEntries",
			localTerms:  []uint64{1, 1},
			currentTerm: 5,
			args: param.NewAppendEntriesArgs(5, 2, 2, 1, 0, []param.LogEntry{
				param.NewLogEntry([]byte("new"), 5, 3),
				param.NewLogEntry([]byte("new"), 5, 4),
			}),
			expectedReply: &param.AppendEntriesReply{
				Term:    5,
				Success: true,
			},
			verify: func(t *testing.T, r *Raft, store *inmemory.Storage) {
				lastIndex, err := store.LastIndex()
				require.NoError(t, err)
				assert.Equal(t, uint64(4), lastIndex)
			},
		},
		{
			name: "TruncatesConflictingSuffix",
			// 本地索引 3 是任期 2，Leader 发来任期 5 的索引 3。
			localTerms:  []uint64{1, 1, 2, 2},
			currentTerm: 5,
			args: param.NewAppendEntriesArgs(5, 2, 2, 1, 0, []param.LogEntry{
				param.NewLogEntry([]byte("new"), 5, 3),
			}),
			expectedReply: &param.AppendEntriesReply{
				Term:    5,
				Success: true,
			},
			verify: func(t *testing.T, r *Raft, store *inmemory.Storage) {
				lastIndex, err := store.LastIndex()
				require.NoError(t, err)
				assert.Equal(t, uint64(3), lastIndex)
				term, err := store.TermAt(3)
				require.NoError(t, err)
				assert.Equal(t, uint64(5), term)
			},
		},
		{
			name: "DuplicateDeliveryDoesNotTruncate",
			// 重发的旧消息只覆盖前缀，已确认的后缀必须保留。
			localTerms:  []uint64{1, 1, 5, 5},
			currentTerm: 5,
			args: param.NewAppendEntriesArgs(5, 2, 1, 1, 0, []param.LogEntry{
				param.NewLogEntry([]byte("dup"), 1, 2),
				param.NewLogEntry([]byte("dup"), 5, 3),
			}),
			expectedReply: &param.AppendEntriesReply{
				Term:    5,
				Success: true,
			},
			verify: func(t *testing.T, r *Raft, store *inmemory.Storage) {
				lastIndex, err := store.LastIndex()
				require.NoError(t, err)
				assert.Equal(t, uint64(4), lastIndex, "confirmed suffix must survive duplicate delivery")
			},
		},
		{
			name:        "AdvancesCommitIndex",
			localTerms:  []uint64{1, 1, 5},
			currentTerm: 5,
			args:        param.NewAppendEntriesArgs(5, 2, 3, 5, 2, nil),
			expectedReply: &param.AppendEntriesReply{
				Term:    5,
				Success: true,
			},
			verify: func(t *testing.T, r *Raft, store *inmemory.Storage) {
				assert.Equal(t, uint64(2), r.commitIndex)
			},
		},
		{
			name:        "CommitIndexCappedByLocalLog",
			localTerms:  []uint64{1, 1},
			currentTerm: 5,
			args:        param.NewAppendEntriesArgs(5, 2, 2, 1, 10, nil),
			expectedReply: &param.AppendEntriesReply{
				Term:    5,
				Success: true,
			},
			verify: func(t *testing.T, r *Raft, store *inmemory.Storage) {
				assert.Equal(t, uint64(2), r.commitIndex)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := inmemory.NewStorage()
			seedLog(t, store, tt.localTerms...)

			r := newTestRaft(t, 1, []int{1, 2, 3}, store, nil, nil)
			r.currentTerm = tt.currentTerm

			reply := &param.AppendEntriesReply{}
			err := r.AppendEntries(tt.args, reply)

			assert.NoError(t, err)
			assert.Equal(t, tt.expectedReply.Term, reply.Term)
			assert.Equal(t, tt.expectedReply.Success, reply.Success)
			if !tt.expectedReply.Success && tt.expectedReply.ConflictIndex != 0 {
				assert.Equal(t, tt.expectedReply.ConflictIndex, reply.ConflictIndex)
				assert.Equal(t, tt.expectedReply.ConflictTerm, reply.ConflictTerm)
			}
			if tt.verify != nil {
				tt.verify(t, r, store)
			}
		})
	}
}

func TestAppendEntriesStepsDownOnHigherTerm(t *testing.T) {
	store := inmemory.NewStorage()
	seedLog(t, store, 1, 1)

	r := newTestRaft(t, 1, []int{1, 2, 3}, store, nil, nil)
	r.currentTerm = 5
	r.state = param.Leader

	reply := &param.AppendEntriesReply{}
	err := r.AppendEntries(param.NewAppendEntriesArgs(7, 2, 2, 1, 0, nil), reply)

	require.NoError(t, err)
	assert.True(t, reply.Success)
	assert.Equal(t, uint64(7), reply.Term)
	assert.Equal(t, param.Follower, r.state)
	assert.Equal(t, uint64(7), r.currentTerm)
}

func TestProcessAppendEntriesReply(t *testing.T) {
	t.Run("SuccessAdvancesCommitForCurrentTerm", func(t *testing.T) {
		store := inmemory.NewStorage()
		seedLog(t, store, 1, 5, 5)

		r := newTestRaft(t, 1, []int{1, 2, 3}, store, nil, nil)
		r.currentTerm = 5
		r.state = param.Leader
		r.nextIndex = map[int]uint64{2: 1, 3: 1}
		r.matchIndex = map[int]uint64{2: 0, 3: 0}

		args := param.NewAppendEntriesArgs(5, 1, 0, 0, 0, []param.LogEntry{
			param.NewLogEntry([]byte("cmd"), 1, 1),
			param.NewLogEntry([]byte("cmd"), 5, 2),
			param.NewLogEntry([]byte("cmd"), 5, 3),
		})
		reply := &param.AppendEntriesReply{Term: 5, Success: true}
		r.processAppendEntriesReply(2, 5, args, reply)

		// 节点 1 和节点 2 构成多数派，当前任期条目全部可提交。
		assert.Equal(t, uint64(3), r.matchIndex[2])
		assert.Equal(t, uint64(4), r.nextIndex[2])
		assert.Equal(t, uint64(3), r.commitIndex)
	})

	t.Run("OldTermEntriesNotCommittedByCount", func(t *testing.T) {
		store := inmemory.NewStorage()
		seedLog(t, store, 1, 3, 3)

		r := newTestRaft(t, 1, []int{1, 2, 3}, store, nil, nil)
		r.currentTerm = 5
		r.state = param.Leader
		r.nextIndex = map[int]uint64{2: 1, 3: 1}
		r.matchIndex = map[int]uint64{2: 0, 3: 0}

		args := param.NewAppendEntriesArgs(5, 1, 0, 0, 0, []param.LogEntry{
			param.NewLogEntry([]byte("cmd"), 1, 1),
			param.NewLogEntry([]byte("cmd"), 3, 2),
			param.NewLogEntry([]byte("cmd"), 3, 3),
		})
		reply := &param.AppendEntriesReply{Term: 5, Success: true}
		r.processAppendEntriesReply(2, 5, args, reply)

		// 所有条目都来自旧任期，不能靠计数提交。
		assert.Equal(t, uint64(3), r.matchIndex[2])
		assert.Equal(t, uint64(0), r.commitIndex)
	})

	t.Run("FailureBacksOffNextIndex", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		defer ctrl.Finish()

		store := inmemory.NewStorage()
		seedLog(t, store, 1, 2, 2, 5)

		// 回退后会立即重试一次复制，这里让它失败即可。
		mockTrans := transport.NewMockTransport(ctrl)
		mockTrans.EXPECT().SendAppendEntries(gomock.Any(), gomock.Any(), gomock.Any()).
			Return(errors.New("peer down")).AnyTimes()

		r := newTestRaft(t, 1, []int{1, 2, 3}, store, nil, mockTrans)
		r.currentTerm = 5
		r.state = param.Leader
		r.nextIndex = map[int]uint64{2: 5, 3: 5}
		r.matchIndex = map[int]uint64{2: 0, 3: 0}

		args := param.NewAppendEntriesArgs(5, 1, 4, 5, 0, nil)
		// Follower 报告索引 2 起是任期 2：Leader 本地也有任期 2，
		// 跳到本地该任期最后一条之后。
		reply := &param.AppendEntriesReply{Term: 5, Success: false, ConflictIndex: 2, ConflictTerm: 2}
		r.processAppendEntriesReply(2, 5, args, reply)

		r.mu.Lock()
		assert.Equal(t, uint64(4), r.nextIndex[2])
		r.mu.Unlock()

		// 后台重试的 goroutine 结束后再退出，避免 mock 校验竞争。
		time.Sleep(50 * time.Millisecond)
	})

	t.Run("FailureWithUnknownConflictTermUsesConflictIndex", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		defer ctrl.Finish()

		store := inmemory.NewStorage()
		seedLog(t, store, 1, 5, 5, 5)

		mockTrans := transport.NewMockTransport(ctrl)
		mockTrans.EXPECT().SendAppendEntries(gomock.Any(), gomock.Any(), gomock.Any()).
			Return(errors.New("peer down")).AnyTimes()

		r := newTestRaft(t, 1, []int{1, 2, 3}, store, nil, mockTrans)
		r.currentTerm = 5
		r.state = param.Leader
		r.nextIndex = map[int]uint64{2: 5, 3: 5}
		r.matchIndex = map[int]uint64{2: 0, 3: 0}

		args := param.NewAppendEntriesArgs(5, 1, 4, 5, 0, nil)
		reply := &param.AppendEntriesReply{Term: 5, Success: false, ConflictIndex: 3, ConflictTerm: 0}
		r.processAppendEntriesReply(2, 5, args, reply)

		r.mu.Lock()
		assert.Equal(t, uint64(3), r.nextIndex[2])
		r.mu.Unlock()

		time.Sleep(50 * time.Millisecond)
	})

	t.Run("StaleReplyIgnored", func(t *testing.T) {
		store := inmemory.NewStorage()
		seedLog(t, store, 5)

		r := newTestRaft(t, 1, []int{1, 2, 3}, store, nil, nil)
		r.currentTerm = 6
		r.state = param.Leader
		r.nextIndex = map[int]uint64{2: 2, 3: 2}
		r.matchIndex = map[int]uint64{2: 0, 3: 0}

		// savedTerm 5 != currentTerm 6，响应被丢弃。
		args := param.NewAppendEntriesArgs(5, 1, 0, 0, 0, []param.LogEntry{param.NewLogEntry([]byte("cmd"), 5, 1)})
		reply := &param.AppendEntriesReply{Term: 5, Success: true}
		r.processAppendEntriesReply(2, 5, args, reply)

		assert.Equal(t, uint64(0), r.matchIndex[2])
		assert.Equal(t, uint64(0), r.commitIndex)
	})
}

func TestApplierDeduplicatesByClientSession(t *testing.T) {
	store := inmemory.NewStorage()
	sm := inmemory.NewStateMachine()

	// 同一个 (ClientID, SequenceNum) 的命令在日志里出现了两次，
	// 例如客户端超时重试后两次都被提交。
	envelope := param.Command{ClientID: "client-1", SequenceNum: 1, Data: kvSetCommand(t, "k", "v")}
	data, err := envelope.Encode()
	require.NoError(t, err)
	require.NoError(t, store.AppendEntries([]param.LogEntry{
		param.NewLogEntry(data, 1, 1),
		param.NewLogEntry(data, 1, 2),
	}))

	commitChan := make(chan param.CommitEntry, 10)
	r := newTestRaft(t, 1, []int{1}, store, sm, nil)
	r.commitChan = commitChan
	r.commitIndex = 2

	go r.runApplier()
	defer r.Stop()
	r.signalApply()

	select {
	case entry := <-commitChan:
		assert.Equal(t, uint64(1), entry.Index)
		assert.Equal(t, "client-1", entry.ClientID)
		assert.Equal(t, []byte("v"), entry.Result)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for first apply")
	}

	// 第二条是重复命令，不会再次进入应用流。
	select {
	case entry := <-commitChan:
		t.Fatalf("duplicate command reached the apply stream: %+v", entry)
	case <-time.After(200 * time.Millisecond):
	}

	r.mu.Lock()
	assert.Equal(t, uint64(2), r.lastApplied)
	assert.Equal(t, int64(1), r.clientSessions["client-1"])
	r.mu.Unlock()
	assert.Equal(t, 1, sm.Len())
}

func TestApplierSkipsUndecodableCommand(t *testing.T) {
	store := inmemory.NewStorage()
	sm := inmemory.NewStateMachine()

	// 索引 1 处是一条解不开信封的条目，索引 2 处是正常命令。
	envelope := param.Command{ClientID: "client-1", SequenceNum: 1, Data: kvSetCommand(t, "k", "v")}
	data, err := envelope.Encode()
	require.NoError(t, err)
	require.NoError(t, store.AppendEntries([]param.LogEntry{
		param.NewLogEntry([]byte("not-an-envelope"), 1, 1),
		param.NewLogEntry(data, 1, 2),
	}))

	commitChan := make(chan param.CommitEntry, 10)
	r := newTestRaft(t, 1, []int{1}, store, sm, nil)
	r.commitChan = commitChan
	r.commitIndex = 2

	waiterDone := make(chan bool, 1)
	go func() {
		_, ok := r.waitForAppliedLog(1, time.Minute)
		waiterDone <- ok
	}()
	for i := 0; i < 100; i++ {
		r.mu.Lock()
		registered := len(r.notifyApply) == 1
		r.mu.Unlock()
		if registered {
			break
		}
		time.Sleep(time.Millisecond)
	}

	go r.runApplier()
	defer r.Stop()
	r.signalApply()

	// 坏条目被跳过，应用循环继续处理后面的正常命令。
	select {
	case entry := <-commitChan:
		assert.Equal(t, uint64(2), entry.Index)
		assert.Equal(t, "client-1", entry.ClientID)
	case <-time.After(2 * time.Second):
		t.Fatal("apply loop did not get past the undecodable entry")
	}

	// 坏条目上的等待者按失败释放。
	select {
	case ok := <-waiterDone:
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter on the undecodable entry was never released")
	}

	r.mu.Lock()
	assert.Equal(t, uint64(2), r.lastApplied)
	r.mu.Unlock()
	value, err := sm.Get("k")
	require.NoError(t, err)
	assert.Equal(t, "v", value)
	assert.Equal(t, 1, sm.Len())
}
