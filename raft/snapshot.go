package raft

import (
	"github.com/xmh1011/raftcore/param"
)

// maybeTakeSnapshot 在日志条目数超过阈值时触发一次快照。
// 仅由 apply 循环调用，因此同一时刻最多有一次快照在进行。
func (r *Raft) maybeTakeSnapshot() {
	r.mu.Lock()
	if r.isSnapshotting || r.lastApplied == 0 {
		r.mu.Unlock()
		return
	}
	entryCount, err := r.store.EntryCount()
	if err != nil {
		r.logger.Errorf("[Snapshot] Node %d failed to get entry count: %v", r.id, err)
		r.mu.Unlock()
		return
	}
	if entryCount < r.snapshotThreshold {
		r.mu.Unlock()
		return
	}
	r.isSnapshotting = true
	r.mu.Unlock()

	r.TakeSnapshot()

	r.mu.Lock()
	r.isSnapshotting = false
	r.mu.Unlock()
}

// TakeSnapshot 以 lastApplied 为边界生成一个快照并压缩日志。
// 快照内容包括状态机状态和客户端会话表，后者保证重启或安装快照
// 之后去重仍然有效。
func (r *Raft) TakeSnapshot() {
	r.mu.Lock()
	lastIncludedIndex := r.lastApplied
	if lastIncludedIndex == 0 {
		r.mu.Unlock()
		return
	}
	lastIncludedTerm, err := r.getLogTerm(lastIncludedIndex)
	if err != nil {
		r.logger.Errorf("[Snapshot] Node %d failed to get term at index %d: %v", r.id, lastIncludedIndex, err)
		r.mu.Unlock()
		return
	}

	// 状态机快照和会话表必须对应同一个 lastApplied，所以都在锁内捕获。
	state, err := r.stateMachine.Snapshot()
	if err != nil {
		r.logger.Errorf("[Snapshot] Node %d failed to snapshot state machine: %v", r.id, err)
		r.mu.Unlock()
		return
	}
	sessions := make(map[string]int64, len(r.clientSessions))
	for clientID, seq := range r.clientSessions {
		sessions[clientID] = seq
	}
	r.mu.Unlock()

	payload := param.SnapshotPayload{State: state, Sessions: sessions}
	data, err := payload.Encode()
	if err != nil {
		r.logger.Errorf("[Snapshot] Node %d failed to encode snapshot payload: %v", r.id, err)
		return
	}
	snapshot := param.NewSnapshot(lastIncludedIndex, lastIncludedTerm, data)

	r.persistSnapshot(snapshot)
}

// persistSnapshot 先落盘快照、再压缩日志。两步之间崩溃是安全的：
// 重启时存储层会从落盘的快照恢复，多余的日志前缀只是白占空间。
func (r *Raft) persistSnapshot(snapshot *param.Snapshot) {
	if err := r.store.SaveSnapshot(snapshot); err != nil {
		r.logger.Errorf("[Snapshot] Node %d failed to save snapshot at index %d: %v", r.id, snapshot.LastIncludedIndex, err)
		return
	}
	if err := r.store.CompactTo(snapshot.LastIncludedIndex); err != nil {
		r.logger.Errorf("[Snapshot] Node %d failed to compact log up to index %d: %v", r.id, snapshot.LastIncludedIndex, err)
		return
	}

	r.mu.Lock()
	r.snapshot = snapshot
	r.mu.Unlock()
	r.logger.Infof("[Snapshot] Node %d took snapshot at index %d (term %d)", r.id, snapshot.LastIncludedIndex, snapshot.LastIncludedTerm)
}

// InstallSnapshot 是处理 Leader 快照安装请求的 RPC 入口。
// 整个快照在一次请求中传输。
func (r *Raft) InstallSnapshot(args *param.InstallSnapshotArgs, reply *param.InstallSnapshotReply) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state == param.Dead {
		return nil
	}
	if r.faulty {
		reply.Term = r.currentTerm
		return nil
	}

	if args.Term < r.currentTerm {
		reply.Term = r.currentTerm
		return nil
	}
	if args.Term > r.currentTerm || r.state != param.Follower {
		if err := r.becomeFollower(args.Term); err != nil {
			return err
		}
	}
	r.electionResetEvent = r.clk.Now()
	r.currentElectionTimeout = r.randomizedElectionTimeout()
	r.knownLeaderID = args.LeaderID
	reply.Term = r.currentTerm

	// 本地进度已经越过快照边界时忽略，回退会丢掉已应用的状态。
	if args.LastIncludedIndex <= r.commitIndex {
		r.logger.Infof("[Snapshot] Node %d ignoring stale snapshot at index %d (commitIndex=%d)", r.id, args.LastIncludedIndex, r.commitIndex)
		return nil
	}

	payload, err := param.DecodeSnapshotPayload(args.Data)
	if err != nil {
		r.logger.Errorf("[Snapshot] Node %d received undecodable snapshot: %v", r.id, err)
		return err
	}

	snapshot := param.NewSnapshot(args.LastIncludedIndex, args.LastIncludedTerm, args.Data)
	if err := r.store.SaveSnapshot(snapshot); err != nil {
		r.markFaultyLocked("snapshot", err)
		return err
	}

	// 快照边界落在本地日志内部时，只有边界处任期一致才能保留后缀；
	// 缺失或任期不符说明后缀来自分歧的历史，必须整个丢弃，
	// 否则压缩边界会记下错误的任期，之后的日志一致性检查永远失败。
	localTerm, termErr := r.getLogTerm(args.LastIncludedIndex)
	if termErr != nil || localTerm != args.LastIncludedTerm {
		firstIndex, err := r.store.FirstIndex()
		if err != nil {
			r.markFaultyLocked("snapshot", err)
			return err
		}
		if err := r.store.TruncateFrom(firstIndex); err != nil {
			r.markFaultyLocked("truncate", err)
			return err
		}
		r.failWaitersFromLocked(firstIndex)
	}
	if err := r.store.CompactTo(args.LastIncludedIndex); err != nil {
		r.markFaultyLocked("compact", err)
		return err
	}

	if err := r.stateMachine.Restore(payload.State); err != nil {
		r.logger.Errorf("[Snapshot] Node %d failed to restore state machine: %v", r.id, err)
		return err
	}
	r.clientSessions = make(map[string]int64, len(payload.Sessions))
	for clientID, seq := range payload.Sessions {
		r.clientSessions[clientID] = seq
	}

	r.snapshot = snapshot
	r.commitIndex = args.LastIncludedIndex
	r.lastApplied = args.LastIncludedIndex
	r.logger.Infof("[Snapshot] Node %d installed snapshot up to index %d (term %d)", r.id, args.LastIncludedIndex, args.LastIncludedTerm)
	return nil
}

// sendSnapshot 把最新的快照发送给落后过多的 Follower。
func (r *Raft) sendSnapshot(peerID int) {
	r.mu.Lock()
	if r.state != param.Leader {
		r.mu.Unlock()
		return
	}
	snapshot, err := r.store.ReadSnapshot()
	if err != nil || snapshot == nil {
		if err != nil {
			r.logger.Errorf("[Snapshot] Leader %d failed to read snapshot for sending: %v", r.id, err)
		}
		r.mu.Unlock()
		return
	}
	savedTerm := r.currentTerm
	r.mu.Unlock()

	args := param.NewInstallSnapshotArgs(savedTerm, r.id, snapshot.LastIncludedIndex, snapshot.LastIncludedTerm, snapshot.Data)
	reply := &param.InstallSnapshotReply{}
	if err := r.trans.SendInstallSnapshot(peerID, args, reply); err != nil {
		r.logger.Debugf("[Snapshot] Leader %d failed to send snapshot to %d: %v", r.id, peerID, err)
		return
	}

	r.processSnapshotReply(peerID, savedTerm, snapshot.LastIncludedIndex, reply)
}

// processSnapshotReply 处理 Follower 对快照安装的响应。
func (r *Raft) processSnapshotReply(peerID int, savedTerm, lastIncludedIndex uint64, reply *param.InstallSnapshotReply) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if reply.Term > r.currentTerm {
		r.logger.Infof("[Snapshot] Leader %d found higher term %d from peer %d, becomes follower", r.id, reply.Term, peerID)
		if err := r.becomeFollower(reply.Term); err != nil {
			r.logger.Errorf("[Snapshot] Node %d failed to persist state after finding higher term: %v", r.id, err)
		}
		return
	}
	if r.state != param.Leader || savedTerm != r.currentTerm {
		return
	}

	if lastIncludedIndex > r.matchIndex[peerID] {
		r.matchIndex[peerID] = lastIncludedIndex
		r.nextIndex[peerID] = lastIncludedIndex + 1
		r.updateCommitIndex()
	}
}
