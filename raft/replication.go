package raft

import (
	"github.com/xmh1011/raftcore/param"
)

// replicationAction 表示对某个 Follower 下一步应采取的复制动作。
type replicationAction int

const (
	actionNone replicationAction = iota
	actionReplicateLogs
	actionSendSnapshot
)

// sendAppendEntries 向指定的 Follower 发起一轮复制。
// 根据 Follower 的进度决定是发送日志还是发送快照。
func (r *Raft) sendAppendEntries(peerID int) {
	r.mu.Lock()
	action := r.determineReplicationAction(peerID)
	r.mu.Unlock()

	switch action {
	case actionReplicateLogs:
		r.replicateLogsToPeer(peerID)
	case actionSendSnapshot:
		r.sendSnapshot(peerID)
	}
}

// determineReplicationAction 判断 Follower 需要的条目是否已被压缩。
// 压缩掉的部分只能通过快照补齐。必须在持有锁的情况下被调用。
func (r *Raft) determineReplicationAction(peerID int) replicationAction {
	if r.state != param.Leader {
		return actionNone
	}

	firstIndex, err := r.store.FirstIndex()
	if err != nil {
		r.logger.Errorf("[Replication] Leader %d failed to get first log index: %v", r.id, err)
		return actionNone
	}
	if r.nextIndex[peerID] < firstIndex {
		return actionSendSnapshot
	}
	return actionReplicateLogs
}

// replicateLogsToPeer 向单个 Follower 发送一次 AppendEntries。
// 空日志时退化为纯心跳。
func (r *Raft) replicateLogsToPeer(peerID int) {
	r.mu.Lock()
	args, err := r.prepareAppendEntriesArgs(peerID)
	savedTerm := r.currentTerm
	r.mu.Unlock()
	if err != nil {
		return
	}

	reply := param.NewAppendEntriesReply()
	if err := r.trans.SendAppendEntries(peerID, args, reply); err != nil {
		r.logger.Debugf("[Replication] Leader %d failed to send AppendEntries to %d: %v", r.id, peerID, err)
		return
	}

	r.processAppendEntriesReply(peerID, savedTerm, args, reply)
}

// prepareAppendEntriesArgs 根据 nextIndex 组装发往 Follower 的参数。
// 必须在持有锁的情况下被调用。
func (r *Raft) prepareAppendEntriesArgs(peerID int) (*param.AppendEntriesArgs, error) {
	nextIdx := r.nextIndex[peerID]
	prevLogIndex := nextIdx - 1
	prevLogTerm, err := r.getLogTerm(prevLogIndex)
	if err != nil {
		r.logger.Errorf("[Replication] Leader %d failed to get term at index %d: %v", r.id, prevLogIndex, err)
		return nil, err
	}

	lastIndex, err := r.store.LastIndex()
	if err != nil {
		r.logger.Errorf("[Replication] Leader %d failed to get last log index: %v", r.id, err)
		return nil, err
	}

	var entries []param.LogEntry
	for idx := nextIdx; idx <= lastIndex; idx++ {
		entry, err := r.store.GetEntry(idx)
		if err != nil {
			r.logger.Errorf("[Replication] Leader %d failed to read log entry %d: %v", r.id, idx, err)
			return nil, err
		}
		entries = append(entries, *entry)
	}

	return param.NewAppendEntriesArgs(r.currentTerm, r.id, prevLogIndex, prevLogTerm, r.commitIndex, entries), nil
}

// processAppendEntriesReply 处理 Follower 对 AppendEntries 的响应。
func (r *Raft) processAppendEntriesReply(peerID int, savedTerm uint64, args *param.AppendEntriesArgs, reply *param.AppendEntriesReply) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if reply.Term > r.currentTerm {
		r.logger.Infof("[Replication] Leader %d found higher term %d from peer %d, becomes follower", r.id, reply.Term, peerID)
		if err := r.becomeFollower(reply.Term); err != nil {
			r.logger.Errorf("[Replication] Node %d failed to persist state after finding higher term: %v", r.id, err)
		}
		return
	}

	// 响应属于旧任期的请求时直接丢弃。
	if r.state != param.Leader || savedTerm != r.currentTerm {
		return
	}

	if reply.Success {
		r.handleSuccessfulAppendEntries(peerID, args)
		return
	}
	r.handleFailedAppendEntries(peerID, reply)
}

// handleSuccessfulAppendEntries 推进 Follower 的复制进度并尝试提交。
// 必须在持有锁的情况下被调用。
func (r *Raft) handleSuccessfulAppendEntries(peerID int, args *param.AppendEntriesArgs) {
	newMatchIndex := args.PrevLogIndex + uint64(len(args.Entries))
	if newMatchIndex > r.matchIndex[peerID] {
		r.matchIndex[peerID] = newMatchIndex
		r.nextIndex[peerID] = newMatchIndex + 1
		r.updateCommitIndex()
	}
}

// handleFailedAppendEntries 根据冲突信息回退 nextIndex。
// 必须在持有锁的情况下被调用。
func (r *Raft) handleFailedAppendEntries(peerID int, reply *param.AppendEntriesReply) {
	nextIdx := reply.ConflictIndex
	if reply.ConflictTerm != 0 {
		// Follower 报告了冲突条目的任期：跳过本地日志中该任期的
		// 最后一条，一次越过整段冲突任期。
		if lastOfTerm, found := r.lastIndexOfTerm(reply.ConflictTerm); found {
			nextIdx = lastOfTerm + 1
		}
	}

	firstIndex, err := r.store.FirstIndex()
	if err != nil {
		r.logger.Errorf("[Replication] Leader %d failed to get first log index: %v", r.id, err)
		return
	}
	if nextIdx < firstIndex {
		// 回退进了已压缩的区间，下一轮复制会改发快照。
		nextIdx = firstIndex - 1
	}
	if nextIdx < 1 {
		nextIdx = 1
	}
	r.nextIndex[peerID] = nextIdx
	r.logger.Infof("[Replication] Leader %d backs off nextIndex for peer %d to %d", r.id, peerID, nextIdx)

	go r.sendAppendEntries(peerID)
}

// lastIndexOfTerm 在本地日志中从后向前找指定任期的最后一条条目。
// 必须在持有锁的情况下被调用。
func (r *Raft) lastIndexOfTerm(term uint64) (uint64, bool) {
	lastIndex, err := r.store.LastIndex()
	if err != nil {
		return 0, false
	}
	firstIndex, err := r.store.FirstIndex()
	if err != nil {
		return 0, false
	}
	for idx := lastIndex; idx >= firstIndex && idx > 0; idx-- {
		entryTerm, err := r.getLogTerm(idx)
		if err != nil {
			return 0, false
		}
		if entryTerm == term {
			return idx, true
		}
		if entryTerm < term {
			break
		}
	}
	return 0, false
}

// updateCommitIndex 基于多数派的 matchIndex 推进 commitIndex。
// 只有当前任期的条目可以通过计数提交，旧任期条目随之间接提交。
// 必须在持有锁的情况下被调用。
func (r *Raft) updateCommitIndex() {
	newCommitIndex := r.findMajorityCommitIndex()
	if newCommitIndex <= r.commitIndex {
		return
	}

	entryTerm, err := r.getLogTerm(newCommitIndex)
	if err != nil {
		r.logger.Errorf("[Replication] Leader %d failed to get term at index %d: %v", r.id, newCommitIndex, err)
		return
	}
	if entryTerm != r.currentTerm {
		return
	}

	r.commitIndex = newCommitIndex
	r.logger.Infof("[Replication] Leader %d advances commit index to %d", r.id, newCommitIndex)
	r.signalApply()
}

// findMajorityCommitIndex 找到已被多数派复制的最大日志索引。
// 必须在持有锁的情况下被调用。
func (r *Raft) findMajorityCommitIndex() uint64 {
	lastIndex, err := r.store.LastIndex()
	if err != nil {
		r.logger.Errorf("[Replication] Leader %d failed to get last log index: %v", r.id, err)
		return r.commitIndex
	}

	for idx := lastIndex; idx > r.commitIndex; idx-- {
		if r.isReplicatedByMajority(idx) {
			return idx
		}
	}
	return r.commitIndex
}

// isReplicatedByMajority 检查指定索引是否已被多数派节点复制。
// 必须在持有锁的情况下被调用。
func (r *Raft) isReplicatedByMajority(index uint64) bool {
	count := 1 // Leader 自身
	for _, peerID := range r.peerIDs {
		if peerID == r.id {
			continue
		}
		if r.matchIndex[peerID] >= index {
			count++
		}
	}
	return count*2 > len(r.peerIDs)
}

// AppendEntries 是处理日志复制请求的 RPC 入口。
func (r *Raft) AppendEntries(args *param.AppendEntriesArgs, reply *param.AppendEntriesReply) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state == param.Dead {
		return nil
	}
	// 被隔离的节点不能再对日志内容表态。
	if r.faulty {
		reply.Term = r.currentTerm
		reply.Success = false
		return nil
	}

	if proceed, err := r.handleTermAndHeartbeat(args, reply); !proceed {
		return err
	}

	consistent, err := r.checkLogConsistency(args, reply)
	if err != nil || !consistent {
		return err
	}

	if err := r.appendAndStoreEntries(args.Entries); err != nil {
		reply.Success = false
		return err
	}

	r.updateFollowerCommitIndex(args.LeaderCommit)
	reply.Success = true
	return nil
}

// handleTermAndHeartbeat 处理任期比较并承认 Leader 的心跳。
// 返回值表示是否应继续做日志一致性检查。
// 必须在持有锁的情况下被调用。
func (r *Raft) handleTermAndHeartbeat(args *param.AppendEntriesArgs, reply *param.AppendEntriesReply) (bool, error) {
	if args.Term < r.currentTerm {
		reply.Term = r.currentTerm
		reply.Success = false
		return false, nil
	}

	if args.Term > r.currentTerm || r.state != param.Follower {
		if err := r.becomeFollower(args.Term); err != nil {
			reply.Success = false
			return false, err
		}
	}

	// 来自当前任期 Leader 的消息重置选举计时器并更新 Leader 提示。
	r.electionResetEvent = r.clk.Now()
	r.currentElectionTimeout = r.randomizedElectionTimeout()
	r.knownLeaderID = args.LeaderID
	reply.Term = r.currentTerm
	return true, nil
}

// checkLogConsistency 检查 prevLogIndex/prevLogTerm 是否与本地日志
// 匹配，不匹配时填充冲突信息供 Leader 快速回退。
// 必须在持有锁的情况下被调用。
func (r *Raft) checkLogConsistency(args *param.AppendEntriesArgs, reply *param.AppendEntriesReply) (bool, error) {
	lastIndex, err := r.store.LastIndex()
	if err != nil {
		r.logger.Errorf("[Replication] Node %d failed to get last log index: %v", r.id, err)
		reply.Success = false
		return false, err
	}

	// 本地日志太短，prev 位置不存在。
	if args.PrevLogIndex > lastIndex {
		reply.Success = false
		reply.ConflictIndex = lastIndex + 1
		reply.ConflictTerm = 0
		return false, nil
	}

	localPrevTerm, err := r.getLogTerm(args.PrevLogIndex)
	if err != nil {
		// prev 落在已压缩的区间内。快照保证边界之前的内容已提交，
		// 让 Leader 从边界重试。
		firstIndex, ferr := r.store.FirstIndex()
		if ferr != nil {
			reply.Success = false
			return false, ferr
		}
		reply.Success = false
		reply.ConflictIndex = firstIndex
		reply.ConflictTerm = 0
		return false, nil
	}

	if localPrevTerm != args.PrevLogTerm {
		reply.Success = false
		reply.ConflictTerm = localPrevTerm
		reply.ConflictIndex = r.firstIndexOfTerm(args.PrevLogIndex, localPrevTerm)
		return false, nil
	}
	return true, nil
}

// firstIndexOfTerm 从 fromIndex 向前找指定任期的第一条条目。
// 必须在持有锁的情况下被调用。
func (r *Raft) firstIndexOfTerm(fromIndex, term uint64) uint64 {
	firstIndex, err := r.store.FirstIndex()
	if err != nil {
		return fromIndex
	}
	idx := fromIndex
	for idx > firstIndex {
		prevTerm, err := r.getLogTerm(idx - 1)
		if err != nil || prevTerm != term {
			break
		}
		idx--
	}
	return idx
}

// appendAndStoreEntries 把 Leader 发来的条目合并进本地日志。
// 逐条比对，只在第一个真正冲突（同索引不同任期）的位置截断。重复
// 或乱序送达的旧消息不会截掉已经确认过的后缀。
// 必须在持有锁的情况下被调用。
func (r *Raft) appendAndStoreEntries(entries []param.LogEntry) error {
	if len(entries) == 0 {
		return nil
	}

	lastIndex, err := r.store.LastIndex()
	if err != nil {
		return err
	}

	appendFrom := len(entries)
	for i, entry := range entries {
		if entry.Index > lastIndex {
			appendFrom = i
			break
		}
		localTerm, err := r.getLogTerm(entry.Index)
		if err != nil {
			// 已压缩区间内的条目必然匹配，跳过即可。
			continue
		}
		if localTerm != entry.Term {
			if err := r.store.TruncateFrom(entry.Index); err != nil {
				r.markFaultyLocked("truncate", err)
				return err
			}
			r.failWaitersFromLocked(entry.Index)
			appendFrom = i
			break
		}
	}

	if appendFrom >= len(entries) {
		return nil
	}

	toAppend := entries[appendFrom:]
	if err := r.store.AppendEntries(toAppend); err != nil {
		r.markFaultyLocked("append", err)
		return err
	}
	r.logger.Infof("[Replication] Node %d appended %d entries starting at index %d", r.id, len(toAppend), toAppend[0].Index)
	return nil
}

// failWaitersFromLocked 通知等待在被截断索引上的客户端请求失败。
// 必须在持有锁的情况下被调用。
func (r *Raft) failWaitersFromLocked(fromIndex uint64) {
	for index, ch := range r.notifyApply {
		if index >= fromIndex {
			delete(r.notifyApply, index)
			close(ch)
		}
	}
}

// updateFollowerCommitIndex 按 Leader 的 commitIndex 推进本地提交。
// 必须在持有锁的情况下被调用。
func (r *Raft) updateFollowerCommitIndex(leaderCommit uint64) {
	if leaderCommit <= r.commitIndex {
		return
	}

	lastIndex, err := r.store.LastIndex()
	if err != nil {
		r.logger.Errorf("[Replication] Node %d failed to get last log index: %v", r.id, err)
		return
	}
	newCommitIndex := leaderCommit
	if lastIndex < newCommitIndex {
		newCommitIndex = lastIndex
	}
	if newCommitIndex > r.commitIndex {
		r.commitIndex = newCommitIndex
		r.signalApply()
	}
}

// signalApply 唤醒 apply 循环。channel 带缓冲，信号可以合并。
func (r *Raft) signalApply() {
	select {
	case r.applySignal <- struct{}{}:
	default:
	}
}

// runApplier 是唯一向状态机应用日志的 goroutine。所有已提交条目
// 严格按索引序、恰好一次地经过这里。
func (r *Raft) runApplier() {
	for {
		select {
		case <-r.quit:
			return
		case <-r.applySignal:
		}
		r.applyCommitted()
	}
}

// applyCommitted 把 (lastApplied, commitIndex] 区间内的条目依次
// 应用到状态机，并在应用后检查是否需要触发快照。
func (r *Raft) applyCommitted() {
	for {
		r.mu.Lock()
		if r.state == param.Dead || r.lastApplied >= r.commitIndex {
			r.mu.Unlock()
			return
		}
		nextApply := r.lastApplied + 1
		entry, err := r.store.GetEntry(nextApply)
		if err != nil {
			r.logger.Errorf("[Replication] Node %d failed to read committed entry %d: %v", r.id, nextApply, err)
			r.mu.Unlock()
			return
		}
		r.mu.Unlock()

		r.dispatchEntry(entry)
		r.maybeTakeSnapshot()
	}
}

// dispatchEntry 应用单条已提交条目：解开信封、做会话去重、调用
// 状态机，再把结果通知等待者和 commitChan。
func (r *Raft) dispatchEntry(entry *param.LogEntry) {
	envelope, err := param.DecodeCommand(entry.Command)
	if err != nil {
		// 解不开的条目绝不能原样喂给状态机。记录并跳过，保持应用
		// 进度前进，等待者按失败释放，坏数据不会卡死应用循环。
		r.logger.Errorf("[Replication] Node %d skipping undecodable command at index %d: %v", r.id, entry.Index, err)
		r.mu.Lock()
		r.lastApplied = entry.Index
		if notifyChan, hasWaiter := r.notifyApply[entry.Index]; hasWaiter {
			delete(r.notifyApply, entry.Index)
			close(notifyChan)
		}
		r.mu.Unlock()
		return
	}

	r.mu.Lock()
	duplicate := false
	if envelope.ClientID != "" {
		if lastSeq, ok := r.clientSessions[envelope.ClientID]; ok && envelope.SequenceNum <= lastSeq {
			duplicate = true
		}
	}
	r.mu.Unlock()

	var result []byte
	if !duplicate {
		// Apply 在锁外执行，状态机内部自行保证确定性。
		// 单一 apply goroutine 保证了调用的串行和有序。
		result = r.stateMachine.Apply(envelope.Data)
	}

	r.mu.Lock()
	if !duplicate && envelope.ClientID != "" {
		r.clientSessions[envelope.ClientID] = envelope.SequenceNum
	}
	r.lastApplied = entry.Index
	notifyChan, hasWaiter := r.notifyApply[entry.Index]
	if hasWaiter {
		delete(r.notifyApply, entry.Index)
	}
	r.mu.Unlock()

	if hasWaiter {
		notifyChan <- result
	}
	// 重复的命令不会再次进入应用流。
	if r.commitChan != nil && !duplicate {
		r.commitChan <- param.CommitEntry{
			Index:       entry.Index,
			Term:        entry.Term,
			ClientID:    envelope.ClientID,
			SequenceNum: envelope.SequenceNum,
			Command:     envelope.Data,
			Result:      result,
		}
	}
}
