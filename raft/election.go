package raft

import (
	"time"

	"github.com/xmh1011/raftcore/param"
)

// runElectionTimer 周期性地检查选举计时器是否超时。只要在超时窗口
// 内收到过合法 Leader 的消息或投出过票，计时器就会被重置。
func (r *Raft) runElectionTimer() {
	ticker := r.clk.Ticker(r.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.quit:
			return
		case <-ticker.C:
		}

		r.mu.Lock()
		if r.state == param.Dead {
			r.mu.Unlock()
			return
		}
		if r.state == param.Leader || r.faulty {
			r.mu.Unlock()
			continue
		}
		if r.clk.Since(r.electionResetEvent) >= r.currentElectionTimeout {
			r.mu.Unlock()
			r.startElection()
			continue
		}
		r.mu.Unlock()
	}
}

// randomizedElectionTimeout 在 [min, max) 区间内取一个随机超时。
// 随机源在构造时注入，因此故障注入测试可以完全复现选举时序。
// 必须在持有锁的情况下被调用。
func (r *Raft) randomizedElectionTimeout() time.Duration {
	spread := int64(r.electionTimeoutMax - r.electionTimeoutMin)
	return r.electionTimeoutMin + time.Duration(r.rng.Int63n(spread))
}

// startElection 发起一轮选举：自增任期、投票给自己、持久化，
// 然后并行地向所有对等节点请求投票。
func (r *Raft) startElection() {
	r.mu.Lock()

	if err := r.initializeCandidateState(); err != nil {
		r.mu.Unlock()
		return
	}

	lastLogIndex, lastLogTerm, err := r.lastLogInfo()
	if err != nil {
		r.mu.Unlock()
		return
	}

	savedCurrentTerm := r.currentTerm
	r.mu.Unlock()

	voteChan := r.broadcastVoteRequests(savedCurrentTerm, lastLogIndex, lastLogTerm)
	go r.handleElectionResult(voteChan, savedCurrentTerm)
}

// initializeCandidateState 将节点转换为 Candidate 并持久化新任期。
// 必须在发出任何投票请求之前落盘，否则崩溃重启后可能在同一任期
// 内第二次投票。必须在持有锁的情况下被调用。
func (r *Raft) initializeCandidateState() error {
	r.state = param.Candidate
	r.currentTerm++
	r.votedFor = r.id
	r.knownLeaderID = param.NoLeader
	r.electionResetEvent = r.clk.Now()
	r.currentElectionTimeout = r.randomizedElectionTimeout()

	if err := r.persistHardState(); err != nil {
		return err
	}
	r.logger.Infof("[Election] Node %d starts election for term %d", r.id, r.currentTerm)
	return nil
}

// lastLogInfo 返回本地日志最后一条条目的索引和任期。
// 必须在持有锁的情况下被调用。
func (r *Raft) lastLogInfo() (lastLogIndex, lastLogTerm uint64, err error) {
	lastLogIndex, err = r.store.LastIndex()
	if err != nil {
		r.logger.Errorf("[Election] Node %d failed to get last log index: %v", r.id, err)
		return 0, 0, err
	}
	lastLogTerm, err = r.getLogTerm(lastLogIndex)
	if err != nil {
		r.logger.Errorf("[Election] Node %d failed to get last log term: %v", r.id, err)
		return 0, 0, err
	}
	return lastLogIndex, lastLogTerm, nil
}

// broadcastVoteRequests 并行地向所有对等节点发送投票请求，
// 返回用于接收投票结果的 channel。
func (r *Raft) broadcastVoteRequests(term, lastLogIndex, lastLogTerm uint64) <-chan *param.VoteResult {
	voteChan := make(chan *param.VoteResult, len(r.peerIDs))
	for _, peerID := range r.peerIDs {
		if peerID == r.id {
			continue
		}
		go r.sendVoteRequest(peerID, term, lastLogIndex, lastLogTerm, voteChan)
	}
	return voteChan
}

// sendVoteRequest 向单个对等节点发送投票请求并处理响应。
// RPC 失败按未得票处理，由上层的重试（下一轮选举）兜底。
func (r *Raft) sendVoteRequest(peerID int, term, lastLogIndex, lastLogTerm uint64, voteChan chan<- *param.VoteResult) {
	args := param.NewRequestVoteArgs(term, r.id, lastLogIndex, lastLogTerm)
	reply := param.NewRequestVoteReply()

	if err := r.trans.SendRequestVote(peerID, args, reply); err != nil {
		r.logger.Debugf("[Election] Node %d failed to request vote from %d: %v", r.id, peerID, err)
		voteChan <- &param.VoteResult{VoterID: peerID, VoteGranted: false}
		return
	}

	r.mu.Lock()
	if reply.Term > r.currentTerm {
		r.logger.Infof("[Election] Node %d found higher term %d from peer %d, becomes follower", r.id, reply.Term, peerID)
		if err := r.becomeFollower(reply.Term); err != nil {
			r.logger.Errorf("[Election] Node %d failed to persist state after finding higher term: %v", r.id, err)
		}
	}
	r.mu.Unlock()

	voteChan <- &param.VoteResult{VoterID: peerID, VoteGranted: reply.VoteGranted}
}

// handleElectionResult 收集选票直到赢得多数、收齐所有回复或超时。
func (r *Raft) handleElectionResult(voteChan <-chan *param.VoteResult, electionTerm uint64) {
	votes := 1 // 自己的一票
	majority := len(r.peerIDs)/2 + 1
	replies := 0

	timer := r.clk.Timer(r.electionTimeoutMax)
	defer timer.Stop()

	for {
		select {
		case result := <-voteChan:
			replies++
			if result.VoteGranted {
				r.logger.Infof("[Election] Node %d received a vote from node %d for term %d", r.id, result.VoterID, electionTerm)
				votes++
				if votes >= majority {
					r.transitionToLeader(electionTerm)
					return
				}
			}
			if replies == len(r.peerIDs)-1 {
				// 所有回复都到了但票数不够，等下一轮超时重选。
				return
			}
		case <-timer.C:
			r.handleElectionTimeout(electionTerm)
			return
		case <-r.quit:
			return
		}
	}
}

// transitionToLeader 封装了当选为 Leader 后的状态转换逻辑。
func (r *Raft) transitionToLeader(electionTerm uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	// 确认自己仍然是本轮选举的候选人：选举期间可能已经有
	// 更高任期的 Leader 出现。
	if r.state != param.Candidate || r.currentTerm != electionTerm {
		return
	}

	r.logger.Infof("[Election] Node %d elected as leader for term %d", r.id, r.currentTerm)
	r.state = param.Leader
	r.knownLeaderID = r.id
	r.initLeaderState()
	r.startHeartbeat()
}

// handleElectionTimeout 在选举超时后把候选人退回 Follower，
// 等待下一轮随机超时触发重选。
func (r *Raft) handleElectionTimeout(electionTerm uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state == param.Candidate && r.currentTerm == electionTerm {
		r.logger.Infof("[Election] Node %d election timed out for term %d, reverting to follower", r.id, electionTerm)
		r.state = param.Follower
		r.currentElectionTimeout = r.randomizedElectionTimeout()
	}
}

// initLeaderState 初始化 Leader 的易失性复制状态。
// 必须在持有锁的情况下被调用。
func (r *Raft) initLeaderState() {
	lastLogIndex, err := r.store.LastIndex()
	if err != nil {
		r.logger.Errorf("[Election] Node %d (new leader) failed to get last log index: %v", r.id, err)
		r.state = param.Follower
		return
	}

	r.nextIndex = make(map[int]uint64)
	r.matchIndex = make(map[int]uint64)
	for _, peerID := range r.peerIDs {
		if peerID == r.id {
			continue
		}
		r.nextIndex[peerID] = lastLogIndex + 1
		r.matchIndex[peerID] = 0
	}
}

// startHeartbeat 启动 Leader 的周期心跳循环。
// 必须在持有锁的情况下被调用。
func (r *Raft) startHeartbeat() {
	go func() {
		ticker := r.clk.Ticker(r.heartbeatInterval)
		defer ticker.Stop()

		// 立即发送一轮心跳宣告领导权，不等第一个 tick。
		r.broadcastAppendEntries()

		for {
			select {
			case <-r.quit:
				return
			case <-ticker.C:
			}

			r.mu.Lock()
			if r.state != param.Leader {
				r.mu.Unlock()
				return
			}
			r.mu.Unlock()
			r.broadcastAppendEntries()
		}
	}()
}

// broadcastAppendEntries 向所有对等节点各自发起一轮复制。
func (r *Raft) broadcastAppendEntries() {
	for _, peerID := range r.peerIDs {
		if peerID == r.id {
			continue
		}
		go r.sendAppendEntries(peerID)
	}
}

// RequestVote 是处理投票请求的 RPC 入口。
func (r *Raft) RequestVote(args *param.RequestVoteArgs, reply *param.RequestVoteReply) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state == param.Dead {
		return nil
	}
	// 被隔离的节点的投票记录可能没有落盘，不能再投票。
	if r.faulty {
		reply.Term = r.currentTerm
		reply.VoteGranted = false
		return nil
	}

	if proceed, err := r.handleVoteTermLogic(args, reply); !proceed {
		return err
	}
	return r.decideVote(args, reply)
}

// handleVoteTermLogic 封装了投票请求中所有与任期相关的逻辑。
// 返回值表示是否应继续后续的投票判断。
// 必须在持有锁的情况下被调用。
func (r *Raft) handleVoteTermLogic(args *param.RequestVoteArgs, reply *param.RequestVoteReply) (bool, error) {
	// 过时任期的请求直接拒绝。
	if args.Term < r.currentTerm {
		reply.Term = r.currentTerm
		reply.VoteGranted = false
		return false, nil
	}

	if args.Term > r.currentTerm {
		if err := r.becomeFollower(args.Term); err != nil {
			reply.VoteGranted = false
			return false, err
		}
	}
	reply.Term = r.currentTerm
	return true, nil
}

// decideVote 执行最终的投票决策：本任期未投过票（或已投给同一候选
// 人），且候选人日志至少和自己一样新。必须在持有锁的情况下被调用。
func (r *Raft) decideVote(args *param.RequestVoteArgs, reply *param.RequestVoteReply) error {
	canVote := r.votedFor == param.NoVote || r.votedFor == args.CandidateID

	logIsUpToDate, err := r.isLogUpToDate(args.LastLogIndex, args.LastLogTerm)
	if err != nil {
		reply.VoteGranted = false
		return err
	}

	if canVote && logIsUpToDate {
		if err := r.grantVote(args.CandidateID); err != nil {
			reply.VoteGranted = false
			return err
		}
		reply.VoteGranted = true
		return nil
	}

	r.logger.Infof("[Election] Node %d denying vote for term %d to candidate %d (canVote=%t, logUpToDate=%t)",
		r.id, r.currentTerm, args.CandidateID, canVote, logIsUpToDate)
	reply.VoteGranted = false
	return nil
}

// isLogUpToDate 检查候选人的日志是否至少和本节点一样新：
// 先比最后任期，任期相同再比长度。必须在持有锁的情况下被调用。
func (r *Raft) isLogUpToDate(candidateLastLogIndex, candidateLastLogTerm uint64) (bool, error) {
	localLastLogIndex, localLastLogTerm, err := r.lastLogInfo()
	if err != nil {
		return false, err
	}

	if candidateLastLogTerm != localLastLogTerm {
		return candidateLastLogTerm > localLastLogTerm, nil
	}
	return candidateLastLogIndex >= localLastLogIndex, nil
}

// grantVote 记录为指定候选人投票的动作并将其持久化。
// 投票必须先落盘，RPC 响应才能发出。必须在持有锁的情况下被调用。
func (r *Raft) grantVote(candidateID int) error {
	r.logger.Infof("[Election] Node %d granting vote for term %d to candidate %d", r.id, r.currentTerm, candidateID)
	r.votedFor = candidateID
	r.electionResetEvent = r.clk.Now()
	r.currentElectionTimeout = r.randomizedElectionTimeout()

	return r.persistHardState()
}
