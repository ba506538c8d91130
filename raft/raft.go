package raft

import (
	"math/rand"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/xmh1011/raftcore/param"
	"github.com/xmh1011/raftcore/storage"
	"github.com/xmh1011/raftcore/transport"
)

const (
	// DefaultHeartbeatInterval 是 Leader 发送心跳的间隔，也是选举
	// 计时器的检查粒度。
	DefaultHeartbeatInterval = 10 * time.Millisecond
	// DefaultElectionTimeoutMin / Max 界定随机选举超时的取值区间。
	// 区间必须远大于心跳间隔，否则网络稍有抖动就会触发选举。
	DefaultElectionTimeoutMin = 150 * time.Millisecond
	DefaultElectionTimeoutMax = 300 * time.Millisecond
	// DefaultSnapshotThreshold 是触发快照的日志条目数阈值。
	DefaultSnapshotThreshold = 1000

	applyWaitTimeout = 2 * time.Second
)

// Options 是 NewRaft 的可选配置。零值字段取默认值。
// Clock 与 RandSeed 允许测试注入虚拟时钟和确定性的随机源。
type Options struct {
	Logger             *zap.SugaredLogger
	Clock              clock.Clock
	HeartbeatInterval  time.Duration
	ElectionTimeoutMin time.Duration
	ElectionTimeoutMax time.Duration
	SnapshotThreshold  int
	RandSeed           int64
}

func (o *Options) withDefaults() Options {
	opts := Options{}
	if o != nil {
		opts = *o
	}
	if opts.Logger == nil {
		logger, _ := zap.NewProduction()
		opts.Logger = logger.Sugar()
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.HeartbeatInterval == 0 {
		opts.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if opts.ElectionTimeoutMin == 0 {
		opts.ElectionTimeoutMin = DefaultElectionTimeoutMin
	}
	if opts.ElectionTimeoutMax == 0 {
		opts.ElectionTimeoutMax = DefaultElectionTimeoutMax
	}
	if opts.SnapshotThreshold == 0 {
		opts.SnapshotThreshold = DefaultSnapshotThreshold
	}
	if opts.RandSeed == 0 {
		opts.RandSeed = time.Now().UnixNano()
	}
	return opts
}

type Raft struct {
	// mu 保护对 Raft 状态的并发访问。
	mu sync.Mutex

	// id 是当前节点的服务器 ID。
	id int

	// peerIDs 是集群中所有其他节点的 ID。
	peerIDs []int
	// knownLeaderID 是当前节点已知的 Leader ID，用于客户端重定向。
	knownLeaderID int

	// store 负责持久化 Raft 状态和日志信息。
	store storage.Storage
	// trans 负责网络通信。
	trans transport.Transport
	// stateMachine 应用层的状态机接口。
	stateMachine storage.StateMachine

	logger *zap.SugaredLogger
	clk    clock.Clock
	rng    *rand.Rand

	heartbeatInterval  time.Duration
	electionTimeoutMin time.Duration
	electionTimeoutMax time.Duration
	snapshotThreshold  int

	// --- Raft 核心状态 ---
	currentTerm uint64
	votedFor    int
	state       param.State

	// faulty 在关键持久化失败后置位。被隔离的节点拒绝投票、
	// 拒绝日志、不发起选举，只能通过重启走恢复路径回来。
	faulty bool

	// --- 日志与状态机相关 ---
	commitIndex uint64
	lastApplied uint64
	commitChan  chan<- param.CommitEntry

	// --- 快照相关 ---
	snapshot       *param.Snapshot
	isSnapshotting bool

	// --- 选举相关 ---
	electionResetEvent     time.Time
	currentElectionTimeout time.Duration

	// --- Leader 的易失性状态 ---
	nextIndex  map[int]uint64
	matchIndex map[int]uint64

	// --- 客户端交互状态 ---
	// clientSessions 记录每个客户端已应用的最大序列号。它由 apply
	// 循环按日志序维护，因此所有节点的会话表是一致的，快照中也会
	// 携带它。
	clientSessions map[string]int64
	notifyApply    map[uint64]chan []byte

	// applySignal 唤醒 apply 循环；quit 终止所有后台 goroutine。
	applySignal chan struct{}
	quit        chan struct{}
}

// NewRaft 创建一个新的 Raft 节点并从稳定存储中恢复状态。
// 恢复顺序：先装载快照（状态机 + 会话表），再读 HardState。
// 日志中快照之后的部分会在 commitIndex 推进时被重新应用。
func NewRaft(id int, peerIDs []int, store storage.Storage, stateMachine storage.StateMachine, trans transport.Transport, commitChan chan<- param.CommitEntry, opts *Options) (*Raft, error) {
	o := opts.withDefaults()

	r := &Raft{
		id:                 id,
		peerIDs:            peerIDs,
		knownLeaderID:      param.NoLeader,
		store:              store,
		stateMachine:       stateMachine,
		trans:              trans,
		logger:             o.Logger,
		clk:                o.Clock,
		rng:                rand.New(rand.NewSource(o.RandSeed)),
		heartbeatInterval:  o.HeartbeatInterval,
		electionTimeoutMin: o.ElectionTimeoutMin,
		electionTimeoutMax: o.ElectionTimeoutMax,
		snapshotThreshold:  o.SnapshotThreshold,
		state:              param.Follower,
		votedFor:           param.NoVote,
		commitChan:         commitChan,
		nextIndex:          make(map[int]uint64),
		matchIndex:         make(map[int]uint64),
		clientSessions:     make(map[string]int64),
		notifyApply:        make(map[uint64]chan []byte),
		applySignal:        make(chan struct{}, 1),
		quit:               make(chan struct{}),
	}

	if err := r.restoreFromSnapshot(); err != nil {
		return nil, err
	}

	hardState, err := store.GetState()
	if err != nil {
		return nil, err
	}
	r.currentTerm = hardState.CurrentTerm
	r.votedFor = int(hardState.VotedFor)

	r.electionResetEvent = r.clk.Now()
	r.currentElectionTimeout = r.randomizedElectionTimeout()

	return r, nil
}

// restoreFromSnapshot 在启动时用已保存的快照恢复状态机和会话表。
func (r *Raft) restoreFromSnapshot() error {
	snapshot, err := r.store.ReadSnapshot()
	if err != nil {
		return err
	}
	if snapshot == nil {
		return nil
	}

	payload, err := param.DecodeSnapshotPayload(snapshot.Data)
	if err != nil {
		return err
	}
	if err := r.stateMachine.Restore(payload.State); err != nil {
		return err
	}
	r.snapshot = snapshot
	r.commitIndex = snapshot.LastIncludedIndex
	r.lastApplied = snapshot.LastIncludedIndex
	r.clientSessions = make(map[string]int64, len(payload.Sessions))
	for clientID, seq := range payload.Sessions {
		r.clientSessions[clientID] = seq
	}
	r.logger.Infof("[Snapshot] Node %d restored snapshot up to index %d", r.id, snapshot.LastIncludedIndex)
	return nil
}

// Run 启动节点的后台循环：apply 循环和选举计时器。
// 它会阻塞直到 Stop 被调用，通常在单独的 goroutine 中运行。
func (r *Raft) Run() {
	go r.runApplier()
	r.runElectionTimer()
}

// Stop 终止节点。已注册的等待者会收到失败通知。
func (r *Raft) Stop() {
	r.mu.Lock()
	if r.state == param.Dead {
		r.mu.Unlock()
		return
	}
	r.state = param.Dead
	for index, ch := range r.notifyApply {
		delete(r.notifyApply, index)
		close(ch)
	}
	r.mu.Unlock()
	close(r.quit)
	r.logger.Infof("[State Change] Node %d stopped", r.id)
}

// IsStopped 报告节点是否已终止。
func (r *Raft) IsStopped() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state == param.Dead
}

// ID 返回节点 ID。
func (r *Raft) ID() int {
	return r.id
}

// Status 返回节点当前的任期和是否为 Leader，供上层观测。
func (r *Raft) Status() (term uint64, isLeader bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.currentTerm, r.state == param.Leader
}

// CommitIndex 返回当前的提交索引，供测试观测。
func (r *Raft) CommitIndex() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.commitIndex
}

// ClientRequest 是处理来自客户端请求的 RPC 函数。
// 它负责协调三个主要阶段：前置检查、提交并等待、处理最终结果。
func (r *Raft) ClientRequest(args *param.ClientArgs, reply *param.ClientReply) error {
	// 1. 执行前置检查。如果不是 Leader 或请求重复，则提前返回。
	if proceed := r.preHandleClientRequest(args, reply); !proceed {
		return nil
	}

	// 2. 把命令连同客户端身份封入信封，提交到 Raft 日志并同步等待应用。
	envelope := param.Command{ClientID: args.ClientID, SequenceNum: args.SequenceNum, Data: args.Command}
	data, err := envelope.Encode()
	if err != nil {
		reply.Success = false
		return err
	}
	result, ok, leaderID := r.commitAndWait(data)

	// 3. 根据提交和等待的结果，最终填充客户端的响应。
	r.finalizeClientReply(reply, result, ok, leaderID)
	return nil
}

// preHandleClientRequest 封装了所有在提交日志前需要进行的前置检查。
// 返回值表示是否应继续处理该请求。
func (r *Raft) preHandleClientRequest(args *param.ClientArgs, reply *param.ClientReply) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	// 非 Leader 必须立即拒绝并附上已知的 Leader 提示，而不是静默排队。
	if r.state != param.Leader || r.faulty {
		reply.NotLeader = true
		reply.LeaderHint = r.knownLeaderID
		return false
	}
	if lastSeq, ok := r.clientSessions[args.ClientID]; ok && args.SequenceNum <= lastSeq {
		r.logger.Infof("[Client] Node %d ignoring duplicate request from client %s (seq=%d)", r.id, args.ClientID, args.SequenceNum)
		reply.Success = true
		return false
	}
	return true
}

// commitAndWait 将信封命令提交到 Raft 日志并等待其被状态机应用。
// 返回状态机结果、是否成功，以及供重定向使用的 Leader ID。
// 等待通道必须和日志追加在同一临界区内注册：应用循环只有在拿到锁
// 之后才能看到新的 commitIndex，因此不可能抢在注册之前消费掉通知。
func (r *Raft) commitAndWait(data []byte) ([]byte, bool, int) {
	r.mu.Lock()
	if r.state != param.Leader || r.faulty {
		hint := r.knownLeaderID
		r.mu.Unlock()
		return nil, false, hint
	}
	newEntry, err := r.proposeToLog(data)
	if err != nil {
		hint := r.knownLeaderID
		r.mu.Unlock()
		return nil, false, hint
	}
	notifyChan := r.registerApplyWaiterLocked(newEntry.Index)
	// 单节点集群里 Leader 自身就是多数派，本地落盘即可提交。
	r.updateCommitIndex()
	peers := append([]int(nil), r.peerIDs...)
	r.mu.Unlock()

	for _, peerID := range peers {
		if peerID == r.id {
			continue
		}
		go r.sendAppendEntries(peerID)
	}

	result, ok := r.awaitApplyNotify(newEntry.Index, notifyChan, applyWaitTimeout)
	return result, ok, r.id
}

// finalizeClientReply 负责根据执行结果构建给客户端的响应。
func (r *Raft) finalizeClientReply(reply *param.ClientReply, result []byte, ok bool, leaderID int) {
	if ok {
		reply.Success = true
		reply.Result = result
		return
	}
	reply.Success = false
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != param.Leader {
		reply.NotLeader = true
		reply.LeaderHint = leaderID
	}
}

// Submit 将一条已编码的信封命令追加到 Raft 日志中。
// 返回新条目的索引、任期，以及当前节点是否为 Leader。
func (r *Raft) Submit(command []byte) (uint64, uint64, bool) {
	r.mu.Lock()

	if r.state != param.Leader || r.faulty {
		r.mu.Unlock()
		return 0, 0, false
	}

	newEntry, err := r.proposeToLog(command)
	if err != nil {
		r.mu.Unlock()
		return 0, 0, false
	}
	// 单节点集群里 Leader 自身就是多数派，本地落盘即可提交。
	r.updateCommitIndex()

	peers := append([]int(nil), r.peerIDs...)
	r.mu.Unlock()

	// 在没有持有锁的情况下广播，避免网络延迟阻塞状态机。
	for _, peerID := range peers {
		if peerID == r.id {
			continue
		}
		go r.sendAppendEntries(peerID)
	}

	return newEntry.Index, newEntry.Term, true
}

// proposeToLog 在持有锁的情况下把命令写入本地日志。
// 追加必须在任何 AppendEntries 广播之前落盘。
func (r *Raft) proposeToLog(command []byte) (param.LogEntry, error) {
	lastIndex, err := r.store.LastIndex()
	if err != nil {
		r.logger.Errorf("[Client] Leader %d failed to get last log index: %v", r.id, err)
		return param.LogEntry{}, err
	}

	newEntry := param.NewLogEntry(command, r.currentTerm, lastIndex+1)
	if err := r.store.AppendEntries([]param.LogEntry{newEntry}); err != nil {
		r.markFaultyLocked("append", err)
		return param.LogEntry{}, err
	}
	r.logger.Infof("[Client] Leader %d proposed new log entry at index %d", r.id, newEntry.Index)
	return newEntry, nil
}

// registerApplyWaiterLocked 为指定索引注册一个应用通知通道。
// 必须在持有锁的情况下被调用。
func (r *Raft) registerApplyWaiterLocked(index uint64) chan []byte {
	notifyChan := make(chan []byte, 1)
	r.notifyApply[index] = notifyChan
	return notifyChan
}

// waitForAppliedLog 等待指定索引的日志被状态机应用，或超时。
func (r *Raft) waitForAppliedLog(index uint64, timeout time.Duration) ([]byte, bool) {
	r.mu.Lock()
	notifyChan := r.registerApplyWaiterLocked(index)
	r.mu.Unlock()
	return r.awaitApplyNotify(index, notifyChan, timeout)
}

// awaitApplyNotify 在已注册的通知通道上等待应用结果，或超时。
func (r *Raft) awaitApplyNotify(index uint64, notifyChan chan []byte, timeout time.Duration) ([]byte, bool) {
	timer := r.clk.Timer(timeout)
	defer timer.Stop()

	select {
	case result, ok := <-notifyChan:
		if !ok {
			// 节点停止或该索引处被覆盖为其他任期的条目。
			return nil, false
		}
		return result, true
	case <-timer.C:
		r.mu.Lock()
		delete(r.notifyApply, index)
		r.mu.Unlock()
		r.logger.Warnf("[Client] Node %d timed out waiting for log index %d to be applied", r.id, index)
		return nil, false
	}
}

// getLogTerm 返回指定索引的日志条目的任期。索引 0 和压缩边界由
// 存储层直接回答，因此在快照之后仍然可以做日志匹配检查。
func (r *Raft) getLogTerm(index uint64) (uint64, error) {
	return r.store.TermAt(index)
}

// becomeFollower 将节点的状态更新为指定新任期的 Follower。
// 它会持久化新状态，必须在持有锁的情况下被调用。
func (r *Raft) becomeFollower(newTerm uint64) error {
	r.logger.Infof("[State Change] Node %d becomes follower at term %d", r.id, newTerm)
	r.currentTerm = newTerm
	r.state = param.Follower
	r.votedFor = param.NoVote
	r.knownLeaderID = param.NoLeader
	r.electionResetEvent = r.clk.Now()
	r.currentElectionTimeout = r.randomizedElectionTimeout()

	if err := r.persistHardState(); err != nil {
		return err
	}
	return nil
}

// persistHardState 将 currentTerm 和 votedFor 写入稳定存储。
// 失败会触发隔离。必须在持有锁的情况下被调用。
func (r *Raft) persistHardState() error {
	err := r.store.SetState(param.HardState{CurrentTerm: r.currentTerm, VotedFor: int64(r.votedFor)})
	if err != nil {
		r.markFaultyLocked("hardstate", err)
	}
	return err
}

// markFaultyLocked 在持久化失败后隔离节点：不再投票、不再接受日志、
// 不再发起选举。带着可能丢失的状态继续参与会破坏已承诺的投票和
// 日志匹配假设，所以宁可停摆。必须在持有锁的情况下被调用。
func (r *Raft) markFaultyLocked(op string, err error) {
	if r.faulty {
		return
	}
	r.faulty = true
	r.state = param.Follower
	r.logger.Errorf("[Storage] Node %d quarantined after durability failure (%s): %v", r.id, op, err)
}
