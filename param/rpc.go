package param

// RequestVoteArgs See figure 2 in the paper.
type RequestVoteArgs struct {
	Term         uint64 // 候选人的任期号
	CandidateID  int    // 候选人的ID
	LastLogIndex uint64 // 候选人最后一条日志的索引
	LastLogTerm  uint64 // 候选人最后一条日志的任期号
}

func NewRequestVoteArgs(term uint64, candidateID int, lastLogIndex, lastLogTerm uint64) *RequestVoteArgs {
	return &RequestVoteArgs{
		Term:         term,
		CandidateID:  candidateID,
		LastLogIndex: lastLogIndex,
		LastLogTerm:  lastLogTerm,
	}
}

// RequestVoteReply 定义 RequestVote RPC 响应 See figure 2 in the paper.
type RequestVoteReply struct {
	Term        uint64 // 当前节点的任期号（用于候选者更新自身）
	VoteGranted bool   // 是否投票给候选者
}

func NewRequestVoteReply() *RequestVoteReply {
	return &RequestVoteReply{}
}

// VoteResult carries the outcome of a single RequestVote RPC back to the
// election loop, tagged with the voter's ID.
type VoteResult struct {
	VoterID     int
	VoteGranted bool
}

// AppendEntriesArgs is the RPC argument for appendEntries requests (log replication + heartbeats).
type AppendEntriesArgs struct {
	Term         uint64     // Leader's current term
	LeaderID     int        // Leader's ID (for follower redirection)
	PrevLogIndex uint64     // Index of log entry immediately preceding new ones
	PrevLogTerm  uint64     // Term of PrevLogIndex entry
	Entries      []LogEntry // Log entries to store (empty for heartbeat)
	LeaderCommit uint64     // Leader's commitIndex
}

// NewAppendEntriesArgs creates a new AppendEntriesArgs struct.
func NewAppendEntriesArgs(term uint64, leaderID int, prevLogIndex, prevLogTerm, leaderCommit uint64, entries []LogEntry) *AppendEntriesArgs {
	return &AppendEntriesArgs{
		Term:         term,
		LeaderID:     leaderID,
		PrevLogIndex: prevLogIndex,
		PrevLogTerm:  prevLogTerm,
		Entries:      entries,
		LeaderCommit: leaderCommit,
	}
}

// AppendEntriesReply is the RPC response for appendEntries requests.
type AppendEntriesReply struct {
	Term          uint64 // Current term (for leader to update itself)
	Success       bool   // True if follower contained entry matching PrevLogIndex/Term
	ConflictIndex uint64 // If conflict, the first index where they differ
	ConflictTerm  uint64 // If conflict, the term of the conflicting entry (0 if the log was too short)
}

// NewAppendEntriesReply creates a new AppendEntriesReply struct.
func NewAppendEntriesReply() *AppendEntriesReply {
	return &AppendEntriesReply{}
}

// InstallSnapshotArgs 定义 InstallSnapshot RPC 请求。
type InstallSnapshotArgs struct {
	Term              uint64 // 领导者的任期号
	LeaderID          int    // 领导者ID
	LastIncludedIndex uint64 // 快照中包含的最后一条日志的索引
	LastIncludedTerm  uint64 // 快照中包含的最后一条日志的任期号
	Data              []byte // 原始快照数据
}

// NewInstallSnapshotArgs 创建一个新的 InstallSnapshotArgs 实例。
func NewInstallSnapshotArgs(term uint64, leaderID int, lastIncludedIndex, lastIncludedTerm uint64, data []byte) *InstallSnapshotArgs {
	return &InstallSnapshotArgs{
		Term:              term,
		LeaderID:          leaderID,
		LastIncludedIndex: lastIncludedIndex,
		LastIncludedTerm:  lastIncludedTerm,
		Data:              data,
	}
}

// InstallSnapshotReply 定义 InstallSnapshot RPC 响应。
type InstallSnapshotReply struct {
	Term uint64 // 当前节点的任期号
}

// RPCServer 定义了 Raft 节点暴露给传输层的 RPC 处理方法。
// 放在 param 包中是因为所有传输实现都要引用它，而它只依赖这里的类型。
type RPCServer interface {
	RequestVote(args *RequestVoteArgs, reply *RequestVoteReply) error
	AppendEntries(args *AppendEntriesArgs, reply *AppendEntriesReply) error
	InstallSnapshot(args *InstallSnapshotArgs, reply *InstallSnapshotReply) error
	ClientRequest(args *ClientArgs, reply *ClientReply) error
}
