package param

import (
	"bytes"
	"encoding/gob"
)

// LogEntry 是 Raft 日志中的一个条目。索引从 1 开始且连续无空洞；
// Command 对 Raft 来说是不透明的字节串，由应用层负责解释。
type LogEntry struct {
	Index   uint64
	Term    uint64
	Command []byte
}

// NewLogEntry creates a new LogEntry.
func NewLogEntry(command []byte, term, index uint64) LogEntry {
	return LogEntry{
		Index:   index,
		Term:    term,
		Command: command,
	}
}

// Command 是写入日志条目的命令信封。Raft 在提交客户端命令时，
// 会把客户端身份一并写入日志，这样所有节点都能在 apply 阶段做
// 重复请求去重，而不只是提交时的那个 Leader。
type Command struct {
	ClientID    string // 客户端唯一 ID，空串表示匿名提交（不去重）
	SequenceNum int64  // 客户端单调递增的请求序列号
	Data        []byte // 应用层命令（例如 JSON 序列化的 KVCommand）
}

// Encode 将命令信封序列化为日志条目的 Command 字节。
func (c Command) Encode() ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(c); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeCommand 从日志条目的 Command 字节中还原命令信封。
func DecodeCommand(data []byte) (Command, error) {
	var c Command
	err := gob.NewDecoder(bytes.NewReader(data)).Decode(&c)
	return c, err
}

// CommitEntry 是 Raft 通过 commit channel 上报给应用层的已提交条目。
type CommitEntry struct {
	Index       uint64
	Term        uint64
	ClientID    string
	SequenceNum int64
	Command     []byte // 信封内的应用层命令
	Result      []byte // 状态机执行结果（重复请求时为 nil）
}

// HardState 定义必须写入稳定存储的状态。任何引用到这些值的 RPC
// 响应发出之前，它们都必须已经落盘。
type HardState struct {
	CurrentTerm uint64
	VotedFor    int64 // NoVote(-1) 表示未投票
}

// Snapshot 表示一次日志压缩的结果：状态机状态加上它所替代的日志前缀。
// 不变式：LastIncludedIndex 永远不超过生成快照时的 commitIndex。
type Snapshot struct {
	LastIncludedIndex uint64
	LastIncludedTerm  uint64
	Data              []byte
}

// NewSnapshot 创建一个新的 Snapshot 实例。
func NewSnapshot(lastIncludedIndex, lastIncludedTerm uint64, data []byte) *Snapshot {
	return &Snapshot{
		LastIncludedIndex: lastIncludedIndex,
		LastIncludedTerm:  lastIncludedTerm,
		Data:              data,
	}
}

// SnapshotPayload 是快照 Data 字段的内容：除了状态机的序列化状态，
// 还带上客户端会话表，否则快照安装之后去重信息会丢失。
type SnapshotPayload struct {
	State    []byte
	Sessions map[string]int64
}

// Encode 序列化快照载荷。
func (p SnapshotPayload) Encode() ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(p); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeSnapshotPayload 反序列化快照载荷。
func DecodeSnapshotPayload(data []byte) (SnapshotPayload, error) {
	var p SnapshotPayload
	err := gob.NewDecoder(bytes.NewReader(data)).Decode(&p)
	return p, err
}
