package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/xmh1011/raftcore/param"
	"github.com/xmh1011/raftcore/storage/boltdb"
	"github.com/xmh1011/raftcore/storage/inmemory"
	"github.com/xmh1011/raftcore/storage/wal"
)

const (
	InmemoryStorage = "inmemory"
	WALStorage      = "wal"
	BoltStorage     = "bolt"
)

// ErrClosed 表示存储已被关闭。
var ErrClosed = errors.New("storage: closed")

// Storage 是 Raft 的稳定存储接口，负责持久化 HardState、日志条目与快照。
// 实现必须保证：AppendEntries 返回前数据已落盘；崩溃重启后不留下半截
// 条目（fail closed，不完整的尾部条目在加载时被丢弃而不是被返回）。
type Storage interface {
	// --- HardState 操作 ---

	// SetState 原子地持久化 HardState (currentTerm, votedFor)。
	SetState(state param.HardState) error
	// GetState 获取最后保存的 HardState。
	GetState() (param.HardState, error)

	// --- 日志条目操作 ---

	// AppendEntries 原子且持久地追加一批日志条目，返回即已落盘。
	AppendEntries(entries []param.LogEntry) error

	// GetEntry 获取指定索引的日志条目；不存在时返回错误。
	// 调用方应先用 FirstIndex/LastIndex 判界，错误视为存储故障。
	GetEntry(index uint64) (*param.LogEntry, error)

	// TermAt 返回指定索引处条目的任期。index 0 返回 0；压缩边界
	// （快照的 lastIncludedIndex）处返回 lastIncludedTerm，这是新日志
	// 起点上 Log Matching 检查所必需的。其余越界情况返回错误。
	TermAt(index uint64) (uint64, error)

	// TruncateFrom 删除 index（含）之后的所有条目。
	// Follower 的日志与 Leader 冲突时由共识核心调用。
	TruncateFrom(index uint64) error

	// --- 日志元数据 ---

	// FirstIndex 返回日志中第一条可读条目的索引（压缩边界+1）。
	FirstIndex() (uint64, error)
	// LastIndex 返回日志中最后一条条目的索引；空日志返回压缩边界。
	LastIndex() (uint64, error)
	// EntryCount 返回当前保留的日志条目数，用于快照触发判断。
	EntryCount() (int, error)

	// --- 快照操作 ---

	// SaveSnapshot 原子地保存快照，替换任何旧快照。
	SaveSnapshot(snapshot *param.Snapshot) error
	// ReadSnapshot 读取最后保存的快照；没有快照时返回 (nil, nil)。
	ReadSnapshot() (*param.Snapshot, error)
	// CompactTo 永久删除 upToIndex（含）之前的所有日志，
	// 但保留 upToIndex 处的任期供 TermAt 使用。
	CompactTo(upToIndex uint64) error

	// Close 释放底层资源。
	Close() error
}

// StateMachine 是应用层状态机的契约：一个确定性的纯函数加上快照能力。
// Apply 对每个已提交条目恰好调用一次，且严格按索引序进行。
type StateMachine interface {
	// Apply 执行一条命令并返回其结果字节。
	Apply(command []byte) []byte

	// Snapshot 序列化状态机的全部状态。
	Snapshot() ([]byte, error)

	// Restore 用快照数据完全覆盖当前状态。
	Restore(snapshot []byte) error
}

// New 按类型创建一个存储实例。基于文件的实现会在 dataDir 下为
// 每个节点建立独立目录。
func New(storageType, dataDir string, nodeID int) (Storage, error) {
	switch storageType {
	case InmemoryStorage:
		return inmemory.NewStorage(), nil
	case WALStorage:
		dir, err := nodeDir(dataDir, nodeID)
		if err != nil {
			return nil, err
		}
		return wal.Open(dir)
	case BoltStorage:
		dir, err := nodeDir(dataDir, nodeID)
		if err != nil {
			return nil, err
		}
		return boltdb.Open(filepath.Join(dir, "raft.db"))
	default:
		return nil, fmt.Errorf("unknown storage type: %s", storageType)
	}
}

func nodeDir(dataDir string, nodeID int) (string, error) {
	dir := filepath.Join(dataDir, fmt.Sprintf("node-%d", nodeID))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create data directory: %w", err)
	}
	return dir, nil
}
