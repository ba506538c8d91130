package inmemory

import (
	"errors"
	"sync"

	"github.com/xmh1011/raftcore/param"
)

var (
	ErrLogNotFound      = errors.New("log entry not found")
	ErrIndexOutOfBounds = errors.New("index is out of bounds")
)

// Storage 是 Storage 接口的一个线程安全的内存实现，主要用于测试。
// 它不提供真正的持久性，但语义（含压缩边界）与文件实现保持一致。
type Storage struct {
	mu sync.RWMutex

	hardState param.HardState
	snapshot  *param.Snapshot

	// 日志压缩后，第一个条目的真实索引是 offsetIndex+1。
	// offsetTerm 是压缩边界处（offsetIndex）的任期，供 TermAt 使用。
	log         []param.LogEntry
	offsetIndex uint64
	offsetTerm  uint64
}

// NewStorage 创建一个新的内存存储实例。
func NewStorage() *Storage {
	return &Storage{
		hardState: param.HardState{VotedFor: param.NoVote},
	}
}

// --- HardState 操作 ---

func (s *Storage) SetState(state param.HardState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hardState = state
	return nil
}

func (s *Storage) GetState() (param.HardState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.hardState, nil
}

// --- 日志条目操作 ---

func (s *Storage) AppendEntries(entries []param.LogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.log = append(s.log, entries...)
	return nil
}

func (s *Storage) GetEntry(index uint64) (*param.LogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if index <= s.offsetIndex || index > s.offsetIndex+uint64(len(s.log)) {
		return nil, ErrLogNotFound
	}
	entry := s.log[index-s.offsetIndex-1]
	return &entry, nil
}

func (s *Storage) TermAt(index uint64) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	switch {
	case index == 0:
		return 0, nil
	case index == s.offsetIndex:
		return s.offsetTerm, nil
	case index > s.offsetIndex && index <= s.offsetIndex+uint64(len(s.log)):
		return s.log[index-s.offsetIndex-1].Term, nil
	default:
		return 0, ErrLogNotFound
	}
}

func (s *Storage) TruncateFrom(index uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if index <= s.offsetIndex {
		return ErrIndexOutOfBounds
	}
	if index > s.offsetIndex+uint64(len(s.log)) {
		return nil
	}
	s.log = s.log[:index-s.offsetIndex-1]
	return nil
}

// --- 日志元数据 ---

func (s *Storage) FirstIndex() (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.offsetIndex + 1, nil
}

func (s *Storage) LastIndex() (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.offsetIndex + uint64(len(s.log)), nil
}

func (s *Storage) EntryCount() (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.log), nil
}

// --- 快照操作 ---

func (s *Storage) SaveSnapshot(snapshot *param.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshot = snapshot
	return nil
}

func (s *Storage) ReadSnapshot() (*param.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshot, nil
}

func (s *Storage) CompactTo(upToIndex uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if upToIndex <= s.offsetIndex {
		return nil
	}
	lastIndex := s.offsetIndex + uint64(len(s.log))
	if upToIndex > lastIndex {
		// Follower 安装了超出本地日志末尾的快照：整个日志都被覆盖。
		if s.snapshot == nil || s.snapshot.LastIncludedIndex != upToIndex {
			return ErrIndexOutOfBounds
		}
		s.log = nil
		s.offsetIndex = upToIndex
		s.offsetTerm = s.snapshot.LastIncludedTerm
		return nil
	}

	boundary := s.log[upToIndex-s.offsetIndex-1]
	kept := s.log[upToIndex-s.offsetIndex:]
	newLog := make([]param.LogEntry, len(kept))
	copy(newLog, kept)

	s.log = newLog
	s.offsetIndex = upToIndex
	s.offsetTerm = boundary.Term
	return nil
}

// Close 在内存实现中是无操作的。
func (s *Storage) Close() error {
	return nil
}
