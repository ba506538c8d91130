// Package wal 实现基于追加写日志文件的稳定存储。
//
// 布局：每个节点目录下有三个文件。
//
//	log.wal      追加写的日志条目，带长度与校验和的记录帧
//	state.bin    HardState，写临时文件后原子重命名
//	snapshot.bin 最新快照，写临时文件后原子重命名
//
// 每条记录的帧格式为 [4B 大端 payload 长度][8B 大端 xxhash64][payload]，
// payload 是 gob 编码的 LogEntry。加载时逐条校验：遇到截断的头部、
// 长度越界、校验和不符或索引不连续的记录，即认为是崩溃留下的残缺尾部，
// 将文件截断到最后一条完好记录处（fail closed），绝不把半截条目交还给
// 共识核心。
package wal

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"os"
	"path/filepath"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/pkg/errors"

	"github.com/xmh1011/raftcore/param"
)

const (
	logFileName      = "log.wal"
	stateFileName    = "state.bin"
	snapshotFileName = "snapshot.bin"

	recordHeaderSize = 12 // 4 字节长度 + 8 字节 xxhash64
)

var (
	ErrLogNotFound      = errors.New("wal: log entry not found")
	ErrIndexOutOfBounds = errors.New("wal: index is out of bounds")
	ErrClosed           = errors.New("wal: storage closed")
)

// Storage 实现 storage.Storage。日志条目在内存中保留一份镜像，
// 文件只承担持久化与崩溃恢复职责。
type Storage struct {
	mu  sync.Mutex
	dir string

	logFile *os.File
	size    int64   // log.wal 的有效长度
	offsets []int64 // 每个内存条目对应记录在文件中的起始偏移

	entries     []param.LogEntry
	offsetIndex uint64 // 压缩边界：第一个条目的索引是 offsetIndex+1
	offsetTerm  uint64

	hardState param.HardState
	snapshot  *param.Snapshot
	closed    bool
}

// Open 打开（或创建）dir 下的 WAL 存储并完成崩溃恢复。
func Open(dir string) (*Storage, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "wal: create dir")
	}

	s := &Storage{
		dir:       dir,
		hardState: param.HardState{VotedFor: param.NoVote},
	}

	if err := s.loadHardState(); err != nil {
		return nil, err
	}
	if err := s.loadSnapshot(); err != nil {
		return nil, err
	}
	if err := s.loadLog(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Storage) loadHardState() error {
	data, err := os.ReadFile(filepath.Join(s.dir, stateFileName))
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "wal: read hard state")
	}
	var hs param.HardState
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&hs); err != nil {
		return errors.Wrap(err, "wal: decode hard state")
	}
	s.hardState = hs
	return nil
}

func (s *Storage) loadSnapshot() error {
	data, err := os.ReadFile(filepath.Join(s.dir, snapshotFileName))
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "wal: read snapshot")
	}
	var snap param.Snapshot
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&snap); err != nil {
		return errors.Wrap(err, "wal: decode snapshot")
	}
	s.snapshot = &snap
	s.offsetIndex = snap.LastIncludedIndex
	s.offsetTerm = snap.LastIncludedTerm
	return nil
}

// loadLog 扫描 log.wal，重建内存镜像并截掉残缺尾部。
func (s *Storage) loadLog() error {
	path := filepath.Join(s.dir, logFileName)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return errors.Wrap(err, "wal: open log")
	}
	s.logFile = f

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return errors.Wrap(err, "wal: stat log")
	}
	fileSize := info.Size()

	var (
		off       int64
		compacted bool // 发现了已被快照覆盖的残留条目
		header    [recordHeaderSize]byte
	)
	for off < fileSize {
		if fileSize-off < recordHeaderSize {
			break // 残缺头部
		}
		if _, err := f.ReadAt(header[:], off); err != nil {
			break
		}
		payloadLen := int64(binary.BigEndian.Uint32(header[0:4]))
		sum := binary.BigEndian.Uint64(header[4:12])
		if off+recordHeaderSize+payloadLen > fileSize {
			break // 残缺 payload
		}

		payload := make([]byte, payloadLen)
		if _, err := f.ReadAt(payload, off+recordHeaderSize); err != nil {
			break
		}
		if xxhash.Sum64(payload) != sum {
			break // 校验和不符，按撕裂写处理
		}

		var entry param.LogEntry
		if err := gob.NewDecoder(bytes.NewReader(payload)).Decode(&entry); err != nil {
			break
		}

		if entry.Index <= s.offsetIndex {
			// 崩溃发生在保存快照之后、压缩日志之前：条目已被快照覆盖。
			compacted = true
			off += recordHeaderSize + payloadLen
			continue
		}
		if want := s.offsetIndex + uint64(len(s.entries)) + 1; entry.Index != want {
			break // 索引不连续，尾部不可信
		}

		s.offsets = append(s.offsets, off)
		s.entries = append(s.entries, entry)
		off += recordHeaderSize + payloadLen
	}

	if compacted {
		// 把被快照覆盖的前缀连同任何残缺尾部一并重写掉。
		return s.rewriteLogLocked(s.entries)
	}
	if off < fileSize {
		if err := f.Truncate(off); err != nil {
			return errors.Wrap(err, "wal: truncate torn tail")
		}
		if err := f.Sync(); err != nil {
			return errors.Wrap(err, "wal: sync after truncate")
		}
	}
	s.size = off
	return nil
}

func encodeRecord(entry param.LogEntry) ([]byte, error) {
	var payload bytes.Buffer
	if err := gob.NewEncoder(&payload).Encode(entry); err != nil {
		return nil, errors.Wrap(err, "wal: encode entry")
	}
	record := make([]byte, recordHeaderSize+payload.Len())
	binary.BigEndian.PutUint32(record[0:4], uint32(payload.Len()))
	binary.BigEndian.PutUint64(record[4:12], xxhash.Sum64(payload.Bytes()))
	copy(record[recordHeaderSize:], payload.Bytes())
	return record, nil
}

// rewriteLogLocked 将给定的条目集合写入新文件并原子替换 log.wal。
// 调用方必须持有 s.mu（或处于 Open 的单线程阶段）。
func (s *Storage) rewriteLogLocked(entries []param.LogEntry) error {
	tmpPath := filepath.Join(s.dir, logFileName+".tmp")
	tmp, err := os.Create(tmpPath)
	if err != nil {
		return errors.Wrap(err, "wal: create tmp log")
	}

	var (
		offsets []int64
		size    int64
	)
	for _, entry := range entries {
		record, err := encodeRecord(entry)
		if err != nil {
			tmp.Close()
			return err
		}
		if _, err := tmp.Write(record); err != nil {
			tmp.Close()
			return errors.Wrap(err, "wal: write tmp log")
		}
		offsets = append(offsets, size)
		size += int64(len(record))
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return errors.Wrap(err, "wal: sync tmp log")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "wal: close tmp log")
	}

	if s.logFile != nil {
		s.logFile.Close()
	}
	if err := os.Rename(tmpPath, filepath.Join(s.dir, logFileName)); err != nil {
		return errors.Wrap(err, "wal: rename tmp log")
	}

	f, err := os.OpenFile(filepath.Join(s.dir, logFileName), os.O_RDWR, 0o644)
	if err != nil {
		return errors.Wrap(err, "wal: reopen log")
	}
	s.logFile = f
	s.offsets = offsets
	s.size = size

	kept := make([]param.LogEntry, len(entries))
	copy(kept, entries)
	s.entries = kept
	return nil
}

// atomicWriteFile 写临时文件、刷盘、再重命名到目标路径。
func (s *Storage) atomicWriteFile(name string, data []byte) error {
	path := filepath.Join(s.dir, name)
	tmpPath := path + ".tmp"

	f, err := os.Create(tmpPath)
	if err != nil {
		return errors.Wrap(err, "wal: create tmp file")
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return errors.Wrap(err, "wal: write tmp file")
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return errors.Wrap(err, "wal: sync tmp file")
	}
	if err := f.Close(); err != nil {
		return errors.Wrap(err, "wal: close tmp file")
	}
	return errors.Wrap(os.Rename(tmpPath, path), "wal: rename tmp file")
}

// --- HardState 操作 ---

func (s *Storage) SetState(state param.HardState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(state); err != nil {
		return errors.Wrap(err, "wal: encode hard state")
	}
	if err := s.atomicWriteFile(stateFileName, buf.Bytes()); err != nil {
		return err
	}
	s.hardState = state
	return nil
}

func (s *Storage) GetState() (param.HardState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hardState, nil
}

// --- 日志条目操作 ---

func (s *Storage) AppendEntries(entries []param.LogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if len(entries) == 0 {
		return nil
	}

	var (
		batch   []byte
		offsets []int64
		off     = s.size
	)
	for _, entry := range entries {
		record, err := encodeRecord(entry)
		if err != nil {
			return err
		}
		offsets = append(offsets, off)
		batch = append(batch, record...)
		off += int64(len(record))
	}

	if _, err := s.logFile.WriteAt(batch, s.size); err != nil {
		return errors.Wrap(err, "wal: append")
	}
	// 条目在 fsync 完成前不得被确认为持久。
	if err := s.logFile.Sync(); err != nil {
		return errors.Wrap(err, "wal: fsync append")
	}

	s.offsets = append(s.offsets, offsets...)
	s.entries = append(s.entries, entries...)
	s.size = off
	return nil
}

func (s *Storage) GetEntry(index uint64) (*param.LogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if index <= s.offsetIndex || index > s.offsetIndex+uint64(len(s.entries)) {
		return nil, ErrLogNotFound
	}
	entry := s.entries[index-s.offsetIndex-1]
	return &entry, nil
}

func (s *Storage) TermAt(index uint64) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case index == 0:
		return 0, nil
	case index == s.offsetIndex:
		return s.offsetTerm, nil
	case index > s.offsetIndex && index <= s.offsetIndex+uint64(len(s.entries)):
		return s.entries[index-s.offsetIndex-1].Term, nil
	default:
		return 0, ErrLogNotFound
	}
}

func (s *Storage) TruncateFrom(index uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	if index <= s.offsetIndex {
		return ErrIndexOutOfBounds
	}
	if index > s.offsetIndex+uint64(len(s.entries)) {
		return nil
	}

	pos := index - s.offsetIndex - 1
	newSize := s.offsets[pos]
	if err := s.logFile.Truncate(newSize); err != nil {
		return errors.Wrap(err, "wal: truncate")
	}
	if err := s.logFile.Sync(); err != nil {
		return errors.Wrap(err, "wal: fsync truncate")
	}

	s.entries = s.entries[:pos]
	s.offsets = s.offsets[:pos]
	s.size = newSize
	return nil
}

// --- 日志元数据 ---

func (s *Storage) FirstIndex() (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.offsetIndex + 1, nil
}

func (s *Storage) LastIndex() (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.offsetIndex + uint64(len(s.entries)), nil
}

func (s *Storage) EntryCount() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries), nil
}

// --- 快照操作 ---

func (s *Storage) SaveSnapshot(snapshot *param.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(snapshot); err != nil {
		return errors.Wrap(err, "wal: encode snapshot")
	}
	if err := s.atomicWriteFile(snapshotFileName, buf.Bytes()); err != nil {
		return err
	}
	s.snapshot = snapshot
	return nil
}

func (s *Storage) ReadSnapshot() (*param.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot, nil
}

func (s *Storage) CompactTo(upToIndex uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	if upToIndex <= s.offsetIndex {
		return nil
	}

	lastIndex := s.offsetIndex + uint64(len(s.entries))
	if upToIndex > lastIndex {
		// Follower 安装了超出本地日志末尾的快照：整个日志都被覆盖。
		if s.snapshot == nil || s.snapshot.LastIncludedIndex != upToIndex {
			return ErrIndexOutOfBounds
		}
		s.offsetIndex = upToIndex
		s.offsetTerm = s.snapshot.LastIncludedTerm
		return s.rewriteLogLocked(nil)
	}

	boundaryTerm := s.entries[upToIndex-s.offsetIndex-1].Term
	kept := s.entries[upToIndex-s.offsetIndex:]
	s.offsetIndex = upToIndex
	s.offsetTerm = boundaryTerm
	return s.rewriteLogLocked(kept)
}

func (s *Storage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.logFile != nil {
		return s.logFile.Close()
	}
	return nil
}
