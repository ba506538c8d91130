// Package boltdb 用 bbolt 实现稳定存储。单文件 B+ 树，事务提交即落盘，
// 因此 HardState、日志追加与快照天然满足持久化与崩溃一致性要求。
package boltdb

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"sync"

	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"

	"github.com/xmh1011/raftcore/param"
)

var (
	ErrLogNotFound      = errors.New("boltdb: log entry not found")
	ErrIndexOutOfBounds = errors.New("boltdb: index is out of bounds")
)

var (
	bucketLog  = []byte("log")
	bucketMeta = []byte("meta")

	keyHardState = []byte("hardstate")
	keySnapshot  = []byte("snapshot")
	keyOffset    = []byte("offset") // 压缩边界：8B index + 8B term
)

// Storage 实现 storage.Storage。压缩边界与首末索引在内存中缓存，
// 其余所有读写都直接走 bolt 事务。
type Storage struct {
	mu sync.Mutex
	db *bolt.DB

	offsetIndex uint64
	offsetTerm  uint64
	lastIndex   uint64
}

// Open 打开（或创建）path 处的 bolt 数据库。
func Open(path string) (*Storage, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, errors.Wrap(err, "boltdb: open")
	}

	s := &Storage{db: db}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketLog); err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists(bucketMeta); err != nil {
			return err
		}

		meta := tx.Bucket(bucketMeta)
		if raw := meta.Get(keyOffset); len(raw) == 16 {
			s.offsetIndex = binary.BigEndian.Uint64(raw[0:8])
			s.offsetTerm = binary.BigEndian.Uint64(raw[8:16])
		}

		s.lastIndex = s.offsetIndex
		if k, _ := tx.Bucket(bucketLog).Cursor().Last(); k != nil {
			s.lastIndex = binary.BigEndian.Uint64(k)
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, errors.Wrap(err, "boltdb: init buckets")
	}
	return s, nil
}

func itob(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

func encode(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// --- HardState 操作 ---

func (s *Storage) SetState(state param.HardState) error {
	data, err := encode(state)
	if err != nil {
		return errors.Wrap(err, "boltdb: encode hard state")
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMeta).Put(keyHardState, data)
	})
}

func (s *Storage) GetState() (param.HardState, error) {
	hs := param.HardState{VotedFor: param.NoVote}
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketMeta).Get(keyHardState)
		if raw == nil {
			return nil
		}
		return gob.NewDecoder(bytes.NewReader(raw)).Decode(&hs)
	})
	return hs, errors.Wrap(err, "boltdb: get hard state")
}

// --- 日志条目操作 ---

func (s *Storage) AppendEntries(entries []param.LogEntry) error {
	if len(entries) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLog)
		for _, entry := range entries {
			data, err := encode(entry)
			if err != nil {
				return err
			}
			if err := b.Put(itob(entry.Index), data); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return errors.Wrap(err, "boltdb: append entries")
	}
	s.lastIndex = entries[len(entries)-1].Index
	return nil
}

func (s *Storage) GetEntry(index uint64) (*param.LogEntry, error) {
	var entry param.LogEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketLog).Get(itob(index))
		if raw == nil {
			return ErrLogNotFound
		}
		return gob.NewDecoder(bytes.NewReader(raw)).Decode(&entry)
	})
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

func (s *Storage) TermAt(index uint64) (uint64, error) {
	s.mu.Lock()
	offsetIndex, offsetTerm := s.offsetIndex, s.offsetTerm
	s.mu.Unlock()

	switch {
	case index == 0:
		return 0, nil
	case index == offsetIndex:
		return offsetTerm, nil
	}

	entry, err := s.GetEntry(index)
	if err != nil {
		return 0, err
	}
	return entry.Term, nil
}

func (s *Storage) TruncateFrom(index uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if index <= s.offsetIndex {
		return ErrIndexOutOfBounds
	}

	err := s.db.Update(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketLog).Cursor()
		for k, _ := c.Seek(itob(index)); k != nil; k, _ = c.Next() {
			if err := c.Delete(); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return errors.Wrap(err, "boltdb: truncate from")
	}
	if index-1 < s.lastIndex {
		s.lastIndex = index - 1
	}
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
	return s.lastIndex, nil
}

func (s *Storage) EntryCount() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int(s.lastIndex - s.offsetIndex), nil
}

// --- 快照操作 ---

func (s *Storage) SaveSnapshot(snapshot *param.Snapshot) error {
	data, err := encode(snapshot)
	if err != nil {
		return errors.Wrap(err, "boltdb: encode snapshot")
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMeta).Put(keySnapshot, data)
	})
}

func (s *Storage) ReadSnapshot() (*param.Snapshot, error) {
	var snap *param.Snapshot
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketMeta).Get(keySnapshot)
		if raw == nil {
			return nil
		}
		snap = &param.Snapshot{}
		return gob.NewDecoder(bytes.NewReader(raw)).Decode(snap)
	})
	if err != nil {
		return nil, errors.Wrap(err, "boltdb: read snapshot")
	}
	return snap, nil
}

func (s *Storage) CompactTo(upToIndex uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if upToIndex <= s.offsetIndex {
		return nil
	}

	var boundaryTerm uint64
	if upToIndex > s.lastIndex {
		// Follower 安装了超出本地日志末尾的快照：整个日志都被覆盖。
		snap, err := s.ReadSnapshot()
		if err != nil {
			return err
		}
		if snap == nil || snap.LastIncludedIndex != upToIndex {
			return ErrIndexOutOfBounds
		}
		boundaryTerm = snap.LastIncludedTerm
	} else {
		entry, err := s.GetEntry(upToIndex)
		if err != nil {
			return err
		}
		boundaryTerm = entry.Term
	}

	offset := make([]byte, 16)
	binary.BigEndian.PutUint64(offset[0:8], upToIndex)
	binary.BigEndian.PutUint64(offset[8:16], boundaryTerm)

	err := s.db.Update(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketLog).Cursor()
		for k, _ := c.First(); k != nil && binary.BigEndian.Uint64(k) <= upToIndex; k, _ = c.Next() {
			if err := c.Delete(); err != nil {
				return err
			}
		}
		return tx.Bucket(bucketMeta).Put(keyOffset, offset)
	})
	if err != nil {
		return errors.Wrap(err, "boltdb: compact")
	}

	s.offsetIndex = upToIndex
	s.offsetTerm = boundaryTerm
	if s.lastIndex < upToIndex {
		s.lastIndex = upToIndex
	}
	return nil
}

func (s *Storage) Close() error {
	return s.db.Close()
}
