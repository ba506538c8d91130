package wal

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xmh1011/raftcore/param"
)

func newTestStorage(t *testing.T) (*Storage, string) {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(dir)
	require.NoError(t, err)
	return s, dir
}

func newTestEntries(start, end uint64) []param.LogEntry {
	entries := make([]param.LogEntry, 0, end-start+1)
	for i := start; i <= end; i++ {
		cmd, _ := json.Marshal(param.KVCommand{Op: "set", Key: "k", Value: "v"})
		entries = append(entries, param.LogEntry{Term: i, Index: i, Command: cmd})
	}
	return entries
}

func TestStorage(t *testing.T) {
	t.Run("Initial State", func(t *testing.T) {
		s, _ := newTestStorage(t)
		defer s.Close()

		state, err := s.GetState()
		assert.NoError(t, err)
		assert.Equal(t, int64(param.NoVote), state.VotedFor)

		lastIdx, err := s.LastIndex()
		assert.NoError(t, err)
		assert.Equal(t, uint64(0), lastIdx)

		snap, err := s.ReadSnapshot()
		assert.NoError(t, err)
		assert.Nil(t, snap)
	})

	t.Run("Persistence Across Reopen", func(t *testing.T) {
		s, dir := newTestStorage(t)

		newState := param.HardState{CurrentTerm: 5, VotedFor: 2}
		require.NoError(t, s.SetState(newState))
		require.NoError(t, s.AppendEntries(newTestEntries(1, 3)))
		require.NoError(t, s.Close())

		s2, err := Open(dir)
		require.NoError(t, err)
		defer s2.Close()

		gotState, err := s2.GetState()
		assert.NoError(t, err)
		assert.Equal(t, newState, gotState)

		lastIdx, err := s2.LastIndex()
		assert.NoError(t, err)
		assert.Equal(t, uint64(3), lastIdx)

		entry2, err := s2.GetEntry(2)
		assert.NoError(t, err)
		assert.Equal(t, uint64(2), entry2.Index)
		assert.Equal(t, uint64(2), entry2.Term)
	})

	t.Run("Truncate Persists", func(t *testing.T) {
		s, dir := newTestStorage(t)
		require.NoError(t, s.AppendEntries(newTestEntries(1, 5)))
		require.NoError(t, s.TruncateFrom(3))
		require.NoError(t, s.Close())

		s2, err := Open(dir)
		require.NoError(t, err)
		defer s2.Close()

		lastIdx, err := s2.LastIndex()
		assert.NoError(t, err)
		assert.Equal(t, uint64(2), lastIdx)

		_, err = s2.GetEntry(3)
		assert.ErrorIs(t, err, ErrLogNotFound)
	})

	t.Run("Torn Tail Is Dropped", func(t *testing.T) {
		s, dir := newTestStorage(t)
		require.NoError(t, s.AppendEntries(newTestEntries(1, 4)))
		require.NoError(t, s.Close())

		// 模拟崩溃：最后一条记录只写了一半。
		path := filepath.Join(dir, "log.wal")
		info, err := os.Stat(path)
		require.NoError(t, err)
		require.NoError(t, os.Truncate(path, info.Size()-5))

		s2, err := Open(dir)
		require.NoError(t, err)
		defer s2.Close()

		lastIdx, err := s2.LastIndex()
		assert.NoError(t, err)
		assert.Equal(t, uint64(3), lastIdx)

		// 完整的前缀仍然可读。
		entry3, err := s2.GetEntry(3)
		assert.NoError(t, err)
		assert.Equal(t, uint64(3), entry3.Index)
	})

	t.Run("Corrupted Record Fails Closed", func(t *testing.T) {
		s, dir := newTestStorage(t)
		require.NoError(t, s.AppendEntries(newTestEntries(1, 3)))
		require.NoError(t, s.Close())

		// 翻转最后一条记录 payload 中的一个字节，使校验和不符。
		path := filepath.Join(dir, "log.wal")
		data, err := os.ReadFile(path)
		require.NoError(t, err)
		data[len(data)-1] ^= 0xFF
		require.NoError(t, os.WriteFile(path, data, 0o644))

		s2, err := Open(dir)
		require.NoError(t, err)
		defer s2.Close()

		// 损坏的条目被丢弃而不是被返回。
		lastIdx, err := s2.LastIndex()
		assert.NoError(t, err)
		assert.Equal(t, uint64(2), lastIdx)
	})

	t.Run("Garbage After Log Is Dropped", func(t *testing.T) {
		s, dir := newTestStorage(t)
		require.NoError(t, s.AppendEntries(newTestEntries(1, 2)))
		require.NoError(t, s.Close())

		path := filepath.Join(dir, "log.wal")
		f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
		require.NoError(t, err)
		_, err = f.Write([]byte("garbage bytes"))
		require.NoError(t, err)
		require.NoError(t, f.Close())

		s2, err := Open(dir)
		require.NoError(t, err)
		defer s2.Close()

		lastIdx, err := s2.LastIndex()
		assert.NoError(t, err)
		assert.Equal(t, uint64(2), lastIdx)

		// 尾部垃圾在恢复后被物理清除，下一次追加从干净位置开始。
		require.NoError(t, s2.AppendEntries(newTestEntries(3, 3)))
		require.NoError(t, s2.Close())

		s3, err := Open(dir)
		require.NoError(t, err)
		defer s3.Close()
		lastIdx, err = s3.LastIndex()
		assert.NoError(t, err)
		assert.Equal(t, uint64(3), lastIdx)
	})

	t.Run("Snapshot and Compaction Persist", func(t *testing.T) {
		s, dir := newTestStorage(t)
		require.NoError(t, s.AppendEntries(newTestEntries(1, 10)))

		snapshot := param.NewSnapshot(5, 5, []byte("snap"))
		require.NoError(t, s.SaveSnapshot(snapshot))
		require.NoError(t, s.CompactTo(5))
		require.NoError(t, s.Close())

		s2, err := Open(dir)
		require.NoError(t, err)
		defer s2.Close()

		firstIdx, err := s2.FirstIndex()
		assert.NoError(t, err)
		assert.Equal(t, uint64(6), firstIdx)

		lastIdx, err := s2.LastIndex()
		assert.NoError(t, err)
		assert.Equal(t, uint64(10), lastIdx)

		term, err := s2.TermAt(5)
		assert.NoError(t, err)
		assert.Equal(t, uint64(5), term)

		readSnap, err := s2.ReadSnapshot()
		assert.NoError(t, err)
		assert.Equal(t, snapshot, readSnap)
	})

	t.Run("Crash Between Snapshot Save and Compact", func(t *testing.T) {
		s, dir := newTestStorage(t)
		require.NoError(t, s.AppendEntries(newTestEntries(1, 10)))

		// 只保存快照，不压缩，模拟压缩前崩溃。
		require.NoError(t, s.SaveSnapshot(param.NewSnapshot(5, 5, []byte("snap"))))
		require.NoError(t, s.Close())

		s2, err := Open(dir)
		require.NoError(t, err)
		defer s2.Close()

		// 被快照覆盖的前缀在恢复时被丢弃。
		firstIdx, err := s2.FirstIndex()
		assert.NoError(t, err)
		assert.Equal(t, uint64(6), firstIdx)

		lastIdx, err := s2.LastIndex()
		assert.NoError(t, err)
		assert.Equal(t, uint64(10), lastIdx)
	})

	t.Run("Compact Beyond Log End", func(t *testing.T) {
		s, dir := newTestStorage(t)
		require.NoError(t, s.AppendEntries(newTestEntries(1, 3)))

		snapshot := param.NewSnapshot(10, 4, []byte("installed"))
		require.NoError(t, s.SaveSnapshot(snapshot))
		require.NoError(t, s.CompactTo(10))

		lastIdx, err := s.LastIndex()
		assert.NoError(t, err)
		assert.Equal(t, uint64(10), lastIdx)

		term, err := s.TermAt(10)
		assert.NoError(t, err)
		assert.Equal(t, uint64(4), term)
		require.NoError(t, s.Close())

		s2, err := Open(dir)
		require.NoError(t, err)
		defer s2.Close()

		firstIdx, err := s2.FirstIndex()
		assert.NoError(t, err)
		assert.Equal(t, uint64(11), firstIdx)
	})

	t.Run("Closed Storage Rejects Operations", func(t *testing.T) {
		s, _ := newTestStorage(t)
		require.NoError(t, s.Close())

		assert.ErrorIs(t, s.AppendEntries(newTestEntries(1, 1)), ErrClosed)
		assert.ErrorIs(t, s.SetState(param.HardState{}), ErrClosed)
	})
}
