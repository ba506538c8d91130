package inmemory

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/xmh1011/raftcore/param"
)

var ErrKeyNotFound = errors.New("key not found")

// StateMachine 是 StateMachine 接口的一个内存实现，模拟一个简单的 KV 数据库。
// 读操作（get）也作为命令走日志，因此无需额外的 ReadIndex 机制即可保证线性一致。
type StateMachine struct {
	mu      sync.RWMutex
	kvStore map[string]string
}

// NewStateMachine 创建一个新的内存状态机实例。
func NewStateMachine() *StateMachine {
	return &StateMachine{
		kvStore: make(map[string]string),
	}
}

// Apply 将一条已提交的命令应用到状态机，并返回结果字节。
// 命令必须是确定性的：相同的命令序列在任何节点上都产生相同的状态。
func (sm *StateMachine) Apply(command []byte) []byte {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	var cmd param.KVCommand
	if err := json.Unmarshal(command, &cmd); err != nil {
		// 已提交的日志不应包含无效命令，这属于编程错误。
		panic(fmt.Sprintf("state machine: failed to unmarshal command: %v", err))
	}

	switch cmd.Op {
	case "set":
		sm.kvStore[cmd.Key] = cmd.Value
		return []byte(cmd.Value)
	case "delete":
		delete(sm.kvStore, cmd.Key)
		return nil
	case "get":
		if val, ok := sm.kvStore[cmd.Key]; ok {
			return []byte(val)
		}
		return nil
	default:
		return []byte(fmt.Sprintf("unknown operation: %s", cmd.Op))
	}
}

// Get 直接查询一个键，仅供测试断言状态机内容使用。
func (sm *StateMachine) Get(key string) (string, error) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	if val, ok := sm.kvStore[key]; ok {
		return val, nil
	}
	return "", ErrKeyNotFound
}

// Len 返回键的数量，供测试使用。
func (sm *StateMachine) Len() int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return len(sm.kvStore)
}

// Snapshot 生成状态机的快照。
func (sm *StateMachine) Snapshot() ([]byte, error) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return json.Marshal(sm.kvStore)
}

// Restore 从快照中恢复状态机，完全覆盖当前状态。
func (sm *StateMachine) Restore(snapshot []byte) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	var newStore map[string]string
	if err := json.Unmarshal(snapshot, &newStore); err != nil {
		return fmt.Errorf("failed to unmarshal snapshot: %w", err)
	}
	if newStore == nil {
		newStore = make(map[string]string)
	}
	sm.kvStore = newStore
	return nil
}
