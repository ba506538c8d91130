package harness

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/xmh1011/raftcore/param"
)

// commandKey 唯一标识一条客户端命令。
type commandKey struct {
	clientID    string
	sequenceNum int64
}

// appliedRecord 是某个日志索引处被应用命令的权威记录。
type appliedRecord struct {
	term        uint64
	clientID    string
	sequenceNum int64
	command     []byte
}

// Checker 校验集群各节点的应用流是否满足一致性约束：
//   - 同一索引在所有节点上应用的是同一条命令；
//   - 每条客户端命令 (ClientID, SequenceNum) 只占用一个日志索引，
//     重启后的重放允许在同一索引上再次出现；
//   - 单个节点内客户端命令的序列号单调递增。
type Checker struct {
	mu         sync.Mutex
	applied    map[uint64]*appliedRecord
	commandAt  map[commandKey]uint64
	lastSeq    map[int]map[string]int64
	violations []string
}

// NewChecker 创建一个空的检查器。
func NewChecker() *Checker {
	return &Checker{
		applied:   make(map[uint64]*appliedRecord),
		commandAt: make(map[commandKey]uint64),
		lastSeq:   make(map[int]map[string]int64),
	}
}

// Observe 记录节点 nodeID 应用了一条日志并现场校验约束。
func (c *Checker) Observe(nodeID int, entry param.CommitEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()

	record, seen := c.applied[entry.Index]
	if !seen {
		c.applied[entry.Index] = &appliedRecord{
			term:        entry.Term,
			clientID:    entry.ClientID,
			sequenceNum: entry.SequenceNum,
			command:     append([]byte(nil), entry.Command...),
		}
	} else if record.term != entry.Term ||
		record.clientID != entry.ClientID ||
		record.sequenceNum != entry.SequenceNum ||
		!bytes.Equal(record.command, entry.Command) {
		c.violations = append(c.violations, fmt.Sprintf(
			"node %d applied a different command at index %d (term %d vs %d)",
			nodeID, entry.Index, entry.Term, record.term))
	}

	if entry.ClientID != "" {
		key := commandKey{clientID: entry.ClientID, sequenceNum: entry.SequenceNum}
		if index, ok := c.commandAt[key]; ok {
			// 同一索引的重放是崩溃恢复的正常路径，不同索引才是重复执行。
			if index != entry.Index {
				c.violations = append(c.violations, fmt.Sprintf(
					"command (%s, %d) applied at two indexes: %d and %d",
					entry.ClientID, entry.SequenceNum, index, entry.Index))
			}
		} else {
			c.commandAt[key] = entry.Index
		}

		nodeSeqs, ok := c.lastSeq[nodeID]
		if !ok {
			nodeSeqs = make(map[string]int64)
			c.lastSeq[nodeID] = nodeSeqs
		}
		if last, ok := nodeSeqs[entry.ClientID]; ok && entry.SequenceNum < last {
			c.violations = append(c.violations, fmt.Sprintf(
				"node %d applied client %s commands out of order (seq %d after %d)",
				nodeID, entry.ClientID, entry.SequenceNum, last))
		}
		nodeSeqs[entry.ClientID] = entry.SequenceNum
	}
}

// ResetNode 清空节点的序列号进度，节点重启重放日志前调用。
func (c *Checker) ResetNode(nodeID int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.lastSeq, nodeID)
}

// Violations 返回到目前为止发现的所有约束违例。
func (c *Checker) Violations() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.violations...)
}

// AppliedCount 返回已观测到的不同日志索引数量。
func (c *Checker) AppliedCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.applied)
}
