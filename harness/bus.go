// Package harness 提供故障注入测试设施：一条可按种子复现的不可靠
// 消息总线、进程内集群编排，以及对各节点应用流的一致性检查器。
package harness

import (
	"math/rand"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"

	"github.com/xmh1011/raftcore/param"
)

// ErrUnreachable 表示消息因分区、掉线或注入的丢包而没有送达。
var ErrUnreachable = errors.New("harness: peer unreachable")

// Faults 描述总线注入的故障概率。概率取值 [0, 1]。
type Faults struct {
	DropRate      float64       // 丢弃一条消息的概率
	DuplicateRate float64       // 把一条消息投递两次的概率
	MaxDelay      time.Duration // 随机附加延迟的上限，0 表示不延迟
}

// Bus 是一条连接进程内节点的不可靠消息总线。所有随机决策都来自
// 一个种子化的随机源，同一种子下故障序列完全一致。
type Bus struct {
	mu    sync.Mutex
	rng   *rand.Rand
	clk   clock.Clock
	nodes map[int]param.RPCServer
	down  map[int]bool
	// groups 把节点划分为互不连通的分区，nil 表示全连通。
	groups map[int]int
	faults Faults
}

// NewBus 创建一条以 seed 为随机种子的总线。
func NewBus(seed int64, clk clock.Clock) *Bus {
	if clk == nil {
		clk = clock.New()
	}
	return &Bus{
		rng:   rand.New(rand.NewSource(seed)),
		clk:   clk,
		nodes: make(map[int]param.RPCServer),
		down:  make(map[int]bool),
	}
}

// SetFaults 更新故障注入配置。
func (b *Bus) SetFaults(faults Faults) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.faults = faults
}

// Connect 把节点接入总线。
func (b *Bus) Connect(id int, server param.RPCServer) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nodes[id] = server
	b.down[id] = false
}

// Disconnect 把节点从总线上摘除，模拟节点崩溃。
func (b *Bus) Disconnect(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.down[id] = true
}

// Reconnect 恢复节点的连通性。
func (b *Bus) Reconnect(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.down[id] = false
}

// Partition 按给出的分组切分网络，组间消息全部丢弃。
// 不在任何组里的节点与所有组都不通。
func (b *Bus) Partition(groups ...[]int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.groups = make(map[int]int)
	for groupIdx, group := range groups {
		for _, id := range group {
			b.groups[id] = groupIdx + 1
		}
	}
}

// Heal 移除所有分区。
func (b *Bus) Heal() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.groups = nil
}

// deliverable 判断 from 到 to 的消息当前能否送达，并抽取本条消息
// 的故障决策。必须在持有锁的情况下被调用。
func (b *Bus) deliverableLocked(from, to int) (delay time.Duration, duplicate, ok bool) {
	if b.down[from] || b.down[to] {
		return 0, false, false
	}
	if _, exists := b.nodes[to]; !exists {
		return 0, false, false
	}
	// 分区只约束总线上的节点之间的通信，外部客户端端点不受影响。
	if _, isNode := b.nodes[from]; isNode && b.groups != nil && b.groups[from] != b.groups[to] {
		return 0, false, false
	}
	if b.faults.DropRate > 0 && b.rng.Float64() < b.faults.DropRate {
		return 0, false, false
	}
	if b.faults.MaxDelay > 0 {
		delay = time.Duration(b.rng.Int63n(int64(b.faults.MaxDelay)))
	}
	duplicate = b.faults.DuplicateRate > 0 && b.rng.Float64() < b.faults.DuplicateRate
	return delay, duplicate, true
}

// send 执行一次点对点调用，按配置注入丢包、延迟和重复投递。
// 重复投递时第二次调用的响应被丢弃，模拟迟到的重发消息。
func (b *Bus) send(from, to int, call func(server param.RPCServer, shadow bool) error) error {
	b.mu.Lock()
	delay, duplicate, ok := b.deliverableLocked(from, to)
	server := b.nodes[to]
	b.mu.Unlock()

	if !ok {
		return ErrUnreachable
	}
	if delay > 0 {
		b.clk.Sleep(delay)
	}
	if duplicate {
		go func() {
			_ = call(server, true)
		}()
	}
	return call(server, false)
}
