package harness

import (
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/xmh1011/raftcore/param"
	"github.com/xmh1011/raftcore/raft"
	"github.com/xmh1011/raftcore/storage"
	"github.com/xmh1011/raftcore/storage/inmemory"
)

// clientEndpointID 是集群外部客户端端点在总线上的 ID，
// 避开所有正常节点的取值范围。
const clientEndpointID = 1000

// Config 控制集群的规模和行为。零值字段取默认值。
type Config struct {
	Nodes             int
	Seed              int64
	SnapshotThreshold int
	StorageType       string // 默认 inmemory
	DataDir           string // 文件存储的根目录
	Logger            *zap.SugaredLogger
}

type node struct {
	id     int
	store  storage.Storage
	sm     *inmemory.StateMachine
	trans  *NodeTransport
	raft   *raft.Raft
	done   chan struct{}
	seed   int64
	crashd bool
}

// Cluster 在单个进程内编排一组 Raft 节点，节点间的所有消息都经过
// 故障注入总线，应用流统一汇入检查器。
type Cluster struct {
	bus     *Bus
	checker *Checker
	cfg     Config
	nodes   map[int]*node
	ids     []int
}

// NewCluster 创建并启动一个集群。
func NewCluster(cfg Config) (*Cluster, error) {
	if cfg.Nodes == 0 {
		cfg.Nodes = 3
	}
	if cfg.Seed == 0 {
		cfg.Seed = 1
	}
	if cfg.SnapshotThreshold == 0 {
		cfg.SnapshotThreshold = raft.DefaultSnapshotThreshold
	}
	if cfg.StorageType == "" {
		cfg.StorageType = storage.InmemoryStorage
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop().Sugar()
	}

	c := &Cluster{
		bus:     NewBus(cfg.Seed, nil),
		checker: NewChecker(),
		cfg:     cfg,
		nodes:   make(map[int]*node),
	}
	for id := 1; id <= cfg.Nodes; id++ {
		c.ids = append(c.ids, id)
	}

	for _, id := range c.ids {
		store, err := c.openStorage(id)
		if err != nil {
			return nil, err
		}
		n := &node{id: id, store: store, seed: cfg.Seed + int64(id)}
		c.nodes[id] = n
		if err := c.bootNode(n); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (c *Cluster) openStorage(id int) (storage.Storage, error) {
	if c.cfg.StorageType == storage.InmemoryStorage {
		return inmemory.NewStorage(), nil
	}
	return storage.New(c.cfg.StorageType, c.cfg.DataDir, id)
}

// bootNode 在现有存储之上创建并启动一个 Raft 实例。
func (c *Cluster) bootNode(n *node) error {
	n.sm = inmemory.NewStateMachine()
	n.trans = NewNodeTransport(c.bus, n.id)
	n.done = make(chan struct{})
	// 重启次数混入种子，避免每次重启重放相同的选举时序。
	n.seed++

	commitChan := make(chan param.CommitEntry, 1024)
	r, err := raft.NewRaft(n.id, c.ids, n.store, n.sm, n.trans, commitChan, &raft.Options{
		Logger:            c.cfg.Logger,
		SnapshotThreshold: c.cfg.SnapshotThreshold,
		RandSeed:          n.seed,
	})
	if err != nil {
		return errors.Wrapf(err, "failed to boot node %d", n.id)
	}
	n.raft = r
	n.crashd = false

	n.trans.RegisterRaft(r)
	if err := n.trans.Start(); err != nil {
		return err
	}

	go func(done chan struct{}) {
		for {
			select {
			case entry := <-commitChan:
				c.checker.Observe(n.id, entry)
			case <-done:
				return
			}
		}
	}(n.done)

	go r.Run()
	return nil
}

// Bus 返回底层的故障注入总线。
func (c *Cluster) Bus() *Bus { return c.bus }

// Checker 返回应用流检查器。
func (c *Cluster) Checker() *Checker { return c.checker }

// ServerIDs 返回集群里所有节点的 ID 到地址的映射，供客户端使用。
// 总线寻址不需要真实地址。
func (c *Cluster) ServerIDs() map[int]string {
	servers := make(map[int]string, len(c.ids))
	for _, id := range c.ids {
		servers[id] = ""
	}
	return servers
}

// ClientTransport 返回一个接在总线上的客户端传输端点。
func (c *Cluster) ClientTransport() *NodeTransport {
	return NewNodeTransport(c.bus, clientEndpointID)
}

// Node 返回指定节点的 Raft 实例。
func (c *Cluster) Node(id int) *raft.Raft {
	return c.nodes[id].raft
}

// StateMachine 返回指定节点当前的状态机。
func (c *Cluster) StateMachine(id int) *inmemory.StateMachine {
	return c.nodes[id].sm
}

// Crash 让节点崩溃：终止其 Raft 实例并切断连通，存储保留。
func (c *Cluster) Crash(id int) {
	n := c.nodes[id]
	if n.crashd {
		return
	}
	n.raft.Stop()
	_ = n.trans.Close()
	close(n.done)
	n.crashd = true
}

// Restart 用保留的存储重启一个已崩溃的节点。状态机从快照和日志
// 重建，重启前的序列号进度从检查器里清掉。
func (c *Cluster) Restart(id int) error {
	n := c.nodes[id]
	if !n.crashd {
		return errors.Errorf("node %d is still running", id)
	}
	if c.cfg.StorageType != storage.InmemoryStorage {
		_ = n.store.Close()
		store, err := c.openStorage(id)
		if err != nil {
			return err
		}
		n.store = store
	}
	c.checker.ResetNode(id)
	return c.bootNode(n)
}

// Stop 终止整个集群。
func (c *Cluster) Stop() {
	for _, id := range c.ids {
		c.Crash(id)
	}
	for _, id := range c.ids {
		_ = c.nodes[id].store.Close()
	}
}

// WaitForLeader 等待集群选出一个存活的 Leader 并返回其 ID。
func (c *Cluster) WaitForLeader(timeout time.Duration) (int, error) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if id, ok := c.currentLeader(); ok {
			return id, nil
		}
		time.Sleep(20 * time.Millisecond)
	}
	return 0, errors.New("harness: no leader elected within timeout")
}

// currentLeader 返回任期最高的存活 Leader。
func (c *Cluster) currentLeader() (int, bool) {
	leaderID := 0
	var leaderTerm uint64
	for _, id := range c.ids {
		n := c.nodes[id]
		if n.crashd {
			continue
		}
		term, isLeader := n.raft.Status()
		if isLeader && term >= leaderTerm {
			leaderID = id
			leaderTerm = term
		}
	}
	return leaderID, leaderID != 0
}

// WaitForCommitConvergence 等待所有存活节点的 commitIndex 都达到
// target，用于在断言状态机内容前确保应用流已经追平。
func (c *Cluster) WaitForCommitConvergence(target uint64, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		converged := true
		for _, id := range c.ids {
			n := c.nodes[id]
			if n.crashd {
				continue
			}
			if n.raft.CommitIndex() < target {
				converged = false
				break
			}
		}
		if converged {
			return nil
		}
		time.Sleep(20 * time.Millisecond)
	}
	return errors.Errorf("harness: commit index did not converge to %d within %s", target, timeout)
}
