package inmemory

import (
	"fmt"
	"sync"

	"github.com/xmh1011/raftcore/param"
)

// Transport 是一个基于内存的 Transport 实现，用于在单个进程内模拟
// Raft 节点间的通信。RPC 是同步的方法调用，没有网络开销，也没有
// 故障注入；需要不可靠网络时用 harness 包的总线。
type Transport struct {
	mu        sync.RWMutex
	localAddr string
	peers     map[int]param.RPCServer
	raft      param.RPCServer
}

// NewTransport 创建一个新的内存 Transport 实例。
// addr 只作为标识使用，不会真的监听。
func NewTransport(addr string) *Transport {
	return &Transport{
		localAddr: addr,
		peers:     make(map[int]param.RPCServer),
	}
}

// Addr 返回当前 Transport 的标识地址。
func (t *Transport) Addr() string {
	return t.localAddr
}

// SetPeers 在内存实现中是无操作的；连接通过 Connect 手动建立。
func (t *Transport) SetPeers(peers map[int]string) {}

// RegisterRaft 注册本地 Raft 实例。
func (t *Transport) RegisterRaft(raft param.RPCServer) {
	t.raft = raft
}

// Start 启动 Transport。
func (t *Transport) Start() error {
	return nil
}

// Close 关闭 Transport。
func (t *Transport) Close() error {
	return nil
}

// Connect 把一个对端节点加入注册表，此后可向它发送 RPC。
func (t *Transport) Connect(peerID int, server param.RPCServer) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.peers[peerID] = server
}

// Disconnect 从注册表中移除一个对端节点。
func (t *Transport) Disconnect(peerID int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.peers, peerID)
}

func (t *Transport) getPeer(target int) (param.RPCServer, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	peer, ok := t.peers[target]
	if !ok {
		return nil, fmt.Errorf("could not connect to peer: %d", target)
	}
	return peer, nil
}

// SendRequestVote 向目标节点发送 RequestVote RPC。
func (t *Transport) SendRequestVote(target int, req *param.RequestVoteArgs, resp *param.RequestVoteReply) error {
	peer, err := t.getPeer(target)
	if err != nil {
		return err
	}
	return peer.RequestVote(req, resp)
}

// SendAppendEntries 向目标节点发送 AppendEntries RPC。
func (t *Transport) SendAppendEntries(target int, req *param.AppendEntriesArgs, resp *param.AppendEntriesReply) error {
	peer, err := t.getPeer(target)
	if err != nil {
		return err
	}
	return peer.AppendEntries(req, resp)
}

// SendInstallSnapshot 向目标节点发送 InstallSnapshot RPC。
func (t *Transport) SendInstallSnapshot(target int, req *param.InstallSnapshotArgs, resp *param.InstallSnapshotReply) error {
	peer, err := t.getPeer(target)
	if err != nil {
		return err
	}
	return peer.InstallSnapshot(req, resp)
}

// SendClientRequest 将客户端请求发送到目标 Raft 节点。
func (t *Transport) SendClientRequest(target int, req *param.ClientArgs, resp *param.ClientReply) error {
	peer, err := t.getPeer(target)
	if err != nil {
		return err
	}
	return peer.ClientRequest(req, resp)
}
