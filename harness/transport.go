package harness

import (
	"github.com/xmh1011/raftcore/param"
)

// NodeTransport 是单个节点接入总线的传输端点。
// 它实现 transport.Transport，发送路径全部经过总线的故障注入。
type NodeTransport struct {
	bus *Bus
	id  int
}

// NewNodeTransport 创建节点 id 的传输端点。
func NewNodeTransport(bus *Bus, id int) *NodeTransport {
	return &NodeTransport{bus: bus, id: id}
}

// RegisterRaft 把节点的 RPC 处理器接到总线上。
func (t *NodeTransport) RegisterRaft(raft param.RPCServer) {
	t.bus.Connect(t.id, raft)
}

// SetPeers 在总线模式下不需要地址信息。
func (t *NodeTransport) SetPeers(peers map[int]string) {}

// Addr 返回空地址，总线上的节点只按 ID 寻址。
func (t *NodeTransport) Addr() string { return "" }

// Start 恢复节点在总线上的连通性。
func (t *NodeTransport) Start() error {
	t.bus.Reconnect(t.id)
	return nil
}

// Close 把节点从总线上摘除。
func (t *NodeTransport) Close() error {
	t.bus.Disconnect(t.id)
	return nil
}

// SendRequestVote 通过总线发送投票请求。
func (t *NodeTransport) SendRequestVote(target int, args *param.RequestVoteArgs, reply *param.RequestVoteReply) error {
	return t.bus.send(t.id, target, func(server param.RPCServer, shadow bool) error {
		if shadow {
			return server.RequestVote(args, param.NewRequestVoteReply())
		}
		return server.RequestVote(args, reply)
	})
}

// SendAppendEntries 通过总线发送日志复制请求。
func (t *NodeTransport) SendAppendEntries(target int, args *param.AppendEntriesArgs, reply *param.AppendEntriesReply) error {
	return t.bus.send(t.id, target, func(server param.RPCServer, shadow bool) error {
		if shadow {
			return server.AppendEntries(args, param.NewAppendEntriesReply())
		}
		return server.AppendEntries(args, reply)
	})
}

// SendInstallSnapshot 通过总线发送快照安装请求。
func (t *NodeTransport) SendInstallSnapshot(target int, args *param.InstallSnapshotArgs, reply *param.InstallSnapshotReply) error {
	return t.bus.send(t.id, target, func(server param.RPCServer, shadow bool) error {
		if shadow {
			return server.InstallSnapshot(args, &param.InstallSnapshotReply{})
		}
		return server.InstallSnapshot(args, reply)
	})
}

// SendClientRequest 通过总线发送客户端请求。客户端请求的重复投递
// 正是会话去重要兜住的场景。
func (t *NodeTransport) SendClientRequest(target int, args *param.ClientArgs, reply *param.ClientReply) error {
	return t.bus.send(t.id, target, func(server param.RPCServer, shadow bool) error {
		if shadow {
			return server.ClientRequest(args, &param.ClientReply{})
		}
		return server.ClientRequest(args, reply)
	})
}
