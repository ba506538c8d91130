package transport

import (
	"fmt"

	"github.com/xmh1011/raftcore/param"

	grpctransport "github.com/xmh1011/raftcore/transport/grpc"
	"github.com/xmh1011/raftcore/transport/inmemory"
	"github.com/xmh1011/raftcore/transport/tcp"
)

const (
	InmemoryTransport = "inmemory"
	TCPTransport      = "tcp"
	GRPCTransport     = "grpc"
)

// Transport 定义了 Raft 节点之间以及客户端与节点之间通信所需的方法。
// target 是对端的节点 ID，由 SetPeers 提供的映射解析为网络地址。
// Send 方法是同步的：返回 nil 表示收到了对端的响应并已填入 resp；
// 返回错误表示本次 RPC 失败（超时、连接中断等），调用方自行决定重试。
type Transport interface {
	// SendRequestVote 发送 RequestVote RPC 请求。
	SendRequestVote(target int, req *param.RequestVoteArgs, resp *param.RequestVoteReply) error

	// SendAppendEntries 发送 AppendEntries RPC 请求。
	SendAppendEntries(target int, req *param.AppendEntriesArgs, resp *param.AppendEntriesReply) error

	// SendInstallSnapshot 发送 InstallSnapshot RPC 请求。
	SendInstallSnapshot(target int, req *param.InstallSnapshotArgs, resp *param.InstallSnapshotReply) error

	// SendClientRequest 发送客户端请求到指定的 Raft 节点。
	SendClientRequest(target int, req *param.ClientArgs, resp *param.ClientReply) error

	// SetPeers 设置节点 ID 到网络地址的映射。
	SetPeers(peers map[int]string)

	// RegisterRaft 注册本地 Raft 实例，处理接收到的 RPC。
	RegisterRaft(raft param.RPCServer)

	// Addr 返回本地实际监听的地址。
	Addr() string

	// Start 开始对外提供 RPC 服务。
	Start() error

	// Close 停止服务并断开所有连接。
	Close() error
}

// New 按类型创建一个节点侧的 Transport 实例。
func New(transportType, listenAddr string) (Transport, error) {
	switch transportType {
	case InmemoryTransport:
		return inmemory.NewTransport(listenAddr), nil
	case TCPTransport:
		return tcp.NewTransport(listenAddr)
	case GRPCTransport:
		return grpctransport.NewTransport(listenAddr)
	default:
		return nil, fmt.Errorf("unknown transport type: %s", transportType)
	}
}

// NewClientTransport 创建一个仅用于发起请求的 Transport，不监听任何端口。
func NewClientTransport(transportType string) (Transport, error) {
	switch transportType {
	case TCPTransport:
		return tcp.NewClientTransport(), nil
	case GRPCTransport:
		return grpctransport.NewClientTransport(), nil
	default:
		return nil, fmt.Errorf("unsupported client transport type: %s", transportType)
	}
}
