package tcp

import (
	"errors"
	"fmt"
	"net"
	"net/rpc"
	"sync"
	"time"

	"github.com/xmh1011/raftcore/param"
)

const dialTimeout = 5 * time.Second

// RaftRPC 把 Raft 实例的处理方法包装成 net/rpc 可导出的服务。
type RaftRPC struct {
	Raft param.RPCServer
}

// RequestVote 是 RequestVote RPC 的处理器。
func (r *RaftRPC) RequestVote(args param.RequestVoteArgs, reply *param.RequestVoteReply) error {
	return r.Raft.RequestVote(&args, reply)
}

// AppendEntries 是 AppendEntries RPC 的处理器。
func (r *RaftRPC) AppendEntries(args param.AppendEntriesArgs, reply *param.AppendEntriesReply) error {
	return r.Raft.AppendEntries(&args, reply)
}

// InstallSnapshot 是 InstallSnapshot RPC 的处理器。
func (r *RaftRPC) InstallSnapshot(args param.InstallSnapshotArgs, reply *param.InstallSnapshotReply) error {
	return r.Raft.InstallSnapshot(&args, reply)
}

// ClientRequest 是客户端请求的处理器。
func (r *RaftRPC) ClientRequest(args param.ClientArgs, reply *param.ClientReply) error {
	return r.Raft.ClientRequest(&args, reply)
}

// Transport 通过 TCP 和 net/rpc 实现节点间通信。
// 到每个对端的连接在首次使用时建立并缓存，失效后重建。
type Transport struct {
	localAddr string
	listener  net.Listener
	raft      param.RPCServer
	server    *rpc.Server

	mu        sync.RWMutex
	resolvers map[int]string
	clients   map[int]*rpc.Client
}

// NewTransport 创建一个新的 Transport 实例并开始在 listenAddr 上监听。
func NewTransport(listenAddr string) (*Transport, error) {
	listener, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return nil, err
	}
	return &Transport{
		localAddr: listener.Addr().String(),
		listener:  listener,
		server:    rpc.NewServer(),
		resolvers: make(map[int]string),
		clients:   make(map[int]*rpc.Client),
	}, nil
}

// NewClientTransport 创建一个只发不收的 Transport，供客户端使用。
func NewClientTransport() *Transport {
	return &Transport{
		resolvers: make(map[int]string),
		clients:   make(map[int]*rpc.Client),
	}
}

// Addr 返回本地实际监听的地址。
func (t *Transport) Addr() string {
	return t.localAddr
}

// SetPeers 设置节点 ID 到地址的映射，并丢弃所有缓存的连接。
func (t *Transport) SetPeers(peers map[int]string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.resolvers = make(map[int]string, len(peers))
	for id, addr := range peers {
		t.resolvers[id] = addr
	}
	for _, client := range t.clients {
		client.Close()
	}
	t.clients = make(map[int]*rpc.Client)
}

// RegisterRaft 注册本地 Raft 实例。
func (t *Transport) RegisterRaft(raft param.RPCServer) {
	t.raft = raft
}

// Start 注册 RPC 服务并开始接受连接。
func (t *Transport) Start() error {
	if t.listener == nil {
		return nil // 客户端模式
	}
	if t.raft == nil {
		return errors.New("raft instance not registered")
	}
	if err := t.server.Register(&RaftRPC{Raft: t.raft}); err != nil {
		return err
	}
	go t.acceptConnections()
	return nil
}

func (t *Transport) acceptConnections() {
	for {
		conn, err := t.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			continue
		}
		go t.server.ServeConn(conn)
	}
}

// Close 关闭监听器和所有缓存的连接。
func (t *Transport) Close() error {
	t.mu.Lock()
	for _, client := range t.clients {
		client.Close()
	}
	t.clients = make(map[int]*rpc.Client)
	t.mu.Unlock()

	if t.listener != nil {
		return t.listener.Close()
	}
	return nil
}

// getPeerClient 获取或创建一个到目标节点的 RPC 客户端。
func (t *Transport) getPeerClient(target int) (*rpc.Client, error) {
	t.mu.RLock()
	client, ok := t.clients[target]
	t.mu.RUnlock()
	if ok {
		return client, nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if client, ok := t.clients[target]; ok {
		return client, nil
	}

	addr, ok := t.resolvers[target]
	if !ok {
		return nil, fmt.Errorf("address not found for node %d", target)
	}
	conn, err := net.DialTimeout("tcp", addr, dialTimeout)
	if err != nil {
		return nil, err
	}
	client = rpc.NewClient(conn)
	t.clients[target] = client
	return client, nil
}

// remoteCall 执行一次 RPC 调用，连接失效时清除缓存以便下次重建。
func (t *Transport) remoteCall(target int, method string, args, reply any) error {
	client, err := t.getPeerClient(target)
	if err != nil {
		return err
	}
	if err := client.Call(method, args, reply); err != nil {
		if errors.Is(err, rpc.ErrShutdown) {
			t.mu.Lock()
			delete(t.clients, target)
			t.mu.Unlock()
		}
		return err
	}
	return nil
}

// SendRequestVote 发送 RequestVote RPC 请求。
func (t *Transport) SendRequestVote(target int, req *param.RequestVoteArgs, resp *param.RequestVoteReply) error {
	return t.remoteCall(target, "RaftRPC.RequestVote", req, resp)
}

// SendAppendEntries 发送 AppendEntries RPC 请求。
func (t *Transport) SendAppendEntries(target int, req *param.AppendEntriesArgs, resp *param.AppendEntriesReply) error {
	return t.remoteCall(target, "RaftRPC.AppendEntries", req, resp)
}

// SendInstallSnapshot 发送 InstallSnapshot RPC 请求。
func (t *Transport) SendInstallSnapshot(target int, req *param.InstallSnapshotArgs, resp *param.InstallSnapshotReply) error {
	return t.remoteCall(target, "RaftRPC.InstallSnapshot", req, resp)
}

// SendClientRequest 发送客户端请求到指定的 Raft 节点。
func (t *Transport) SendClientRequest(target int, req *param.ClientArgs, resp *param.ClientReply) error {
	return t.remoteCall(target, "RaftRPC.ClientRequest", req, resp)
}
