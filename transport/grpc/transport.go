// Package grpc 基于 gRPC 实现节点间通信。消息体用 gob 编码承载，
// 通过注册的自定义 codec 走 content-subtype 协商，不需要生成 pb 代码。
package grpc

import (
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/encoding"

	"github.com/xmh1011/raftcore/param"
)

const (
	serviceName = "raftcore.Raft"
	rpcTimeout  = 2 * time.Second
)

func init() {
	encoding.RegisterCodec(gobCodec{})
}

// gobCodec 实现 grpc 的 encoding.Codec，把任意消息体编码为 gob 字节。
type gobCodec struct{}

func (gobCodec) Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (gobCodec) Unmarshal(data []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(data)).Decode(v)
}

func (gobCodec) Name() string {
	return "gob"
}

// Transport 通过 gRPC 实现节点间通信。
type Transport struct {
	localAddr  string
	listener   net.Listener
	raft       param.RPCServer
	grpcServer *grpc.Server

	mu        sync.RWMutex
	resolvers map[int]string
	conns     map[int]*grpc.ClientConn
}

// NewTransport 创建一个新的 gRPC Transport 并开始在 listenAddr 上监听。
func NewTransport(listenAddr string) (*Transport, error) {
	listener, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return nil, err
	}
	return &Transport{
		localAddr:  listener.Addr().String(),
		listener:   listener,
		grpcServer: grpc.NewServer(),
		resolvers:  make(map[int]string),
		conns:      make(map[int]*grpc.ClientConn),
	}, nil
}

// NewClientTransport 创建一个只发不收的 Transport，供客户端使用。
func NewClientTransport() *Transport {
	return &Transport{
		resolvers: make(map[int]string),
		conns:     make(map[int]*grpc.ClientConn),
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
	for _, conn := range t.conns {
		conn.Close()
	}
	t.conns = make(map[int]*grpc.ClientConn)
}

// RegisterRaft 注册本地 Raft 实例。
func (t *Transport) RegisterRaft(raft param.RPCServer) {
	t.raft = raft
}

// Start 注册服务并开始对外提供 gRPC 服务。
func (t *Transport) Start() error {
	if t.listener == nil {
		return nil // 客户端模式
	}
	if t.raft == nil {
		return errors.New("raft instance not registered")
	}
	t.grpcServer.RegisterService(&serviceDesc, t)
	go t.grpcServer.Serve(t.listener)
	return nil
}

// Close 停止 gRPC 服务并关闭所有连接。
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.grpcServer != nil {
		t.grpcServer.Stop()
	}
	for _, conn := range t.conns {
		conn.Close()
	}
	t.conns = make(map[int]*grpc.ClientConn)
	return nil
}

func (t *Transport) getPeerConn(target int) (*grpc.ClientConn, error) {
	t.mu.RLock()
	conn, ok := t.conns[target]
	t.mu.RUnlock()
	if ok {
		return conn, nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if conn, ok := t.conns[target]; ok {
		return conn, nil
	}

	addr, ok := t.resolvers[target]
	if !ok {
		return nil, fmt.Errorf("address not found for node %d", target)
	}
	conn, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype("gob")),
	)
	if err != nil {
		return nil, err
	}
	t.conns[target] = conn
	return conn, nil
}

func (t *Transport) invoke(target int, method string, args, reply any) error {
	conn, err := t.getPeerConn(target)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), rpcTimeout)
	defer cancel()
	return conn.Invoke(ctx, method, args, reply)
}

// --- 客户端侧 ---

// SendRequestVote 发送 RequestVote RPC 请求。
func (t *Transport) SendRequestVote(target int, req *param.RequestVoteArgs, resp *param.RequestVoteReply) error {
	return t.invoke(target, "/"+serviceName+"/RequestVote", req, resp)
}

// SendAppendEntries 发送 AppendEntries RPC 请求。
func (t *Transport) SendAppendEntries(target int, req *param.AppendEntriesArgs, resp *param.AppendEntriesReply) error {
	return t.invoke(target, "/"+serviceName+"/AppendEntries", req, resp)
}

// SendInstallSnapshot 发送 InstallSnapshot RPC 请求。
func (t *Transport) SendInstallSnapshot(target int, req *param.InstallSnapshotArgs, resp *param.InstallSnapshotReply) error {
	return t.invoke(target, "/"+serviceName+"/InstallSnapshot", req, resp)
}

// SendClientRequest 发送客户端请求到指定的 Raft 节点。
func (t *Transport) SendClientRequest(target int, req *param.ClientArgs, resp *param.ClientReply) error {
	return t.invoke(target, "/"+serviceName+"/ClientRequest", req, resp)
}

// --- 服务端侧 ---

func (t *Transport) requestVote(_ context.Context, req *param.RequestVoteArgs) (*param.RequestVoteReply, error) {
	reply := param.NewRequestVoteReply()
	if err := t.raft.RequestVote(req, reply); err != nil {
		return nil, err
	}
	return reply, nil
}

func (t *Transport) appendEntries(_ context.Context, req *param.AppendEntriesArgs) (*param.AppendEntriesReply, error) {
	reply := param.NewAppendEntriesReply()
	if err := t.raft.AppendEntries(req, reply); err != nil {
		return nil, err
	}
	return reply, nil
}

func (t *Transport) installSnapshot(_ context.Context, req *param.InstallSnapshotArgs) (*param.InstallSnapshotReply, error) {
	reply := &param.InstallSnapshotReply{}
	if err := t.raft.InstallSnapshot(req, reply); err != nil {
		return nil, err
	}
	return reply, nil
}

func (t *Transport) clientRequest(_ context.Context, req *param.ClientArgs) (*param.ClientReply, error) {
	reply := &param.ClientReply{}
	if err := t.raft.ClientRequest(req, reply); err != nil {
		return nil, err
	}
	return reply, nil
}

// serviceDesc 手工描述 Raft 服务的四个一元方法。
var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*any)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "RequestVote", Handler: requestVoteHandler},
		{MethodName: "AppendEntries", Handler: appendEntriesHandler},
		{MethodName: "InstallSnapshot", Handler: installSnapshotHandler},
		{MethodName: "ClientRequest", Handler: clientRequestHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "transport/grpc/transport.go",
}

func requestVoteHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(param.RequestVoteArgs)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(*Transport).requestVote(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/RequestVote"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(*Transport).requestVote(ctx, req.(*param.RequestVoteArgs))
	}
	return interceptor(ctx, in, info, handler)
}

func appendEntriesHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(param.AppendEntriesArgs)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(*Transport).appendEntries(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/AppendEntries"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(*Transport).appendEntries(ctx, req.(*param.AppendEntriesArgs))
	}
	return interceptor(ctx, in, info, handler)
}

func installSnapshotHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(param.InstallSnapshotArgs)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(*Transport).installSnapshot(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/InstallSnapshot"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(*Transport).installSnapshot(ctx, req.(*param.InstallSnapshotArgs))
	}
	return interceptor(ctx, in, info, handler)
}

func clientRequestHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(param.ClientArgs)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(*Transport).clientRequest(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/ClientRequest"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(*Transport).clientRequest(ctx, req.(*param.ClientArgs))
	}
	return interceptor(ctx, in, info, handler)
}
