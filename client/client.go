package client

import (
	"sort"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xmh1011/raftcore/param"
	"github.com/xmh1011/raftcore/transport"
)

const (
	// operationTimeout 是单个命令的总时间预算，覆盖所有重试。
	operationTimeout = 5 * time.Second
	// retryInterval 是两次尝试之间的间隔。
	retryInterval = 100 * time.Millisecond
)

// clientAction 定义了客户端在处理完一次 RPC 响应后应采取的下一步动作。
type clientAction int

const (
	actionSuccess clientAction = iota // 成功，可以返回结果
	actionFail                        // 失败，应终止操作
	actionRetry                       // 重试，应继续循环
)

// Options 是 NewClient 的可选配置。
type Options struct {
	Logger *zap.SugaredLogger
	Clock  clock.Clock
}

// Client 封装了与 Raft 集群交互的逻辑。
// ClientID 与单调递增的序列号一起构成命令的唯一标识，集群据此在
// 重试跨越 Leader 切换时仍然只应用一次命令。
type Client struct {
	clientID    string              // 客户端的唯一 ID
	sequenceNum int64               // 当前请求的序列号
	serverIDs   []int               // 集群中所有节点的 ID，升序
	leaderHint  int                 // 当前已知的 Leader ID
	trans       transport.Transport // 用于网络通信的传输层
	logger      *zap.SugaredLogger
	clk         clock.Clock
}

// NewClient 创建一个新的客户端实例。
func NewClient(servers map[int]string, trans transport.Transport, opts *Options) *Client {
	serverIDs := make([]int, 0, len(servers))
	for id := range servers {
		serverIDs = append(serverIDs, id)
	}
	sort.Ints(serverIDs)

	o := Options{}
	if opts != nil {
		o = *opts
	}
	if o.Logger == nil {
		logger, _ := zap.NewProduction()
		o.Logger = logger.Sugar()
	}
	if o.Clock == nil {
		o.Clock = clock.New()
	}

	trans.SetPeers(servers)
	return &Client{
		clientID:   uuid.NewString(),
		serverIDs:  serverIDs,
		leaderHint: param.NoLeader,
		trans:      trans,
		logger:     o.Logger,
		clk:        o.Clock,
	}
}

// ClientID 返回客户端的唯一标识，供观测和测试使用。
func (c *Client) ClientID() string {
	return c.clientID
}

// SendCommand 向 Raft 集群发送一个命令并等待其被应用。
// 同一命令的所有重试共享同一个序列号。
func (c *Client) SendCommand(command []byte) ([]byte, bool) {
	c.sequenceNum++
	request := param.NewClientArgs(c.clientID, c.sequenceNum, command)

	opTimer := c.clk.Timer(operationTimeout)
	defer opTimer.Stop()

	for {
		select {
		case <-opTimer.C:
			c.logger.Warnf("[Client] Command (seq:%d) timed out after %s", c.sequenceNum, operationTimeout)
			return nil, false
		default:
			result, action := c.attemptOnce(request)
			switch action {
			case actionSuccess:
				return result, true
			case actionFail:
				return nil, false
			case actionRetry:
				c.clk.Sleep(retryInterval)
				continue
			}
		}
	}
}

// attemptOnce 负责执行单次向集群发送命令的尝试。
func (c *Client) attemptOnce(request *param.ClientArgs) ([]byte, clientAction) {
	targetNodeID := c.selectTargetNode()
	c.logger.Debugf("[Client] Sending command (seq:%d) to node %d", c.sequenceNum, targetNodeID)

	reply := &param.ClientReply{}
	err := c.trans.SendClientRequest(targetNodeID, request, reply)

	return c.decideNextAction(targetNodeID, reply, err)
}

// selectTargetNode 根据当前已知的 Leader 信息选择目标节点。
// 没有 Leader 提示时轮流尝试各节点。
func (c *Client) selectTargetNode() int {
	if c.leaderHint != param.NoLeader {
		return c.leaderHint
	}
	target := c.serverIDs[int(c.sequenceNum)%len(c.serverIDs)]
	c.rotateServers()
	return target
}

// rotateServers 把首个节点移到末尾，让无提示时的探测覆盖所有节点。
func (c *Client) rotateServers() {
	if len(c.serverIDs) < 2 {
		return
	}
	first := c.serverIDs[0]
	copy(c.serverIDs, c.serverIDs[1:])
	c.serverIDs[len(c.serverIDs)-1] = first
}

// decideNextAction 封装了所有处理 RPC 响应的决策逻辑。
func (c *Client) decideNextAction(targetNodeID int, reply *param.ClientReply, err error) (result []byte, action clientAction) {
	if err != nil {
		c.logger.Debugf("[Client] Error sending request to node %d: %v. Retrying...", targetNodeID, err)
		c.leaderHint = param.NoLeader
		return nil, actionRetry
	}

	if reply.NotLeader {
		c.logger.Debugf("[Client] Node %d is not leader. New leader hint: %d. Retrying...", targetNodeID, reply.LeaderHint)
		c.leaderHint = reply.LeaderHint
		return nil, actionRetry
	}

	if reply.Success {
		c.logger.Debugf("[Client] Command (seq:%d) successfully processed", c.sequenceNum)
		return reply.Result, actionSuccess
	}

	// Leader 接受了请求但没能在期限内应用，换个目标再试。
	c.logger.Debugf("[Client] Command (seq:%d) not processed by node %d. Retrying...", c.sequenceNum, targetNodeID)
	c.leaderHint = param.NoLeader
	return nil, actionRetry
}
