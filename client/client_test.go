package client

import (
	"errors"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/xmh1011/raftcore/param"
	"github.com/xmh1011/raftcore/transport"
)

// setup 为每个测试创建一个带 Mock 传输层的客户端。
func setup(t *testing.T) (*gomock.Controller, *transport.MockTransport, *Client) {
	ctrl := gomock.NewController(t)
	mockTrans := transport.NewMockTransport(ctrl)

	servers := map[int]string{
		1: "localhost:8001",
		2: "localhost:8002",
		3: "localhost:8003",
	}
	mockTrans.EXPECT().SetPeers(servers).Times(1)

	client := NewClient(servers, mockTrans, &Options{Logger: zap.NewNop().Sugar()})
	// 固定 ClientID 便于断言。
	client.clientID = "test-client"
	return ctrl, mockTrans, client
}

func TestNewClient(t *testing.T) {
	ctrl, _, client := setup(t)
	defer ctrl.Finish()

	assert.NotNil(t, client)
	assert.NotEmpty(t, client.clientID)
	assert.Equal(t, int64(0), client.sequenceNum)
	assert.Equal(t, param.NoLeader, client.leaderHint)
	assert.Equal(t, []int{1, 2, 3}, client.serverIDs)
}

func TestSelectTargetNode(t *testing.T) {
	ctrl, _, client := setup(t)
	defer ctrl.Finish()

	// 没有 Leader 提示时在已知节点中选择。
	targetID := client.selectTargetNode()
	assert.Contains(t, []int{1, 2, 3}, targetID)

	// 有 Leader 提示时直接选择提示的节点。
	client.leaderHint = 2
	targetID = client.selectTargetNode()
	assert.Equal(t, 2, targetID)
}

func TestDecideNextAction(t *testing.T) {
	ctrl, _, client := setup(t)
	defer ctrl.Finish()

	testCases := []struct {
		name               string
		reply              *param.ClientReply
		err                error
		expectedAction     clientAction
		expectedLeaderHint int
	}{
		{
			name:               "Network Error",
			reply:              &param.ClientReply{},
			err:                errors.New("connection refused"),
			expectedAction:     actionRetry,
			expectedLeaderHint: param.NoLeader, // 网络错误时重置 Leader 提示
		},
		{
			name: "Not Leader Reply",
			reply: &param.ClientReply{
				NotLeader:  true,
				LeaderHint: 3,
			},
			expectedAction:     actionRetry,
			expectedLeaderHint: 3, // 更新为提示的 Leader
		},
		{
			name: "Success Reply",
			reply: &param.ClientReply{
				Success: true,
				Result:  []byte("OK"),
			},
			expectedAction:     actionSuccess,
			expectedLeaderHint: 1, // 保持不变
		},
		{
			name: "Leader Process Failure Reply",
			reply: &param.ClientReply{
				Success: false,
			},
			expectedAction:     actionRetry,
			expectedLeaderHint: param.NoLeader,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			client.leaderHint = 1
			_, action := client.decideNextAction(1, tc.reply, tc.err)

			assert.Equal(t, tc.expectedAction, action)
			assert.Equal(t, tc.expectedLeaderHint, client.leaderHint)
		})
	}
}

func TestSendCommand(t *testing.T) {
	t.Run("Success on first try", func(t *testing.T) {
		ctrl, mockTrans, client := setup(t)
		defer ctrl.Finish()

		command := []byte("get key")
		expectedResult := []byte("value")

		mockTrans.EXPECT().
			SendClientRequest(gomock.Any(), gomock.Any(), gomock.Any()).
			DoAndReturn(func(nodeID int, args *param.ClientArgs, reply *param.ClientReply) error {
				reply.Success = true
				reply.Result = expectedResult
				assert.Equal(t, command, args.Command)
				assert.Equal(t, client.clientID, args.ClientID)
				assert.Equal(t, int64(1), args.SequenceNum)
				return nil
			})

		result, ok := client.SendCommand(command)
		assert.True(t, ok)
		assert.Equal(t, expectedResult, result)
		assert.Equal(t, int64(1), client.sequenceNum)
	})

	t.Run("Success after not-leader redirect", func(t *testing.T) {
		ctrl, mockTrans, client := setup(t)
		defer ctrl.Finish()

		expectedResult := []byte("OK")

		gomock.InOrder(
			mockTrans.EXPECT().
				SendClientRequest(1, gomock.Any(), gomock.Any()).
				DoAndReturn(func(nodeID int, args *param.ClientArgs, reply *param.ClientReply) error {
					reply.NotLeader = true
					reply.LeaderHint = 2
					return nil
				}),
			// 重定向到提示的 Leader，且序列号保持不变。
			mockTrans.EXPECT().
				SendClientRequest(2, gomock.Any(), gomock.Any()).
				DoAndReturn(func(nodeID int, args *param.ClientArgs, reply *param.ClientReply) error {
					assert.Equal(t, int64(1), args.SequenceNum)
					reply.Success = true
					reply.Result = expectedResult
					return nil
				}),
		)

		client.leaderHint = 1
		result, ok := client.SendCommand([]byte("set key value"))

		assert.True(t, ok)
		assert.Equal(t, expectedResult, result)
		assert.Equal(t, 2, client.leaderHint, "Leader hint should be updated to the correct leader")
	})

	t.Run("Command times out", func(t *testing.T) {
		ctrl, mockTrans, client := setup(t)
		defer ctrl.Finish()

		mockClock := clock.NewMock()
		client.clk = mockClock

		// 所有节点都不可达，客户端在总预算耗尽后放弃。
		mockTrans.EXPECT().
			SendClientRequest(gomock.Any(), gomock.Any(), gomock.Any()).
			Return(errors.New("connection refused")).AnyTimes()

		done := make(chan struct{})
		var result []byte
		var ok bool
		go func() {
			result, ok = client.SendCommand([]byte("some command"))
			close(done)
		}()

		// 持续推进虚拟时钟，驱动重试间隔和总超时。
		for {
			select {
			case <-done:
				assert.False(t, ok)
				assert.Nil(t, result)
				return
			case <-time.After(time.Millisecond):
				mockClock.Add(retryInterval)
			}
		}
	})
}
