package param

// State 定义节点在共识模块中的角色。
type State int

const (
	Follower State = iota
	Candidate
	Leader
	Dead // 节点已停止（用于优雅关闭）
)

func (s State) String() string {
	switch s {
	case Follower:
		return "Follower"
	case Candidate:
		return "Candidate"
	case Leader:
		return "Leader"
	case Dead:
		return "Dead"
	default:
		return "Unknown"
	}
}

// NoVote 表示本任期内尚未投票。
const NoVote = -1

// NoLeader 表示当前不知道 Leader 是谁。
const NoLeader = 0
