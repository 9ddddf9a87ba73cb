package commitlog

const (
	TypeSend                   = "send"
	TypeSendOk                 = "send_ok"
	TypePoll                   = "poll"
	TypePollOk                 = "poll_ok"
	TypeCommitOffsets          = "commit_offsets"
	TypeCommitOffsetsOk        = "commit_offsets_ok"
	TypeListCommittedOffsets   = "list_committed_offsets"
	TypeListCommittedOffsetsOk = "list_committed_offsets_ok"
)

// Send appends Msg to the topic named by Key.
type Send struct {
	Key string `json:"key"`
	Msg int    `json:"msg"`
}

func (Send) Type() string { return TypeSend }

type SendOk struct {
	Offset int `json:"offset"`
}

func (SendOk) Type() string { return TypeSendOk }

type Poll struct {
	Offsets map[string]int `json:"offsets"`
}

func (Poll) Type() string { return TypePoll }

// PollOk maps each topic to [offset, msg] pairs.
type PollOk struct {
	Msgs map[string][][2]int `json:"msgs"`
}

func (PollOk) Type() string { return TypePollOk }

type CommitOffsets struct {
	Offsets map[string]int `json:"offsets"`
}

func (CommitOffsets) Type() string { return TypeCommitOffsets }

type CommitOffsetsOk struct{}

func (CommitOffsetsOk) Type() string { return TypeCommitOffsetsOk }

type ListCommittedOffsets struct {
	Keys []string `json:"keys"`
}

func (ListCommittedOffsets) Type() string { return TypeListCommittedOffsets }

type ListCommittedOffsetsOk struct {
	Offsets map[string]int `json:"offsets"`
}

func (ListCommittedOffsetsOk) Type() string { return TypeListCommittedOffsetsOk }
