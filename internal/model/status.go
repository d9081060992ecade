package model

type TurnStatus int8

const (
	TurnStatusIdle = TurnStatus(iota)
	TurnStatusComposing
	TurnStatusSending
	TurnStatusStreaming
	TurnStatusDone
	TurnStatusErrored
	TurnStatusAborted
)

func (s TurnStatus) String() string {
	switch s {
	case TurnStatusIdle:
		return "idle"
	case TurnStatusComposing:
		return "composing"
	case TurnStatusSending:
		return "sending"
	case TurnStatusStreaming:
		return "streaming"
	case TurnStatusDone:
		return "done"
	case TurnStatusErrored:
		return "errored"
	case TurnStatusAborted:
		return "aborted"
	default:
		return "unknown"
	}
}
