package models

type MessageID uint8

const (
	MessageIDChoke MessageID = iota
	MessageIDUnchoke
	MessageIDInterested
	MessageIDNotInterested
	MessageIDHave
	MessageIDBitfield
	MessageIDRequest
	MessageIDPiece
	MessageIDCancel
)

func (id MessageID) String() string {
	switch id {
	case MessageIDChoke:
		return "choke"
	case MessageIDUnchoke:
		return "unchoke"
	case MessageIDInterested:
		return "interested"
	case MessageIDNotInterested:
		return "not interested"
	case MessageIDHave:
		return "have"
	case MessageIDBitfield:
		return "bitfield"
	case MessageIDRequest:
		return "request"
	case MessageIDPiece:
		return "piece"
	case MessageIDCancel:
		return "cancel"
	default:
		return "unknown"
	}
}
