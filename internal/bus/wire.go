package bus

import "time"

// wireMessage is the JSON shape a Message is persisted as. Kept distinct
// from Message so the in-memory type can evolve without touching the
// on-disk format, and so ProcessedAt round-trips as a nullable timestamp.
type wireMessage struct {
	ID          string    `json:"id"`
	MsgType     Type      `json:"msg_type"`
	Sender      string    `json:"sender"`
	Recipient   string    `json:"recipient"`
	MissionID   string    `json:"mission_id"`
	ParentMsgID string    `json:"parent_msg_id,omitempty"`
	Priority    Priority  `json:"priority"`
	Content     string    `json:"content"`
	Payload     Payload   `json:"payload"`
	CreatedAt   time.Time `json:"created_at"`
	ProcessedAt *time.Time `json:"processed_at,omitempty"`
}

func newWireMessage(m *Message) wireMessage {
	return wireMessage{
		ID: m.ID, MsgType: m.MsgType, Sender: m.Sender, Recipient: m.Recipient,
		MissionID: m.MissionID, ParentMsgID: m.ParentMsgID, Priority: m.Priority,
		Content: m.Content, Payload: m.Payload, CreatedAt: m.CreatedAt, ProcessedAt: m.ProcessedAt,
	}
}

func (w wireMessage) toMessage() *Message {
	return &Message{
		ID: w.ID, MsgType: w.MsgType, Sender: w.Sender, Recipient: w.Recipient,
		MissionID: w.MissionID, ParentMsgID: w.ParentMsgID, Priority: w.Priority,
		Content: w.Content, Payload: w.Payload, CreatedAt: w.CreatedAt, ProcessedAt: w.ProcessedAt,
	}
}
