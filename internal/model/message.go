package model

import (
	"encoding/json"
	"time"
)

// Message roles. A streamed reply only becomes a RoleAI message once the
// stream has terminated successfully; until then it exists solely as the
// controller's in-memory draft.
const (
	RoleHuman = "human"
	RoleAI    = "ai"
)

type Message struct {
	ID             uint      `gorm:"primaryKey" json:"id"`
	ConversationID uint      `gorm:"not null;index" json:"conversation_id"`
	UserID         uint      `gorm:"not null;index" json:"user_id"`
	Role           string    `gorm:"size:16;not null;index" json:"role"`
	Content        string    `gorm:"type:text;not null" json:"content"`
	Attachments    string    `gorm:"type:text" json:"-"` // JSON array of FileAttachment
	CreatedAt      time.Time `json:"created_at"`
}

// AttachmentList returns the parsed attachments; nil when the message has
// none or the stored JSON is unreadable.
func (m *Message) AttachmentList() []FileAttachment {
	if m.Attachments == "" {
		return nil
	}
	var list []FileAttachment
	_ = json.Unmarshal([]byte(m.Attachments), &list)
	return list
}

// SetAttachments stores the attachments as JSON.
func (m *Message) SetAttachments(list []FileAttachment) {
	if len(list) == 0 {
		m.Attachments = ""
		return
	}
	b, _ := json.Marshal(list)
	m.Attachments = string(b)
}
