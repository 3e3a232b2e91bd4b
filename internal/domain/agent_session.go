package domain

// StoredMessage is one turn of a participant's conversation with the assistant.
type StoredMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Transcript roles.
const (
	MessageRoleUser      = "user"
	MessageRoleAssistant = "assistant"
)
