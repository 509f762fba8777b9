// Package entity defines the core domain entities and validation logic for the
// application: chat messages exchanged with inference backends and the chunks
// streamed back to callers.
package entity

// Role identifies the author of a chat message.
type Role string

const (
	// RoleSystem is an instruction message injected by the application.
	RoleSystem Role = "system"
	// RoleUser is a message authored by the end user.
	RoleUser Role = "user"
	// RoleAssistant is a message produced by an inference backend.
	RoleAssistant Role = "assistant"
)

// IsValid returns true if the role is one of the known values.
func (r Role) IsValid() bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant:
		return true
	default:
		return false
	}
}

// Message is one turn of a chat conversation sent to an inference backend.
type Message struct {
	Role    Role
	Content string
}

// Validate checks the message fields against domain rules.
func (m Message) Validate() error {
	if !m.Role.IsValid() {
		return ErrInvalidRole
	}
	if m.Content == "" {
		return ErrEmptyContent
	}
	return nil
}

// ValidateMessages checks a full conversation. At least one message is
// required and every message must be individually valid.
func ValidateMessages(msgs []Message) error {
	if len(msgs) == 0 {
		return ErrNoMessages
	}
	for _, m := range msgs {
		if err := m.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Chunk is one piece of streamed response content.
type Chunk struct {
	// Content is the text fragment. Empty for the terminal error chunk.
	Content string

	// Err is non-nil only on the final chunk of a failed stream.
	Err error
}
