package chatsync

import (
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
)

// MaxMessages bounds the message history stored on one conversation.
const MaxMessages = 50

// ContentType identifies how a message body is rendered.
type ContentType string

const (
	// ContentTypeMessage is a plain text body.
	ContentTypeMessage ContentType = "message"
	// ContentTypeImage is a body holding an uploaded file reference.
	ContentTypeImage ContentType = "image"
)

// Message is one chat message embedded in a conversation record.
type Message struct {
	ID          string      `json:"id"`
	UserID      string      `json:"user_id"`
	Content     string      `json:"content"`
	ContentType ContentType `json:"contentType"`
	Created     time.Time   `json:"created"`
}

// Conversation is a chat between members, with its newest-first message history.
type Conversation struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Photo string `json:"photo,omitempty"`
	// Members lists participating user ids.
	Members []string `json:"members"`
	// Admins lists member ids allowed to manage the conversation.
	Admins []string `json:"admins"`
	// Messages is ordered newest first and holds at most MaxMessages entries.
	Messages      []Message `json:"messages"`
	MessagePhotos []string  `json:"message_photos,omitempty"`
	// Created is the record creation time when the store provides one.
	Created time.Time `json:"created"`
}

// DecodeConversation converts a raw conversation record.
//
// Malformed payloads report ErrInvalidRecord so callers can fail closed.
func DecodeConversation(record Record) (Conversation, error) {
	id, ok := record.String("id")
	if !ok || id == "" {
		return Conversation{}, fmt.Errorf("decode conversation: %w: missing id", ErrInvalidRecord)
	}
	name, ok := record.String("name")
	if !ok {
		return Conversation{}, fmt.Errorf("decode conversation %s: %w: name is not a string", id, ErrInvalidRecord)
	}
	members, ok := record.StringSlice("members", false)
	if !ok {
		return Conversation{}, fmt.Errorf("decode conversation %s: %w: members is not a string list", id, ErrInvalidRecord)
	}
	admins, ok := record.StringSlice("admins", true)
	if !ok {
		return Conversation{}, fmt.Errorf("decode conversation %s: %w: admins is not a string list", id, ErrInvalidRecord)
	}
	photos, ok := record.StringSlice("message_photos", true)
	if !ok {
		return Conversation{}, fmt.Errorf("decode conversation %s: %w: message_photos is not a string list", id, ErrInvalidRecord)
	}
	messages, err := decodeMessages(record["messages"])
	if err != nil {
		return Conversation{}, fmt.Errorf("decode conversation %s: %w", id, err)
	}

	conversation := Conversation{
		ID:            id,
		Name:          name,
		Members:       members,
		Admins:        admins,
		Messages:      messages,
		MessagePhotos: photos,
	}
	if photo, ok := record.String("photo"); ok {
		conversation.Photo = photo
	}
	if created, ok := record.Time("created"); ok {
		conversation.Created = created
	}

	return conversation, nil
}

func decodeMessages(raw any) ([]Message, error) {
	if raw == nil {
		return nil, nil
	}

	var items []any
	switch typed := raw.(type) {
	case []any:
		items = typed
	case []map[string]any:
		items = make([]any, 0, len(typed))
		for _, item := range typed {
			items = append(items, item)
		}
	default:
		return nil, fmt.Errorf("%w: messages is not a list", ErrInvalidRecord)
	}

	messages := make([]Message, 0, len(items))
	for index, item := range items {
		var record Record
		switch typed := item.(type) {
		case map[string]any:
			record = typed
		case Record:
			record = typed
		default:
			return nil, fmt.Errorf("%w: messages[%d] is not an object", ErrInvalidRecord, index)
		}

		message, err := DecodeMessage(record)
		if err != nil {
			return nil, fmt.Errorf("messages[%d]: %w", index, err)
		}
		messages = append(messages, message)
	}

	return messages, nil
}

// DecodeMessage converts one embedded message object.
func DecodeMessage(record Record) (Message, error) {
	id, ok := record.String("id")
	if !ok || id == "" {
		return Message{}, fmt.Errorf("decode message: %w: missing id", ErrInvalidRecord)
	}
	userID, ok := record.String("user_id")
	if !ok {
		return Message{}, fmt.Errorf("decode message %s: %w: user_id is not a string", id, ErrInvalidRecord)
	}
	content, ok := record.String("content")
	if !ok {
		return Message{}, fmt.Errorf("decode message %s: %w: content is not a string", id, ErrInvalidRecord)
	}
	rawType, _ := record.String("contentType")
	contentType := ContentType(rawType)
	if contentType != ContentTypeMessage && contentType != ContentTypeImage {
		return Message{}, fmt.Errorf("decode message %s: %w: unknown content type %q", id, ErrInvalidRecord, rawType)
	}
	created, ok := record.Time("created")
	if !ok {
		return Message{}, fmt.Errorf("decode message %s: %w: created is not a timestamp", id, ErrInvalidRecord)
	}

	return Message{
		ID:          id,
		UserID:      userID,
		Content:     content,
		ContentType: contentType,
		Created:     created,
	}, nil
}

// NewMessage builds a message authored by userID at the given time.
func NewMessage(userID string, content string, contentType ContentType, created time.Time) Message {
	return Message{
		ID:          uuid.NewString(),
		UserID:      userID,
		Content:     content,
		ContentType: contentType,
		Created:     created.UTC(),
	}
}

// Record renders the message in its embedded record form.
func (m Message) Record() map[string]any {
	return map[string]any{
		"id":          m.ID,
		"user_id":     m.UserID,
		"content":     m.Content,
		"contentType": string(m.ContentType),
		"created":     m.Created.UTC().Format(time.RFC3339Nano),
	}
}

// PrependMessage returns a new history with message first, trimmed to MaxMessages.
func PrependMessage(history []Message, message Message) []Message {
	keep := min(len(history), MaxMessages-1)
	next := make([]Message, 0, keep+1)
	next = append(next, message)

	return append(next, history[:keep]...)
}

// MessagesRecord renders a history in its embedded record form.
func MessagesRecord(history []Message) []any {
	items := make([]any, 0, len(history))
	for _, message := range history {
		items = append(items, message.Record())
	}

	return items
}

// Validate checks conversation invariants that the store does not enforce.
func (c Conversation) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("validate conversation: missing id")
	}
	for _, admin := range c.Admins {
		if !slices.Contains(c.Members, admin) {
			return fmt.Errorf("validate conversation %s: admin %s is not a member", c.ID, admin)
		}
	}
	if len(c.Messages) > MaxMessages {
		return fmt.Errorf("validate conversation %s: %d messages exceeds %d", c.ID, len(c.Messages), MaxMessages)
	}

	return nil
}

// HasMember reports whether userID participates in the conversation.
func (c Conversation) HasMember(userID string) bool {
	return slices.Contains(c.Members, userID)
}

// IsAdmin reports whether userID may manage the conversation.
func (c Conversation) IsAdmin(userID string) bool {
	return slices.Contains(c.Admins, userID)
}

// WithoutMember returns the member list minus userID and whether the
// remaining members are too few to keep the conversation alive.
func (c Conversation) WithoutMember(userID string) (members []string, dissolve bool) {
	members = make([]string, 0, len(c.Members))
	for _, member := range c.Members {
		if member != userID {
			members = append(members, member)
		}
	}

	return members, len(members) < 2
}

// Equal reports whether two conversations carry the same payload.
func (c Conversation) Equal(other Conversation) bool {
	return c.ID == other.ID &&
		c.Name == other.Name &&
		c.Photo == other.Photo &&
		slices.Equal(c.Members, other.Members) &&
		slices.Equal(c.Admins, other.Admins) &&
		slices.Equal(c.MessagePhotos, other.MessagePhotos) &&
		c.Created.Equal(other.Created) &&
		slices.EqualFunc(c.Messages, other.Messages, func(a, b Message) bool {
			return a.ID == b.ID &&
				a.UserID == b.UserID &&
				a.Content == b.Content &&
				a.ContentType == b.ContentType &&
				a.Created.Equal(b.Created)
		})
}
