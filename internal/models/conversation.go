package models

import "time"

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// RenderMode says how a message body reaches the page. Plain text is set as
// text content, formatted text is rendered markdown set as markup.
type RenderMode string

const (
	ModePlain     RenderMode = "plain"
	ModeFormatted RenderMode = "formatted"
)

type Message struct {
	ID        string     `json:"id"`
	Role      Role       `json:"role"`
	Sender    string     `json:"sender"`
	Text      string     `json:"text"`
	Mode      RenderMode `json:"mode"`
	Rendered  string     `json:"rendered,omitempty"` // only for ModeFormatted
	Pending   bool       `json:"pending,omitempty"`  // reply requested, nothing streamed yet
	CreatedAt time.Time  `json:"created_at"`
}

// Content is the replaceable part of a message.
type Content struct {
	Text    string
	Mode    RenderMode
	Pending bool
}

func PlainContent(text string) Content {
	return Content{Text: text, Mode: ModePlain}
}

func FormattedContent(text string) Content {
	return Content{Text: text, Mode: ModeFormatted}
}
