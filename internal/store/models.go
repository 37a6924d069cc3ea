package store

// Role identifies the author of a message.
type Role string

const (
	RoleUser Role = "user"
	RoleAI   Role = "ai"
)

type User struct {
	UID        string `json:"uid"`
	Name       string `json:"name"`
	Email      string `json:"email"`
	PhotoURL   string `json:"photo_url"`
	CreatedAt  int64  `json:"created_at"`  // epoch millis
	LastActive int64  `json:"last_active"` // epoch millis
}

// Source is a grounding citation attached to a model answer.
type Source struct {
	URI   string `json:"uri"`
	Title string `json:"title"`
}

type Message struct {
	ID        string   `json:"id"`
	Role      Role     `json:"role"`
	Text      string   `json:"text"`
	ImageURL  string   `json:"image_url,omitempty"` // data URI
	Timestamp int64    `json:"timestamp"`           // epoch millis
	Sources   []Source `json:"sources,omitempty"`
}

type Chat struct {
	ChatID    string    `json:"chat_id"`
	UID       string    `json:"uid"`
	Title     string    `json:"title"`
	CreatedAt int64     `json:"created_at"` // epoch millis
	Messages  []Message `json:"messages"`
	PersonaID string    `json:"persona_id"`
}
