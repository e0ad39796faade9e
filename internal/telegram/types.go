// ABOUTME: Bot API update shapes the relay reads.
package telegram

// Chat types reported by the Bot API.
const (
	ChatTypePrivate    = "private"
	ChatTypeGroup      = "group"
	ChatTypeSupergroup = "supergroup"
	ChatTypeChannel    = "channel"
)

// Update is one incoming update. Only message updates are modelled; other
// kinds decode with a nil Message. Unmodelled fields are accepted and ignored.
type Update struct {
	_ struct{} `json:"-" additionalProperties:"true"`

	UpdateID int64    `json:"update_id" doc:"Monotonic update identifier"`
	Message  *Message `json:"message,omitempty"`
}

type Message struct {
	_ struct{} `json:"-" additionalProperties:"true"`

	MessageID int64  `json:"message_id"`
	From      *User  `json:"from,omitempty"`
	Chat      Chat   `json:"chat"`
	Date      int64  `json:"date" doc:"Unix time the message was sent"`
	Text      string `json:"text,omitempty"`
}

type User struct {
	_ struct{} `json:"-" additionalProperties:"true"`

	ID           int64  `json:"id"`
	IsBot        bool   `json:"is_bot"`
	FirstName    string `json:"first_name"`
	LastName     string `json:"last_name,omitempty"`
	Username     string `json:"username,omitempty"`
	LanguageCode string `json:"language_code,omitempty"`
}

type Chat struct {
	_ struct{} `json:"-" additionalProperties:"true"`

	ID        int64  `json:"id"`
	Type      string `json:"type" enum:"private,group,supergroup,channel"`
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
	Username  string `json:"username,omitempty"`
}
