package notify

import (
	"encoding/json"
	"fmt"
)

// ModerationUsername is the author shown on moderation notices.
const ModerationUsername = "<<MODERATION>>"

type Kind uint8

const (
	KindChat Kind = iota
	KindDisconnect
)

func (k Kind) String() string {
	switch k {
	case KindChat:
		return "chat"
	case KindDisconnect:
		return "disconnect"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Notification is either a chat line or the Disconnect sentinel.
// Fields are unexported so a value cannot change once built.
type Notification struct {
	kind     Kind
	username string
	content  string
}

func Chat(username, content string) Notification {
	return Notification{kind: KindChat, username: username, content: content}
}

func Disconnect() Notification {
	return Notification{kind: KindDisconnect}
}

func (n Notification) Kind() Kind         { return n.kind }
func (n Notification) IsDisconnect() bool { return n.kind == KindDisconnect }
func (n Notification) Username() string   { return n.username }
func (n Notification) Content() string    { return n.content }

// String renders the console form "<username>: <content>".
func (n Notification) String() string {
	if n.IsDisconnect() {
		return "<disconnect>"
	}
	return n.username + ": " + n.content
}

type payload struct {
	Username string `json:"username"`
	Content  string `json:"content"`
}

// MarshalJSON encodes a chat notification as {"username","content"}.
// The sentinel encodes as null.
func (n Notification) MarshalJSON() ([]byte, error) {
	if n.IsDisconnect() {
		return []byte("null"), nil
	}
	return json.Marshal(payload{Username: n.username, Content: n.content})
}
