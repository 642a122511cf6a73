//go:generate go run go.uber.org/mock/mockgen -source=notify.go -destination=mocks/mock_notify.go -package=mocks

package chat

// Notifier receives committed state changes for real-time delivery.
// Calls happen after the store write and must not block; delivery is best effort.
type Notifier interface {
	MessageAppended(c Chat, m Message)
	ChatCreated(c Chat, recipients []string)
	MessagesRead(chatID, readerID string, localIDs []string)
	ChatUpdated(c Chat)
}

// NopNotifier drops every event.
type NopNotifier struct{}

func (NopNotifier) MessageAppended(Chat, Message)         {}
func (NopNotifier) ChatCreated(Chat, []string)            {}
func (NopNotifier) MessagesRead(string, string, []string) {}
func (NopNotifier) ChatUpdated(Chat)                      {}
