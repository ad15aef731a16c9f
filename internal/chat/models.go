// Package chat defines the webhook update shapes and the transport surface
// the gateway needs from the chat platform.
package chat

// Update is one inbound webhook payload.
type Update struct {
	UpdateID      int64          `json:"update_id"`
	Message       *Message       `json:"message,omitempty"`
	CallbackQuery *CallbackQuery `json:"callback_query,omitempty"`
}

// Message is a text message in a chat.
type Message struct {
	MessageID int64  `json:"message_id"`
	From      *User  `json:"from,omitempty"`
	Chat      Chat   `json:"chat"`
	Text      string `json:"text,omitempty"`
}

// User identifies the sender.
type User struct {
	ID int64 `json:"id"`
}

// Chat identifies the conversation.
type Chat struct {
	ID int64 `json:"id"`
}

// CallbackQuery is an inline-keyboard button press.
type CallbackQuery struct {
	ID      string   `json:"id"`
	From    *User    `json:"from,omitempty"`
	Message *Message `json:"message,omitempty"`
	Data    string   `json:"data,omitempty"`
}

// ReplyMarkup carries an inline keyboard.
type ReplyMarkup struct {
	InlineKeyboard [][]InlineButton `json:"inline_keyboard"`
}

// InlineButton is one inline-keyboard button.
type InlineButton struct {
	Text         string `json:"text"`
	CallbackData string `json:"callback_data"`
}

// ConfirmKeyboard builds the two-button confirm/cancel markup used by the
// two-phase configuration flows.
func ConfirmKeyboard(confirmData, cancelData string) *ReplyMarkup {
	return &ReplyMarkup{InlineKeyboard: [][]InlineButton{{
		{Text: "Confirm", CallbackData: confirmData},
		{Text: "Cancel", CallbackData: cancelData},
	}}}
}
