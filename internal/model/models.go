package model

// All lists every table the chat backend owns, in dependency order.
func All() []interface{} {
	return []interface{}{
		&Course{},
		&Note{},
		&Conversation{},
		&Message{},
	}
}
