package model

// ChatType kind of chat a whiteboard session belongs to
type ChatType string

const (
	ChatTypeDM      ChatType = "DM"
	ChatTypeChannel ChatType = "CHANNEL"
)

func (t ChatType) String() string {
	return string(t)
}

// Valid reports whether the value is a known chat type
func (t ChatType) Valid() bool {
	return t == ChatTypeDM || t == ChatTypeChannel
}

// ChatLogType kind of persisted chat entry
type ChatLogType string

const (
	ChatLogTypeText     ChatLogType = "TEXT"
	ChatLogTypeSnapshot ChatLogType = "SNAPSHOT"
)

func (t ChatLogType) String() string {
	return string(t)
}
