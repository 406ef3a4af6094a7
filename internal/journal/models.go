package journal

// EventRecord is one stream event as it crossed the wire, after
// normalization. PayloadJSON keeps the raw payload for later inspection.
type EventRecord struct {
	ID             int64  `gorm:"column:id;primaryKey;autoIncrement"`
	EventID        string `gorm:"column:event_id;not null;default:'';index"`
	ExecutionID    string `gorm:"column:execution_id;not null;default:'';index"`
	ConversationID string `gorm:"column:conversation_id;not null;default:'';index"`
	TraceID        string `gorm:"column:trace_id;not null;default:''"`
	Sequence       int    `gorm:"column:sequence;not null;default:0"`
	QueueIndex     int    `gorm:"column:queue_index;not null;default:0"`
	EventType      string `gorm:"column:event_type;not null"`
	Timestamp      string `gorm:"column:timestamp;not null;default:''"`
	PayloadJSON    string `gorm:"column:payload_json;not null;default:''"`
	RecordedAt     int64  `gorm:"column:recorded_at;not null;default:0"`
}

func (EventRecord) TableName() string { return "events" }

// TransitionRecord is one applied state change. Duplicates never reach this
// table; only events that actually moved an execution do.
type TransitionRecord struct {
	ID             int64  `gorm:"column:id;primaryKey;autoIncrement"`
	ConversationID string `gorm:"column:conversation_id;not null;default:'';index"`
	ExecutionID    string `gorm:"column:execution_id;not null;default:'';index"`
	EventID        string `gorm:"column:event_id;not null;default:''"`
	EventType      string `gorm:"column:event_type;not null"`
	PreviousState  string `gorm:"column:previous_state;not null;default:''"`
	NextState      string `gorm:"column:next_state;not null;default:''"`
	RecordedAt     int64  `gorm:"column:recorded_at;not null;default:0"`
}

func (TransitionRecord) TableName() string { return "transitions" }
