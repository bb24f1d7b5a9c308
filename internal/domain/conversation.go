package domain

// QAPair is one completed question/answer exchange.
type QAPair struct {
	Question string
	Answer   string
}

// LogKey identifies a persisted conversation log.
type LogKey struct {
	Tenant            string
	UserID            string
	BusinessSessionID string
}

// ConversationLog is the durable record of a business session.
type ConversationLog struct {
	LogKey
	ScenarioID string
	Summary    string
	Pairs      []QAPair
	Deleted    bool
	UpdatedAt  string
}

// LogFields are the attributes overwritten on every log upsert.
// KeepSummary leaves a stored summary untouched.
type LogFields struct {
	ScenarioID  string
	Summary     string
	KeepSummary bool
	Deleted     bool
}
