package memory

import "context"

// EventStore persists messages, edit history, reactions and user profiles.
type EventStore interface {
	SaveMessage(ctx context.Context, msg Message) (Message, error)
	GetMessage(ctx context.Context, conversationID, nativeID string) (Message, error)
	RecordEdit(ctx context.Context, conversationID, nativeID, newText string, editedAtMS int64) error
	ListEdits(ctx context.Context, conversationID, nativeID string) ([]Edit, error)
	ReconcileReactions(ctx context.Context, conversationID, nativeID, authorID string, added, removed []string) error
	ListReactions(ctx context.Context, conversationID, nativeID string) ([]Reaction, error)
	SetDerivedContext(ctx context.Context, conversationID, nativeID, text string) error
	RecentWindow(ctx context.Context, conversationID string, limit int) ([]MessageView, error)
	AscendingRange(ctx context.Context, conversationID string, skip, limit int) ([]MessageView, error)
	Count(ctx context.Context, conversationID string) (int, error)
	ListConversations(ctx context.Context) ([]string, error)

	UpsertUser(ctx context.Context, profile UserProfile) error
	GetUser(ctx context.Context, id string) (UserProfile, error)
	UserHistory(ctx context.Context, id string) ([]UserChange, error)
}

// SummaryStore persists rollup nodes with write-once semantics per key.
type SummaryStore interface {
	CountSummaries(ctx context.Context, conversationID string, level int) (int, error)
	ListSummaries(ctx context.Context, conversationID string, level, skip, limit int) ([]Summary, error)
	// UpsertSummary inserts the summary unless its key exists. created is false
	// when another writer got there first.
	UpsertSummary(ctx context.Context, sum Summary) (created bool, err error)
	MaxSummaryLevel(ctx context.Context, conversationID string) (level int, ok bool, err error)
}

// MemoryStore persists pinned facts.
type MemoryStore interface {
	AddMemory(ctx context.Context, mem Memory) (Memory, error)
	ListMemories(ctx context.Context, conversationID string) ([]Memory, error)
	DeleteMemory(ctx context.Context, id string) error
}

// JobStore is the durable background task queue.
type JobStore interface {
	EnqueueJob(ctx context.Context, job Job) error
	ClaimNextJob(ctx context.Context, nowMS, leaseForMS int64) (Job, bool, error)
	RenewJobLease(ctx context.Context, id string, leaseUntilMS int64) error
	CompleteJob(ctx context.Context, id string) error
	FailJob(ctx context.Context, id, errMsg string) error
	CountJobs(ctx context.Context, status string) (int, error)
}

// Store provides durable persistence for all conversation state.
type Store interface {
	EventStore
	SummaryStore
	MemoryStore
	JobStore
	Close() error
}

// Summarizer condenses text blocks under an instruction.
type Summarizer interface {
	Summarize(ctx context.Context, blocks []string, instruction string) (string, error)
}

// Describer produces a text description of an attachment.
type Describer interface {
	Describe(ctx context.Context, url, contentType string) (string, error)
}
