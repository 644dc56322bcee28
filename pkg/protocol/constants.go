package protocol

// Directory and file names used throughout chorus.
const (
	// ChorusDir is the user-level state directory (e.g., ~/.chorus).
	ChorusDir = ".chorus"

	// LogFile is the append-only event log.
	LogFile = "events.jsonl"

	// InputFile is the user-input channel.
	InputFile = "input.jsonl"

	// OutboxDir holds one record file per pending action.
	OutboxDir = "outbox"

	// IndexFile is the sqlite query index mirroring the event log.
	IndexFile = "index.db"
)
