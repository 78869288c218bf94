package indexer

// Agent identifies one agent and where its transcripts live. Projects lists
// transcript project directories relative to the transcripts root; when
// empty, discovery falls back to the global catalog and matches files by
// session id or working-directory membership under Workspace.
type Agent struct {
	ID        string
	Workspace string
	Projects  []string
}

// RunOptions controls one delta-indexing invocation.
type RunOptions struct {
	DryRun    bool
	BatchSize int
}

// FileResult reports what happened to one transcript during a run.
type FileResult struct {
	File            string `json:"file"`
	AlreadyIndexed  int    `json:"already_indexed"`
	CurrentLines    int    `json:"current_lines"`
	Delta           int    `json:"delta"`
	MessagesIndexed int    `json:"messages_indexed"`
	Error           string `json:"error,omitempty"`
}

// PendingReport describes one pending delta in dry-run mode.
type PendingReport struct {
	File           string `json:"file"`
	AlreadyIndexed int    `json:"already_indexed"`
	CurrentLines   int    `json:"current_lines"`
	DeltaToIndex   int    `json:"delta_to_index"`
}

// IndexDeltaResult is the outcome of one RunDelta call.
type IndexDeltaResult struct {
	Success                    bool            `json:"success"`
	DryRun                     bool            `json:"dry_run,omitempty"`
	NewConversationsDiscovered int             `json:"new_conversations_discovered"`
	ConversationsIndexed       int             `json:"conversations_indexed"`
	ConversationsNeedingIndex  int             `json:"conversations_needing_index"`
	TotalMessagesProcessed     int             `json:"total_messages_processed"`
	TotalDurationMs            int64           `json:"total_duration_ms"`
	Results                    []FileResult    `json:"results,omitempty"`
	Report                     []PendingReport `json:"report,omitempty"`
}
