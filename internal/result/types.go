package result

// SessionResult is the final record of one session, printed as the RESULT
// line and stored as result.json.
type SessionResult struct {
	Success     bool               `json:"success"`
	SessionID   string             `json:"session_id"`
	Task        string             `json:"task"`
	Winner      string             `json:"winner,omitempty"`
	WinnerKey   string             `json:"winner_key,omitempty"`
	Branch      string             `json:"branch,omitempty"`
	BranchBase  string             `json:"branch_base,omitempty"`
	Round       int                `json:"round,omitempty"`
	Rounds      int                `json:"rounds"`
	Score       int                `json:"score,omitempty"`
	Forced      bool               `json:"forced,omitempty"`
	Scores      map[string]int     `json:"scores"`
	ElapsedS    float64            `json:"elapsed"`
	PRURL       string             `json:"pr_url,omitempty"`
	Phase       string             `json:"phase"`
	Error       string             `json:"error,omitempty"`
	Notes       []string           `json:"notes,omitempty"`
	Ledger      string             `json:"ledger,omitempty"`
	Competitors []CompetitorResult `json:"competitors"`
}

type CompetitorResult struct {
	Key        string   `json:"key"`
	ID         string   `json:"id"`
	Round      int      `json:"round"`
	Status     string   `json:"status"`
	Score      *int     `json:"score,omitempty"`
	Iterations int      `json:"iterations"`
	DurationS  float64  `json:"duration_s"`
	Error      string   `json:"error,omitempty"`
	Files      []string `json:"files,omitempty"`
}
