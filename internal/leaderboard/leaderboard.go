package leaderboard

import "github.com/google/uuid"

type LeaderboardEntry struct {
	MemberID uuid.UUID `json:"member_id" db:"member_id"`
	Scans    int       `json:"scans" db:"scans"`
	Rank     int       `json:"rank" db:"rank"`
}

type Leaderboard struct {
	Period       string              `json:"period"`
	Entries      []*LeaderboardEntry `json:"entries"`
	UserPosition *LeaderboardEntry   `json:"user_position"`
	TotalUsers   int                 `json:"total_users"`
}

// Drift is one member whose cached score disagreed with the ledger.
type Drift struct {
	MemberID uuid.UUID `json:"member_id"`
	Cached   int       `json:"cached"`
	Ledger   int       `json:"ledger"`
}

type ReconcileResult struct {
	Period    string  `json:"period"`
	Checked   int     `json:"checked"`
	Corrected []Drift `json:"corrected"`
	Removed   int     `json:"removed"`
}
