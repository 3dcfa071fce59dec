package query

import (
	"time"

	"github.com/shopspring/decimal"
)

// LotSummary is one row of the lots read model.
type LotSummary struct {
	LotID        uint64          `json:"lot_id"`
	Creator      string          `json:"creator"`
	Primary      string          `json:"primary"`
	Counter      string          `json:"counter"`
	Asset        string          `json:"asset"`
	StartTime    time.Time       `json:"start_time"`
	EndTime      time.Time       `json:"end_time"`
	Private      bool            `json:"private"`
	Challenge    bool            `json:"challenge"`
	TotalA       decimal.Decimal `json:"total_a"`
	TotalB       decimal.Decimal `json:"total_b"`
	Resolved     bool            `json:"resolved"`
	Outcome      string          `json:"outcome,omitempty"`
	Winner       string          `json:"winner,omitempty"`
	FeeAccrued   decimal.Decimal `json:"fee_accrued"`
	LastSequence int64           `json:"last_sequence"`
	AsOfSequence int64           `json:"as_of_sequence"`
}

// LotFilter narrows ListLots. Zero values match everything.
type LotFilter struct {
	Creator  string
	Resolved *bool
	AfterID  uint64
	Limit    int
}

// Participation is one address's standing in one lot.
type Participation struct {
	LotID        uint64          `json:"lot_id"`
	Address      string          `json:"address"`
	Side         string          `json:"side"`
	DepositA     decimal.Decimal `json:"deposit_a"`
	DepositB     decimal.Decimal `json:"deposit_b"`
	Invited      bool            `json:"invited"`
	Refunded     bool            `json:"refunded"`
	Claimed      bool            `json:"claimed"`
	AsOfSequence int64           `json:"as_of_sequence"`
}

// JournalHistoryEntry represents a journal entry for API queries.
type JournalHistoryEntry struct {
	JournalID     string          `json:"journal_id"`
	BatchID       string          `json:"batch_id"`
	EventRef      string          `json:"event_ref"`
	Sequence      int64           `json:"sequence"`
	DebitAccount  string          `json:"debit_account"`
	CreditAccount string          `json:"credit_account"`
	Asset         string          `json:"asset"`
	Amount        decimal.Decimal `json:"amount"`
	JournalType   string          `json:"journal_type"`
	Timestamp     int64           `json:"timestamp"`
}

// EventSummary is one stored event without its hashes.
type EventSummary struct {
	Sequence  int64     `json:"sequence"`
	EventType string    `json:"event_type"`
	Operation string    `json:"operation"`
	RequestID string    `json:"request_id,omitempty"`
	LotID     uint64    `json:"lot_id,omitempty"`
	Payload   string    `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
}

// IntegrityReport is the result of an integrity verification check.
type IntegrityReport struct {
	IsHealthy        bool              `json:"is_healthy"`
	HashChainBreaks  []int64           `json:"hash_chain_breaks,omitempty"`
	UnbalancedAssets []UnbalancedAsset `json:"unbalanced_assets,omitempty"`
	NegativeEscrows  []string          `json:"negative_escrows,omitempty"`
}

// UnbalancedAsset represents an asset with non-zero global balance sum.
type UnbalancedAsset struct {
	Asset     string          `json:"asset"`
	Imbalance decimal.Decimal `json:"imbalance"`
}
