package ledger

import (
	"time"

	"gorm.io/datatypes"
)

// Run and intent statuses advance monotonically; the store rejects any
// attempt to move backwards.
const (
	StatusPlanned   = "PLANNED"
	StatusSubmitted = "SUBMITTED"
	StatusFilled    = "FILLED"
	StatusDone      = "DONE"
	StatusAborted   = "ABORTED"
)

var statusRank = map[string]int{
	StatusPlanned:   1,
	StatusSubmitted: 2,
	StatusFilled:    3,
	StatusDone:      3,
	StatusAborted:   3,
}

func terminalStatus(s string) bool {
	return statusRank[s] >= 3
}

// RunModel is one idempotency unit: at most one non-terminal run exists per
// input hash. Records are never deleted.
type RunModel struct {
	ID             string         `gorm:"primaryKey;size:64"`
	Date           string         `gorm:"size:16;index"`
	InputHash      string         `gorm:"size:64;index"`
	IntentHash     string         `gorm:"size:64"`
	Status         string         `gorm:"size:16;index"`
	BrokerOrderIDs datatypes.JSON `gorm:"type:json"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (RunModel) TableName() string { return "runs" }

// IntentModel records one logical intent inside a run. Its primary key is the
// deterministic id also used as the client-order-id prefix at the broker, so
// restart recovery can match broker-side orders back to the record.
type IntentModel struct {
	ID             string         `gorm:"primaryKey;size:64"`
	RunID          string         `gorm:"size:64;index"`
	Symbol         string         `gorm:"size:32;index"`
	Side           string         `gorm:"size:8"`
	Quantity       float64
	StrategyTag    string         `gorm:"size:64"`
	Status         string         `gorm:"size:16;index"`
	BrokerOrderIDs datatypes.JSON `gorm:"type:json"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (IntentModel) TableName() string { return "run_intents" }
