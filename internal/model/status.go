package model

import "time"

// ProcessingStatus describes the resolution pipeline's single-flight state.
// One instance lives for the process lifetime; it is mutated only through the
// gate's acquire/update/release operations. Field names follow the monitoring
// endpoint contract.
type ProcessingStatus struct {
	IsProcessing bool      `json:"isProcessing"`
	CurrentStep  string    `json:"currentStep"`
	CurrentEmail string    `json:"currentEmail,omitempty"`
	CurrentPO    string    `json:"currentPO,omitempty"`
	ItemIndex    int       `json:"itemIndex"`
	ItemTotal    int       `json:"itemTotal"`
	StartedAt    time.Time `json:"startedAt,omitempty"`
	UpdatedAt    time.Time `json:"updatedAt,omitempty"`
}
