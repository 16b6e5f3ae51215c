package domain

import "time"

// SagaState tracks one sale-creation attempt:
// Pending -> Reserving -> AllReserved -> Persisted, or
// Reserving/AllReserved -> LineFailed -> Compensating -> Failed.
type SagaState string

const (
	SagaPending      SagaState = "pending"
	SagaReserving    SagaState = "reserving"
	SagaAllReserved  SagaState = "all_reserved"
	SagaPersisted    SagaState = "persisted"
	SagaLineFailed   SagaState = "line_failed"
	SagaCompensating SagaState = "compensating"
	SagaFailed       SagaState = "failed"
)

var sagaTransitions = map[SagaState][]SagaState{
	SagaPending:      {SagaReserving},
	SagaReserving:    {SagaReserving, SagaAllReserved, SagaLineFailed},
	SagaAllReserved:  {SagaPersisted, SagaLineFailed},
	SagaLineFailed:   {SagaCompensating},
	SagaCompensating: {SagaFailed},
}

func (s SagaState) CanTransition(to SagaState) bool {
	for _, next := range sagaTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

func (s SagaState) Terminal() bool {
	return s == SagaPersisted || s == SagaFailed
}

type AlertKind string

const (
	AlertCompensationFailed AlertKind = "compensation_failed"
	AlertRestorationFailed  AlertKind = "restoration_failed"
)

// ReconciliationAlert carries enough context to fix a stuck reservation by hand.
type ReconciliationAlert struct {
	Kind        AlertKind  `json:"kind"`
	SourceID    string     `json:"sourceId"` // sale or refund id
	OperationID string     `json:"operationId"`
	StoreID     string     `json:"storeId"`
	ProductID   string     `json:"productId"`
	Quantity    int        `json:"quantity"`
	IntentKind  IntentKind `json:"intentKind"`
	Error       string     `json:"error"`
	At          time.Time  `json:"at"`
}
