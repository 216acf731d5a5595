package session

import (
	"time"
)

// ChargeSession is the evolving summary of one charging session. It is mirrored
// to a numbered flash file on every significant event so a crash leaves a
// recoverable partial record. Field names match the stored JSON document.
type ChargeSession struct {
	SessionId          string  `json:"SessionId"`
	Energy             float64 `json:"Energy"`
	StartDateTime      string  `json:"StartDateTime"`
	EndDateTime        string  `json:"EndDateTime"`
	ReliableClock      bool    `json:"ReliableClock"`
	StoppedByRFID      bool    `json:"StoppedByRFID"`
	StoppedById        string  `json:"StoppedById"`
	StoppedReason      string  `json:"StoppedReason"`
	AuthenticationCode string  `json:"AuthenticationCode"`
	SignedSession      string  `json:"SignedSession"`
}

func (s *ChargeSession) IsComplete() bool {
	return s.EndDateTime != ""
}

// Timestamp layout shared by outbound requests and stored records.
const TimeLayout = "2006-01-02T15:04:05.000Z"

func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// Signed energy ledger entry labels (OCMF): Begin, Tick, End.
const (
	LabelBegin byte = 'B'
	LabelTick  byte = 'T'
	LabelEnd   byte = 'E'
)

// SignedEntry is one fixed-size signed energy reading appended to the session
// file. Begin must come first, End closes the ledger.
type SignedEntry struct {
	Label     byte
	Timestamp int32
	Energy    float64
}
