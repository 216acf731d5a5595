package internal

import "time"

// LineSink receives formatted log lines for durable storage. Implemented by the
// diagnostics ring log; the sink must not log back through the Logger.
type LineSink interface {
	WriteLine(severity byte, line string) error
}

// StatusNotifier is the operator-visible error channel. Irrecoverable loss of
// transaction data is reported here so billing records can be reconciled out of
// band; it is never silent.
type StatusNotifier interface {
	StatusNotification(errorCode, info string)
}

// MeterReader supplies the live energy reading used for session energy updates.
type MeterReader interface {
	ReadEnergy() (float64, error)
}

// Clock reports wall-clock time and whether it has been synchronized (NTP).
// Records taken before synchronization are flagged with an unreliable clock.
type Clock interface {
	Now() time.Time
	IsReliable() bool
}
