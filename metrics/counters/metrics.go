package counters

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var messagesSent = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "ocpp",
	Name:      "messages_sent_total",
	Help:      "Total number of OCPP call messages sent to the central system.",
}, []string{"feature"})

var messagesConfirmed = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "ocpp",
	Name:      "messages_confirmed_total",
	Help:      "Total number of OCPP call messages acknowledged by the central system.",
}, []string{"feature"})

var callErrors = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "ocpp",
	Name:      "call_errors_total",
	Help:      "Total number of CallError replies received.",
}, []string{"feature", "code"})

var pendingMessagesGauge = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "ocpp",
	Name:      "messages_pending",
	Help:      "Messages waiting for delivery across queue and transaction files.",
})

var connectsCounter = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "ocpp",
	Name:      "connects_total",
	Help:      "Total number of websocket connections established.",
})

var storedSessions = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "storage",
	Name:      "sessions_stored",
	Help:      "Session files currently held in the offline pool.",
})

var repairsCounter = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "storage",
	Name:      "transaction_repairs_total",
	Help:      "Total number of transaction file repair attempts.",
})

var dataLossCounter = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "storage",
	Name:      "transaction_data_loss_total",
	Help:      "Total number of transaction files deleted as unrepairable.",
})

func ObserveMessageSent(feature string) {
	if len(feature) == 0 {
		return
	}
	messagesSent.With(prometheus.Labels{"feature": feature}).Inc()
}

func ObserveMessageConfirmed(feature string) {
	if len(feature) == 0 {
		return
	}
	messagesConfirmed.With(prometheus.Labels{"feature": feature}).Inc()
}

func ObserveCallError(feature, code string) {
	if len(feature) == 0 || len(code) == 0 {
		return
	}
	callErrors.With(prometheus.Labels{"feature": feature, "code": code}).Inc()
}

func ObservePendingMessages(count int) {
	pendingMessagesGauge.Set(float64(count))
}

func ObserveConnect() {
	connectsCounter.Inc()
}

func ObserveStoredSessions(count int) {
	storedSessions.Set(float64(count))
}

func ObserveRepair() {
	repairsCounter.Inc()
}

func ObserveDataLoss() {
	dataLossCounter.Inc()
}
