package transaction

import (
	"chargerd/ocpp"
	"errors"
)

var ErrQueueFull = errors.New("transaction message queue is full")

type queuedMessage struct {
	enqueuedAt    int64
	transactionId int
	request       *ocpp.MeterValuesRequest
}

// messageQueue is the in-memory fast path for meter values of a transaction
// whose id is already known. It is bounded and strictly FIFO; access is
// serialized by the owning ledger's lock.
type messageQueue struct {
	items []queuedMessage
	max   int
}

func newMessageQueue(max int) *messageQueue {
	if max <= 0 {
		max = 1
	}
	return &messageQueue{max: max}
}

func (q *messageQueue) push(m queuedMessage) error {
	if len(q.items) >= q.max {
		return ErrQueueFull
	}
	q.items = append(q.items, m)
	return nil
}

// peek returns the oldest message without removing it; removal happens on
// delivery confirmation so an unconfirmed message is offered again.
func (q *messageQueue) peek() (queuedMessage, bool) {
	if len(q.items) == 0 {
		return queuedMessage{}, false
	}
	return q.items[0], true
}

func (q *messageQueue) pop() {
	if len(q.items) > 0 {
		q.items = q.items[1:]
	}
}

func (q *messageQueue) size() int {
	return len(q.items)
}

func (q *messageQueue) clear() {
	q.items = nil
}

// updateTransactionId rewrites the transaction id carried by queued messages
// once the permanent id arrives.
func (q *messageQueue) updateTransactionId(oldId, newId int) {
	for i := range q.items {
		if q.items[i].transactionId == oldId {
			id := newId
			q.items[i].transactionId = newId
			q.items[i].request.TransactionId = &id
		}
	}
}
