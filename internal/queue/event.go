// Package queue carries deferred jobs and payment signals over RabbitMQ.
package queue

// JobMessage hands a claimed deferred job to a worker.  The worker loads
// the row by id, so the message itself carries no state.
type JobMessage struct {
	JobID string `json:"job_id"`
	Kind  string `json:"kind"`
}

// PaymentCapturedRoutingKey is the topic the payment service publishes on
// once the gateway captures a charge.
const PaymentCapturedRoutingKey = "payment.captured"

// PaymentCapturedEvent is published by the payment service when a charge
// is captured.  Only the payment id is needed to start the payout hold.
type PaymentCapturedEvent struct {
	Event   string `json:"event"`
	Version int    `json:"version"`
	Data    struct {
		PaymentID   uint64 `json:"payment_id"`
		BookingID   uint64 `json:"booking_id"`
		AmountCents int64  `json:"amount_cents"`
		Currency    string `json:"currency"`
	} `json:"data"`
}
