package mq

// PaymentCallbackRoutingKey is where the gateway bridge publishes payment
// outcomes.
const PaymentCallbackRoutingKey = "payment.callback"

// PaymentCallbackPayload reports the outcome of a gateway operation.
type PaymentCallbackPayload struct {
	Reference string `json:"reference"`
	Status    string `json:"status"` // success / failed / pending
	Reason    string `json:"reason,omitempty"`
}
