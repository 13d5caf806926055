package domain

// QueueMessage is the envelope carried through the delivery queue. Attempt is
// 0-based on first enqueue; the worker's attempt counter is Attempt+1.
type QueueMessage struct {
	EndpointID         string            `json:"endpoint_id"`
	DeliveryID         string            `json:"delivery_id"`
	RawBody            string            `json:"raw_body"`
	Headers            map[string]string `json:"headers"`
	ReceivedAt         int64             `json:"received_at"` // epoch ms
	Attempt            int               `json:"attempt"`
	ManualRetry        bool              `json:"manual_retry,omitempty"`
	OriginalDeliveryID string            `json:"original_delivery_id,omitempty"`
	DLQReplay          bool              `json:"dlq_replay,omitempty"`
	OriginalDLQKey     string            `json:"original_dlq_key,omitempty"`
}

// Key returns the delivery record identity the message belongs to.
func (m *QueueMessage) Key() DeliveryKey {
	return DeliveryKey{EndpointID: m.EndpointID, DeliveryID: m.DeliveryID}
}
