package domain

import "fmt"

// DLQKeyPrefix is the blob-store namespace for dead-letter items.
const DLQKeyPrefix = "dlq/"

// DeadLetterItem is the write-once blob stored for a permanently failed
// delivery: everything needed to replay it plus the failure metadata.
type DeadLetterItem struct {
	EndpointID        string            `json:"endpoint_id"`
	DeliveryID        string            `json:"delivery_id"`
	OriginalPayload   string            `json:"original_payload"`
	OriginalHeaders   map[string]string `json:"original_headers"`
	OriginalTimestamp int64             `json:"original_timestamp"` // epoch ms
	AttemptCount      int               `json:"attempt_count"`
	FinalError        string            `json:"final_error"`
	Reason            string            `json:"reason"`
}

// DLQKey builds the stable blob key for a failed delivery.
func DLQKey(endpointID, deliveryID string) string {
	return fmt.Sprintf("%s%s/%s", DLQKeyPrefix, endpointID, deliveryID)
}

// DLQEndpointPrefix builds the listing prefix for one endpoint's items.
func DLQEndpointPrefix(endpointID string) string {
	return DLQKeyPrefix + endpointID + "/"
}
