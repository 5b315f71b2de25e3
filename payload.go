package taskmq

import (
	"encoding/json"

	"github.com/edgar-durand/cloud-taskmq-go/store"
)

// DeliveryPayload is the wire contract between dispatcher and consumer: the
// body the producer registers for delivery and the body ProcessDelivery
// accepts. The shape must be preserved bit-compatibly across
// implementations.
type DeliveryPayload struct {
	TaskID        string           `json:"taskId"`
	QueueName     string           `json:"queueName"`
	Data          json.RawMessage  `json:"data"`
	Attempts      int              `json:"attempts"`
	MaxAttempts   int              `json:"maxAttempts"`
	Chain         *store.ChainInfo `json:"chain"`
	UniquenessKey *string          `json:"uniquenessKey"`
}

func payloadFromTask(t *store.Task) DeliveryPayload {
	p := DeliveryPayload{
		TaskID:      t.ID,
		QueueName:   t.QueueName,
		Data:        t.Data,
		Attempts:    t.Attempts,
		MaxAttempts: t.MaxAttempts,
		Chain:       t.Chain,
	}
	if t.UniquenessKey != "" {
		key := t.UniquenessKey
		p.UniquenessKey = &key
	}
	return p
}
