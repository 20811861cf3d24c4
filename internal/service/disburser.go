package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/trustbridge/escrow-service/internal/escrow"
)

// KafkaDisburser hands payout requests to the disbursement capability over
// a Kafka topic. The message key is the payout's idempotency key, which the
// capability uses for exactly-once processing; outcomes come back through
// IngestPayoutOutcome.
type KafkaDisburser struct {
	writer *kafka.Writer
}

func NewKafkaDisburser(w *kafka.Writer) *KafkaDisburser {
	return &KafkaDisburser{writer: w}
}

func (d *KafkaDisburser) Send(ctx context.Context, req PayoutRequest) (PayoutHandle, error) {
	payload, err := json.Marshal(map[string]interface{}{
		"idempotency_key": req.IdempotencyKey,
		"payout_id":       req.PayoutID,
		"vendor_id":       req.VendorID,
		"currency":        req.Currency,
		"amount":          req.Amount,
	})
	if err != nil {
		return PayoutHandle{}, err
	}
	msg := kafka.Message{
		Key:   []byte(req.IdempotencyKey),
		Value: payload,
		Time:  time.Now(),
	}
	if err := d.writer.WriteMessages(ctx, msg); err != nil {
		return PayoutHandle{}, fmt.Errorf("%w: publish payout request: %v", escrow.ErrExternalService, err)
	}
	return PayoutHandle{HandleID: req.IdempotencyKey}, nil
}
