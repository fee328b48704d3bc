package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"auth-core/internal/encryption"
	"auth-core/internal/events"
	"auth-core/internal/model"
	"auth-core/internal/util"
)

// DeliveryChannel hands a one-time secret to the SMS/email transport.
type DeliveryChannel interface {
	Deliver(ctx context.Context, channel model.OTPChannel, recipient, code string) error
}

// LogDeliveryChannel is the development transport: it logs that a message
// would be sent, never the secret itself.
type LogDeliveryChannel struct{}

func (LogDeliveryChannel) Deliver(_ context.Context, channel model.OTPChannel, recipient, _ string) error {
	util.Info("OTP delivery simulated",
		zap.String("channel", string(channel)),
		util.Recipient(recipient))
	return nil
}

const deliveryPurpose = "otp_delivery"

// DeliveryMessage is the outbox record consumed by the notification workers.
type DeliveryMessage struct {
	Channel   model.OTPChannel          `json:"channel"`
	Recipient string                    `json:"recipient"`
	Payload   *encryption.EncryptedData `json:"payload"`
	QueuedAt  time.Time                 `json:"queued_at"`
}

// KafkaDeliveryChannel writes an envelope-encrypted delivery request to the
// outbox topic; the code is readable only by holders of the KMS key.
type KafkaDeliveryChannel struct {
	producer   events.MessageProducer
	topic      string
	encryption *encryption.Manager
}

func NewKafkaDeliveryChannel(producer events.MessageProducer, topic string, enc *encryption.Manager) *KafkaDeliveryChannel {
	return &KafkaDeliveryChannel{producer: producer, topic: topic, encryption: enc}
}

func (k *KafkaDeliveryChannel) Deliver(ctx context.Context, channel model.OTPChannel, recipient, code string) error {
	payload, err := k.encryption.EncryptField(ctx, code, deliveryPurpose)
	if err != nil {
		return fmt.Errorf("failed to encrypt delivery payload: %w", err)
	}

	value, err := json.Marshal(&DeliveryMessage{
		Channel:   channel,
		Recipient: recipient,
		Payload:   payload,
		QueuedAt:  time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal delivery message: %w", err)
	}

	headers := map[string]string{"channel": string(channel)}
	if err := k.producer.ProduceMessage(ctx, k.topic, []byte(recipient), value, headers); err != nil {
		return fmt.Errorf("failed to queue delivery: %w", err)
	}
	return nil
}
