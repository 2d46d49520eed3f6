package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emilioale04/steam-clone-sub000/internal/logging"
)

func TestKafkaRecorder_PublishesEvent(t *testing.T) {
	producer := mocks.NewAsyncProducer(t, nil)
	producer.ExpectInputWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		if msg.Topic != "wallet.audit" {
			return fmt.Errorf("unexpected topic %q", msg.Topic)
		}
		key, err := msg.Key.Encode()
		if err != nil {
			return err
		}
		if string(key) != "acct-1" {
			return fmt.Errorf("unexpected key %q", key)
		}
		raw, err := msg.Value.Encode()
		if err != nil {
			return err
		}
		var got Event
		if err := json.Unmarshal(raw, &got); err != nil {
			return err
		}
		if got.Type != EventReloadCompleted || !got.Amount.Equal(decimal.RequireFromString("10.00")) {
			return fmt.Errorf("unexpected event %+v", got)
		}
		return nil
	})

	r := NewKafkaRecorder(producer, "wallet.audit", logging.Discard())
	r.Record(context.Background(), Event{
		Type:          EventReloadCompleted,
		AccountID:     "acct-1",
		TransactionID: "tx-1",
		Amount:        decimal.RequireFromString("10.00"),
		BalanceAfter:  decimal.NewNullDecimal(decimal.RequireFromString("10.00")),
		OccurredAt:    time.Now().UTC(),
	})
	require.NoError(t, r.Close())
}

func TestKafkaRecorder_ProducerErrorsAreDrained(t *testing.T) {
	producer := mocks.NewAsyncProducer(t, nil)
	producer.ExpectInputAndFail(errors.New("broker unavailable"))

	r := NewKafkaRecorder(producer, "wallet.audit", logging.Discard())
	r.Record(context.Background(), Event{Type: EventOperationFailed, AccountID: "acct-1", Reason: "conflict"})
	assert.NoError(t, r.Close())
}

func TestKafkaRecorder_RecordAfterCloseIsDropped(t *testing.T) {
	producer := mocks.NewAsyncProducer(t, nil)
	r := NewKafkaRecorder(producer, "wallet.audit", logging.Discard())
	require.NoError(t, r.Close())

	assert.NotPanics(t, func() {
		r.Record(context.Background(), Event{Type: EventReloadCompleted, AccountID: "acct-1"})
	})
	assert.NoError(t, r.Close())
}
