package hosted

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	handlerpkg "github.com/relaycore/relaycore/internal/runtime/handlers"
	"github.com/relaycore/relaycore/internal/runtime/jsoncodec"
	"github.com/relaycore/relaycore/transport/kafka"
)

func TestMetadataToHeadersCopiesEntries(t *testing.T) {
	meta := message.Metadata{"a": "1", "b": "2"}
	headers := metadataToHeaders(meta)

	assert.Equal(t, map[string]string{"a": "1", "b": "2"}, headers)

	headers["a"] = "mutated"
	assert.Equal(t, "1", meta.Get("a"), "mutating the returned map must not alias the source metadata")
}

func TestMetadataToHeadersEmpty(t *testing.T) {
	headers := metadataToHeaders(message.Metadata{})
	assert.Empty(t, headers)
}

func TestStartAndWaitWithNoLoopsConfiguredReturnsImmediately(t *testing.T) {
	l := &Loops{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	l.Start(ctx)

	done := make(chan struct{})
	go func() {
		l.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("expected Wait to return immediately when no loops are configured")
	}
}

func TestRunQueueWorkerNoopsWithoutSubscriberOrEngine(t *testing.T) {
	l := &Loops{}
	l.runQueueWorker(context.Background(), "orders")
}

func TestRunStreamWorkerNoopsWithoutSubscriberOrEngine(t *testing.T) {
	l := &Loops{}
	l.runStreamWorker(context.Background(), "orders")
}

func TestDecodeQueueDeliveryPrefersEnvelopeID(t *testing.T) {
	envelope, err := jsoncodec.EncodeEnvelope("evt-1", "OrderPlaced", map[string]string{"foo": "bar"})
	require.NoError(t, err)

	msg := message.NewMessage("watermill-uuid-unrelated-to-event", envelope)

	typeName, messageID, payload := decodeQueueDelivery(msg)
	assert.Equal(t, "OrderPlaced", typeName)
	assert.Equal(t, "evt-1", messageID)
	assert.NotEqual(t, msg.UUID, messageID)

	var decoded map[string]string
	require.NoError(t, jsoncodec.Unmarshal(payload, &decoded))
	assert.Equal(t, "bar", decoded["foo"])
}

func TestDecodeQueueDeliveryFallsBackWithoutEnvelope(t *testing.T) {
	msg := message.NewMessage("watermill-uuid", []byte(`{"foo":"bar"}`))
	msg.Metadata.Set(handlerpkg.MetadataKeyEventSchema, "OrderPlaced")

	typeName, messageID, payload := decodeQueueDelivery(msg)
	assert.Equal(t, "OrderPlaced", typeName)
	assert.Equal(t, "watermill-uuid", messageID)
	assert.Equal(t, msg.Payload, payload)
}

func TestDecodeStreamDeliveryPrefersEnvelopeIDAcrossOffsets(t *testing.T) {
	envelope, err := jsoncodec.EncodeEnvelope("evt-1", "OrderPlaced", map[string]string{"foo": "bar"})
	require.NoError(t, err)

	first := kafka.Record{Topic: "orders", Key: "OrderPlaced", Value: envelope, Partition: 0, Offset: 10}
	second := kafka.Record{Topic: "orders", Key: "OrderPlaced", Value: envelope, Partition: 0, Offset: 11}

	_, firstID, _ := decodeStreamDelivery(first)
	_, secondID, _ := decodeStreamDelivery(second)

	assert.Equal(t, "evt-1", firstID)
	assert.Equal(t, firstID, secondID, "two republishes of the same event must resolve to the same idempotency key")
}

func TestDecodeStreamDeliveryFallsBackWithoutEnvelope(t *testing.T) {
	rec := kafka.Record{Topic: "orders", Key: "OrderPlaced", Value: []byte("not-an-envelope"), Partition: 0, Offset: 5}

	typeName, messageID, payload := decodeStreamDelivery(rec)
	assert.Equal(t, "OrderPlaced", typeName)
	assert.Equal(t, "orders-0-5", messageID)
	assert.Equal(t, rec.Value, payload)
}

func TestHealthzHandlerOKWithoutOutbox(t *testing.T) {
	l := &Loops{}
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()

	l.HealthzHandler(time.Minute).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}
