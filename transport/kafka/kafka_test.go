package kafka

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTransportName(t *testing.T) {
	assert.Equal(t, "kafka", TransportName)
}

func TestCapabilities(t *testing.T) {
	caps := Capabilities()
	assert.Equal(t, "kafka", caps.Name)
	assert.True(t, caps.SupportsPartitioning)
	assert.False(t, caps.SupportsNack)
}

func TestRecordRetryCount(t *testing.T) {
	tests := []struct {
		name    string
		headers map[string]string
		want    int
	}{
		{"missing header", map[string]string{}, 0},
		{"zero", map[string]string{HeaderCountOfRetry: "0"}, 0},
		{"three", map[string]string{HeaderCountOfRetry: "3"}, 3},
		{"malformed", map[string]string{HeaderCountOfRetry: "not-a-number"}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := Record{Headers: tt.headers}
			assert.Equal(t, tt.want, rec.retryCount())
		})
	}
}

func TestSubscriberGate(t *testing.T) {
	s := &Subscriber{service: "orders"}
	group := "orders-order.created"

	tests := []struct {
		name    string
		headers map[string]string
		want    bool
	}{
		{
			name:    "fresh publish from any service",
			headers: map[string]string{HeaderGroupID: "", HeaderCountOfRetry: "0"},
			want:    true,
		},
		{
			name:    "own retry republish",
			headers: map[string]string{HeaderGroupID: group, HeaderCountOfRetry: "1"},
			want:    true,
		},
		{
			name:    "another service's retry republish",
			headers: map[string]string{HeaderGroupID: "billing-order.created", HeaderCountOfRetry: "1"},
			want:    false,
		},
		{
			name:    "own group but zero retry count is not for us",
			headers: map[string]string{HeaderGroupID: group, HeaderCountOfRetry: "0"},
			want:    false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := Record{Headers: tt.headers}
			assert.Equal(t, tt.want, s.gate(group, "order.created", rec))
		})
	}
}

func TestJoinBrokers(t *testing.T) {
	assert.Equal(t, "", joinBrokers(nil))
	assert.Equal(t, "a:9092", joinBrokers([]string{"a:9092"}))
	assert.Equal(t, "a:9092,b:9092", joinBrokers([]string{"a:9092", "b:9092"}))
}

func TestToKafkaHeaders(t *testing.T) {
	headers := toKafkaHeaders(map[string]string{HeaderGroupID: "g", HeaderCountOfRetry: "2"})
	found := map[string]string{}
	for _, h := range headers {
		found[h.Key] = string(h.Value)
	}
	assert.Equal(t, "g", found[HeaderGroupID])
	assert.Equal(t, "2", found[HeaderCountOfRetry])
}
