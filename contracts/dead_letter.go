package contracts

import (
	"fmt"
	"strconv"
	"time"
)

// Headers carried by dead-lettered messages
const (
	HeaderOriginalExchange   = "x-original-exchange"
	HeaderOriginalRoutingKey = "x-original-routing-key"
	HeaderDeathReason        = "x-death-reason"
	HeaderDeathTime          = "x-death-time"
	HeaderAttemptCount       = "x-attempt-count"

	// Set by RabbitMQ on quorum queues
	HeaderDeliveryCount = "x-delivery-count"

	// Attempts already made, set when a refused message is put back on its
	// queue under a redelivery budget
	HeaderRetryCount = "x-retry-count"
)

// DeadLetter is the failure metadata attached to a message that is routed to
// the dead-letter exchange.
type DeadLetter struct {
	OriginalExchange   string
	OriginalRoutingKey string
	Reason             string
	DeathTime          time.Time
	AttemptCount       int
}

// NewDeadLetter builds the failure metadata for a message. A nil cause is
// recorded as "unknown".
func NewDeadLetter(exchange, routingKey string, cause error, attempts int, now time.Time) DeadLetter {
	reason := "unknown"
	if cause != nil {
		reason = cause.Error()
	}
	return DeadLetter{
		OriginalExchange:   exchange,
		OriginalRoutingKey: routingKey,
		Reason:             reason,
		DeathTime:          now.UTC(),
		AttemptCount:       attempts,
	}
}

// Apply writes the dead-letter headers into headers, allocating it if needed,
// and returns it.
func (d DeadLetter) Apply(headers map[string]interface{}) map[string]interface{} {
	if headers == nil {
		headers = make(map[string]interface{}, 5)
	}
	headers[HeaderOriginalExchange] = d.OriginalExchange
	headers[HeaderOriginalRoutingKey] = d.OriginalRoutingKey
	headers[HeaderDeathReason] = d.Reason
	headers[HeaderDeathTime] = d.DeathTime.Format(time.RFC3339)
	headers[HeaderAttemptCount] = int32(d.AttemptCount)
	return headers
}

// DeadLetterFromHeaders reads dead-letter metadata back from message headers.
// It returns false when the headers do not describe a dead-lettered message.
func DeadLetterFromHeaders(headers map[string]interface{}) (DeadLetter, bool) {
	if _, ok := headers[HeaderDeathReason]; !ok {
		return DeadLetter{}, false
	}

	d := DeadLetter{
		OriginalExchange:   stringHeader(headers, HeaderOriginalExchange),
		OriginalRoutingKey: stringHeader(headers, HeaderOriginalRoutingKey),
		Reason:             stringHeader(headers, HeaderDeathReason),
		AttemptCount:       IntHeader(headers, HeaderAttemptCount),
	}
	if ts := stringHeader(headers, HeaderDeathTime); ts != "" {
		if t, err := time.Parse(time.RFC3339, ts); err == nil {
			d.DeathTime = t
		}
	}
	return d, true
}

func stringHeader(headers map[string]interface{}, name string) string {
	switch v := headers[name].(type) {
	case string:
		return v
	case []byte:
		return string(v)
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

// IntHeader reads a numeric header regardless of the integer width the broker
// used to encode it. Missing or malformed values read as zero.
func IntHeader(headers map[string]interface{}, name string) int {
	switch v := headers[name].(type) {
	case int:
		return v
	case int8:
		return int(v)
	case int16:
		return int(v)
	case int32:
		return int(v)
	case int64:
		return int(v)
	case uint8:
		return int(v)
	case uint16:
		return int(v)
	case uint32:
		return int(v)
	case string:
		n, _ := strconv.Atoi(v)
		return n
	default:
		return 0
	}
}
