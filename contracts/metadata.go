package contracts

import (
	"context"
	"reflect"
	"time"
)

// ContentTypeJSON is the content type of every message body
const ContentTypeJSON = "application/json"

// Metadata is the property set that travels with every message. It is built
// once by the publisher and never modified afterwards.
type Metadata struct {
	MessageID     string
	Timestamp     time.Time
	ContentType   string
	Type          string
	Persistent    bool
	CorrelationID string
	Headers       map[string]interface{}

	// Set on the consuming side only
	Exchange      string
	RoutingKey    string
	Redelivered   bool
	DeliveryCount int
}

// Header returns a header value, or nil when it is absent
func (m Metadata) Header(name string) interface{} {
	if m.Headers == nil {
		return nil
	}
	return m.Headers[name]
}

// TypeName returns the message type name written to the AMQP type property.
// Pointers are dereferenced; unnamed types fall back to their string form.
func TypeName(v interface{}) string {
	if v == nil {
		return ""
	}
	t := reflect.TypeOf(v)
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t.Name() != "" {
		return t.Name()
	}
	return t.String()
}

type metadataKey struct{}

// ContextWithMetadata returns a context carrying the delivery metadata
func ContextWithMetadata(ctx context.Context, md Metadata) context.Context {
	return context.WithValue(ctx, metadataKey{}, md)
}

// MetadataFromContext returns the metadata of the delivery being handled
func MetadataFromContext(ctx context.Context) (Metadata, bool) {
	md, ok := ctx.Value(metadataKey{}).(Metadata)
	return md, ok
}
