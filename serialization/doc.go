// Package serialization turns message values into AMQP bodies and back.
//
// The JSON codec writes field names exactly as encoding/json does. Payload
// types must carry camelCase json tags (`json:"orderId"`); an untagged field
// goes on the wire under its Go name, such as OrderId.
package serialization
