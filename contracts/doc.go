// Package contracts defines the metadata that travels with every message and
// the dead-letter envelope used when a message cannot be processed.
//
// Message bodies are plain Go values serialized as camelCase JSON; their AMQP
// properties are described by Metadata. Handlers read the metadata of the
// delivery they are processing with MetadataFromContext.
package contracts
