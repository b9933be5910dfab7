// Package config loads the messaging layer configuration.
//
// Values come from defaults, an optional YAML file, MMATE_* environment
// variables and command-line flags, in that order of priority. Nested keys map
// to environment variables by upper-casing and replacing dots with
// underscores: connection.recoveryInterval is MMATE_CONNECTION_RECOVERYINTERVAL.
//
// Example file:
//
//	connection:
//	  host: rabbit.internal
//	  username: orders
//	  password: s3cret
//	  recoveryInterval: 5s
//	pool:
//	  channelsPerConnection: 5
//	reliability:
//	  publisherConfirms: true
//	topology:
//	  exchanges:
//	    - name: orders
//	      type: topic
//	      durable: true
//	  queues:
//	    - name: billing
//	      durable: true
//	      type: quorum
//	      deliveryLimit: 5
package config
