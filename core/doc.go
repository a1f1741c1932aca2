// Package core holds the webhook engine's domain types, contracts, error
// taxonomy and configuration. Adapters, stores and transports depend on
// core; core depends on none of them.
package core
