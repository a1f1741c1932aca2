// Package webhooks verifies signed inbound callbacks and runs them through
// the delivery pipeline.
//
// The pipeline is an ordered list of named stages sharing one
// DeliveryContext. A stage either returns an error, which ends the run, or
// sets Halted to stop early with the result it already wrote. The stage
// list is plain data and can be inspected or extended with Stages and
// WithStages.
package webhooks
