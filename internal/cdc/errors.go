package cdc

import "github.com/zeebo/errs"

var (
	// FatalError marks failures that end a capture session: the sink refused
	// an event or the engine lost its stream.
	FatalError = errs.Class("session fatal")
	// ConfigError marks a session that was rejected before any record flowed.
	ConfigError = errs.Class("invalid session config")
)

// Reasons a record is dropped without emitting anything.
const (
	ReasonTombstone    = "tombstone"
	ReasonUnknownOp    = "unrecognized_operation"
	ReasonMissingTable = "missing_table"
	ReasonNotAllowed   = "not_allowed"
	ReasonMissingImage = "missing_image"
	ReasonConversion   = "conversion"
)
