// Package logx provides herald's structured logging.
//
// It wraps zerolog behind a small Logger facade so components take a value
// they can copy and derive from (With), while the Service owns the sinks
// (console, file) and can re-apply configuration at runtime without the
// components noticing.
package logx
