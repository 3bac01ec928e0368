// Package logx is newsup's structured logging layer on top of zerolog.
//
// A Service owns the sinks (stderr, optional JSON file) and can be
// reconfigured while loggers derived from it stay valid. Loggers carry
// fixed fields added with With; the zero Logger discards everything.
package logx
