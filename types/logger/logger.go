// Copyright (c) 2020 Tailscale Inc & AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package logger defines a type for writing log messages.
package logger

// Logf is the basic Tailscale logger type: a printf-like func.
// Like log.Printf, the format need not end in a newline.
// Logf functions must be safe for concurrent use.
type Logf func(format string, args ...any)

// WithPrefix returns a new Logf that prepends prefix to each message.
func WithPrefix(logf Logf, prefix string) Logf {
	if prefix == "" {
		return logf
	}
	return func(format string, args ...any) {
		logf(prefix+format, args...)
	}
}

// Discard is a Logf that throws away the logs given to it.
func Discard(string, ...any) {}

// Std wraps a standard fmt.Sprintf-compatible logger into a Logf,
// for callers that only have something like log.Printf at hand.
func Std(stdLogf func(string, ...any)) Logf {
	return Logf(stdLogf)
}

// Errf turns a Logf into something suitable for passing to APIs that
// want a func(error) rather than a format string, logging with a
// fixed prefix.
func Errf(logf Logf, prefix string) func(error) {
	return func(err error) {
		logf("%s: %v", prefix, err)
	}
}
