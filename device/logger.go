/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2019 WireGuard LLC. All Rights Reserved.
 */

package device

import (
	"io"
	"log"
	"os"
)

const (
	LogLevelSilent = iota
	LogLevelError
	LogLevelInfo
	LogLevelDebug
)

// Logger is three independent *log.Logger verbosity buckets, grounded in
// the teacher's legacy src/logger.go. A device builds one Logger, prefixed
// with its interface name, and every subsystem logs through it; per-peer
// lines carry the peer's String() in the message text rather than in a
// prefix of their own.
type Logger struct {
	Debug *log.Logger
	Info  *log.Logger
	Error *log.Logger
}

// NewLogger builds a Logger writing to stdout, discarding buckets below
// level. prepend is inserted into every line after the level tag (e.g.
// "(dev) ").
func NewLogger(level int, prepend string) *Logger {
	output := os.Stdout

	logErr, logInfo, logDebug := func() (io.Writer, io.Writer, io.Writer) {
		switch {
		case level >= LogLevelDebug:
			return output, output, output
		case level >= LogLevelInfo:
			return output, output, io.Discard
		case level >= LogLevelError:
			return output, io.Discard, io.Discard
		default:
			return io.Discard, io.Discard, io.Discard
		}
	}()

	return &Logger{
		Debug: log.New(logDebug, "DEBUG: "+prepend, log.Ldate|log.Ltime),
		Info:  log.New(logInfo, "INFO: "+prepend, log.Ldate|log.Ltime),
		Error: log.New(logErr, "ERROR: "+prepend, log.Ldate|log.Ltime),
	}
}
