// Copyright 2025 The AgentFS Authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package logger provides the process-wide logger used by the core for
// diagnostics that are off the hot path: spill faults, event-tap drops,
// teardown. Output goes to stderr by default; InitLogFile redirects it to
// a rotated file.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

// LevelTrace sits below slog.LevelDebug, matching the TRACE severity the
// log levels expose.
const LevelTrace = slog.Level(-8)

var (
	mu            sync.Mutex
	programLevel  = new(slog.LevelVar)
	defaultLogger = slog.New(newHandler(os.Stderr))
	fileCloser    io.Closer
)

func newHandler(w io.Writer) slog.Handler {
	return slog.NewTextHandler(w, &slog.HandlerOptions{
		Level: programLevel,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.LevelKey {
				a.Key = "severity"
				if a.Value.Any().(slog.Level) == LevelTrace {
					a.Value = slog.StringValue("TRACE")
				}
			}
			return a
		},
	})
}

// SetLogLevel adjusts the minimum severity that is emitted. Accepted
// values: TRACE, DEBUG, INFO, WARNING, ERROR, OFF (case-insensitive).
func SetLogLevel(level string) error {
	switch strings.ToUpper(level) {
	case "TRACE":
		programLevel.Set(LevelTrace)
	case "DEBUG":
		programLevel.Set(slog.LevelDebug)
	case "INFO":
		programLevel.Set(slog.LevelInfo)
	case "WARNING":
		programLevel.Set(slog.LevelWarn)
	case "ERROR":
		programLevel.Set(slog.LevelError)
	case "OFF":
		programLevel.Set(slog.Level(100))
	default:
		return fmt.Errorf("unknown log level: %q", level)
	}
	return nil
}

// InitLogFile routes all subsequent output to the supplied path with
// size-based rotation.
func InitLogFile(path string, maxSizeMB int, backupCount int) {
	mu.Lock()
	defer mu.Unlock()

	sink := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    maxSizeMB,
		MaxBackups: backupCount,
	}
	if fileCloser != nil {
		fileCloser.Close()
	}
	fileCloser = sink
	defaultLogger = slog.New(newHandler(sink))
}

func logf(level slog.Level, format string, v ...interface{}) {
	mu.Lock()
	l := defaultLogger
	mu.Unlock()

	if !l.Enabled(context.Background(), level) {
		return
	}
	l.Log(context.Background(), level, fmt.Sprintf(format, v...))
}

func Tracef(format string, v ...interface{}) {
	logf(LevelTrace, format, v...)
}

func Debugf(format string, v ...interface{}) {
	logf(slog.LevelDebug, format, v...)
}

func Infof(format string, v ...interface{}) {
	logf(slog.LevelInfo, format, v...)
}

func Warnf(format string, v ...interface{}) {
	logf(slog.LevelWarn, format, v...)
}

func Errorf(format string, v ...interface{}) {
	logf(slog.LevelError, format, v...)
}
