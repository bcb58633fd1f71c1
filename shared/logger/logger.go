// Copyright 2026 Tollgate
// SPDX-License-Identifier: BUSL-1.1

package logger

import (
	"encoding/json"
	"io"
	"os"
	"sync"
	"time"
)

// Level represents the severity of a log entry.
type Level string

const (
	DEBUG Level = "DEBUG"
	INFO  Level = "INFO"
	WARN  Level = "WARN"
	ERROR Level = "ERROR"
)

var levelRank = map[Level]int{DEBUG: 0, INFO: 1, WARN: 2, ERROR: 3}

// Entry is a structured log entry.
type Entry struct {
	Timestamp   string                 `json:"timestamp"`
	Level       Level                  `json:"level"`
	Component   string                 `json:"component"`
	InstanceID  string                 `json:"instance_id"`
	PrincipalID string                 `json:"principal_id,omitempty"`
	RequestID   string                 `json:"request_id,omitempty"`
	Message     string                 `json:"message"`
	Fields      map[string]interface{} `json:"fields,omitempty"`
}

// Logger emits structured entries for one component.
type Logger struct {
	component  string
	instanceID string
	minLevel   Level

	mu  sync.Mutex
	out io.Writer
}

// New creates a Logger for the named component. The instance id comes from
// INSTANCE_ID (falling back to the hostname) and the minimum level from
// LOG_LEVEL (default INFO).
func New(component string) *Logger {
	instanceID := os.Getenv("INSTANCE_ID")
	if instanceID == "" {
		if host, err := os.Hostname(); err == nil {
			instanceID = host
		} else {
			instanceID = "unknown"
		}
	}

	minLevel := INFO
	if lvl := Level(os.Getenv("LOG_LEVEL")); lvl != "" {
		if _, ok := levelRank[lvl]; ok {
			minLevel = lvl
		}
	}

	return &Logger{
		component:  component,
		instanceID: instanceID,
		minLevel:   minLevel,
		out:        os.Stdout,
	}
}

// NewWithWriter creates a Logger that writes to w. Used in tests.
func NewWithWriter(component string, minLevel Level, w io.Writer) *Logger {
	return &Logger{
		component:  component,
		instanceID: "test",
		minLevel:   minLevel,
		out:        w,
	}
}

// Log writes one structured entry at the given level.
func (l *Logger) Log(level Level, principalID, requestID, message string, fields map[string]interface{}) {
	if levelRank[level] < levelRank[l.minLevel] {
		return
	}

	entry := Entry{
		Timestamp:   time.Now().UTC().Format(time.RFC3339Nano),
		Level:       level,
		Component:   l.component,
		InstanceID:  l.instanceID,
		PrincipalID: principalID,
		RequestID:   requestID,
		Message:     message,
		Fields:      fields,
	}

	jsonBytes, err := json.Marshal(entry)
	if err != nil {
		return
	}
	jsonBytes = append(jsonBytes, '\n')

	l.mu.Lock()
	_, _ = l.out.Write(jsonBytes)
	l.mu.Unlock()
}

// Debug logs a debug message.
func (l *Logger) Debug(principalID, requestID, message string, fields map[string]interface{}) {
	l.Log(DEBUG, principalID, requestID, message, fields)
}

// Info logs an informational message.
func (l *Logger) Info(principalID, requestID, message string, fields map[string]interface{}) {
	l.Log(INFO, principalID, requestID, message, fields)
}

// Warn logs a warning message.
func (l *Logger) Warn(principalID, requestID, message string, fields map[string]interface{}) {
	l.Log(WARN, principalID, requestID, message, fields)
}

// Error logs an error message.
func (l *Logger) Error(principalID, requestID, message string, fields map[string]interface{}) {
	l.Log(ERROR, principalID, requestID, message, fields)
}

// InfoWithDuration logs an info message with a duration_ms field.
func (l *Logger) InfoWithDuration(principalID, requestID, message string, durationMS float64, fields map[string]interface{}) {
	if fields == nil {
		fields = make(map[string]interface{})
	}
	fields["duration_ms"] = durationMS
	l.Info(principalID, requestID, message, fields)
}

// ErrorWithCode logs an error with a machine-readable code and wrapped error.
func (l *Logger) ErrorWithCode(principalID, requestID, message, code string, err error, fields map[string]interface{}) {
	if fields == nil {
		fields = make(map[string]interface{})
	}
	fields["code"] = code
	if err != nil {
		fields["error"] = err.Error()
	}
	l.Error(principalID, requestID, message, fields)
}
