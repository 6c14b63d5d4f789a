// Package logging provides the two log shapes used by long-running
// processes: bracketed operator messages ("[Broker] ...") and one-line JSON
// event records for machine consumption.
package logging

import (
	"encoding/json"
	"log"
	"time"
)

// Logger writes messages for one component.
type Logger struct {
	component string
	name      string
	fields    map[string]interface{}
	out       *log.Logger
}

// New returns a logger writing through the standard log package.
// component is the lowercase identifier used in JSON records
// ("broker", "gateway"); the bracket prefix capitalises it.
func New(component string) *Logger {
	return NewWithOutput(component, log.Default())
}

// NewWithOutput is New with an explicit destination.
func NewWithOutput(component string, out *log.Logger) *Logger {
	return &Logger{
		component: component,
		name:      title(component),
		fields:    map[string]interface{}{},
		out:       out,
	}
}

// With returns a copy that adds key to every event record.
func (l *Logger) With(key string, value interface{}) *Logger {
	fields := make(map[string]interface{}, len(l.fields)+1)
	for k, v := range l.fields {
		fields[k] = v
	}
	fields[key] = value
	return &Logger{component: l.component, name: l.name, fields: fields, out: l.out}
}

// Printf logs an operator message prefixed with the component name.
func (l *Logger) Printf(format string, args ...interface{}) {
	l.out.Printf("["+l.name+"] "+format, args...)
}

// Event logs a structured info record.
func (l *Logger) Event(eventType string, data map[string]interface{}) {
	l.emit("info", eventType, data)
}

// Warn logs a structured warning record.
func (l *Logger) Warn(eventType string, data map[string]interface{}) {
	l.emit("warn", eventType, data)
}

// Error logs a structured error record carrying err.
func (l *Logger) Error(eventType string, err error, data map[string]interface{}) {
	if data == nil {
		data = map[string]interface{}{}
	}
	if err != nil {
		data["error"] = err.Error()
	}
	l.emit("error", eventType, data)
}

func (l *Logger) emit(level, eventType string, data map[string]interface{}) {
	record := make(map[string]interface{}, len(data)+len(l.fields)+4)
	for k, v := range l.fields {
		record[k] = v
	}
	for k, v := range data {
		record[k] = v
	}
	record["timestamp"] = time.Now().UTC().Format(time.RFC3339)
	record["level"] = level
	record["component"] = l.component
	record["event_type"] = eventType

	jsonData, err := json.Marshal(record)
	if err != nil {
		l.Printf("Failed to marshal log event: %v", err)
		return
	}

	l.out.Println(string(jsonData))
}

func title(s string) string {
	if s == "" {
		return s
	}
	b := []byte(s)
	if b[0] >= 'a' && b[0] <= 'z' {
		b[0] -= 'a' - 'A'
	}
	return string(b)
}
