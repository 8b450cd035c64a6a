package cache

import (
	"encoding/json"
	"log"
	"time"
)

// Logger is a simple structured logger interface.
type Logger interface {
	Info(msg string, fields map[string]any)
	Error(msg string, fields map[string]any)
}

// StdLogger implements Logger using the standard log package with JSON output.
type StdLogger struct{}

func (l *StdLogger) Info(msg string, fields map[string]any)  { l.emit("info", msg, fields) }
func (l *StdLogger) Error(msg string, fields map[string]any) { l.emit("error", msg, fields) }

func (l *StdLogger) emit(level, msg string, fields map[string]any) {
	if fields == nil {
		fields = make(map[string]any, 3)
	}
	fields["level"] = level
	fields["msg"] = msg
	fields["ts"] = time.Now().Format(time.RFC3339)
	b, _ := json.Marshal(fields)
	log.Println(string(b))
}
