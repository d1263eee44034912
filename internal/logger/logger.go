// Package logger provides structured logging with per-component prefixes.
package logger

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
)

// Logger is the logging surface used across flowboard.
type Logger interface {
	Info(message string, fields ...Field)
	Warn(message string, fields ...Field)
	Error(message string, fields ...Field)
	Debug(message string, fields ...Field)
	WithComponent(component string) Logger
}

// Field is a structured logging field.
type Field struct {
	Key   string
	Value any
}

// F creates a new field.
func F(key string, value any) Field {
	return Field{Key: key, Value: value}
}

// Err wraps an error as a field.
func Err(err error) Field {
	return Field{Key: "error", Value: err}
}

type componentLogger struct {
	logger    *logrus.Logger
	component string
}

// ConsoleFormatter renders one line per entry with sorted fields.
type ConsoleFormatter struct {
	TimestampFormat string
	DisableColors   bool
}

// Format implements logrus.Formatter.
func (f *ConsoleFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	var levelColor *color.Color
	var levelText string
	switch entry.Level {
	case logrus.ErrorLevel, logrus.FatalLevel, logrus.PanicLevel:
		levelColor = color.New(color.FgRed, color.Bold)
		levelText = "ERROR"
	case logrus.WarnLevel:
		levelColor = color.New(color.FgYellow, color.Bold)
		levelText = "WARN"
	case logrus.DebugLevel, logrus.TraceLevel:
		levelColor = color.New(color.FgWhite, color.Faint)
		levelText = "DEBUG"
	default:
		levelColor = color.New(color.FgCyan)
		levelText = "INFO"
	}

	component := ""
	if c, ok := entry.Data["component"]; ok {
		if f.DisableColors {
			component = fmt.Sprintf("[%s] ", c)
		} else {
			component = fmt.Sprintf("[%s] ", color.New(color.FgBlue).Sprint(c))
		}
	}

	level := levelText
	if !f.DisableColors {
		level = levelColor.Sprint(levelText)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s: %s%s", entry.Time.Format(f.TimestampFormat), level, component, entry.Message)

	keys := make([]string, 0, len(entry.Data))
	for k := range entry.Data {
		if k == "component" {
			continue
		}
		keys = append(keys, k)
	}
	if len(keys) > 0 {
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, fmt.Sprintf("%s=%v", k, entry.Data[k]))
		}
		fields := " {" + strings.Join(parts, ", ") + "}"
		if f.DisableColors {
			b.WriteString(fields)
		} else {
			b.WriteString(color.New(color.FgWhite, color.Faint).Sprint(fields))
		}
	}
	b.WriteByte('\n')
	return []byte(b.String()), nil
}

func newLogrus(level string, out io.Writer, disableColors bool) *logrus.Logger {
	log := logrus.New()
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	log.SetLevel(lvl)
	log.SetFormatter(&ConsoleFormatter{
		TimestampFormat: "15:04:05",
		DisableColors:   disableColors,
	})
	log.SetOutput(out)
	return log
}

// CreateLogger logs to stderr and, when logFile is set, appends to that file too.
func CreateLogger(logFile, level string) Logger {
	var out io.Writer = os.Stderr
	if logFile != "" {
		file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err == nil {
			out = io.MultiWriter(os.Stderr, file)
		}
	}
	return &componentLogger{logger: newLogrus(level, out, false)}
}

// CreateLoggerWithOutput creates an uncoloured logger writing to output (for tests).
func CreateLoggerWithOutput(level string, output io.Writer) Logger {
	return &componentLogger{logger: newLogrus(level, output, true)}
}

// Nop discards everything.
func Nop() Logger {
	return &componentLogger{logger: newLogrus("panic", io.Discard, true)}
}

func (l *componentLogger) WithComponent(component string) Logger {
	return &componentLogger{logger: l.logger, component: component}
}

func (l *componentLogger) entry(fields []Field) *logrus.Entry {
	data := make(logrus.Fields, len(fields)+1)
	if l.component != "" {
		data["component"] = l.component
	}
	for _, f := range fields {
		data[f.Key] = f.Value
	}
	return l.logger.WithFields(data)
}

func (l *componentLogger) Info(message string, fields ...Field) {
	l.entry(fields).Info(message)
}

func (l *componentLogger) Warn(message string, fields ...Field) {
	l.entry(fields).Warn(message)
}

func (l *componentLogger) Error(message string, fields ...Field) {
	l.entry(fields).Error(message)
}

func (l *componentLogger) Debug(message string, fields ...Field) {
	l.entry(fields).Debug(message)
}
