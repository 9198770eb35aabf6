// Package logger provides a leveled text logger for kochi's own diagnostics.
// Output produced by user scripts never goes through here; it is teed to the
// job and worker log files verbatim.
package logger

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"golang.org/x/term"
)

const (
	nocolor   = "0"
	red       = "31"
	green     = "38;5;48"
	yellow    = "33"
	lightgray = "38;5;243"
	gray      = "38;5;251"
	cyan      = "1;36"
)

const DateFormat = "2006-01-02 15:04:05"

var mutex = sync.Mutex{}

type Logger interface {
	Debug(format string, v ...any)
	Info(format string, v ...any)
	Notice(format string, v ...any)
	Warn(format string, v ...any)
	Error(format string, v ...any)
	Fatal(format string, v ...any)

	WithPrefix(prefix string) Logger
	SetLevel(level Level)
	GetLevel() Level
}

type TextLogger struct {
	Level  Level
	Colors bool
	Prefix string
	Writer io.Writer
}

func NewTextLogger() *TextLogger {
	return &TextLogger{
		Level:  NOTICE,
		Colors: ColorsAvailable(),
		Writer: os.Stderr,
	}
}

// ColorsAvailable reports whether stderr is a terminal that can show colors.
func ColorsAvailable() bool {
	return term.IsTerminal(int(os.Stderr.Fd()))
}

// WithPrefix returns a copy of the logger with the provided prefix.
func (l *TextLogger) WithPrefix(prefix string) Logger {
	clone := *l
	clone.Prefix = prefix
	return &clone
}

func (l *TextLogger) SetLevel(level Level) { l.Level = level }
func (l *TextLogger) GetLevel() Level      { return l.Level }

func (l *TextLogger) Debug(format string, v ...any) {
	if l.Level <= DEBUG {
		l.log(DEBUG, format, v...)
	}
}

func (l *TextLogger) Info(format string, v ...any) {
	if l.Level <= INFO {
		l.log(INFO, format, v...)
	}
}

func (l *TextLogger) Notice(format string, v ...any) {
	if l.Level <= NOTICE {
		l.log(NOTICE, format, v...)
	}
}

func (l *TextLogger) Warn(format string, v ...any) {
	if l.Level <= WARN {
		l.log(WARN, format, v...)
	}
}

func (l *TextLogger) Error(format string, v ...any) {
	l.log(ERROR, format, v...)
}

func (l *TextLogger) Fatal(format string, v ...any) {
	l.log(FATAL, format, v...)
	os.Exit(1)
}

func (l *TextLogger) log(level Level, format string, v ...any) {
	message := fmt.Sprintf(format, v...)
	now := time.Now().Format(DateFormat)
	line := ""

	if l.Colors {
		levelColor := green
		messageColor := nocolor

		switch level {
		case DEBUG:
			levelColor = gray
			messageColor = gray
		case NOTICE:
			levelColor = cyan
		case WARN:
			levelColor = yellow
		case ERROR, FATAL:
			levelColor = red
		}

		if l.Prefix != "" {
			line = fmt.Sprintf("\x1b[%sm%s %-6s\x1b[0m \x1b[%sm%s\x1b[0m \x1b[%sm%s\x1b[0m\n", levelColor, now, level, lightgray, l.Prefix, messageColor, message)
		} else {
			line = fmt.Sprintf("\x1b[%sm%s %-6s\x1b[0m \x1b[%sm%s\x1b[0m\n", levelColor, now, level, messageColor, message)
		}
	} else {
		if l.Prefix != "" {
			line = fmt.Sprintf("%s %-6s %s %s\n", now, level, l.Prefix, message)
		} else {
			line = fmt.Sprintf("%s %-6s %s\n", now, level, message)
		}
	}

	// Only output one line at a time.
	mutex.Lock()
	fmt.Fprint(l.Writer, line)
	mutex.Unlock()
}

var Discard Logger = &TextLogger{
	Level:  ERROR,
	Writer: io.Discard,
}
