package logger

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
)

type LogLevel int

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
	FATAL
)

var levelNames = map[LogLevel]string{
	DEBUG: "DEBUG",
	INFO:  "INFO",
	WARN:  "WARN",
	ERROR: "ERROR",
	FATAL: "FATAL",
}

// ParseLevel maps a config string to a level, falling back to INFO.
func ParseLevel(s string) LogLevel {
	for lvl, name := range levelNames {
		if strings.EqualFold(name, s) {
			return lvl
		}
	}
	return INFO
}

type LogEntry struct {
	Timestamp string `json:"timestamp"`
	Service   string `json:"service,omitempty"`
	Level     string `json:"level"`
	Category  string `json:"category"`
	Message   string `json:"message"`
	File      string `json:"file,omitempty"`
	Line      int    `json:"line,omitempty"`
}

type Options struct {
	Service string
	// Dir enables a daily JSON log file when non-empty.
	Dir      string
	MinLevel LogLevel
	// Out receives the human readable lines. Defaults to stdout.
	Out   io.Writer
	Color bool
}

type Logger struct {
	mu           sync.Mutex
	service      string
	out          io.Writer
	logFile      *os.File
	minLevel     LogLevel
	colorEnabled bool
	exit         func(int)
}

func New(opts Options) (*Logger, error) {
	out := opts.Out
	if out == nil {
		out = os.Stdout
	}

	l := &Logger{
		service:      opts.Service,
		out:          out,
		minLevel:     opts.MinLevel,
		colorEnabled: opts.Color,
		exit:         os.Exit,
	}

	if opts.Dir != "" {
		if err := os.MkdirAll(opts.Dir, 0755); err != nil {
			return nil, fmt.Errorf("create log dir: %w", err)
		}
		name := fmt.Sprintf("%s-%s.log", opts.Service, time.Now().Format("2006-01-02"))
		f, err := os.OpenFile(filepath.Join(opts.Dir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		l.logFile = f
		l.Info("LOGGER", fmt.Sprintf("Log file: %s", f.Name()))
	}

	return l, nil
}

// NewLogger is the service default: colored stdout plus a JSON file under logs/.
func NewLogger() *Logger {
	l, err := New(Options{Service: "fulfillment", Dir: "logs", MinLevel: INFO, Color: true})
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v, continuing without log file\n", err)
		l, _ = New(Options{Service: "fulfillment", MinLevel: INFO, Color: true})
	}
	return l
}

// NewTestLogger writes plain lines to w and never exits the process.
func NewTestLogger(w io.Writer) *Logger {
	if w == nil {
		w = io.Discard
	}
	l, _ := New(Options{Service: "test", Out: w, MinLevel: DEBUG})
	l.exit = func(int) {}
	return l
}

func (l *Logger) log(level LogLevel, category, message string) {
	if level < l.minLevel {
		return
	}

	_, file, line, ok := runtime.Caller(2)
	if ok {
		file = filepath.Base(file)
	}

	entry := LogEntry{
		Timestamp: time.Now().UTC().Format("2006-01-02T15:04:05.000Z"),
		Service:   l.service,
		Level:     levelNames[level],
		Category:  strings.ToUpper(category),
		Message:   message,
		File:      file,
		Line:      line,
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	fmt.Fprint(l.out, l.formatTerminalOutput(entry))
	if l.logFile != nil {
		if b, err := json.Marshal(entry); err == nil {
			l.logFile.Write(append(b, '\n'))
		}
	}
}

func (l *Logger) formatTerminalOutput(entry LogEntry) string {
	timestamp := entry.Timestamp[11:19]

	if !l.colorEnabled {
		return fmt.Sprintf("%s %-5s [%-10s] %s (%s:%d)\n", timestamp, entry.Level, entry.Category, entry.Message, entry.File, entry.Line)
	}

	var levelColor *color.Color
	switch entry.Level {
	case "DEBUG":
		levelColor = color.New(color.FgCyan)
	case "INFO":
		levelColor = color.New(color.FgGreen)
	case "WARN":
		levelColor = color.New(color.FgYellow)
	case "ERROR":
		levelColor = color.New(color.FgRed)
	case "FATAL":
		levelColor = color.New(color.FgRed, color.Bold)
	default:
		levelColor = color.New(color.FgWhite)
	}
	timeStr := color.New(color.FgBlue).Sprint(timestamp)
	levelStr := levelColor.Sprintf("%-5s", entry.Level)
	categoryStr := color.New(color.Bold).Sprintf("[%-10s]", entry.Category)
	fileInfo := color.New(color.FgMagenta).Sprintf(" (%s:%d)", entry.File, entry.Line)

	return fmt.Sprintf("%s %s %s %s%s\n", timeStr, levelStr, categoryStr, entry.Message, fileInfo)
}

func (l *Logger) Debug(category, message string) {
	l.log(DEBUG, category, message)
}

func (l *Logger) Info(category, message string) {
	l.log(INFO, category, message)
}

func (l *Logger) Warn(category, message string) {
	l.log(WARN, category, message)
}

func (l *Logger) Error(category, message string) {
	l.log(ERROR, category, message)
}

func (l *Logger) Fatal(category, message string) {
	l.log(FATAL, category, message)
	l.exit(1)
}

func (l *Logger) LogPurchase(action, purchaseID, message string) {
	l.Info("PURCHASE", fmt.Sprintf("[%s] %s - %s", action, purchaseID, message))
}

func (l *Logger) LogPayment(action, paymentID, message string) {
	l.Info("PAYMENT", fmt.Sprintf("[%s] %s - %s", action, paymentID, message))
}

func (l *Logger) LogAPI(method, path string, status int, duration time.Duration) {
	l.Info("API", fmt.Sprintf("%s %s - %d (%s)", method, path, status, duration))
}

func (l *Logger) LogKafka(action, topic, message string) {
	l.Info("KAFKA", fmt.Sprintf("[%s] %s - %s", action, topic, message))
}

func (l *Logger) LogDatabase(operation, table, message string) {
	l.Info("DATABASE", fmt.Sprintf("[%s] %s - %s", operation, table, message))
}

func (l *Logger) LogSecurity(event, message string) {
	l.Warn("SECURITY", fmt.Sprintf("[%s] %s", event, message))
}

// LogAlert is for conditions an operator has to act on, such as oversold tiers.
func (l *Logger) LogAlert(kind, message string) {
	l.Warn("ALERT", fmt.Sprintf("[%s] %s", kind, message))
}

func (l *Logger) Close() {
	if l.logFile != nil {
		l.Info("LOGGER", "Closing log file")
		l.logFile.Close()
	}
}
