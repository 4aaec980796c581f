package logs

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"
)

// 定义日志级别常量（数值越大，级别越高）
const (
	LevelTrace   = iota // 0（最低，最详细）
	LevelDebug          // 1
	LevelVerbose        // 2
	LevelInfo           // 3
	LevelWarning        // 4
	LevelError          // 5（最高，最严重）
)

// Logger is the leveled logger injected into components. The package-level
// functions write through Default().
type Logger interface {
	Trace(format string, v ...interface{})
	Debug(format string, v ...interface{})
	Verbose(format string, v ...interface{})
	Info(format string, v ...interface{})
	Warn(format string, v ...interface{})
	Error(format string, v ...interface{})
}

var (
	levelMu  sync.RWMutex
	logLevel = LevelInfo // 全局日志级别

	accountTag = "0x00000" // 当前签名账户的短标识，拼在每行日志前
)

// 全局 Logger 实例
var logger = New(os.Stdout, os.Stderr)

// StdLogger writes each level to its own *log.Logger.
type StdLogger struct {
	traceLogger   *log.Logger
	debugLogger   *log.Logger
	verboseLogger *log.Logger
	infoLogger    *log.Logger
	warnLogger    *log.Logger
	errorLogger   *log.Logger
}

// New builds a StdLogger; errors go to errOut, everything else to out.
func New(out, errOut io.Writer) *StdLogger {
	flags := log.Ldate | log.Ltime | log.Lmicroseconds | log.Lshortfile
	return &StdLogger{
		traceLogger:   log.New(out, "[TRACE]   ", flags),
		debugLogger:   log.New(out, "[DEBUG]   ", flags),
		verboseLogger: log.New(out, "[VERBOSE] ", flags),
		infoLogger:    log.New(out, "[INFO]    ", flags),
		warnLogger:    log.New(out, "[WARN]    ", flags),
		errorLogger:   log.New(errOut, "[ERROR]   ", flags),
	}
}

// Default returns the process-wide logger.
func Default() Logger { return logger }

// SetLevel changes the global threshold.
func SetLevel(level int) {
	levelMu.Lock()
	logLevel = level
	levelMu.Unlock()
}

// ParseLevel maps a config string ("trace".."error") to a level constant.
func ParseLevel(s string) (int, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return LevelTrace, nil
	case "debug":
		return LevelDebug, nil
	case "verbose":
		return LevelVerbose, nil
	case "", "info":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarning, nil
	case "error":
		return LevelError, nil
	}
	return LevelInfo, fmt.Errorf("unknown log level %q", s)
}

// SetAccount sets the account tag printed in front of every line.
func SetAccount(account string) {
	tag := strings.TrimPrefix(account, "0x")
	if len(tag) > 5 {
		tag = tag[:5]
	}
	levelMu.Lock()
	accountTag = "0x" + tag
	levelMu.Unlock()
}

func enabled(level int) (bool, string) {
	levelMu.RLock()
	defer levelMu.RUnlock()
	return logLevel <= level, accountTag
}

// depth 为 Output 的 calldepth：方法调用传 3，包级函数多一层传 4
func (l *StdLogger) output(depth, level int, target *log.Logger, format string, v ...interface{}) {
	ok, tag := enabled(level)
	if !ok {
		return
	}
	_ = target.Output(depth, tag+" "+fmt.Sprintf(format, v...))
}

func (l *StdLogger) Trace(format string, v ...interface{}) {
	l.output(3, LevelTrace, l.traceLogger, format, v...)
}

func (l *StdLogger) Debug(format string, v ...interface{}) {
	l.output(3, LevelDebug, l.debugLogger, format, v...)
}

func (l *StdLogger) Verbose(format string, v ...interface{}) {
	l.output(3, LevelVerbose, l.verboseLogger, format, v...)
}

func (l *StdLogger) Info(format string, v ...interface{}) {
	l.output(3, LevelInfo, l.infoLogger, format, v...)
}

func (l *StdLogger) Warn(format string, v ...interface{}) {
	l.output(3, LevelWarning, l.warnLogger, format, v...)
}

func (l *StdLogger) Error(format string, v ...interface{}) {
	l.output(3, LevelError, l.errorLogger, format, v...)
}

// 包级别的日志方法
func Trace(format string, v ...interface{}) {
	logger.output(4, LevelTrace, logger.traceLogger, format, v...)
}
func Debug(format string, v ...interface{}) {
	logger.output(4, LevelDebug, logger.debugLogger, format, v...)
}
func Verbose(format string, v ...interface{}) {
	logger.output(4, LevelVerbose, logger.verboseLogger, format, v...)
}
func Info(format string, v ...interface{}) {
	logger.output(4, LevelInfo, logger.infoLogger, format, v...)
}
func Warn(format string, v ...interface{}) {
	logger.output(4, LevelWarning, logger.warnLogger, format, v...)
}
func Error(format string, v ...interface{}) {
	logger.output(4, LevelError, logger.errorLogger, format, v...)
}
