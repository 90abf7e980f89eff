package logflags

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
)

var translator = false
var transfer = false
var regions = false
var watch = false
var native = false
var terminal = false
var debugger = false
var anyEnabled = false

var logOut io.WriteCloser

func makeLogger(level logrus.Level, fields Fields) Logger {
	if lf := loggerFactory; lf != nil {
		return lf(level, fields, logOut)
	}
	logger := logrus.New().WithFields(logrus.Fields(fields))
	logger.Logger.Formatter = textFormatterInstance
	if logOut != nil {
		logger.Logger.Out = logOut
	}
	logger.Logger.Level = level
	return &logrusLogger{logger}
}

func makeFlaggableLogger(flag bool, fields Fields) Logger {
	if flag {
		return makeLogger(logrus.DebugLevel, fields)
	}
	return makeLogger(logrus.ErrorLevel, fields)
}

// Any returns true if any logging is enabled.
func Any() bool {
	return anyEnabled
}

// Translator returns true if the address translator should log every
// permission elevation and restore.
func Translator() bool {
	return translator
}

// TranslatorLogger returns a logger for the address translator.
func TranslatorLogger() Logger {
	return makeFlaggableLogger(translator, Fields{"layer": "proc", "kind": "translator"})
}

// Transfer returns true if physical memory transfers should be logged.
func Transfer() bool {
	return transfer
}

// TransferLogger returns a logger for the physical access engine.
func TransferLogger() Logger {
	return makeFlaggableLogger(transfer, Fields{"layer": "proc", "kind": "transfer"})
}

// Regions returns true if region enumeration should be logged.
func Regions() bool {
	return regions
}

// RegionsLogger returns a logger for the region enumerator.
func RegionsLogger() Logger {
	return makeFlaggableLogger(regions, Fields{"layer": "proc", "kind": "regions"})
}

// Watch returns true if the watchpoint protocol should be logged.
func Watch() bool {
	return watch
}

// WatchLogger returns a logger for the breakpoint controller.
func WatchLogger() Logger {
	return makeFlaggableLogger(watch, Fields{"layer": "watch"})
}

// Native returns true if the native backend should log ptrace and procfs
// activity.
func Native() bool {
	return native
}

// NativeLogger returns a logger for the native backend.
func NativeLogger() Logger {
	return makeFlaggableLogger(native, Fields{"layer": "native"})
}

// Terminal returns true if the terminal should log the commands it runs.
func Terminal() bool {
	return terminal
}

// TerminalLogger returns a logger for the terminal.
func TerminalLogger() Logger {
	return makeFlaggableLogger(terminal, Fields{"layer": "terminal"})
}

// Debugger returns true if the debugger service should log the sessions it
// opens and the commands it serves.
func Debugger() bool {
	return debugger
}

// DebuggerLogger returns a logger for the debugger service.
func DebuggerLogger() Logger {
	return makeFlaggableLogger(debugger, Fields{"layer": "debugger"})
}

var errLogstrWithoutLog = errors.New("--log-output specified without --log")

// Setup sets logging flags based on the contents of logstr.
// If logDest is not empty logs will be redirected to the file descriptor or
// file path specified by logDest.
func Setup(logFlag bool, logstr, logDest string) error {
	if logDest != "" {
		n, err := strconv.Atoi(logDest)
		if err == nil {
			logOut = os.NewFile(uintptr(n), "rwmem-logs")
		} else {
			fh, err := os.Create(logDest)
			if err != nil {
				return fmt.Errorf("could not create log file: %v", err)
			}
			logOut = fh
		}
	}
	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)
	if !logFlag {
		log.SetOutput(io.Discard)
		if logstr != "" {
			return errLogstrWithoutLog
		}
		return nil
	}
	if logstr == "" {
		logstr = "transfer,watch"
	}
	anyEnabled = true
	v := strings.Split(logstr, ",")
	for _, logcmd := range v {
		// If adding another value, do make sure to
		// update "help log" description in cmd/rwmem/cmds/commands.go.
		switch logcmd {
		case "translator":
			translator = true
		case "transfer":
			transfer = true
		case "regions":
			regions = true
		case "watch":
			watch = true
		case "native":
			native = true
		case "terminal":
			terminal = true
		case "debugger":
			debugger = true
		default:
			fmt.Fprintf(os.Stderr, "Warning: unknown log output value %q, run 'rwmem help log' for usage.\n", logcmd)
		}
	}
	return nil
}

// Close closes the logger output.
func Close() {
	if logOut != nil {
		logOut.Close()
	}
}

// textFormatterInstance is the default formatter used by every logger.
var textFormatterInstance = &textFormatter{}

type textFormatter struct{}

func (f *textFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s ", entry.Time.Format("2006-01-02T15:04:05Z07:00"), strings.ToLower(entry.Level.String()))
	if layer, ok := entry.Data["layer"]; ok {
		fmt.Fprintf(&b, "layer=%v ", layer)
	}
	keys := make([]string, 0, len(entry.Data))
	for k := range entry.Data {
		if k != "layer" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "%s=%v ", k, entry.Data[k])
	}
	b.WriteString(entry.Message)
	b.WriteByte('\n')
	return []byte(b.String()), nil
}
