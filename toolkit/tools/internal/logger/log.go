// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

// Shared logger for all ct2vm tools.

package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
)

const (
	ColorFlagHelp = "Color setting for log terminal output"
	FileFlagHelp  = "Path to the log file (appended to, shared by all jobs of a run)"
	LevelsHelp    = "The minimum log level"

	defaultLogFileLevel   = logrus.DebugLevel
	defaultStderrLogLevel = logrus.InfoLevel

	ColorAlways = "always"
	ColorAuto   = "auto"
	ColorNever  = "never"
)

var (
	// Log is the shared logger. logrus serializes writes internally so it is safe to use from
	// every concurrently running conversion job.
	Log *logrus.Logger

	stderrHook *writerHook
	fileHook   *writerHook
	logFile    *os.File
)

type LogFlags struct {
	LogColor *string
	LogFile  *string
	LogLevel *string
}

func Colors() []string {
	return []string{ColorAlways, ColorAuto, ColorNever}
}

func Levels() []string {
	levels := []string(nil)
	for _, level := range logrus.AllLevels {
		levels = append(levels, level.String())
	}
	return levels
}

// InitStderrLog initializes the logger to print to stderr only.
func InitStderrLog() {
	initLogger()
	stderrHook = newWriterHook(os.Stderr, defaultStderrLogLevel, newTextFormatter(ColorAuto))
	Log.AddHook(stderrHook)
}

// InitBestEffort runs InitStderrLog and then tries to add the optional log file.
// Failures to open the log file are reported but not fatal.
func InitBestEffort(lf *LogFlags) {
	color := ColorAuto
	if lf != nil && lf.LogColor != nil && *lf.LogColor != "" {
		color = *lf.LogColor
	}

	initLogger()
	stderrHook = newWriterHook(os.Stderr, defaultStderrLogLevel, newTextFormatter(color))
	Log.AddHook(stderrHook)

	if lf == nil {
		return
	}

	if lf.LogLevel != nil && *lf.LogLevel != "" {
		err := SetStderrLogLevel(*lf.LogLevel)
		if err != nil {
			Log.Warnf("%s", err)
		}
	}

	if lf.LogFile != nil && *lf.LogFile != "" {
		err := AddFileLog(*lf.LogFile)
		if err != nil {
			Log.Warnf("Failed to open log file (%s): %s", *lf.LogFile, err)
		}
	}
}

// AddFileLog appends all log output (at debug level and above) to the given file.
func AddFileLog(path string) error {
	err := os.MkdirAll(filepath.Dir(path), 0o755)
	if err != nil {
		return err
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}

	logFile = f
	fileHook = newWriterHook(f, defaultLogFileLevel, &logrus.TextFormatter{
		DisableColors:    true,
		FullTimestamp:    true,
		DisableQuote:     true,
		QuoteEmptyFields: true,
	})
	Log.AddHook(fileHook)
	return nil
}

// LogFilePath returns the path of the log file or an empty string if there isn't one.
func LogFilePath() string {
	if logFile == nil {
		return ""
	}
	return logFile.Name()
}

func SetStderrLogLevel(level string) error {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("invalid log level (%s), expected one of: %s", level, strings.Join(Levels(), ", "))
	}

	if stderrHook != nil {
		stderrHook.setLevel(lvl)
	}

	if lvl > Log.GetLevel() {
		Log.SetLevel(lvl)
	}
	return nil
}

// PanicOnError logs and panics if err is non-nil.
func PanicOnError(err interface{}, args ...interface{}) {
	if err == nil {
		return
	}

	if len(args) > 0 {
		Log.Errorf(fmt.Sprint(args[0]), args[1:]...)
	}
	Log.Panicln(err)
}

func initLogger() {
	Log = logrus.New()
	Log.ReportCaller = false
	Log.SetOutput(io.Discard)
	// The logger level is the most verbose of all the hooks. Each hook filters by itself.
	Log.SetLevel(logrus.TraceLevel)
	Log.AddHook(memoryHook)
}

func newTextFormatter(color string) logrus.Formatter {
	formatter := &logrus.TextFormatter{
		FullTimestamp: false,
		DisableQuote:  true,
	}

	switch color {
	case ColorAlways:
		formatter.ForceColors = true
	case ColorNever:
		formatter.DisableColors = true
	}
	return formatter
}

type writerHook struct {
	writer    io.Writer
	level     logrus.Level
	formatter logrus.Formatter
}

func newWriterHook(w io.Writer, level logrus.Level, formatter logrus.Formatter) *writerHook {
	return &writerHook{
		writer:    w,
		level:     level,
		formatter: formatter,
	}
}

func (h *writerHook) setLevel(level logrus.Level) {
	h.level = level
}

// Levels returns all levels since logrus caches the hook's levels when it is added.
// Filtering happens in Fire instead.
func (h *writerHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (h *writerHook) Fire(entry *logrus.Entry) error {
	if entry.Level > h.level {
		return nil
	}

	msg, err := h.formatter.Format(entry)
	if err != nil {
		return err
	}

	_, err = h.writer.Write(msg)
	return err
}
