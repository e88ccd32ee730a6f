package main

import (
	"io"
	"os"
	"slices"
	"strings"

	"github.com/sirupsen/logrus"
	"gopkg.in/ini.v1"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	coreLog   *logrus.Entry
	sipLog    *logrus.Entry
	mediaLog  *logrus.Entry
	convaiLog *logrus.Entry
	logFile   *lumberjack.Logger
)

// sipMessages controls whether full SIP messages are logged.
var sipMessages bool

// initLogging configures one logger per subsystem.
func initLogging(cfg *ini.File) error {
	sec := cfg.Section("logging")

	consoleMin := toLogrusLevel(sec.Key("console_min_level").MustInt(0))
	fileMin := toLogrusLevel(sec.Key("file_min_level").MustInt(0))

	logFile = &lumberjack.Logger{
		Filename:   sec.Key("file").MustString("pbxbridge.log"),
		MaxSize:    100, // megabytes
		MaxBackups: 1,
	}

	sipMessages = sec.Key("sip_messages").MustBool(true)
	var sipHooks []logrus.Hook
	if !sipMessages {
		// filter out verbose SIP message dumps
		sipHooks = append(sipHooks, &sipMessageFilterHook{})
	}

	coreLog = newLogger("core", toLogrusLevel(sec.Key("core").MustInt(2)), consoleMin, fileMin, logFile)
	sipLog = newLogger("sip", toLogrusLevel(sec.Key("sip").MustInt(2)), consoleMin, fileMin, logFile, sipHooks...)
	mediaLog = newLogger("media", toLogrusLevel(sec.Key("media").MustInt(3)), consoleMin, fileMin, logFile)
	convaiLog = newLogger("convai", toLogrusLevel(sec.Key("convai").MustInt(2)), consoleMin, fileMin, logFile)
	return nil
}

// closeLogging flushes and closes log files.
func closeLogging() {
	if logFile != nil {
		_ = logFile.Close()
	}
}

// writerHook writes logs to the specified writer for provided levels.
type writerHook struct {
	Writer    io.Writer
	LogLevels []logrus.Level
}

func (h *writerHook) Fire(e *logrus.Entry) error {
	// Earlier hooks may have moved the entry out of our levels.
	if !slices.Contains(h.LogLevels, e.Level) {
		return nil
	}
	line, err := e.String()
	if err != nil {
		return err
	}
	_, err = h.Writer.Write([]byte(line))
	return err
}

func (h *writerHook) Levels() []logrus.Level {
	return h.LogLevels
}

// newLogger builds a named logger. Extra hooks run before the writers.
func newLogger(name string, level, consoleMin, fileMin logrus.Level, file io.Writer, hooks ...logrus.Hook) *logrus.Entry {
	logger := logrus.New()
	logger.SetLevel(level)
	logger.SetOutput(io.Discard)
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: "15:04:05.000"})
	for _, h := range hooks {
		logger.AddHook(h)
	}
	logger.AddHook(&writerHook{Writer: os.Stdout, LogLevels: availableLevels(consoleMin)})
	logger.AddHook(&writerHook{Writer: file, LogLevels: availableLevels(fileMin)})
	return logger.WithField("name", name)
}

func availableLevels(min logrus.Level) []logrus.Level {
	levels := []logrus.Level{}
	for _, l := range logrus.AllLevels {
		if l <= min {
			levels = append(levels, l)
		}
	}
	return levels
}

func toLogrusLevel(v int) logrus.Level {
	switch {
	case v <= 0:
		return logrus.TraceLevel
	case v == 1:
		return logrus.DebugLevel
	case v == 2:
		return logrus.InfoLevel
	case v == 3:
		return logrus.WarnLevel
	case v == 4:
		return logrus.ErrorLevel
	case v == 5:
		return logrus.FatalLevel
	default:
		return logrus.PanicLevel // off
	}
}

// sipMessageFilterHook suppresses logging of full SIP messages when disabled via configuration.
type sipMessageFilterHook struct{}

func (h *sipMessageFilterHook) Levels() []logrus.Level { return logrus.AllLevels }

func (h *sipMessageFilterHook) Fire(e *logrus.Entry) error {
	if strings.HasPrefix(e.Message, "received SIP message:") || strings.HasPrefix(e.Message, "sending SIP message:") {
		// move the entry below every level so writer hooks ignore it
		e.Level = logrus.TraceLevel + 1
	}
	return nil
}
