package log

import "github.com/robfig/cron/v3"

type cronLogger struct {
	component string
}

// CronLogger adapts the package logger to cron.Logger so job wrappers
// (DelayIfStillRunning, Recover) report through the same sink.
func CronLogger(component string) cron.Logger {
	return cronLogger{component: component}
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	Debug("cron: "+msg, append([]any{"component", c.component}, keysAndValues...)...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	Error("cron: "+msg, err, append([]any{"component", c.component}, keysAndValues...)...)
}
