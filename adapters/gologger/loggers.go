package gologger

import (
	"strings"

	job "github.com/goliatone/go-job"
	glog "github.com/goliatone/go-logger/glog"

	"github.com/goliatone/go-payhooks/core"
)

// Loggers is the resolved logging surface of one payhooks process, with
// the go-job bridges derived from the same provider.
type Loggers struct {
	Name        string
	Provider    glog.LoggerProvider
	Logger      glog.Logger
	JobProvider job.LoggerProvider
	JobLogger   job.Logger
}

// Resolve applies provider > logger > nop precedence.
func Resolve(name string, provider glog.LoggerProvider, logger glog.Logger) Loggers {
	name = strings.TrimSpace(name)
	if name == "" {
		name = "payhooks"
	}
	resolvedProvider, resolvedLogger := glog.Resolve(name, provider, logger)
	loggers := Loggers{Name: name, Provider: resolvedProvider, Logger: resolvedLogger}
	if resolvedProvider != nil {
		loggers.JobProvider = job.GoLoggerProvider(resolvedProvider)
	}
	if resolvedLogger != nil {
		loggers.JobLogger = job.GoLogger(resolvedLogger)
	}
	return loggers
}

// Component returns the logger named "<process>.<component>", falling back
// to the process logger.
func (l Loggers) Component(component string) glog.Logger {
	component = strings.TrimSpace(component)
	if l.Provider != nil && component != "" {
		if logger := l.Provider.GetLogger(l.Name + "." + component); logger != nil {
			return logger
		}
	}
	if l.Logger != nil {
		return l.Logger
	}
	return glog.Nop()
}

// Observer pairs the process logger with metrics.
func (l Loggers) Observer(metrics core.MetricsRecorder) core.Observer {
	return core.NewObserver(l.Logger, metrics)
}

// ComponentObserver pairs a component logger with metrics.
func (l Loggers) ComponentObserver(component string, metrics core.MetricsRecorder) core.Observer {
	return core.NewObserver(l.Component(component), metrics)
}
