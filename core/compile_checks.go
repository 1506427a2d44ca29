package core

import glog "github.com/goliatone/go-logger/glog"

var (
	_ EventStore = (*MemoryEventStore)(nil)
	_ Handler    = HandlerFunc(nil)

	_ Logger         = glog.Nop()
	_ LoggerProvider = glog.ProviderFromLogger(glog.Nop())
)
