package core

import glog "github.com/goliatone/go-logger/glog"

var (
	_ MetricsRecorder = NopMetricsRecorder{}
	_ MetricsRecorder = (*MemoryMetricsRecorder)(nil)
	_ ReplayLedger    = (*MemoryReplayLedger)(nil)
	_ ConfigProvider  = (*CfgxConfigProvider)(nil)
	_ OptionsResolver = GoOptionsResolver{}
	_ RawConfigLoader = StaticRawConfigLoader{}

	_ DeliveryProcessor = DeliveryProcessorFunc(nil)

	_ Logger         = glog.Nop()
	_ LoggerProvider = glog.ProviderFromLogger(glog.Nop())
)
