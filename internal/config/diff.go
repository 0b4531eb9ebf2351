package config

import "slices"

// ConfigDiff describes what changed between two configs.
// Hot-reloadable changes are reported as flags; everything else is listed
// in RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// ActivityChanged is true when any activity threshold or interval
	// changed.
	ActivityChanged bool

	// BandwidthChanged is true when the outbound encoding policy changed.
	// The new policy applies from the next session.
	BandwidthChanged bool

	// RestartRequired names the sections whose changes only take effect
	// after a restart.
	RestartRequired []string
}

// Empty reports whether d records no change at all.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.ActivityChanged && !d.BandwidthChanged && len(d.RestartRequired) == 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	d.ActivityChanged = !activityEqual(old.Activity, new.Activity)
	d.BandwidthChanged = !bandwidthEqual(old.Bandwidth, new.Bandwidth)

	if old.Server.ListenAddr != new.Server.ListenAddr {
		d.RestartRequired = append(d.RestartRequired, "server.listen_addr")
	}
	if !signalingEqual(old.Signaling, new.Signaling) {
		d.RestartRequired = append(d.RestartRequired, "signaling")
	}
	if !endpointEqual(old.Endpoint, new.Endpoint) {
		d.RestartRequired = append(d.RestartRequired, "endpoint")
	}
	if old.Capture != new.Capture {
		d.RestartRequired = append(d.RestartRequired, "capture")
	}
	if old.Telemetry != new.Telemetry {
		d.RestartRequired = append(d.RestartRequired, "telemetry")
	}
	return d
}

func activityEqual(a, b ActivityConfig) bool {
	return a.LocalInterval == b.LocalInterval &&
		a.RemoteInterval == b.RemoteInterval &&
		a.LocalThreshold == b.LocalThreshold &&
		a.RemoteLevelThreshold == b.RemoteLevelThreshold &&
		a.FFTSize == b.FFTSize &&
		floatPtrEqual(a.Smoothing, b.Smoothing)
}

func bandwidthEqual(a, b BandwidthConfig) bool {
	return a.MaxBitrate == b.MaxBitrate && a.Priority == b.Priority && boolPtrEqual(a.DTX, b.DTX)
}

func signalingEqual(a, b SignalingConfig) bool {
	return a.Backend == b.Backend &&
		a.URL == b.URL &&
		a.PostgresDSN == b.PostgresDSN &&
		a.Serve == b.Serve &&
		a.ServePath == b.ServePath &&
		slices.Equal(a.OriginPatterns, b.OriginPatterns) &&
		a.RequestTimeout == b.RequestTimeout &&
		a.ReapInterval == b.ReapInterval &&
		a.Breaker == b.Breaker
}

func endpointEqual(a, b EndpointConfig) bool {
	return slices.Equal(a.STUNServers, b.STUNServers) &&
		a.BundlePolicy == b.BundlePolicy &&
		a.UDPPortMin == b.UDPPortMin &&
		a.UDPPortMax == b.UDPPortMax &&
		a.SampleRate == b.SampleRate
}

func boolPtrEqual(a, b *bool) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func floatPtrEqual(a, b *float64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
