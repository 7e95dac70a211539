package framewire

import "github.com/sirupsen/logrus"

// TransportConfig collects the tunables the spec calls out. Zero-value
// fields are filled in from DefaultTransportConfig when New applies the
// config (mirroring the teacher's DefaultRateLimitConfig/NoRateLimit pattern).
type TransportConfig struct {
	// PriorityLevels is the number of distinct send-priority levels (1-16).
	PriorityLevels int
	// SinglePacketMTU is the assumed size of one underlying frame, in bytes.
	SinglePacketMTU int
	// MaxConcurrentMessages bounds in-flight outgoing message numbers (1-16).
	MaxConcurrentMessages int
	// TargetResponsivenessMS is how often the send byte-budget is reset.
	TargetResponsivenessMS int
	// BandwidthEstimatorSamples sizes the throughput moving-average window.
	BandwidthEstimatorSamples int
	// PingIntervalMS is the steady-state interval between liveness pings.
	PingIntervalMS int
	// InitialPingIntervalMS is used for the first few pings after Open.
	InitialPingIntervalMS int
	// MissedPingCount is how many consecutive missed pongs force-close the connection.
	MissedPingCount int
	// MaxPercentThroughput caps the send budget as a percentage of the
	// estimated outbound throughput (0-100).
	MaxPercentThroughput int

	// Logger receives structured connection-lifecycle logs. Defaults to
	// logrus.StandardLogger() when nil.
	Logger *logrus.Logger
}

// DefaultTransportConfig returns the spec's documented defaults.
func DefaultTransportConfig() TransportConfig {
	return TransportConfig{
		PriorityLevels:            16,
		SinglePacketMTU:           1398,
		MaxConcurrentMessages:     16,
		TargetResponsivenessMS:    100,
		BandwidthEstimatorSamples: 100,
		PingIntervalMS:            15000,
		InitialPingIntervalMS:     5000,
		MissedPingCount:           4,
		MaxPercentThroughput:      75,
		Logger:                    logrus.StandardLogger(),
	}
}

// withDefaults fills any zero-valued field of cfg from DefaultTransportConfig,
// then clamps to the documented maxima.
func (cfg TransportConfig) withDefaults() TransportConfig {
	def := DefaultTransportConfig()

	if cfg.PriorityLevels == 0 {
		cfg.PriorityLevels = def.PriorityLevels
	}
	if cfg.SinglePacketMTU == 0 {
		cfg.SinglePacketMTU = def.SinglePacketMTU
	}
	if cfg.MaxConcurrentMessages == 0 {
		cfg.MaxConcurrentMessages = def.MaxConcurrentMessages
	}
	if cfg.TargetResponsivenessMS == 0 {
		cfg.TargetResponsivenessMS = def.TargetResponsivenessMS
	}
	if cfg.BandwidthEstimatorSamples == 0 {
		cfg.BandwidthEstimatorSamples = def.BandwidthEstimatorSamples
	}
	if cfg.PingIntervalMS == 0 {
		cfg.PingIntervalMS = def.PingIntervalMS
	}
	if cfg.InitialPingIntervalMS == 0 {
		cfg.InitialPingIntervalMS = def.InitialPingIntervalMS
	}
	if cfg.MissedPingCount == 0 {
		cfg.MissedPingCount = def.MissedPingCount
	}
	if cfg.MaxPercentThroughput == 0 {
		cfg.MaxPercentThroughput = def.MaxPercentThroughput
	}
	if cfg.Logger == nil {
		cfg.Logger = def.Logger
	}

	if cfg.PriorityLevels > 16 {
		cfg.PriorityLevels = 16
	}
	if cfg.MaxConcurrentMessages > 16 {
		cfg.MaxConcurrentMessages = 16
	}
	if cfg.MaxPercentThroughput > 100 {
		cfg.MaxPercentThroughput = 100
	}

	return cfg
}
