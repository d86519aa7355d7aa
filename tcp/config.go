package tcp

import (
	"fmt"
	"log/slog"
	"time"

	"gopkg.in/yaml.v3"
)

// Compile time configuration defaults mirroring the recognized options of the
// endpoint. All durations are overridable per stack.
const (
	// defaultConnectionTimeout bounds every blocking API call on an idle connection.
	defaultConnectionTimeout = 120 * time.Second
	// defaultProbeLowerBound and defaultProbeUpperBound clamp the doubling
	// interval between zero-window probes.
	defaultProbeLowerBound = 1 * time.Second
	defaultProbeUpperBound = 60 * time.Second
	// defaultMsgQueueSizeExp sizes each per-call mailbox to 1<<3 messages.
	defaultMsgQueueSizeExp = 3
	// defaultRTOMin and defaultRTOMax clamp the retransmission timeout.
	defaultRTOMin = 1 * time.Second
	defaultRTOMax = 60 * time.Second
	// defaultMSL is the maximum segment lifetime driving the 2*MSL TIME-WAIT hold.
	defaultMSL = 30 * time.Second
	// defaultMSS is the maximum segment size advertised and used for IPv6 links.
	defaultMSS = 1220
	// defaultRcvBufs bounds the simultaneous non-closed connections.
	defaultRcvBufs = 4
	// defaultRcvBufSize is each connection's receive window capacity.
	defaultRcvBufSize = 2 * defaultMSS
	// clockGranularity is the G term of the RFC 6298 RTO computation.
	clockGranularity = time.Millisecond
)

// Duration wraps time.Duration to accept "500ms"/"2s" strings in YAML.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler for Duration.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d Duration) std() time.Duration { return time.Duration(d) }

// StackConfig carries the recognized options of a [Stack]. Zero valued
// fields are filled in from the defaults above.
type StackConfig struct {
	// ConnectionTimeout is the overall idle timeout for any blocking API call.
	ConnectionTimeout Duration `yaml:"connection_timeout"`
	// ProbeLowerBound and ProbeUpperBound clamp the zero-window probe interval.
	ProbeLowerBound Duration `yaml:"probe_lower_bound"`
	ProbeUpperBound Duration `yaml:"probe_upper_bound"`
	// MsgQueueSizeExp is the power-of-two size of each per-call mailbox.
	MsgQueueSizeExp uint `yaml:"msg_queue_size_exp"`
	// RTOMin and RTOMax clamp the retransmission timeout.
	RTOMin Duration `yaml:"rto_min"`
	RTOMax Duration `yaml:"rto_max"`
	// MSL is the maximum segment lifetime; TIME-WAIT holds for twice this.
	MSL Duration `yaml:"msl"`
	// MSS is the maximum segment size advertised in our SYN and the upper
	// bound on segments sent; a smaller MSS option from the peer lowers it.
	MSS uint16 `yaml:"mss"`
	// RcvBufs is the receive buffer pool count, equal to the maximum
	// simultaneous non-closed connections.
	RcvBufs int `yaml:"rcv_bufs"`
	// RcvBufSize is the capacity of each receive buffer and therefore the
	// largest advertised receive window.
	RcvBufSize int `yaml:"rcv_buf_size"`
	// Logger receives structured engine logs. Nil disables logging.
	Logger *slog.Logger `yaml:"-"`
}

// ParseConfig reads a StackConfig from YAML data. Omitted fields stay zero
// and are defaulted when the stack starts.
func ParseConfig(data []byte) (StackConfig, error) {
	var cfg StackConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return StackConfig{}, err
	}
	return cfg, cfg.validate()
}

func (cfg *StackConfig) validate() error {
	switch {
	case cfg.MsgQueueSizeExp > 12:
		return fmt.Errorf("msg_queue_size_exp %d too large", cfg.MsgQueueSizeExp)
	case cfg.RcvBufs < 0 || cfg.RcvBufSize < 0:
		return fmt.Errorf("negative receive buffer sizing")
	case cfg.RTOMin != 0 && cfg.RTOMax != 0 && cfg.RTOMin > cfg.RTOMax:
		return fmt.Errorf("rto_min exceeds rto_max")
	case cfg.ProbeLowerBound != 0 && cfg.ProbeUpperBound != 0 && cfg.ProbeLowerBound > cfg.ProbeUpperBound:
		return fmt.Errorf("probe_lower_bound exceeds probe_upper_bound")
	}
	return nil
}

// withDefaults returns cfg with zero fields replaced by package defaults.
func (cfg StackConfig) withDefaults() StackConfig {
	if cfg.ConnectionTimeout == 0 {
		cfg.ConnectionTimeout = Duration(defaultConnectionTimeout)
	}
	if cfg.ProbeLowerBound == 0 {
		cfg.ProbeLowerBound = Duration(defaultProbeLowerBound)
	}
	if cfg.ProbeUpperBound == 0 {
		cfg.ProbeUpperBound = Duration(defaultProbeUpperBound)
	}
	if cfg.MsgQueueSizeExp == 0 {
		cfg.MsgQueueSizeExp = defaultMsgQueueSizeExp
	}
	if cfg.RTOMin == 0 {
		cfg.RTOMin = Duration(defaultRTOMin)
	}
	if cfg.RTOMax == 0 {
		cfg.RTOMax = Duration(defaultRTOMax)
	}
	if cfg.MSL == 0 {
		cfg.MSL = Duration(defaultMSL)
	}
	if cfg.MSS == 0 {
		cfg.MSS = defaultMSS
	}
	if cfg.RcvBufs == 0 {
		cfg.RcvBufs = defaultRcvBufs
	}
	if cfg.RcvBufSize == 0 {
		cfg.RcvBufSize = defaultRcvBufSize
	}
	return cfg
}
