package config

import (
	"fmt"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Hotspot actions accepted by filter.mobile_hotspot.action.
const (
	HotspotActionExclude = "EXCLUDE"
	HotspotActionFlag    = "FLAG"
	HotspotActionLogOnly = "LOG_ONLY"
)

type Config struct {
	Service  ServiceConfig  `koanf:"service"`
	AWS      AWSConfig      `koanf:"aws"`
	SQS      SQSConfig      `koanf:"sqs"`
	S3       S3Config       `koanf:"s3"`
	Decode   DecodeConfig   `koanf:"decode"`
	Filter   FilterConfig   `koanf:"filter"`
	Firehose FirehoseConfig `koanf:"firehose"`
}

type ServiceConfig struct {
	InstanceID        string `koanf:"instance_id"`
	HTTPListen        string `koanf:"http_listen"`
	LogLevel          string `koanf:"log_level"`
	ShutdownTimeoutMs int    `koanf:"shutdown_timeout_ms"`
}

type AWSConfig struct {
	Region string `koanf:"region"`
	// EndpointURL overrides the endpoint for all three AWS clients.
	// Intended for localstack-style integration environments.
	EndpointURL string `koanf:"endpoint_url"`
}

type SQSConfig struct {
	QueueURL                 string `koanf:"queue_url"`
	MaxMessages              int32  `koanf:"max_messages"`
	WaitTimeSeconds          int32  `koanf:"wait_time_seconds"`
	VisibilityTimeoutSeconds int32  `koanf:"visibility_timeout_seconds"`
	MaxConcurrentBatches     int    `koanf:"max_concurrent_batches"`
	DeleteOnParseFailure     bool   `koanf:"delete_on_parse_failure"`
	ExpectedEventSource      string `koanf:"expected_event_source"`
}

type S3Config struct {
	MaxObjectBytes int64 `koanf:"max_object_bytes"`
	ReadRetries    int   `koanf:"read_retries"`
}

type DecodeConfig struct {
	MaxInflatedBytes int64 `koanf:"max_inflated_bytes"`
}

type FilterConfig struct {
	MaxLocationAccuracy float64             `koanf:"max_location_accuracy"`
	RSSIMin             int                 `koanf:"rssi_min"`
	RSSIMax             int                 `koanf:"rssi_max"`
	ConnectedWeight     float64             `koanf:"connected_weight"`
	ScanWeight          float64             `koanf:"scan_weight"`
	LowLinkSpeedWeight  float64             `koanf:"low_link_speed_weight"`
	MobileHotspot       MobileHotspotConfig `koanf:"mobile_hotspot"`
}

type MobileHotspotConfig struct {
	Enabled      bool     `koanf:"enabled"`
	OUIBlacklist []string `koanf:"oui_blacklist"`
	Action       string   `koanf:"action"`
}

type FirehoseConfig struct {
	DeliveryStream  string `koanf:"delivery_stream"`
	MaxBatchRecords int    `koanf:"max_batch_records"`
	MaxBatchBytes   int    `koanf:"max_batch_bytes"`
	BatchTimeoutMs  int    `koanf:"batch_timeout_ms"`
	MaxRecordBytes  int    `koanf:"max_record_bytes"`
	MaxRetries      int    `koanf:"max_retries"`
	BaseBackoffMs   int    `koanf:"base_backoff_ms"`
}

// Hard service limits: a delivery-stream batch call accepts at most 500
// records / 4 MiB with individual records at most 1000 KiB, and a queue
// receive returns at most 10 messages with a 20 second long-poll.
const (
	maxBatchRecordsLimit = 500
	maxBatchBytesLimit   = 4 * 1024 * 1024
	maxRecordBytesLimit  = 1000 * 1024
	maxMessagesLimit     = 10
	maxWaitTimeSeconds   = 20
	maxObjectBytesLimit  = int64(5_000_000_000)
)

func Load(path string) (*Config, error) {
	k := koanf.New(".")

	// Load YAML file first.
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", path, err)
		}
	}

	// Overlay environment variables: SCAN_INGESTER_SQS__QUEUE_URL → sqs.queue_url
	if err := k.Load(env.Provider("SCAN_INGESTER_", ".", func(s string) string {
		s = strings.TrimPrefix(s, "SCAN_INGESTER_")
		s = strings.ToLower(s)
		s = strings.ReplaceAll(s, "__", ".")
		return s
	}), nil); err != nil {
		return nil, fmt.Errorf("loading env config: %w", err)
	}

	cfg := &Config{
		Service: ServiceConfig{
			InstanceID:        "scan-ingester-1",
			HTTPListen:        ":8080",
			LogLevel:          "info",
			ShutdownTimeoutMs: 30000,
		},
		SQS: SQSConfig{
			MaxMessages:          10,
			WaitTimeSeconds:      20,
			MaxConcurrentBatches: 4,
			DeleteOnParseFailure: true,
			ExpectedEventSource:  "aws:s3",
		},
		S3: S3Config{
			MaxObjectBytes: 104857600, // 100 MiB
			ReadRetries:    2,
		},
		Decode: DecodeConfig{
			MaxInflatedBytes: 268435456, // 256 MiB
		},
		Filter: FilterConfig{
			MaxLocationAccuracy: 150,
			RSSIMin:             -100,
			RSSIMax:             0,
			ConnectedWeight:     2.0,
			ScanWeight:          1.0,
			LowLinkSpeedWeight:  1.5,
			MobileHotspot: MobileHotspotConfig{
				Action: HotspotActionExclude,
			},
		},
		Firehose: FirehoseConfig{
			MaxBatchRecords: 500,
			MaxBatchBytes:   4194304, // 4 MiB
			BatchTimeoutMs:  5000,
			MaxRecordBytes:  1024000, // 1000 KiB
			MaxRetries:      3,
			BaseBackoffMs:   1000,
		},
	}

	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	// Split comma-separated env strings for slice fields.
	if len(cfg.Filter.MobileHotspot.OUIBlacklist) == 1 && strings.Contains(cfg.Filter.MobileHotspot.OUIBlacklist[0], ",") {
		cfg.Filter.MobileHotspot.OUIBlacklist = strings.Split(cfg.Filter.MobileHotspot.OUIBlacklist[0], ",")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if c.SQS.QueueURL == "" {
		return fmt.Errorf("config: sqs.queue_url is required")
	}
	if c.Firehose.DeliveryStream == "" {
		return fmt.Errorf("config: firehose.delivery_stream is required")
	}
	if c.SQS.MaxMessages <= 0 || c.SQS.MaxMessages > maxMessagesLimit {
		return fmt.Errorf("config: sqs.max_messages must be in [1, %d] (got %d)", maxMessagesLimit, c.SQS.MaxMessages)
	}
	if c.SQS.WaitTimeSeconds < 0 || c.SQS.WaitTimeSeconds > maxWaitTimeSeconds {
		return fmt.Errorf("config: sqs.wait_time_seconds must be in [0, %d] (got %d)", maxWaitTimeSeconds, c.SQS.WaitTimeSeconds)
	}
	if c.SQS.VisibilityTimeoutSeconds < 0 {
		return fmt.Errorf("config: sqs.visibility_timeout_seconds must be >= 0 (got %d)", c.SQS.VisibilityTimeoutSeconds)
	}
	if c.SQS.MaxConcurrentBatches <= 0 {
		return fmt.Errorf("config: sqs.max_concurrent_batches must be > 0 (got %d)", c.SQS.MaxConcurrentBatches)
	}
	if c.SQS.ExpectedEventSource == "" {
		return fmt.Errorf("config: sqs.expected_event_source is required")
	}
	if c.S3.MaxObjectBytes <= 0 || c.S3.MaxObjectBytes > maxObjectBytesLimit {
		return fmt.Errorf("config: s3.max_object_bytes must be in (0, %d] (got %d)", maxObjectBytesLimit, c.S3.MaxObjectBytes)
	}
	if c.S3.ReadRetries < 0 {
		return fmt.Errorf("config: s3.read_retries must be >= 0 (got %d)", c.S3.ReadRetries)
	}
	if c.Decode.MaxInflatedBytes <= 0 {
		return fmt.Errorf("config: decode.max_inflated_bytes must be > 0 (got %d)", c.Decode.MaxInflatedBytes)
	}
	if c.Filter.MaxLocationAccuracy <= 0 {
		return fmt.Errorf("config: filter.max_location_accuracy must be > 0 (got %g)", c.Filter.MaxLocationAccuracy)
	}
	if c.Filter.RSSIMin >= c.Filter.RSSIMax {
		return fmt.Errorf("config: filter.rssi_min (%d) must be < filter.rssi_max (%d)", c.Filter.RSSIMin, c.Filter.RSSIMax)
	}
	if c.Filter.RSSIMax > 0 {
		return fmt.Errorf("config: filter.rssi_max must be <= 0 (got %d)", c.Filter.RSSIMax)
	}
	if c.Filter.ConnectedWeight <= 0 || c.Filter.ScanWeight <= 0 || c.Filter.LowLinkSpeedWeight <= 0 {
		return fmt.Errorf("config: filter weights must be > 0 (connected=%g scan=%g low_link_speed=%g)",
			c.Filter.ConnectedWeight, c.Filter.ScanWeight, c.Filter.LowLinkSpeedWeight)
	}
	switch c.Filter.MobileHotspot.Action {
	case HotspotActionExclude, HotspotActionFlag, HotspotActionLogOnly:
	default:
		return fmt.Errorf("config: filter.mobile_hotspot.action must be one of EXCLUDE, FLAG, LOG_ONLY (got %q)", c.Filter.MobileHotspot.Action)
	}
	if c.Filter.MobileHotspot.Enabled && len(c.Filter.MobileHotspot.OUIBlacklist) == 0 {
		return fmt.Errorf("config: filter.mobile_hotspot.oui_blacklist is required when mobile_hotspot.enabled is true")
	}
	for _, oui := range c.Filter.MobileHotspot.OUIBlacklist {
		if !validOUI(strings.TrimSpace(oui)) {
			return fmt.Errorf("config: filter.mobile_hotspot.oui_blacklist entry %q is not a 3-octet OUI (want XX:XX:XX)", oui)
		}
	}
	if c.Firehose.MaxBatchRecords <= 0 || c.Firehose.MaxBatchRecords > maxBatchRecordsLimit {
		return fmt.Errorf("config: firehose.max_batch_records must be in [1, %d] (got %d)", maxBatchRecordsLimit, c.Firehose.MaxBatchRecords)
	}
	if c.Firehose.MaxBatchBytes <= 0 || c.Firehose.MaxBatchBytes > maxBatchBytesLimit {
		return fmt.Errorf("config: firehose.max_batch_bytes must be in (0, %d] (got %d)", maxBatchBytesLimit, c.Firehose.MaxBatchBytes)
	}
	if c.Firehose.MaxRecordBytes <= 0 || c.Firehose.MaxRecordBytes > maxRecordBytesLimit {
		return fmt.Errorf("config: firehose.max_record_bytes must be in (0, %d] (got %d)", maxRecordBytesLimit, c.Firehose.MaxRecordBytes)
	}
	if c.Firehose.MaxRecordBytes > c.Firehose.MaxBatchBytes {
		return fmt.Errorf("config: firehose.max_record_bytes (%d) exceeds firehose.max_batch_bytes (%d)",
			c.Firehose.MaxRecordBytes, c.Firehose.MaxBatchBytes)
	}
	if c.Firehose.BatchTimeoutMs <= 0 {
		return fmt.Errorf("config: firehose.batch_timeout_ms must be > 0 (got %d)", c.Firehose.BatchTimeoutMs)
	}
	if c.Firehose.MaxRetries < 0 {
		return fmt.Errorf("config: firehose.max_retries must be >= 0 (got %d)", c.Firehose.MaxRetries)
	}
	if c.Firehose.BaseBackoffMs <= 0 {
		return fmt.Errorf("config: firehose.base_backoff_ms must be > 0 (got %d)", c.Firehose.BaseBackoffMs)
	}
	if c.Service.ShutdownTimeoutMs <= 0 {
		return fmt.Errorf("config: service.shutdown_timeout_ms must be > 0 (got %d)", c.Service.ShutdownTimeoutMs)
	}
	return nil
}

// OUISet returns the hotspot blacklist normalized to the upper-case colon
// form the detector compares against.
func (f *FilterConfig) OUISet() map[string]struct{} {
	set := make(map[string]struct{}, len(f.MobileHotspot.OUIBlacklist))
	for _, oui := range f.MobileHotspot.OUIBlacklist {
		set[strings.ToUpper(strings.TrimSpace(oui))] = struct{}{}
	}
	return set
}

func validOUI(s string) bool {
	if len(s) != 8 {
		return false
	}
	for i, r := range s {
		if i == 2 || i == 5 {
			if r != ':' {
				return false
			}
			continue
		}
		if !isHexDigit(r) {
			return false
		}
	}
	return true
}

func isHexDigit(r rune) bool {
	return (r >= '0' && r <= '9') || (r >= 'a' && r <= 'f') || (r >= 'A' && r <= 'F')
}
