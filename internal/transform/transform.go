package transform

import (
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/wifi-positioning/scan-ingester/internal/bundle"
	"github.com/wifi-positioning/scan-ingester/internal/config"
	"github.com/wifi-positioning/scan-ingester/internal/metrics"
)

// ErrInvalidInput is returned when Apply is handed a nil bundle.
var ErrInvalidInput = errors.New("nil scan bundle")

// Altitude bounds for emitted records; out-of-range values are dropped from
// the record, not the record itself.
const (
	altitudeMin = -1000.0
	altitudeMax = 10000.0
)

// Low-link-speed downgrade: a strong signal with a slow link suggests a
// congested or misreporting AP, so the record is weighted between a plain
// scan and a healthy association.
const (
	lowLinkSpeedBelowMbps = 50
	strongRSSIAboveDBm    = -50
)

// HotspotResult is the outcome of the OUI blacklist check.
type HotspotResult struct {
	Checked  bool
	Detected bool
	OUI      string
	Action   string
}

// Transformer turns decoded scan bundles into normalized measurements under
// the filter policy. It is stateless across bundles and safe for concurrent
// use.
type Transformer struct {
	cfg    config.FilterConfig
	ouiSet map[string]struct{}
	logger *zap.Logger
}

func New(cfg config.FilterConfig, logger *zap.Logger) *Transformer {
	return &Transformer{
		cfg:    cfg,
		ouiSet: cfg.OUISet(),
		logger: logger,
	}
}

// Apply emits the measurements for one bundle. Records failing validation
// are dropped with per-reason counters; empty bundles yield an empty slice.
func (t *Transformer) Apply(b *bundle.ScanBundle, pctx *ProcessingContext) ([]*Measurement, error) {
	if b == nil {
		return nil, ErrInvalidInput
	}
	now := time.Now()
	var out []*Measurement

	for i := range b.ConnectedEvents {
		if m := t.connectedMeasurement(&b.ConnectedEvents[i], b, pctx, now); m != nil {
			out = append(out, m)
		}
	}

	for i := range b.ScanResults {
		sr := &b.ScanResults[i]
		if sr.Location == nil {
			t.reject(reasonMissingLocation)
			continue
		}
		for j := range sr.Entries {
			if m := t.scanMeasurement(&sr.Entries[j], sr, b, pctx, now); m != nil {
				out = append(out, m)
			}
		}
	}

	return out, nil
}

func (t *Transformer) connectedMeasurement(ev *bundle.ConnectedEvent, b *bundle.ScanBundle, pctx *ProcessingContext, now time.Time) *Measurement {
	if ev.WifiInfo == nil {
		t.reject(reasonMissingWifiInfo)
		return nil
	}
	if ev.Location == nil {
		t.reject(reasonMissingLocation)
		return nil
	}

	wi := ev.WifiInfo
	bssid, ok, reason := validateBSSID(wi.BSSID)
	if !ok {
		t.reject(reason)
		return nil
	}
	if ok, reason := validateRSSI(wi.RSSI, t.cfg.RSSIMin, t.cfg.RSSIMax); !ok {
		t.reject(reason)
		return nil
	}
	if ok, reason := validateLocation(ev.Location, t.cfg.MaxLocationAccuracy); !ok {
		t.reject(reason)
		return nil
	}
	if ok, reason := validateTimestamp(ev.Ts, now); !ok {
		t.reject(reason)
		return nil
	}

	flagged, excluded := t.applyHotspotPolicy(bssid)
	if excluded {
		return nil
	}

	weight := t.cfg.ConnectedWeight
	if wi.LinkSpeed != nil && wi.RSSI != nil && *wi.LinkSpeed < lowLinkSpeedBelowMbps && *wi.RSSI > strongRSSIAboveDBm {
		weight = t.cfg.LowLinkSpeedWeight
	}

	m := t.newMeasurement(b, pctx, now, bssid, ev.Ts, ev.Location)
	m.EventID = ev.EventID
	m.ConnectionStatus = StatusConnected
	m.RSSI = *wi.RSSI
	m.Frequency = wi.Frequency
	m.QualityWeight = weight
	m.QualityScore = qualityScore(weight, *wi.RSSI, ev.Location.Accuracy, t.cfg.MaxLocationAccuracy)
	m.MobileHotspotFlagged = flagged
	if ssid, ok := sanitizeSSID(wi.SSID); ok {
		m.SSID = ssid
	}
	m.Connection = &ConnectionInfo{
		LinkSpeed:          wi.LinkSpeed,
		ChannelWidth:       wi.ChannelWidth,
		CenterFreq0:        wi.CenterFreq0,
		CenterFreq1:        wi.CenterFreq1,
		Capabilities:       wi.Capabilities,
		Is80211mcResponder: wi.Is80211mcResponder,
		IsPasspointNetwork: wi.IsPasspointNetwork,
		IsCaptive:          wi.IsCaptive,
		NumScanResults:     wi.NumScanResults,
	}
	return m
}

func (t *Transformer) scanMeasurement(entry *bundle.ScanEntry, sr *bundle.ScanResult, b *bundle.ScanBundle, pctx *ProcessingContext, now time.Time) *Measurement {
	bssid, ok, reason := validateBSSID(entry.BSSID)
	if !ok {
		t.reject(reason)
		return nil
	}
	if ok, reason := validateRSSI(entry.RSSI, t.cfg.RSSIMin, t.cfg.RSSIMax); !ok {
		t.reject(reason)
		return nil
	}
	if ok, reason := validateLocation(sr.Location, t.cfg.MaxLocationAccuracy); !ok {
		t.reject(reason)
		return nil
	}
	ts := entry.Ts
	if ts <= 0 {
		ts = sr.Ts
	}
	if ok, reason := validateTimestamp(ts, now); !ok {
		t.reject(reason)
		return nil
	}

	flagged, excluded := t.applyHotspotPolicy(bssid)
	if excluded {
		return nil
	}

	m := t.newMeasurement(b, pctx, now, bssid, ts, sr.Location)
	m.ConnectionStatus = StatusScan
	m.RSSI = *entry.RSSI
	m.Frequency = entry.Frequency
	m.QualityWeight = t.cfg.ScanWeight
	m.QualityScore = qualityScore(t.cfg.ScanWeight, *entry.RSSI, sr.Location.Accuracy, t.cfg.MaxLocationAccuracy)
	m.MobileHotspotFlagged = flagged
	if ssid, ok := sanitizeSSID(entry.SSID); ok {
		m.SSID = ssid
	}
	return m
}

// newMeasurement fills the fields common to both record kinds.
func (t *Transformer) newMeasurement(b *bundle.ScanBundle, pctx *ProcessingContext, now time.Time, bssid string, tsMillis int64, loc *bundle.Location) *Measurement {
	m := &Measurement{
		BSSID:         bssid,
		MeasurementTs: tsMillis,

		OSVersion:      b.OSVersion,
		Model:          b.Model,
		Product:        b.Product,
		Manufacturer:   b.Manufacturer,
		OSName:         b.OSName,
		OSBuild:        b.OSBuild,
		AppNameVersion: b.AppNameVersion,

		Lat:              loc.Lat,
		Lon:              loc.Lon,
		Accuracy:         loc.Accuracy,
		LocationProvider: loc.Provider,
		LocationSource:   loc.Source,

		IngestionTs:       now.UnixMilli(),
		ProcessingBatchID: pctx.BatchID,
		DataVersion:       b.DataVersion,
	}
	if loc.Altitude != nil && *loc.Altitude >= altitudeMin && *loc.Altitude <= altitudeMax {
		m.Altitude = loc.Altitude
	}
	if loc.Ts > 0 {
		ts := loc.Ts
		m.LocationTs = &ts
	}
	return m
}

// applyHotspotPolicy runs the OUI check and the configured action. It
// returns whether the record should carry the hotspot flag and whether it
// must be dropped.
func (t *Transformer) applyHotspotPolicy(bssid string) (flagged, excluded bool) {
	res := t.detectMobileHotspot(bssid)
	if !res.Detected {
		return false, false
	}
	switch res.Action {
	case config.HotspotActionExclude:
		metrics.HotspotDetectionsTotal.WithLabelValues("exclude").Inc()
		t.reject(reasonHotspotExcluded)
		return false, true
	case config.HotspotActionFlag:
		metrics.HotspotDetectionsTotal.WithLabelValues("flag").Inc()
		return true, false
	default: // LOG_ONLY: observational, the record is emitted unchanged.
		metrics.HotspotDetectionsTotal.WithLabelValues("log_only").Inc()
		t.logger.Info("mobile hotspot observed",
			zap.String("bssid", bssid),
			zap.String("oui", res.OUI),
		)
		return false, false
	}
}

// detectMobileHotspot compares the upper-cased 3-octet OUI against the
// configured blacklist. BSSIDs arrive canonicalized.
func (t *Transformer) detectMobileHotspot(bssid string) HotspotResult {
	if !t.cfg.MobileHotspot.Enabled {
		return HotspotResult{}
	}
	oui := strings.ToUpper(bssid[:8])
	_, detected := t.ouiSet[oui]
	return HotspotResult{
		Checked:  true,
		Detected: detected,
		OUI:      oui,
		Action:   t.cfg.MobileHotspot.Action,
	}
}

func (t *Transformer) reject(reason string) {
	metrics.RecordsFilteredTotal.WithLabelValues(reason).Inc()
}
