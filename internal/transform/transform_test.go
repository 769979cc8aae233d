package transform

import (
	"bytes"
	"errors"
	"fmt"
	"math/rand"
	"regexp"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/wifi-positioning/scan-ingester/internal/bundle"
	"github.com/wifi-positioning/scan-ingester/internal/config"
)

func intp(v int) *int         { return &v }
func f64p(v float64) *float64 { return &v }

func testFilterCfg() config.FilterConfig {
	return config.FilterConfig{
		MaxLocationAccuracy: 150,
		RSSIMin:             -100,
		RSSIMax:             0,
		ConnectedWeight:     2.0,
		ScanWeight:          1.0,
		LowLinkSpeedWeight:  1.5,
		MobileHotspot: config.MobileHotspotConfig{
			Action: config.HotspotActionExclude,
		},
	}
}

func testTransformer(cfg config.FilterConfig) *Transformer {
	return New(cfg, zap.NewNop())
}

func testCtx() *ProcessingContext {
	return &ProcessingContext{
		BatchID:    "11111111-2222-4333-8444-555555555555",
		StreamName: "ios-v2",
		ObjectKey:  "uploads/ios-v2/scan-0001.gz.b64",
		StartTs:    time.Now(),
	}
}

func testLocation(lat, lon, accuracy float64, ts int64) *bundle.Location {
	return &bundle.Location{
		Provider: "gps",
		Lat:      lat,
		Lon:      lon,
		Accuracy: accuracy,
		Ts:       ts,
	}
}

// mixedBundle has one healthy CONNECTED event and one scan pass with a
// single entry.
func mixedBundle(now time.Time) *bundle.ScanBundle {
	ts := now.Add(-time.Hour).UnixMilli()
	return &bundle.ScanBundle{
		OSName:      "android",
		OSVersion:   "14",
		Model:       "Pixel 8",
		DataVersion: "2",
		ConnectedEvents: []bundle.ConnectedEvent{
			{
				Ts:      ts,
				EventID: "evt-1",
				WifiInfo: &bundle.WifiConnectedInfo{
					BSSID:     "b8:f8:53:c0:1e:ff",
					SSID:      "HomeNet",
					RSSI:      intp(-58),
					LinkSpeed: intp(351),
					Frequency: intp(5200),
				},
				Location: testLocation(40.6768816, -74.416391, 100.0, ts),
			},
		},
		ScanResults: []bundle.ScanResult{
			{
				Ts:       ts,
				Location: testLocation(40.6768816, -74.416391, 100.0, ts),
				Entries: []bundle.ScanEntry{
					{BSSID: "aa:bb:cc:dd:ee:ff", SSID: "CafeNet", RSSI: intp(-65)},
				},
			},
		},
	}
}

func TestApply_ConnectedAndScan(t *testing.T) {
	tr := testTransformer(testFilterCfg())
	now := time.Now()

	got, err := tr.Apply(mixedBundle(now), testCtx())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 measurements, got %d", len(got))
	}

	conn := got[0]
	if conn.ConnectionStatus != StatusConnected {
		t.Errorf("expected CONNECTED, got %q", conn.ConnectionStatus)
	}
	if conn.BSSID != "b8:f8:53:c0:1e:ff" {
		t.Errorf("unexpected bssid %q", conn.BSSID)
	}
	if conn.QualityWeight != 2.0 {
		t.Errorf("expected weight 2.0, got %g", conn.QualityWeight)
	}
	if conn.Connection == nil {
		t.Fatal("expected connection block on CONNECTED record")
	}
	if conn.Connection.LinkSpeed == nil || *conn.Connection.LinkSpeed != 351 {
		t.Errorf("expected linkSpeed 351, got %v", conn.Connection.LinkSpeed)
	}
	if conn.EventID != "evt-1" {
		t.Errorf("expected eventId 'evt-1', got %q", conn.EventID)
	}
	if conn.SSID != "HomeNet" {
		t.Errorf("expected ssid 'HomeNet', got %q", conn.SSID)
	}

	scan := got[1]
	if scan.ConnectionStatus != StatusScan {
		t.Errorf("expected SCAN, got %q", scan.ConnectionStatus)
	}
	if scan.BSSID != "aa:bb:cc:dd:ee:ff" {
		t.Errorf("unexpected bssid %q", scan.BSSID)
	}
	if scan.QualityWeight != 1.0 {
		t.Errorf("expected weight 1.0, got %g", scan.QualityWeight)
	}
	if scan.Connection != nil {
		t.Errorf("expected null connection block on SCAN record, got %+v", scan.Connection)
	}

	if conn.ProcessingBatchID != scan.ProcessingBatchID {
		t.Errorf("expected shared batch id, got %q vs %q", conn.ProcessingBatchID, scan.ProcessingBatchID)
	}
	if conn.DataVersion != "2" || scan.DataVersion != "2" {
		t.Errorf("expected dataVersion '2' on both records")
	}
}

func TestApply_AccuracyExceededDropsAll(t *testing.T) {
	tr := testTransformer(testFilterCfg())
	now := time.Now()
	b := mixedBundle(now)
	b.ConnectedEvents[0].Location.Accuracy = 300.0
	b.ScanResults[0].Location.Accuracy = 300.0

	got, err := tr.Apply(b, testCtx())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected 0 measurements, got %d", len(got))
	}
}

func TestApply_LowLinkSpeedWeight(t *testing.T) {
	tr := testTransformer(testFilterCfg())
	now := time.Now()
	b := mixedBundle(now)
	b.ScanResults = nil
	b.ConnectedEvents[0].WifiInfo.RSSI = intp(-45)
	b.ConnectedEvents[0].WifiInfo.LinkSpeed = intp(25)

	got, err := tr.Apply(b, testCtx())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 measurement, got %d", len(got))
	}
	if got[0].QualityWeight != 1.5 {
		t.Errorf("expected weight 1.5, got %g", got[0].QualityWeight)
	}
}

func TestApply_LowLinkSpeedNeedsStrongSignal(t *testing.T) {
	tr := testTransformer(testFilterCfg())
	now := time.Now()
	b := mixedBundle(now)
	b.ScanResults = nil
	// Slow link but weak signal: stays at the connected weight.
	b.ConnectedEvents[0].WifiInfo.RSSI = intp(-70)
	b.ConnectedEvents[0].WifiInfo.LinkSpeed = intp(25)

	got, err := tr.Apply(b, testCtx())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 measurement, got %d", len(got))
	}
	if got[0].QualityWeight != 2.0 {
		t.Errorf("expected weight 2.0, got %g", got[0].QualityWeight)
	}
}

func TestApply_HotspotExclude(t *testing.T) {
	cfg := testFilterCfg()
	cfg.MobileHotspot = config.MobileHotspotConfig{
		Enabled:      true,
		OUIBlacklist: []string{"00:11:22"},
		Action:       config.HotspotActionExclude,
	}
	tr := testTransformer(cfg)
	now := time.Now()
	b := mixedBundle(now)
	b.ScanResults = nil
	b.ConnectedEvents[0].WifiInfo.BSSID = "00:11:22:aa:bb:cc"

	got, err := tr.Apply(b, testCtx())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected 0 measurements, got %d", len(got))
	}
}

func TestApply_HotspotFlag(t *testing.T) {
	cfg := testFilterCfg()
	cfg.MobileHotspot = config.MobileHotspotConfig{
		Enabled:      true,
		OUIBlacklist: []string{"00:11:22"},
		Action:       config.HotspotActionFlag,
	}
	tr := testTransformer(cfg)
	now := time.Now()
	b := mixedBundle(now)
	b.ScanResults = nil
	b.ConnectedEvents[0].WifiInfo.BSSID = "00:11:22:aa:bb:cc"

	got, err := tr.Apply(b, testCtx())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 measurement, got %d", len(got))
	}
	if !got[0].MobileHotspotFlagged {
		t.Error("expected mobileHotspotFlagged=true")
	}
}

func TestApply_HotspotLogOnly(t *testing.T) {
	cfg := testFilterCfg()
	cfg.MobileHotspot = config.MobileHotspotConfig{
		Enabled:      true,
		OUIBlacklist: []string{"00:11:22"},
		Action:       config.HotspotActionLogOnly,
	}
	tr := testTransformer(cfg)
	now := time.Now()
	b := mixedBundle(now)
	b.ScanResults = nil
	b.ConnectedEvents[0].WifiInfo.BSSID = "00:11:22:aa:bb:cc"

	got, err := tr.Apply(b, testCtx())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 measurement, got %d", len(got))
	}
	if got[0].MobileHotspotFlagged {
		t.Error("LOG_ONLY must not flag the record")
	}
}

func TestApply_HotspotDisabledIgnoresBlacklist(t *testing.T) {
	cfg := testFilterCfg()
	cfg.MobileHotspot = config.MobileHotspotConfig{
		Enabled:      false,
		OUIBlacklist: []string{"00:11:22"},
		Action:       config.HotspotActionExclude,
	}
	tr := testTransformer(cfg)
	now := time.Now()
	b := mixedBundle(now)
	b.ScanResults = nil
	b.ConnectedEvents[0].WifiInfo.BSSID = "00:11:22:aa:bb:cc"

	got, err := tr.Apply(b, testCtx())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 measurement, got %d", len(got))
	}
}

func TestApply_NilBundle(t *testing.T) {
	tr := testTransformer(testFilterCfg())
	_, err := tr.Apply(nil, testCtx())
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestApply_EmptyBundle(t *testing.T) {
	tr := testTransformer(testFilterCfg())
	got, err := tr.Apply(&bundle.ScanBundle{}, testCtx())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected empty output, got %d", len(got))
	}
}

func TestApply_MissingWifiInfoAndLocation(t *testing.T) {
	tr := testTransformer(testFilterCfg())
	now := time.Now()
	ts := now.Add(-time.Hour).UnixMilli()
	b := &bundle.ScanBundle{
		ConnectedEvents: []bundle.ConnectedEvent{
			{Ts: ts, Location: testLocation(1, 1, 50, ts)}, // no wifiInfo
			{Ts: ts, WifiInfo: &bundle.WifiConnectedInfo{BSSID: "b8:f8:53:c0:1e:ff", RSSI: intp(-50)}}, // no location
		},
	}
	got, err := tr.Apply(b, testCtx())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected 0 measurements, got %d", len(got))
	}
}

func TestApply_ScanResultWithoutLocationSkipsEntries(t *testing.T) {
	tr := testTransformer(testFilterCfg())
	now := time.Now()
	ts := now.Add(-time.Hour).UnixMilli()
	b := &bundle.ScanBundle{
		ScanResults: []bundle.ScanResult{
			{
				Ts: ts,
				Entries: []bundle.ScanEntry{
					{BSSID: "aa:bb:cc:dd:ee:ff", RSSI: intp(-65)},
					{BSSID: "b8:f8:53:c0:1e:ff", RSSI: intp(-70)},
				},
			},
		},
	}
	got, err := tr.Apply(b, testCtx())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected 0 measurements, got %d", len(got))
	}
}

func TestApply_ScanEntryTsFallsBackToScanTs(t *testing.T) {
	tr := testTransformer(testFilterCfg())
	now := time.Now()
	scanTs := now.Add(-2 * time.Hour).UnixMilli()
	b := &bundle.ScanBundle{
		ScanResults: []bundle.ScanResult{
			{
				Ts:       scanTs,
				Location: testLocation(40, -74, 50, scanTs),
				Entries:  []bundle.ScanEntry{{BSSID: "aa:bb:cc:dd:ee:ff", RSSI: intp(-65)}},
			},
		},
	}
	got, err := tr.Apply(b, testCtx())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 measurement, got %d", len(got))
	}
	if got[0].MeasurementTs != scanTs {
		t.Errorf("expected measurementTs %d, got %d", scanTs, got[0].MeasurementTs)
	}
}

func TestApply_TimestampWindow(t *testing.T) {
	tr := testTransformer(testFilterCfg())
	now := time.Now()

	b := mixedBundle(now)
	b.ScanResults = nil
	b.ConnectedEvents[0].Ts = now.Add(time.Hour).UnixMilli() // future
	got, _ := tr.Apply(b, testCtx())
	if len(got) != 0 {
		t.Errorf("future timestamp: expected 0 measurements, got %d", len(got))
	}

	b = mixedBundle(now)
	b.ScanResults = nil
	b.ConnectedEvents[0].Ts = now.AddDate(-1, -1, 0).UnixMilli() // stale
	got, _ = tr.Apply(b, testCtx())
	if len(got) != 0 {
		t.Errorf("stale timestamp: expected 0 measurements, got %d", len(got))
	}
}

func TestApply_SSIDHandling(t *testing.T) {
	tr := testTransformer(testFilterCfg())
	now := time.Now()

	b := mixedBundle(now)
	b.ScanResults = nil
	b.ConnectedEvents[0].WifiInfo.SSID = "  padded  "
	got, _ := tr.Apply(b, testCtx())
	if len(got) != 1 || got[0].SSID != "padded" {
		t.Errorf("expected trimmed ssid 'padded', got %+v", got)
	}

	b = mixedBundle(now)
	b.ScanResults = nil
	b.ConnectedEvents[0].WifiInfo.SSID = "   "
	got, _ = tr.Apply(b, testCtx())
	if len(got) != 1 {
		t.Fatalf("blank ssid must not drop the record, got %d measurements", len(got))
	}
	if got[0].SSID != "" {
		t.Errorf("expected empty ssid, got %q", got[0].SSID)
	}

	b = mixedBundle(now)
	b.ScanResults = nil
	b.ConnectedEvents[0].WifiInfo.SSID = "evil\x00net"
	got, _ = tr.Apply(b, testCtx())
	if len(got) != 1 || got[0].SSID != "" {
		t.Errorf("NUL ssid must be nulled, got %+v", got)
	}
}

func TestApply_AltitudeBounds(t *testing.T) {
	tr := testTransformer(testFilterCfg())
	now := time.Now()

	b := mixedBundle(now)
	b.ScanResults = nil
	b.ConnectedEvents[0].Location.Altitude = f64p(120.5)
	got, _ := tr.Apply(b, testCtx())
	if len(got) != 1 || got[0].Altitude == nil || *got[0].Altitude != 120.5 {
		t.Errorf("in-range altitude should be kept, got %+v", got)
	}

	b = mixedBundle(now)
	b.ScanResults = nil
	b.ConnectedEvents[0].Location.Altitude = f64p(25000)
	got, _ = tr.Apply(b, testCtx())
	if len(got) != 1 {
		t.Fatalf("out-of-range altitude must not drop the record")
	}
	if got[0].Altitude != nil {
		t.Errorf("expected altitude omitted, got %v", *got[0].Altitude)
	}
}

var canonicalBSSIDRe = regexp.MustCompile(`^([0-9a-f]{2}:){5}[0-9a-f]{2}$`)

func TestApply_CanonicalBSSIDProperty(t *testing.T) {
	tr := testTransformer(testFilterCfg())
	now := time.Now()
	ts := now.Add(-time.Hour).UnixMilli()

	check := func(raw, want string) {
		t.Helper()
		b := &bundle.ScanBundle{
			ConnectedEvents: []bundle.ConnectedEvent{
				{
					Ts:       ts,
					WifiInfo: &bundle.WifiConnectedInfo{BSSID: raw, RSSI: intp(-58)},
					Location: testLocation(40, -74, 50, ts),
				},
			},
		}
		got, err := tr.Apply(b, testCtx())
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(got) != 1 {
			t.Fatalf("input %q: expected 1 measurement, got %d", raw, len(got))
		}
		if !canonicalBSSIDRe.MatchString(got[0].BSSID) {
			t.Errorf("input %q: emitted bssid %q not canonical", raw, got[0].BSSID)
		}
		if got[0].BSSID != want {
			t.Errorf("input %q: expected %q, got %q", raw, want, got[0].BSSID)
		}
	}

	check("B8:F8:53:C0:1E:FF", "b8:f8:53:c0:1e:ff")
	check("b8-f8-53-c0-1e-ff", "b8:f8:53:c0:1e:ff")
	check("  b8:f8:53:c0:1e:ff ", "b8:f8:53:c0:1e:ff")

	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 50; i++ {
		oct := make([]string, 6)
		for j := range oct {
			oct[j] = fmt.Sprintf("%02X", rng.Intn(256))
		}
		sep := ":"
		if i%2 == 1 {
			sep = "-"
		}
		check(strings.Join(oct, sep), strings.ToLower(strings.Join(oct, ":")))
	}
}

func TestApply_RejectsBadBSSIDs(t *testing.T) {
	tr := testTransformer(testFilterCfg())
	now := time.Now()
	ts := now.Add(-time.Hour).UnixMilli()

	for _, raw := range []string{"", "not-a-mac", "00:00:00:00:00:00", "FF:FF:FF:FF:FF:FF", "b8:f8:53:c0:1e"} {
		b := &bundle.ScanBundle{
			ConnectedEvents: []bundle.ConnectedEvent{
				{
					Ts:       ts,
					WifiInfo: &bundle.WifiConnectedInfo{BSSID: raw, RSSI: intp(-58)},
					Location: testLocation(40, -74, 50, ts),
				},
			},
		}
		got, err := tr.Apply(b, testCtx())
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(got) != 0 {
			t.Errorf("bssid %q: expected reject, got %d measurements", raw, len(got))
		}
	}
}

func TestApply_CoordinateBounds(t *testing.T) {
	tr := testTransformer(testFilterCfg())
	now := time.Now()

	for _, loc := range []*bundle.Location{
		testLocation(91, 0, 50, now.Add(-time.Hour).UnixMilli()),
		testLocation(-91, 0, 50, now.Add(-time.Hour).UnixMilli()),
		testLocation(0, 181, 50, now.Add(-time.Hour).UnixMilli()),
		testLocation(0, -181, 50, now.Add(-time.Hour).UnixMilli()),
	} {
		b := mixedBundle(now)
		b.ScanResults = nil
		b.ConnectedEvents[0].Location = loc
		got, _ := tr.Apply(b, testCtx())
		if len(got) != 0 {
			t.Errorf("lat=%g lon=%g: expected reject", loc.Lat, loc.Lon)
		}
	}
}

func TestApply_RSSIBounds(t *testing.T) {
	tr := testTransformer(testFilterCfg())
	now := time.Now()

	for _, rssi := range []*int{nil, intp(-101), intp(1)} {
		b := mixedBundle(now)
		b.ScanResults = nil
		b.ConnectedEvents[0].WifiInfo.RSSI = rssi
		got, _ := tr.Apply(b, testCtx())
		if len(got) != 0 {
			t.Errorf("rssi %v: expected reject", rssi)
		}
	}
}

func TestQualityScore(t *testing.T) {
	// Perfect record: full weight, full signal, exact fix.
	if got := qualityScore(2.0, 0, 0, 150); got != 1.0 {
		t.Errorf("expected 1.0, got %g", got)
	}
	// Worst record: scan weight, no signal, worst accepted fix.
	if got := qualityScore(1.0, -100, 150, 150); got != 0.0 {
		t.Errorf("expected 0.0, got %g", got)
	}
	// Stronger signal scores higher, all else equal.
	if qualityScore(2.0, -40, 100, 150) <= qualityScore(2.0, -80, 100, 150) {
		t.Error("stronger signal must score higher")
	}
	// Tighter fix scores higher, all else equal.
	if qualityScore(2.0, -60, 20, 150) <= qualityScore(2.0, -60, 140, 150) {
		t.Error("tighter accuracy must score higher")
	}
	// Higher weight scores higher, all else equal.
	if qualityScore(2.0, -60, 100, 150) <= qualityScore(1.0, -60, 100, 150) {
		t.Error("higher weight must score higher")
	}
	// Deterministic.
	if qualityScore(1.5, -58, 100, 150) != qualityScore(1.5, -58, 100, 150) {
		t.Error("score must be stable across calls")
	}
	// Stays within [0, 1] at the extremes.
	for _, w := range []float64{1.0, 1.5, 2.0} {
		for _, rssi := range []int{0, -50, -100} {
			for _, acc := range []float64{0, 75, 150} {
				s := qualityScore(w, rssi, acc, 150)
				if s < 0 || s > 1 {
					t.Errorf("score %g out of [0,1] for w=%g rssi=%d acc=%g", s, w, rssi, acc)
				}
			}
		}
	}
}

func TestMeasurement_SerializeStable(t *testing.T) {
	tr := testTransformer(testFilterCfg())
	now := time.Now()
	got, err := tr.Apply(mixedBundle(now), testCtx())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 measurements, got %d", len(got))
	}

	first, err := got[0].Serialize()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := got[0].Serialize()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !bytes.Equal(first, second) {
		t.Error("serialization must be byte-stable")
	}
	if first[len(first)-1] != '\n' {
		t.Error("serialized record must be newline-terminated")
	}

	scanLine, err := got[1].Serialize()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !bytes.Contains(scanLine, []byte(`"connection":null`)) {
		t.Errorf("SCAN record must serialize a null connection block: %s", scanLine)
	}
}
