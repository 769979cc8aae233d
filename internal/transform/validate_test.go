package transform

import (
	"testing"
	"time"

	"github.com/wifi-positioning/scan-ingester/internal/bundle"
)

func TestValidateBSSID_Forms(t *testing.T) {
	cases := []struct {
		in     string
		want   string
		ok     bool
		reason string
	}{
		{"b8:f8:53:c0:1e:ff", "b8:f8:53:c0:1e:ff", true, ""},
		{"B8:F8:53:C0:1E:FF", "b8:f8:53:c0:1e:ff", true, ""},
		{"b8-f8-53-c0-1e-ff", "b8:f8:53:c0:1e:ff", true, ""},
		{"", "", false, reasonMissingBSSID},
		{"   ", "", false, reasonMissingBSSID},
		{"b8:f8:53:c0:1e", "", false, reasonInvalidBSSID},
		{"b8:f8:53:c0:1e:ff:00", "", false, reasonInvalidBSSID},
		{"zz:f8:53:c0:1e:ff", "", false, reasonInvalidBSSID},
		{"b8f853c01eff", "", false, reasonInvalidBSSID},
		{"00:00:00:00:00:00", "", false, reasonReservedBSSID},
		{"FF:FF:FF:FF:FF:FF", "", false, reasonReservedBSSID},
	}
	for _, tc := range cases {
		got, ok, reason := validateBSSID(tc.in)
		if ok != tc.ok || got != tc.want || reason != tc.reason {
			t.Errorf("validateBSSID(%q) = (%q, %v, %q), want (%q, %v, %q)",
				tc.in, got, ok, reason, tc.want, tc.ok, tc.reason)
		}
	}
}

func TestValidateTimestamp_Window(t *testing.T) {
	now := time.Now()

	if ok, reason := validateTimestamp(0, now); ok || reason != reasonMissingTimestamp {
		t.Errorf("zero ts: got (%v, %q)", ok, reason)
	}
	if ok, reason := validateTimestamp(now.Add(time.Minute).UnixMilli(), now); ok || reason != reasonFutureTimestamp {
		t.Errorf("future ts: got (%v, %q)", ok, reason)
	}
	if ok, reason := validateTimestamp(now.AddDate(-2, 0, 0).UnixMilli(), now); ok || reason != reasonStaleTimestamp {
		t.Errorf("stale ts: got (%v, %q)", ok, reason)
	}
	if ok, _ := validateTimestamp(now.Add(-time.Hour).UnixMilli(), now); !ok {
		t.Error("recent ts should pass")
	}
}

func TestValidateLocation_Bounds(t *testing.T) {
	if ok, reason := validateLocation(nil, 150); ok || reason != reasonMissingLocation {
		t.Errorf("nil location: got (%v, %q)", ok, reason)
	}
	loc := &bundle.Location{Lat: 40, Lon: -74, Accuracy: 100}
	if ok, _ := validateLocation(loc, 150); !ok {
		t.Error("valid location should pass")
	}
	loc = &bundle.Location{Lat: 40, Lon: -74, Accuracy: 200}
	if ok, reason := validateLocation(loc, 150); ok || reason != reasonAccuracyExceeded {
		t.Errorf("coarse fix: got (%v, %q)", ok, reason)
	}
	loc = &bundle.Location{Lat: 95, Lon: -74, Accuracy: 100}
	if ok, reason := validateLocation(loc, 150); ok || reason != reasonInvalidCoordinates {
		t.Errorf("bad lat: got (%v, %q)", ok, reason)
	}
}

func TestValidateRSSI_Bounds(t *testing.T) {
	if ok, reason := validateRSSI(nil, -100, 0); ok || reason != reasonMissingRSSI {
		t.Errorf("nil rssi: got (%v, %q)", ok, reason)
	}
	v := -58
	if ok, _ := validateRSSI(&v, -100, 0); !ok {
		t.Error("in-range rssi should pass")
	}
	v = -101
	if ok, reason := validateRSSI(&v, -100, 0); ok || reason != reasonRSSIOutOfRange {
		t.Errorf("below range: got (%v, %q)", ok, reason)
	}
	v = 1
	if ok, reason := validateRSSI(&v, -100, 0); ok || reason != reasonRSSIOutOfRange {
		t.Errorf("above range: got (%v, %q)", ok, reason)
	}
}

func TestSanitizeSSID(t *testing.T) {
	if s, ok := sanitizeSSID(" HomeNet "); !ok || s != "HomeNet" {
		t.Errorf("expected trimmed 'HomeNet', got (%q, %v)", s, ok)
	}
	if _, ok := sanitizeSSID("   "); ok {
		t.Error("blank ssid should be rejected")
	}
	if _, ok := sanitizeSSID("bad\x00name"); ok {
		t.Error("NUL ssid should be rejected")
	}
}
