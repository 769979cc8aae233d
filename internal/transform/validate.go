package transform

import (
	"regexp"
	"strings"
	"time"

	"github.com/wifi-positioning/scan-ingester/internal/bundle"
)

// Filter-reject reasons, used as counter labels.
const (
	reasonMissingWifiInfo    = "missing_wifi_info"
	reasonMissingLocation    = "missing_location"
	reasonInvalidCoordinates = "invalid_coordinates"
	reasonAccuracyExceeded   = "accuracy_exceeded"
	reasonMissingRSSI        = "missing_rssi"
	reasonRSSIOutOfRange     = "rssi_out_of_range"
	reasonMissingBSSID       = "missing_bssid"
	reasonInvalidBSSID       = "invalid_bssid"
	reasonReservedBSSID      = "reserved_bssid"
	reasonMissingTimestamp   = "missing_timestamp"
	reasonFutureTimestamp    = "future_timestamp"
	reasonStaleTimestamp     = "stale_timestamp"
	reasonHotspotExcluded    = "hotspot_excluded"
)

var bssidRe = regexp.MustCompile(`^([0-9a-f]{2}:){5}[0-9a-f]{2}$`)

// validateBSSID canonicalizes raw to lowercase colon-separated form and
// checks it is a plausible unicast AP identifier. The all-zero and broadcast
// addresses are rejected.
func validateBSSID(raw string) (string, bool, string) {
	s := strings.ToLower(strings.TrimSpace(raw))
	if s == "" {
		return "", false, reasonMissingBSSID
	}
	s = strings.ReplaceAll(s, "-", ":")
	if !bssidRe.MatchString(s) {
		return "", false, reasonInvalidBSSID
	}
	if s == "00:00:00:00:00:00" || s == "ff:ff:ff:ff:ff:ff" {
		return "", false, reasonReservedBSSID
	}
	return s, true, ""
}

func validateLocation(loc *bundle.Location, accuracyMax float64) (bool, string) {
	if loc == nil {
		return false, reasonMissingLocation
	}
	if loc.Lat < -90 || loc.Lat > 90 || loc.Lon < -180 || loc.Lon > 180 {
		return false, reasonInvalidCoordinates
	}
	if loc.Accuracy > accuracyMax {
		return false, reasonAccuracyExceeded
	}
	return true, ""
}

func validateRSSI(rssi *int, min, max int) (bool, string) {
	if rssi == nil {
		return false, reasonMissingRSSI
	}
	if *rssi < min || *rssi > max {
		return false, reasonRSSIOutOfRange
	}
	return true, ""
}

// validateTimestamp checks an epoch-millisecond timestamp against the
// acceptance window [now-1y, now].
func validateTimestamp(tsMillis int64, now time.Time) (bool, string) {
	if tsMillis <= 0 {
		return false, reasonMissingTimestamp
	}
	ts := time.UnixMilli(tsMillis)
	if ts.After(now) {
		return false, reasonFutureTimestamp
	}
	if ts.Before(now.AddDate(-1, 0, 0)) {
		return false, reasonStaleTimestamp
	}
	return true, ""
}

// sanitizeSSID trims the network name and rejects values that are empty
// after trimming or contain a NUL. A rejected SSID nulls the field, it does
// not drop the record (hidden networks broadcast empty SSIDs).
func sanitizeSSID(raw string) (string, bool) {
	s := strings.TrimSpace(raw)
	if s == "" || strings.ContainsRune(s, 0) {
		return "", false
	}
	return s, true
}
