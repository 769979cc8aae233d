package transform

import (
	"encoding/json"
	"math"
	"time"
)

// Connection status values.
const (
	StatusConnected = "CONNECTED"
	StatusScan      = "SCAN"
)

// Measurement is one normalized AP observation, flat for the analytics
// table. Field order is fixed so serialized records are byte-stable for the
// same input.
type Measurement struct {
	BSSID         string `json:"bssid"`
	MeasurementTs int64  `json:"measurementTs"`
	EventID       string `json:"eventId,omitempty"`

	OSVersion      string `json:"osVersion,omitempty"`
	Model          string `json:"model,omitempty"`
	Product        string `json:"product,omitempty"`
	Manufacturer   string `json:"manufacturer,omitempty"`
	OSName         string `json:"osName,omitempty"`
	OSBuild        string `json:"osBuild,omitempty"`
	AppNameVersion string `json:"appNameVersion,omitempty"`

	Lat              float64  `json:"lat"`
	Lon              float64  `json:"lon"`
	Altitude         *float64 `json:"altitude,omitempty"`
	Accuracy         float64  `json:"accuracy"`
	LocationTs       *int64   `json:"locationTs,omitempty"`
	LocationProvider string   `json:"locationProvider,omitempty"`
	LocationSource   string   `json:"locationSource,omitempty"`

	SSID      string `json:"ssid,omitempty"`
	RSSI      int    `json:"rssi"`
	Frequency *int   `json:"frequency,omitempty"`

	// Connection is null for SCAN records.
	Connection *ConnectionInfo `json:"connection"`

	ConnectionStatus string  `json:"connectionStatus"`
	QualityWeight    float64 `json:"qualityWeight"`
	QualityScore     float64 `json:"qualityScore"`

	MobileHotspotFlagged bool `json:"mobileHotspotFlagged,omitempty"`

	IngestionTs       int64  `json:"ingestionTs"`
	ProcessingBatchID string `json:"processingBatchId"`
	DataVersion       string `json:"dataVersion,omitempty"`
}

// ConnectionInfo is the link-level block only CONNECTED records carry.
type ConnectionInfo struct {
	LinkSpeed          *int   `json:"linkSpeed"`
	ChannelWidth       *int   `json:"channelWidth"`
	CenterFreq0        *int   `json:"centerFreq0"`
	CenterFreq1        *int   `json:"centerFreq1"`
	Capabilities       string `json:"capabilities,omitempty"`
	Is80211mcResponder *bool  `json:"is80211mcResponder"`
	IsPasspointNetwork *bool  `json:"isPasspointNetwork"`
	IsCaptive          *bool  `json:"isCaptive"`
	NumScanResults     *int   `json:"numScanResults"`
}

// Serialize renders the record as one newline-terminated JSON line.
func (m *Measurement) Serialize() ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// ProcessingContext tags every measurement emitted for one object.
type ProcessingContext struct {
	BatchID    string
	StreamName string
	ObjectKey  string
	StartTs    time.Time
}

// qualityScore maps weight, signal strength, and fix precision onto [0, 1].
// Higher weight, stronger signal (|rssi| nearer 0), and lower accuracy radius
// all raise the score. Rounded to four decimals so reruns are byte-stable.
func qualityScore(weight float64, rssi int, accuracy, accuracyMax float64) float64 {
	signal := 1 - math.Abs(float64(rssi))/100.0
	if signal < 0 {
		signal = 0
	}

	acc := accuracy
	if acc > accuracyMax {
		acc = accuracyMax
	}
	if acc < 0 {
		acc = 0
	}
	precision := 1 - acc/accuracyMax

	score := (weight / 2.0) * (0.6*signal + 0.4*precision)
	if score > 1 {
		score = 1
	}
	if score < 0 {
		score = 0
	}
	return math.Round(score*10000) / 10000
}
