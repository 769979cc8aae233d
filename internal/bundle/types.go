package bundle

// ScanBundle is one decoded upload line: device metadata plus the WiFi
// observations collected between two upload points.
type ScanBundle struct {
	OSVersion      string `json:"osVersion"`
	Model          string `json:"model"`
	Product        string `json:"product"`
	Manufacturer   string `json:"manufacturer"`
	OSName         string `json:"osName"`
	OSBuild        string `json:"osBuild"`
	AppNameVersion string `json:"appNameVersion"`
	DataVersion    string `json:"dataVersion"`

	ConnectedEvents []ConnectedEvent `json:"connectedEvents"`
	ScanEvents      []ScanEvent      `json:"scanEvents"`
	ScanResults     []ScanResult     `json:"scanResults"`
}

// ConnectedEvent records an association to an access point, with link
// metadata for the AP the device was joined to.
type ConnectedEvent struct {
	Ts       int64              `json:"ts"`
	EventID  string             `json:"eventId"`
	Type     string             `json:"type"`
	DeviceID string             `json:"deviceId,omitempty"`
	WifiInfo *WifiConnectedInfo `json:"wifiInfo"`
	Location *Location          `json:"location"`
}

// WifiConnectedInfo carries the link-level detail only available for the
// currently associated AP. Optional ints are pointers so absent and zero
// stay distinguishable.
type WifiConnectedInfo struct {
	BSSID              string `json:"bssid"`
	SSID               string `json:"ssid"`
	NumScanResults     *int   `json:"numScanResults"`
	LinkSpeed          *int   `json:"linkSpeed"`
	Frequency          *int   `json:"frequency"`
	RSSI               *int   `json:"rssi"`
	Capabilities       string `json:"capabilities"`
	CenterFreq0        *int   `json:"centerFreq0"`
	CenterFreq1        *int   `json:"centerFreq1"`
	ChannelWidth       *int   `json:"channelWidth"`
	Is80211mcResponder *bool  `json:"is80211mcResponder"`
	IsPasspointNetwork *bool  `json:"isPasspointNetwork"`
	IsCaptive          *bool  `json:"isCaptive"`
}

// ScanEvent marks a scan trigger. It carries no AP entries and is not
// transformed into measurements.
type ScanEvent struct {
	Ts       int64     `json:"ts"`
	EventID  string    `json:"eventId"`
	Type     string    `json:"type"`
	Location *Location `json:"location"`
}

// ScanResult is one passive scan pass: the fix it was taken at plus the
// observed APs.
type ScanResult struct {
	Ts       int64       `json:"ts"`
	Source   string      `json:"source"`
	Location *Location   `json:"location"`
	Entries  []ScanEntry `json:"entries"`
}

// ScanEntry is one observed AP within a scan pass.
type ScanEntry struct {
	SSID      string `json:"ssid"`
	BSSID     string `json:"bssid"`
	Ts        int64  `json:"ts"`
	RSSI      *int   `json:"rssi"`
	Frequency *int   `json:"frequency"`
}

// Location is a position fix attached to an event or scan pass.
type Location struct {
	Provider string   `json:"provider"`
	Lat      float64  `json:"lat"`
	Lon      float64  `json:"lon"`
	Altitude *float64 `json:"altitude"`
	Accuracy float64  `json:"accuracy"`
	Ts       int64    `json:"ts"`
	Source   string   `json:"source"`
	Speed    *float64 `json:"speed"`
	Bearing  *float64 `json:"bearing"`
}
