package main

import (
	"bufio"
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap"

	"github.com/wifi-positioning/scan-ingester/internal/bundle"
	"github.com/wifi-positioning/scan-ingester/internal/config"
	"github.com/wifi-positioning/scan-ingester/internal/transform"
)

// scan-debug decodes a downloaded upload object line by line and prints the
// measurements the pipeline would emit, without touching SQS or Firehose.
func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "Usage: scan-debug <bundle-file>")
		os.Exit(1)
	}
	path := os.Args[1]

	f, err := os.Open(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open: %v\n", err)
		os.Exit(1)
	}
	defer f.Close()

	tr := transform.New(defaultFilterCfg(), zap.NewNop())
	pctx := &transform.ProcessingContext{
		BatchID:    "debug",
		StreamName: "debug",
		ObjectKey:  path,
		StartTs:    time.Now(),
	}

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 64*1024*1024)

	lineNum, bundles, measurements := 0, 0, 0
	for scanner.Scan() {
		lineNum++
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}
		fmt.Printf("=== line %d (%d bytes base64) ===\n", lineNum, len(raw))
		analyzeLine(raw, tr, pctx, &bundles, &measurements)
		fmt.Println()
	}
	if err := scanner.Err(); err != nil {
		fmt.Fprintf(os.Stderr, "read: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Total: %d lines, %d bundles, %d measurements\n", lineNum, bundles, measurements)
}

// analyzeLine runs one line through the same decode steps as the pipeline
// and prints where it stops.
func analyzeLine(raw []byte, tr *transform.Transformer, pctx *transform.ProcessingContext, bundles, measurements *int) {
	decoded := make([]byte, base64.StdEncoding.DecodedLen(len(raw)))
	n, err := base64.StdEncoding.Decode(decoded, raw)
	if err != nil {
		fmt.Printf("  base64 error: %v\n", err)
		return
	}
	fmt.Printf("  compressed: %d bytes\n", n)

	gz, err := gzip.NewReader(bytes.NewReader(decoded[:n]))
	if err != nil {
		fmt.Printf("  gzip error: %v\n", err)
		return
	}
	data, err := io.ReadAll(gz)
	if cerr := gz.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		fmt.Printf("  inflate error: %v\n", err)
		return
	}
	fmt.Printf("  inflated: %d bytes\n", len(data))

	var b bundle.ScanBundle
	if err := json.Unmarshal(data, &b); err != nil {
		fmt.Printf("  json error: %v\n", err)
		if len(data) <= 200 {
			fmt.Printf("  payload: %s\n", data)
		}
		return
	}
	*bundles++

	fmt.Printf("  bundle: model=%q os=%q connected=%d scanResults=%d scanEvents=%d\n",
		b.Model, b.OSVersion, len(b.ConnectedEvents), len(b.ScanResults), len(b.ScanEvents))

	ms, err := tr.Apply(&b, pctx)
	if err != nil {
		fmt.Printf("  transform error: %v\n", err)
		return
	}
	*measurements += len(ms)

	fmt.Printf("  measurements: %d\n", len(ms))
	for i, m := range ms {
		fmt.Printf("    [%d] %s %s rssi=%d weight=%g score=%g lat=%.7f lon=%.7f acc=%.1f\n",
			i, m.BSSID, m.ConnectionStatus, m.RSSI, m.QualityWeight, m.QualityScore, m.Lat, m.Lon, m.Accuracy)
	}
}

// defaultFilterCfg mirrors the service defaults so the tool predicts what
// production would emit.
func defaultFilterCfg() config.FilterConfig {
	return config.FilterConfig{
		MaxLocationAccuracy: 150,
		RSSIMin:             -100,
		RSSIMax:             0,
		ConnectedWeight:     2.0,
		ScanWeight:          1.0,
		LowLinkSpeedWeight:  1.5,
		MobileHotspot:       config.MobileHotspotConfig{Action: config.HotspotActionExclude},
	}
}
