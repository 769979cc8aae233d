package bundle

import (
	"bufio"
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"unicode/utf8"

	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap"

	"github.com/wifi-positioning/scan-ingester/internal/metrics"
)

// ErrPayloadTooLarge is returned when the declared object size, the raw
// stream, or the cumulative inflated size exceeds its cap. It is fatal for
// the whole object.
var ErrPayloadTooLarge = errors.New("payload too large")

// Stats counts per-line decode outcomes for one object.
type Stats struct {
	Decoded   int64
	Empty     int64
	BadBase64 int64
	BadGzip   int64
	BadJSON   int64
	BadUTF8   int64
}

// Skipped returns the number of lines dropped for any reason.
func (s Stats) Skipped() int64 {
	return s.BadBase64 + s.BadGzip + s.BadJSON + s.BadUTF8
}

// Decoder yields scan bundles from a line-oriented object stream. Each
// non-empty line is a base64 blob holding a gzip-compressed JSON bundle.
// Malformed lines are counted and skipped; size-cap violations are fatal.
type Decoder struct {
	scanner     *bufio.Scanner
	maxInflated int64
	inflated    int64
	line        int
	logger      *zap.Logger
	stats       Stats
}

// NewDecoder wraps an object stream. declaredSize is the size from the
// upload notification and is rejected upfront when over maxObjectBytes; the
// raw stream is additionally capped at maxObjectBytes in case the
// notification lied.
func NewDecoder(r io.Reader, declaredSize, maxObjectBytes, maxInflatedBytes int64, logger *zap.Logger) (*Decoder, error) {
	if declaredSize > maxObjectBytes {
		return nil, fmt.Errorf("%w: declared size %d exceeds %d bytes", ErrPayloadTooLarge, declaredSize, maxObjectBytes)
	}

	scanner := bufio.NewScanner(&cappedReader{r: r, max: maxObjectBytes})
	scanner.Buffer(make([]byte, 64*1024), int(maxObjectBytes)+1)

	return &Decoder{
		scanner:     scanner,
		maxInflated: maxInflatedBytes,
		logger:      logger,
	}, nil
}

// Next returns the next decoded bundle, io.EOF when the stream is
// exhausted, or a fatal error. Undecodable lines are skipped internally.
func (d *Decoder) Next() (*ScanBundle, error) {
	for d.scanner.Scan() {
		d.line++
		raw := bytes.TrimSpace(d.scanner.Bytes())
		if len(raw) == 0 {
			d.stats.Empty++
			metrics.DecodeLinesTotal.WithLabelValues("empty").Inc()
			continue
		}

		decoded := make([]byte, base64.StdEncoding.DecodedLen(len(raw)))
		n, err := base64.StdEncoding.Decode(decoded, raw)
		if err != nil {
			d.stats.BadBase64++
			d.skip("bad_base64", err)
			continue
		}

		gz, err := gzip.NewReader(bytes.NewReader(decoded[:n]))
		if err != nil {
			d.stats.BadGzip++
			d.skip("bad_gzip", err)
			continue
		}

		remaining := d.maxInflated - d.inflated
		data, rerr := io.ReadAll(io.LimitReader(gz, remaining+1))
		cerr := gz.Close()
		if int64(len(data)) > remaining {
			return nil, fmt.Errorf("%w: cumulative inflated size exceeds %d bytes", ErrPayloadTooLarge, d.maxInflated)
		}
		if rerr != nil || cerr != nil {
			if rerr == nil {
				rerr = cerr
			}
			d.stats.BadGzip++
			d.skip("bad_gzip", rerr)
			continue
		}
		d.inflated += int64(len(data))

		if !utf8.Valid(data) {
			d.stats.BadUTF8++
			d.skip("invalid_utf8", nil)
			continue
		}

		var b ScanBundle
		if err := json.Unmarshal(data, &b); err != nil {
			d.stats.BadJSON++
			d.skip("bad_json", err)
			continue
		}

		d.stats.Decoded++
		metrics.DecodeLinesTotal.WithLabelValues("ok").Inc()
		return &b, nil
	}

	if err := d.scanner.Err(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}

// Stats returns per-line outcome counts seen so far.
func (d *Decoder) Stats() Stats {
	return d.stats
}

func (d *Decoder) skip(reason string, err error) {
	metrics.DecodeLinesTotal.WithLabelValues(reason).Inc()
	d.logger.Warn("skipping undecodable line",
		zap.Int("line", d.line),
		zap.String("reason", reason),
		zap.Error(err),
	)
}

// cappedReader fails the stream once more than max bytes have been read.
type cappedReader struct {
	r    io.Reader
	max  int64
	read int64
}

func (c *cappedReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.read += int64(n)
	if c.read > c.max {
		return n, fmt.Errorf("%w: object stream exceeds %d bytes", ErrPayloadTooLarge, c.max)
	}
	return n, err
}
