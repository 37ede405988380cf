package main

import (
	"bytes"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	rahttp "github.com/meigma/readahead/http"
	"github.com/meigma/readahead/origin"
)

// meteredOrigin wraps an origin, stretching every read to a simulated
// latency and bandwidth and counting what reaches it.
type meteredOrigin struct {
	origin.Origin
	latency   time.Duration
	bandwidth int64 // bytes per second, 0 is unlimited

	reads atomic.Int64
	bytes atomic.Int64
	busy  atomic.Int64 // nanoseconds spent inside ReadAt
}

func (m *meteredOrigin) ReadAt(p []byte, off int64) (int, error) {
	start := time.Now()
	n, err := m.Origin.ReadAt(p, off)

	delay := m.latency
	if m.bandwidth > 0 {
		delay += time.Duration(int64(n) * int64(time.Second) / m.bandwidth)
	}
	if rest := delay - time.Since(start); rest > 0 {
		time.Sleep(rest)
	}

	m.reads.Add(1)
	m.bytes.Add(int64(n))
	m.busy.Add(int64(time.Since(start)))
	return n, err
}

func (m *meteredOrigin) String() string {
	return fmt.Sprintf("origin_reads=%d origin_bytes=%d origin_busy=%s",
		m.reads.Load(), m.bytes.Load(), time.Duration(m.busy.Load()))
}

// openOrigin writes data to a file under dir, or serves it over HTTP when
// dataURL is "local", and wraps the result in a meteredOrigin.
//
//nolint:gocritic // hugeParam acceptable for profiler
func openOrigin(cfg config, dir string, data []byte) (*meteredOrigin, func(), error) {
	var (
		src     origin.Origin
		cleanup = func() {}
	)

	switch cfg.dataURL {
	case "":
		path := filepath.Join(dir, "origin.bin")
		if err := os.WriteFile(path, data, 0o600); err != nil {
			return nil, nil, err
		}
		f, err := origin.Open(path)
		if err != nil {
			return nil, nil, err
		}
		src, cleanup = f, func() { _ = f.Close() }
	default:
		url := cfg.dataURL
		if url == "local" {
			modTime := time.Now()
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				http.ServeContent(w, r, "origin.bin", modTime, bytes.NewReader(data))
			}))
			url, cleanup = server.URL, server.Close
		}
		s, err := rahttp.Open(url, rahttp.WithConditionalHeaders())
		if err != nil {
			cleanup()
			return nil, nil, err
		}
		src = s
	}

	return &meteredOrigin{
		Origin:    src,
		latency:   cfg.originLatency,
		bandwidth: cfg.originBandwidth,
	}, cleanup, nil
}

var bandwidthUnits = map[string]int64{
	"":    1,
	"b":   1,
	"k":   1 << 10,
	"kb":  1 << 10,
	"kib": 1 << 10,
	"m":   1 << 20,
	"mb":  1 << 20,
	"mib": 1 << 20,
	"g":   1 << 30,
	"gb":  1 << 30,
	"gib": 1 << 30,
}

// parseBandwidth reads a rate such as "512k", "10MiB/s" or "1g" as bytes per
// second.
func parseBandwidth(value string) (int64, error) {
	text := strings.ToLower(strings.TrimSpace(value))
	text = strings.TrimSuffix(text, "/s")
	text = strings.TrimSuffix(text, "ps")

	split := strings.IndexFunc(text, func(r rune) bool { return r < '0' || r > '9' })
	if split < 0 {
		split = len(text)
	}
	n, err := strconv.ParseInt(text[:split], 10, 64)
	unit, known := bandwidthUnits[strings.TrimSpace(text[split:])]
	if err != nil || !known || n <= 0 {
		return 0, fmt.Errorf("invalid bandwidth %q", value)
	}
	return n * unit, nil
}
