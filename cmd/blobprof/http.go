package main

import (
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// newHTTPClient returns the client used for registry range reads, throttled
// when --http-latency or --http-bps are set.
func newHTTPClient(cfg config) *http.Client {
	transport := http.DefaultTransport
	if base, ok := transport.(*http.Transport); ok {
		transport = base.Clone()
	}
	if cfg.httpLatency > 0 || cfg.httpBPS > 0 {
		transport = &httpThrottleRoundTripper{
			base:           transport,
			latency:        cfg.httpLatency,
			bytesPerSecond: cfg.httpBPS,
		}
	}
	return &http.Client{Transport: transport}
}

type httpThrottleRoundTripper struct {
	base           http.RoundTripper
	latency        time.Duration
	bytesPerSecond int64
}

func (rt *httpThrottleRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	if rt.latency > 0 {
		select {
		case <-time.After(rt.latency):
		case <-req.Context().Done():
			return nil, req.Context().Err()
		}
	}
	resp, err := rt.base.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	if rt.bytesPerSecond > 0 && resp.Body != nil {
		resp.Body = &throttleReadCloser{
			ReadCloser:     resp.Body,
			bytesPerSecond: rt.bytesPerSecond,
			start:          time.Now(),
		}
	}
	return resp, nil
}

// throttleReadCloser sleeps so the body is delivered no faster than
// bytesPerSecond.
type throttleReadCloser struct {
	io.ReadCloser
	bytesPerSecond int64
	start          time.Time
	read           int64
}

func (tr *throttleReadCloser) Read(p []byte) (int, error) {
	n, err := tr.ReadCloser.Read(p)
	if n > 0 {
		tr.read += int64(n)
		due := time.Duration(float64(tr.read) / float64(tr.bytesPerSecond) * float64(time.Second))
		if wait := due - time.Since(tr.start); wait > 0 {
			time.Sleep(wait)
		}
	}
	return n, err
}

var byteUnits = []struct {
	suffix string
	mult   int64
}{
	{"gb", 1 << 30}, {"g", 1 << 30},
	{"mb", 1 << 20}, {"m", 1 << 20},
	{"kb", 1 << 10}, {"k", 1 << 10},
}

// parseBytesPerSecond parses values such as "500", "64KB/s" or "10MBps".
func parseBytesPerSecond(value string) (int64, error) {
	text := strings.TrimSpace(value)
	for _, suffix := range []string{"Bps", "bps", "/s"} {
		text = strings.TrimSuffix(text, suffix)
	}
	text = strings.TrimSpace(text)

	mult := int64(1)
	lower := strings.ToLower(text)
	for _, u := range byteUnits {
		if strings.HasSuffix(lower, u.suffix) {
			mult = u.mult
			text = strings.TrimSpace(text[:len(text)-len(u.suffix)])
			break
		}
	}
	raw, err := strconv.ParseInt(text, 10, 64)
	if err != nil || raw <= 0 {
		return 0, fmt.Errorf("invalid bytes-per-second %q", value)
	}
	return raw * mult, nil
}
