package api

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"net/http/httputil"
	"os"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// LoggingTransport wraps an http.RoundTripper and writes every exchange to a log file.
// Authorization headers are redacted and only JSON bodies are logged; model
// downloads pass through with headers only.
type LoggingTransport struct {
	Transport http.RoundTripper

	mu     sync.Mutex
	file   *os.File
	logger *log.Logger
}

// NewLoggingTransport opens logFilePath for appending. A nil transport uses http.DefaultTransport.
func NewLoggingTransport(transport http.RoundTripper, logFilePath string) (*LoggingTransport, error) {
	f, err := os.OpenFile(logFilePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open API log file %s: %w", logFilePath, err)
	}
	if transport == nil {
		transport = http.DefaultTransport
	}
	logger := log.New()
	logger.SetOutput(f)
	logger.SetLevel(log.DebugLevel)
	logger.SetFormatter(&log.TextFormatter{
		DisableColors:    true,
		FullTimestamp:    true,
		DisableQuote:     true,
		QuoteEmptyFields: true,
	})
	return &LoggingTransport{Transport: transport, file: f, logger: logger}, nil
}

// RoundTrip executes a single HTTP transaction, logging details.
func (t *LoggingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	start := time.Now()

	logged := req.Clone(req.Context())
	if logged.Header.Get("Authorization") != "" {
		logged.Header.Set("Authorization", "Bearer [redacted]")
	}
	if reqDump, err := httputil.DumpRequestOut(logged, false); err == nil {
		t.write(log.Fields{"method": req.Method, "url": redactQuery(req.URL.String())}, "request\n"+string(reqDump))
	}

	resp, err := t.Transport.RoundTrip(req)
	fields := log.Fields{"url": redactQuery(req.URL.String()), "duration": time.Since(start).Round(time.Millisecond)}
	if err != nil {
		t.write(fields, "transport error: "+err.Error())
		return nil, err
	}
	fields["status"] = resp.StatusCode

	headers, _ := httputil.DumpResponse(resp, false)
	if !strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		t.write(fields, "response (body not logged)\n"+string(headers))
		return resp, nil
	}

	body, readErr := io.ReadAll(resp.Body)
	resp.Body.Close()
	resp.Body = io.NopCloser(bytes.NewReader(body))
	if readErr != nil {
		t.write(fields, "response (body read failed: "+readErr.Error()+")\n"+string(headers))
		return resp, nil
	}
	t.write(fields, fmt.Sprintf("response\n%s\n%s", headers, body))
	return resp, nil
}

func (t *LoggingTransport) write(fields log.Fields, msg string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.logger.WithFields(fields).Debug(msg)
}

// redactQuery hides token query parameters some download hosts accept.
func redactQuery(raw string) string {
	i := strings.Index(raw, "token=")
	if i < 0 {
		return raw
	}
	end := strings.IndexByte(raw[i:], '&')
	if end < 0 {
		return raw[:i] + "token=[redacted]"
	}
	return raw[:i] + "token=[redacted]" + raw[i+end:]
}

// Close closes the underlying log file.
func (t *LoggingTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.file.Close()
}
