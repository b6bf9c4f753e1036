package testutil

import (
	"time"

	"cecbridge/internal/daemon"
)

// RequestRecord records a request for testing/verification
type RequestRecord struct {
	Timestamp time.Time
	Request   daemon.Request
}

func (d *MockDaemon) record(req daemon.Request) {
	d.requestsMu.Lock()
	defer d.requestsMu.Unlock()
	d.requests = append(d.requests, RequestRecord{Timestamp: time.Now(), Request: req})
}

// Requests returns all requests since last clear
func (d *MockDaemon) Requests() []RequestRecord {
	d.requestsMu.Lock()
	defer d.requestsMu.Unlock()
	requests := make([]RequestRecord, len(d.requests))
	copy(requests, d.requests)
	return requests
}

// ClearRequests resets the request log
func (d *MockDaemon) ClearRequests() {
	d.requestsMu.Lock()
	defer d.requestsMu.Unlock()
	d.requests = nil
}

// CountRequests counts requests of the given type
func (d *MockDaemon) CountRequests(requestType string) int {
	return len(FilterRequests(d.Requests(), requestType))
}

// FilterRequests filters requests by type
func FilterRequests(records []RequestRecord, requestType string) []RequestRecord {
	var filtered []RequestRecord
	for _, r := range records {
		if r.Request.Type == requestType {
			filtered = append(filtered, r)
		}
	}
	return filtered
}

// Transmits returns the frames of every transmit request, oldest first.
func (d *MockDaemon) Transmits() []daemon.WireFrame {
	var frames []daemon.WireFrame
	for _, r := range FilterRequests(d.Requests(), "transmit") {
		if r.Request.Frame != nil {
			frames = append(frames, *r.Request.Frame)
		}
	}
	return frames
}
