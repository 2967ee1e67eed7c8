package testutils

import (
	"context"
	"sync"

	"github.com/lessucettes/redlight/internal/upstream"
)

// MockUpstream is a scriptable upstream.ClientInterface.
// When Gate is non-nil every fetch blocks until it is closed.
type MockUpstream struct {
	mu      sync.Mutex
	records []upstream.AbuseRecord
	err     error
	calls   int

	Gate        chan struct{}
	FetchSignal chan struct{}
}

var _ upstream.ClientInterface = (*MockUpstream)(nil)

func NewMockUpstream(records ...upstream.AbuseRecord) *MockUpstream {
	return &MockUpstream{
		records:     records,
		FetchSignal: make(chan struct{}, 64),
	}
}

func (m *MockUpstream) SetRecords(records ...upstream.AbuseRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = records
}

func (m *MockUpstream) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// SetGate makes subsequent fetches block until gate is closed.
func (m *MockUpstream) SetGate(gate chan struct{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Gate = gate
}

func (m *MockUpstream) ClearError() {
	m.SetError(nil)
}

func (m *MockUpstream) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func (m *MockUpstream) FetchRecords(ctx context.Context) ([]upstream.AbuseRecord, error) {
	m.mu.Lock()
	m.calls++
	records, err, gate := m.records, m.err, m.Gate
	m.mu.Unlock()

	select {
	case m.FetchSignal <- struct{}{}:
	default:
	}

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	return records, nil
}

// Record is a shorthand for building upstream records in tests.
func Record(roomHash, reportID string, tags ...string) upstream.AbuseRecord {
	return upstream.AbuseRecord{RoomHash: roomHash, ReportID: reportID, Tags: tags}
}
