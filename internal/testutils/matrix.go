package testutils

import (
	"context"
	"sync"

	"github.com/lessucettes/redlight/internal/matrix"
)

type SentMessage struct {
	RoomID string
	Body   string
}

// MockMatrixClient records sent messages and signals each one on SendSignal.
// When Gate is non-nil every send blocks until it is closed.
type MockMatrixClient struct {
	mu          sync.Mutex
	Sent        []SentMessage
	errToReturn error

	Gate       chan struct{}
	SendSignal chan SentMessage
}

var _ matrix.ClientInterface = (*MockMatrixClient)(nil)

func NewMockMatrixClient(bufferSize int) *MockMatrixClient {
	return &MockMatrixClient{
		SendSignal: make(chan SentMessage, bufferSize),
	}
}

func (c *MockMatrixClient) SetError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errToReturn = err
}

func (c *MockMatrixClient) Messages() []SentMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]SentMessage(nil), c.Sent...)
}

func (c *MockMatrixClient) SendText(ctx context.Context, roomID, body string) error {
	if c.Gate != nil {
		<-c.Gate
	}

	msg := SentMessage{RoomID: roomID, Body: body}
	c.mu.Lock()
	err := c.errToReturn
	if err == nil {
		c.Sent = append(c.Sent, msg)
	}
	c.mu.Unlock()

	c.SendSignal <- msg
	return err
}
