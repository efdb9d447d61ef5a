package tunnel

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"llm-tunnel/internal/domain"
	"llm-tunnel/internal/logger"
)

// fakeConn is an in-memory Conn: frames pushed into inbound come out of
// ReadMessage, frames the session writes are recorded.
type fakeConn struct {
	inbound chan []byte
	closed  chan struct{}
	once    sync.Once

	mu     sync.Mutex
	writes [][]byte
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		inbound: make(chan []byte, 32),
		closed:  make(chan struct{}),
	}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case data := <-c.inbound:
		return 1, data, nil
	case <-c.closed:
		return 0, nil, errors.New("connection closed")
	}
}

func (c *fakeConn) WriteMessage(_ int, data []byte) error {
	select {
	case <-c.closed:
		return errors.New("connection closed")
	default:
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writes = append(c.writes, append([]byte(nil), data...))
	return nil
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

// deliver encodes a frame and feeds it to the session's read loop.
func (c *fakeConn) deliver(t *testing.T, msg *Message) {
	t.Helper()
	data, err := Encode(msg)
	require.NoError(t, err)
	c.inbound <- data
}

// written returns the decoded frames the session wrote so far.
func (c *fakeConn) written() []*Message {
	c.mu.Lock()
	defer c.mu.Unlock()

	frames := make([]*Message, 0, len(c.writes))
	for _, data := range c.writes {
		if msg, err := Decode(data); err == nil {
			frames = append(frames, msg)
		}
	}
	return frames
}

// awaitWrite blocks until the session has written a frame of the given
// type, or returns nil after two seconds.
func (c *fakeConn) awaitWrite(frameType MessageType) *Message {
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		for _, msg := range c.written() {
			if msg.Type == frameType {
				return msg
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	return nil
}

func testSettings() Settings {
	return Settings{
		KeepaliveInterval: time.Hour,
		PongTimeout:       time.Hour,
		StreamEndGrace:    time.Second,
		MaxDecodeErrors:   3,
	}
}

func startTestSession(t *testing.T, settings Settings) (*Session, *fakeConn) {
	t.Helper()

	conn := newFakeConn()
	identity := domain.Identity{UserID: "user-1", Tier: domain.TierFree}
	s := NewSession(conn, identity, settings, logger.NewLogger("error", "json"))
	t.Cleanup(s.Close)
	return s, conn
}

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func chatRequest(id string) *Message {
	return &Message{
		Type:   TypeLLMRequest,
		ID:     id,
		Method: "POST",
		Path:   "/v1/chat/completions",
		Body:   `{"model":"local"}`,
	}
}

func TestSessionRoundtrip(t *testing.T) {
	s, conn := startTestSession(t, testSettings())

	go func() {
		if req := conn.awaitWrite(TypeLLMRequest); req != nil {
			conn.deliver(t, &Message{
				Type:   TypeLLMResponse,
				ID:     req.ID,
				Status: 200,
				Body:   `{"choices":[]}`,
			})
		}
	}()

	resp, err := s.Roundtrip(testCtx(t), chatRequest("req-1"))
	require.NoError(t, err)
	assert.Equal(t, 200, resp.Status)
	assert.Equal(t, `{"choices":[]}`, resp.Body)
}

func TestSessionStreamReassembly(t *testing.T) {
	s, conn := startTestSession(t, testSettings())

	go func() {
		if conn.awaitWrite(TypeLLMRequest) == nil {
			return
		}
		for i, part := range []string{"Hel", "lo ", "world"} {
			conn.deliver(t, &Message{
				Type:           TypeStreamChunk,
				ID:             "frame",
				RequestID:      "req-1",
				Chunk:          part,
				SequenceNumber: intPtr(i),
				IsComplete:     i == 2,
			})
		}
		conn.deliver(t, &Message{
			Type:        TypeStreamEnd,
			ID:          "frame",
			RequestID:   "req-1",
			TotalChunks: 3,
			FinalStatus: 200,
		})
	}()

	var mu sync.Mutex
	var streamed []Chunk
	resp, err := s.RoundtripStream(testCtx(t), chatRequest("req-1"), func(chunk Chunk) {
		mu.Lock()
		streamed = append(streamed, chunk)
		mu.Unlock()
	})
	require.NoError(t, err)

	assert.Equal(t, 200, resp.Status)
	assert.Equal(t, "Hello world", resp.Body)
	assert.Equal(t, 3, resp.Chunks)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, streamed, 3)
	for i, chunk := range streamed {
		assert.Equal(t, i, chunk.Sequence)
	}
	assert.False(t, streamed[0].Final)
	assert.True(t, streamed[2].Final)
}

func TestSessionStreamGapFails(t *testing.T) {
	s, conn := startTestSession(t, testSettings())

	go func() {
		if conn.awaitWrite(TypeLLMRequest) == nil {
			return
		}
		conn.deliver(t, &Message{
			Type: TypeStreamChunk, ID: "frame", RequestID: "req-1",
			Chunk: "first", SequenceNumber: intPtr(0),
		})
		// Sequence 1 never arrives.
		conn.deliver(t, &Message{
			Type: TypeStreamChunk, ID: "frame", RequestID: "req-1",
			Chunk: "third", SequenceNumber: intPtr(2),
		})
	}()

	resp, err := s.RoundtripStream(testCtx(t), chatRequest("req-1"), nil)
	assert.Nil(t, resp)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrStreamIncomplete)
}

func TestSessionFinalChunkWithoutStreamEnd(t *testing.T) {
	settings := testSettings()
	settings.StreamEndGrace = 50 * time.Millisecond
	s, conn := startTestSession(t, settings)

	go func() {
		if conn.awaitWrite(TypeLLMRequest) == nil {
			return
		}
		conn.deliver(t, &Message{
			Type: TypeStreamChunk, ID: "frame", RequestID: "req-1",
			Chunk: "all of it", SequenceNumber: intPtr(0), IsComplete: true,
		})
		// No stream end follows: the grace timer must fail the request.
	}()

	resp, err := s.RoundtripStream(testCtx(t), chatRequest("req-1"), nil)
	assert.Nil(t, resp)
	assert.ErrorIs(t, err, domain.ErrStreamIncomplete)
}

func TestSessionStreamEndBeforeFinalChunk(t *testing.T) {
	s, conn := startTestSession(t, testSettings())

	go func() {
		if conn.awaitWrite(TypeLLMRequest) == nil {
			return
		}
		conn.deliver(t, &Message{
			Type: TypeStreamEnd, ID: "frame", RequestID: "req-1", TotalChunks: 3,
		})
	}()

	resp, err := s.RoundtripStream(testCtx(t), chatRequest("req-1"), nil)
	assert.Nil(t, resp)
	assert.ErrorIs(t, err, domain.ErrStreamIncomplete)
}

func TestSessionStreamEndChunkCountMismatch(t *testing.T) {
	s, conn := startTestSession(t, testSettings())

	go func() {
		if conn.awaitWrite(TypeLLMRequest) == nil {
			return
		}
		conn.deliver(t, &Message{
			Type: TypeStreamChunk, ID: "frame", RequestID: "req-1",
			Chunk: "only one", SequenceNumber: intPtr(0), IsComplete: true,
		})
		conn.deliver(t, &Message{
			Type: TypeStreamEnd, ID: "frame", RequestID: "req-1", TotalChunks: 2,
		})
	}()

	resp, err := s.RoundtripStream(testCtx(t), chatRequest("req-1"), nil)
	assert.Nil(t, resp)
	assert.ErrorIs(t, err, domain.ErrStreamIncomplete)
}

func TestSessionAgentErrorFailsRequest(t *testing.T) {
	s, conn := startTestSession(t, testSettings())

	go func() {
		if req := conn.awaitWrite(TypeLLMRequest); req != nil {
			conn.deliver(t, &Message{
				Type: TypeError, ID: req.ID,
				Error: "provider unavailable", Code: "PROVIDER_DOWN",
			})
		}
	}()

	resp, err := s.Roundtrip(testCtx(t), chatRequest("req-1"))
	assert.Nil(t, resp)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "provider unavailable")
}

func TestSessionDuplicateRequestIDRejected(t *testing.T) {
	s, conn := startTestSession(t, testSettings())

	errCh := make(chan error, 1)
	go func() {
		_, err := s.Roundtrip(testCtx(t), chatRequest("req-1"))
		errCh <- err
	}()
	require.NotNil(t, conn.awaitWrite(TypeLLMRequest))

	_, err := s.Roundtrip(testCtx(t), chatRequest("req-1"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already in flight")

	conn.deliver(t, &Message{Type: TypeLLMResponse, ID: "req-1", Status: 200})
	require.NoError(t, <-errCh)
}

func TestSessionCloseFailsInflight(t *testing.T) {
	s, conn := startTestSession(t, testSettings())

	errCh := make(chan error, 1)
	go func() {
		_, err := s.Roundtrip(testCtx(t), chatRequest("req-1"))
		errCh <- err
	}()
	require.NotNil(t, conn.awaitWrite(TypeLLMRequest))

	s.Close()

	assert.ErrorIs(t, <-errCh, domain.ErrChannelClosed)

	// Further requests are refused outright.
	_, err := s.Roundtrip(testCtx(t), chatRequest("req-2"))
	assert.ErrorIs(t, err, domain.ErrChannelClosed)
}

func TestSessionLateFrameDiscarded(t *testing.T) {
	s, conn := startTestSession(t, testSettings())

	// Frames for an id nobody is waiting on are dropped without side
	// effects and the session stays usable.
	conn.deliver(t, &Message{Type: TypeLLMResponse, ID: "ghost", Status: 200})

	go func() {
		if req := conn.awaitWrite(TypeLLMRequest); req != nil {
			conn.deliver(t, &Message{Type: TypeLLMResponse, ID: req.ID, Status: 200})
		}
	}()
	resp, err := s.Roundtrip(testCtx(t), chatRequest("req-1"))
	require.NoError(t, err)
	assert.Equal(t, 200, resp.Status)
}

func TestSessionAnswersPing(t *testing.T) {
	s, conn := startTestSession(t, testSettings())

	conn.deliver(t, &Message{Type: TypePing, ID: "ping-1", Timestamp: 1700000000000})

	pong := conn.awaitWrite(TypePong)
	require.NotNil(t, pong)
	assert.Equal(t, "ping-1", pong.ID)
	assert.Equal(t, int64(1700000000000), pong.Timestamp)
	assert.False(t, s.Degraded())
}

func TestSessionTracksProviderStatus(t *testing.T) {
	s, conn := startTestSession(t, testSettings())

	conn.deliver(t, &Message{
		Type: TypeProviderStatus, ID: "frame-1",
		ProviderID: "ollama", Available: boolPtr(true),
	})

	require.Eventually(t, func() bool {
		return s.LastProviderStatus() != nil
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "ollama", s.LastProviderStatus().ProviderID)
}

func TestSessionPongLatencyEstimate(t *testing.T) {
	conn := newFakeConn()
	s := newSession(conn, domain.Identity{UserID: "user-1"}, testSettings(), logger.NewLogger("error", "json"))

	// Millisecond-aligned base so wire truncation does not skew samples.
	base := time.UnixMilli(time.Now().UnixMilli())

	s.pings["p1"] = base.UnixMilli()
	s.now = func() time.Time { return base.Add(80 * time.Millisecond) }
	s.handlePong(&Message{Type: TypePong, ID: "p1", Timestamp: base.UnixMilli()})
	assert.Equal(t, 80*time.Millisecond, s.Latency())

	// The estimate is a rolling average, one slow pong moves it gently.
	s.pings["p2"] = base.UnixMilli()
	s.now = func() time.Time { return base.Add(160 * time.Millisecond) }
	s.handlePong(&Message{Type: TypePong, ID: "p2", Timestamp: base.UnixMilli()})
	assert.Equal(t, 90*time.Millisecond, s.Latency())

	// A pong nobody asked for changes nothing.
	s.handlePong(&Message{Type: TypePong, ID: "p3", Timestamp: base.UnixMilli()})
	assert.Equal(t, 90*time.Millisecond, s.Latency())
}

func TestSessionMissedPongsCloseSession(t *testing.T) {
	settings := testSettings()
	settings.PongTimeout = 10 * time.Millisecond

	conn := newFakeConn()
	s := newSession(conn, domain.Identity{UserID: "user-1"}, settings, logger.NewLogger("error", "json"))
	t.Cleanup(s.Close)

	s.sendPing()
	require.Eventually(t, s.Degraded, 2*time.Second, 5*time.Millisecond)

	s.sendPing()
	require.Eventually(t, func() bool {
		select {
		case <-s.Done():
			return true
		default:
			return false
		}
	}, 2*time.Second, 5*time.Millisecond)
}

func TestSessionClosesAfterRepeatedDecodeErrors(t *testing.T) {
	s, conn := startTestSession(t, testSettings())

	for i := 0; i < 3; i++ {
		conn.inbound <- []byte("not json at all")
	}

	require.Eventually(t, func() bool {
		select {
		case <-s.Done():
			return true
		default:
			return false
		}
	}, 2*time.Second, 5*time.Millisecond)
}

func TestSessionDecodeErrorCountResetsOnValidFrame(t *testing.T) {
	s, conn := startTestSession(t, testSettings())

	conn.inbound <- []byte("garbage")
	conn.inbound <- []byte("garbage")
	conn.deliver(t, &Message{Type: TypePing, ID: "ping-1", Timestamp: 1700000000000})
	conn.inbound <- []byte("garbage")
	conn.inbound <- []byte("garbage")

	assert.Never(t, func() bool {
		select {
		case <-s.Done():
			return true
		default:
			return false
		}
	}, 200*time.Millisecond, 20*time.Millisecond)
}
