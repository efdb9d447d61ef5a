package tunnel

import (
	"context"
	"fmt"
	"sync"
	"time"

	"llm-tunnel/internal/domain"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Conn is the duplex message channel a session runs on. gorilla/websocket
// connections satisfy it; tests substitute an in-memory fake.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Settings tunes a session's keepalive and stream handling.
type Settings struct {
	KeepaliveInterval time.Duration
	PongTimeout       time.Duration
	// StreamEndGrace bounds how long a stream whose final chunk arrived
	// may wait for its stream-end frame before failing as incomplete.
	StreamEndGrace time.Duration
	// MaxDecodeErrors closes the channel after this many consecutive
	// undecodable frames.
	MaxDecodeErrors int
}

// DefaultSettings returns the session defaults.
func DefaultSettings() Settings {
	return Settings{
		KeepaliveInterval: 30 * time.Second,
		PongTimeout:       10 * time.Second,
		StreamEndGrace:    30 * time.Second,
		MaxDecodeErrors:   10,
	}
}

// Response is the reassembled outcome of one tunneled request.
type Response struct {
	Status  int
	Headers map[string]string
	Body    string
	Chunks  int
}

// Chunk is one in-order piece of a streamed response, delivered to the
// caller's sink as it arrives.
type Chunk struct {
	Data     string
	Sequence int
	Final    bool
}

// pendingRequest tracks one in-flight request: the stream accumulator and
// the completion watcher. A stream completes only once both the final
// chunk and a matching stream-end frame were observed.
type pendingRequest struct {
	id        string
	sink      func(Chunk)
	chunks    []string
	nextSeq   int
	finalSeen bool
	status    int
	headers   map[string]string
	grace     *time.Timer

	done     chan struct{}
	response *Response
	err      error
}

// Session binds one persistent channel to one identity and multiplexes
// many in-flight requests over it, correlated by envelope id. Ordering is
// guaranteed only within a single request's stream, never across requests.
type Session struct {
	ID       string
	Identity domain.Identity

	conn     Conn
	settings Settings
	logger   domain.Logger

	writeMu sync.Mutex // gorilla allows one concurrent writer

	mu           sync.Mutex
	inflight     map[string]*pendingRequest
	pings        map[string]int64
	latency      time.Duration
	missedPongs  int
	decodeErrors int
	lastProvider *Message
	closeErr     error

	closed    chan struct{}
	closeOnce sync.Once
	now       func() time.Time
}

// NewSession wraps a connection and starts the read and keepalive loops.
func NewSession(conn Conn, identity domain.Identity, settings Settings, logger domain.Logger) *Session {
	s := newSession(conn, identity, settings, logger)
	go s.readLoop()
	go s.keepaliveLoop()
	return s
}

// newSession builds a session without starting its loops.
func newSession(conn Conn, identity domain.Identity, settings Settings, logger domain.Logger) *Session {
	return &Session{
		ID:       uuid.New().String(),
		Identity: identity,
		conn:     conn,
		settings: settings,
		logger:   logger,
		inflight: make(map[string]*pendingRequest),
		pings:    make(map[string]int64),
		closed:   make(chan struct{}),
		now:      time.Now,
	}
}

// Roundtrip sends one request frame and waits for its complete response.
func (s *Session) Roundtrip(ctx context.Context, msg *Message) (*Response, error) {
	return s.RoundtripStream(ctx, msg, nil)
}

// RoundtripStream sends one request frame and waits for completion,
// delivering stream chunks to sink in sequence order as they arrive.
func (s *Session) RoundtripStream(ctx context.Context, msg *Message, sink func(Chunk)) (*Response, error) {
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}

	pending := &pendingRequest{
		id:   msg.ID,
		sink: sink,
		done: make(chan struct{}),
	}

	s.mu.Lock()
	if s.closeErr != nil {
		s.mu.Unlock()
		return nil, s.closeErr
	}
	if _, dup := s.inflight[msg.ID]; dup {
		s.mu.Unlock()
		return nil, fmt.Errorf("request id %s is already in flight", msg.ID)
	}
	s.inflight[msg.ID] = pending
	s.mu.Unlock()

	if err := s.write(msg); err != nil {
		s.discard(msg.ID)
		return nil, fmt.Errorf("failed to write request frame: %w", err)
	}

	select {
	case <-pending.done:
		return pending.response, pending.err
	case <-ctx.Done():
		// Caller gave up. Late frames with this id still decode fine,
		// they are just discarded.
		s.discard(msg.ID)
		return nil, ctx.Err()
	}
}

// Latency returns the rolling keepalive latency estimate.
func (s *Session) Latency() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.latency
}

// Degraded reports whether the peer recently missed a keepalive.
func (s *Session) Degraded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.missedPongs > 0
}

// LastProviderStatus returns the most recent provider status frame, if
// the agent sent one.
func (s *Session) LastProviderStatus() *Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastProvider
}

// Done is closed when the session terminates.
func (s *Session) Done() <-chan struct{} {
	return s.closed
}

// Close tears the session down, failing every in-flight request with the
// channel-closed error.
func (s *Session) Close() {
	s.close(domain.ErrChannelClosed)
}

func (s *Session) close(err error) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closeErr = err
		pendings := make([]*pendingRequest, 0, len(s.inflight))
		for id, pending := range s.inflight {
			pendings = append(pendings, pending)
			delete(s.inflight, id)
		}
		s.mu.Unlock()

		for _, pending := range pendings {
			if pending.grace != nil {
				pending.grace.Stop()
			}
			pending.err = domain.ErrChannelClosed
			close(pending.done)
		}

		close(s.closed)
		s.conn.Close()

		s.logger.Info("Tunnel session closed", map[string]interface{}{
			"session_id": s.ID,
			"user_id":    s.Identity.UserID,
			"in_flight":  len(pendings),
		})
	})
}

func (s *Session) readLoop() {
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			s.close(domain.ErrChannelClosed)
			return
		}
		s.handleFrame(data)
	}
}

// handleFrame decodes and routes one inbound frame. A malformed frame is
// dropped; only consecutive decode failures past the threshold end the
// session.
func (s *Session) handleFrame(data []byte) {
	msg, err := Decode(data)
	if err != nil {
		s.mu.Lock()
		s.decodeErrors++
		count := s.decodeErrors
		s.mu.Unlock()

		s.logger.Warn("Dropping undecodable frame", map[string]interface{}{
			"session_id": s.ID,
			"error":      err.Error(),
			"count":      count,
		})

		if count >= s.settings.MaxDecodeErrors {
			s.logger.Error("Closing session after repeated decode errors", err, map[string]interface{}{
				"session_id": s.ID,
			})
			s.close(domain.ErrChannelClosed)
		}
		return
	}

	s.mu.Lock()
	s.decodeErrors = 0
	s.mu.Unlock()

	switch msg.Type {
	case TypeHTTPResponse, TypeLLMResponse:
		s.handleResponse(msg)
	case TypeStreamChunk:
		s.handleChunk(msg)
	case TypeStreamEnd:
		s.handleStreamEnd(msg)
	case TypePing:
		s.handlePing(msg)
	case TypePong:
		s.handlePong(msg)
	case TypeError:
		s.handleError(msg)
	case TypeProviderStatus:
		s.mu.Lock()
		s.lastProvider = msg
		s.mu.Unlock()
		s.logger.Debug("Provider status updated", map[string]interface{}{
			"session_id":  s.ID,
			"provider_id": msg.ProviderID,
		})
	case TypeHTTPRequest, TypeLLMRequest:
		// The gateway side only sends requests, it never serves them.
		s.logger.Warn("Discarding unexpected request frame from agent", map[string]interface{}{
			"session_id": s.ID,
			"frame_id":   msg.ID,
		})
	}
}

func (s *Session) handleResponse(msg *Message) {
	s.mu.Lock()
	pending, exists := s.inflight[msg.ID]
	if exists {
		delete(s.inflight, msg.ID)
	}
	s.mu.Unlock()

	if !exists {
		s.discardLate(msg)
		return
	}

	if pending.grace != nil {
		pending.grace.Stop()
	}
	pending.response = &Response{
		Status:  msg.Status,
		Headers: msg.Headers,
		Body:    msg.Body,
	}
	close(pending.done)
}

func (s *Session) handleChunk(msg *Message) {
	s.mu.Lock()
	pending, exists := s.inflight[msg.RequestID]
	if !exists {
		s.mu.Unlock()
		s.discardLate(msg)
		return
	}

	if pending.finalSeen {
		s.mu.Unlock()
		s.logger.Debug("Discarding chunk after final", map[string]interface{}{
			"session_id": s.ID,
			"request_id": msg.RequestID,
			"sequence":   msg.Seq(),
		})
		return
	}

	// Chunks must arrive in sequence order. Reassembling around a gap
	// would risk returning a silently corrupted body, so a gap fails the
	// request instead.
	if msg.Seq() != pending.nextSeq {
		delete(s.inflight, msg.RequestID)
		expected := pending.nextSeq
		s.mu.Unlock()

		pending.err = fmt.Errorf("%w: chunk %d arrived, expected %d", domain.ErrStreamIncomplete, msg.Seq(), expected)
		close(pending.done)
		return
	}

	pending.chunks = append(pending.chunks, msg.Chunk)
	pending.nextSeq++
	if msg.FinalStatus != 0 {
		pending.status = msg.FinalStatus
	}
	if msg.IsComplete {
		pending.finalSeen = true
		// The final chunk alone does not complete the stream: a matching
		// stream-end frame must follow within the grace period.
		requestID := msg.RequestID
		pending.grace = time.AfterFunc(s.settings.StreamEndGrace, func() {
			s.failPending(requestID, fmt.Errorf("%w: no stream end within %s", domain.ErrStreamIncomplete, s.settings.StreamEndGrace))
		})
	}
	sink := pending.sink
	s.mu.Unlock()

	if sink != nil {
		sink(Chunk{Data: msg.Chunk, Sequence: msg.Seq(), Final: msg.IsComplete})
	}
}

func (s *Session) handleStreamEnd(msg *Message) {
	s.mu.Lock()
	pending, exists := s.inflight[msg.RequestID]
	if exists {
		delete(s.inflight, msg.RequestID)
	}
	s.mu.Unlock()

	if !exists {
		s.discardLate(msg)
		return
	}

	if pending.grace != nil {
		pending.grace.Stop()
	}

	if !pending.finalSeen {
		pending.err = fmt.Errorf("%w: stream end before final chunk", domain.ErrStreamIncomplete)
		close(pending.done)
		return
	}
	if msg.TotalChunks != 0 && msg.TotalChunks != len(pending.chunks) {
		pending.err = fmt.Errorf("%w: received %d chunks, stream end declared %d", domain.ErrStreamIncomplete, len(pending.chunks), msg.TotalChunks)
		close(pending.done)
		return
	}

	status := pending.status
	if msg.FinalStatus != 0 {
		status = msg.FinalStatus
	}
	if status == 0 {
		status = 200
	}

	body := ""
	for _, chunk := range pending.chunks {
		body += chunk
	}

	pending.response = &Response{
		Status:  status,
		Headers: pending.headers,
		Body:    body,
		Chunks:  len(pending.chunks),
	}
	close(pending.done)
}

func (s *Session) handlePing(msg *Message) {
	pong := &Message{
		Type:      TypePong,
		ID:        msg.ID,
		Timestamp: msg.Timestamp,
	}
	if err := s.write(pong); err != nil {
		s.logger.Warn("Failed to answer ping", map[string]interface{}{
			"session_id": s.ID,
			"error":      err.Error(),
		})
	}
}

func (s *Session) handlePong(msg *Message) {
	arrived := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, outstanding := s.pings[msg.ID]; !outstanding {
		return
	}
	delete(s.pings, msg.ID)
	s.missedPongs = 0

	// Latency is pong arrival minus the timestamp carried by the ping it
	// answers.
	sample := arrived.Sub(time.UnixMilli(msg.Timestamp))
	if sample < 0 {
		return
	}
	if s.latency == 0 {
		s.latency = sample
	} else {
		s.latency = (s.latency*7 + sample) / 8
	}
}

func (s *Session) handleError(msg *Message) {
	s.mu.Lock()
	pending, exists := s.inflight[msg.ID]
	if exists {
		delete(s.inflight, msg.ID)
	}
	s.mu.Unlock()

	if !exists {
		// Channel-level error, not tied to an in-flight request.
		s.logger.Warn("Agent reported channel error", map[string]interface{}{
			"session_id": s.ID,
			"error":      msg.Error,
			"code":       msg.Code,
		})
		return
	}

	if pending.grace != nil {
		pending.grace.Stop()
	}
	pending.err = fmt.Errorf("agent error: %s", msg.Error)
	close(pending.done)
}

func (s *Session) keepaliveLoop() {
	ticker := time.NewTicker(s.settings.KeepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.sendPing()
		case <-s.closed:
			return
		}
	}
}

func (s *Session) sendPing() {
	id := uuid.New().String()
	sent := s.now().UnixMilli()

	s.mu.Lock()
	s.pings[id] = sent
	s.mu.Unlock()

	ping := &Message{Type: TypePing, ID: id, Timestamp: sent}
	if err := s.write(ping); err != nil {
		s.close(domain.ErrChannelClosed)
		return
	}

	time.AfterFunc(s.settings.PongTimeout, func() {
		s.mu.Lock()
		_, unanswered := s.pings[id]
		if unanswered {
			delete(s.pings, id)
			s.missedPongs++
		}
		missed := s.missedPongs
		s.mu.Unlock()

		if !unanswered {
			return
		}
		s.logger.Warn("Keepalive pong missed", map[string]interface{}{
			"session_id": s.ID,
			"missed":     missed,
		})
		if missed >= 2 {
			s.close(domain.ErrChannelClosed)
		}
	})
}

func (s *Session) write(msg *Message) error {
	data, err := Encode(msg)
	if err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

// discard removes an in-flight entry without resolving it.
func (s *Session) discard(id string) {
	s.mu.Lock()
	pending, exists := s.inflight[id]
	if exists {
		delete(s.inflight, id)
	}
	s.mu.Unlock()

	if exists && pending.grace != nil {
		pending.grace.Stop()
	}
}

// failPending resolves an in-flight request with an error, if it is still
// tracked.
func (s *Session) failPending(id string, err error) {
	s.mu.Lock()
	pending, exists := s.inflight[id]
	if exists {
		delete(s.inflight, id)
	}
	s.mu.Unlock()

	if !exists {
		return
	}
	pending.err = err
	close(pending.done)
}

func (s *Session) discardLate(msg *Message) {
	s.logger.Debug("Discarding frame for unknown request", map[string]interface{}{
		"session_id": s.ID,
		"frame_type": msg.Type,
		"frame_id":   msg.ID,
		"request_id": msg.RequestID,
	})
}
