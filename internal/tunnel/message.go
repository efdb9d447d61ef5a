package tunnel

import (
	"encoding/json"

	"llm-tunnel/internal/domain"
)

// MessageType is the discriminant of the tunnel envelope. Decoders switch
// on it exhaustively; an unrecognized value is a decode error, never a
// silently guessed default.
type MessageType string

const (
	TypeHTTPRequest    MessageType = "http_request"
	TypeHTTPResponse   MessageType = "http_response"
	TypePing           MessageType = "ping"
	TypePong           MessageType = "pong"
	TypeError          MessageType = "error"
	TypeLLMRequest     MessageType = "llm_request"
	TypeLLMResponse    MessageType = "llm_response"
	TypeStreamChunk    MessageType = "llm_stream_chunk"
	TypeStreamEnd      MessageType = "llm_stream_end"
	TypeProviderStatus MessageType = "provider_status"
)

// Message is one tunnel frame. It is a tagged union: Type selects the
// variant, ID correlates a request with its response, stream and error
// frames. Field names are part of the wire compatibility surface.
type Message struct {
	Type MessageType `json:"type"`
	ID   string      `json:"id"`

	// http_request / llm_request
	Method  string            `json:"method,omitempty"`
	Path    string            `json:"path,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    string            `json:"body,omitempty"`

	// http_response / llm_response
	Status int `json:"status,omitempty"`

	// llm_stream_chunk / llm_stream_end
	RequestID      string `json:"requestId,omitempty"`
	Chunk          string `json:"chunk,omitempty"`
	SequenceNumber *int   `json:"sequenceNumber,omitempty"`
	IsComplete     bool   `json:"isComplete,omitempty"`
	ProviderID     string `json:"providerId,omitempty"`
	TotalChunks    int    `json:"totalChunks,omitempty"`
	TotalTime      int64  `json:"totalTime,omitempty"` // milliseconds
	FinalStatus    int    `json:"finalStatus,omitempty"`

	// ping / pong
	Timestamp int64 `json:"timestamp,omitempty"` // unix milliseconds

	// error / provider_status
	Error     string `json:"error,omitempty"`
	Code      string `json:"code,omitempty"`
	Available *bool  `json:"available,omitempty"`
}

// Seq returns the sequence number of a stream chunk frame.
func (m *Message) Seq() int {
	if m.SequenceNumber == nil {
		return 0
	}
	return *m.SequenceNumber
}

// Encode serializes a message after validating it, so only well-formed
// frames ever hit the wire.
func Encode(m *Message) ([]byte, error) {
	if err := validate(m); err != nil {
		return nil, err
	}
	return json.Marshal(m)
}

// Decode parses one frame and validates the variant-specific required
// fields. Malformed frames and unknown discriminants yield a DecodeError;
// the caller drops the frame, it never kills the channel by itself.
func Decode(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, &domain.DecodeError{Reason: "invalid JSON: " + err.Error()}
	}
	if err := validate(&m); err != nil {
		return nil, err
	}
	return &m, nil
}

func validate(m *Message) error {
	if m.ID == "" {
		return &domain.DecodeError{Type: string(m.Type), Reason: "missing id"}
	}

	switch m.Type {
	case TypeHTTPRequest, TypeLLMRequest:
		if m.Method == "" || m.Path == "" {
			return &domain.DecodeError{Type: string(m.Type), Reason: "request frame requires method and path"}
		}
	case TypeHTTPResponse, TypeLLMResponse:
		if m.Status == 0 {
			return &domain.DecodeError{Type: string(m.Type), Reason: "response frame requires status"}
		}
	case TypeStreamChunk:
		if m.RequestID == "" {
			return &domain.DecodeError{Type: string(m.Type), Reason: "stream chunk requires requestId"}
		}
		if m.SequenceNumber == nil {
			return &domain.DecodeError{Type: string(m.Type), Reason: "stream chunk requires sequenceNumber"}
		}
		if *m.SequenceNumber < 0 {
			return &domain.DecodeError{Type: string(m.Type), Reason: "negative sequenceNumber"}
		}
	case TypeStreamEnd:
		if m.RequestID == "" {
			return &domain.DecodeError{Type: string(m.Type), Reason: "stream end requires requestId"}
		}
	case TypePing, TypePong:
		if m.Timestamp == 0 {
			return &domain.DecodeError{Type: string(m.Type), Reason: "keepalive frame requires timestamp"}
		}
	case TypeError:
		if m.Error == "" {
			return &domain.DecodeError{Type: string(m.Type), Reason: "error frame requires error"}
		}
	case TypeProviderStatus:
		if m.ProviderID == "" {
			return &domain.DecodeError{Type: string(m.Type), Reason: "provider status requires providerId"}
		}
	case "":
		return &domain.DecodeError{Reason: "missing type"}
	default:
		return &domain.DecodeError{Type: string(m.Type), Reason: "unknown frame type"}
	}

	return nil
}
