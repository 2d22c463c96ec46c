package rpc

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

const (
	// Delimiter separates routing identities from the content frames of a
	// message. ROUTER sockets prepend one identity frame per hop before it;
	// DEALER sockets see none.
	Delimiter = "<CALL>"

	// AckMessageType marks the receipt a server sends back for an accepted
	// call before the handler runs.
	AckMessageType = "ACK"

	// ReplySuffix is appended to the request's method name to form the
	// reply's msg_type.
	ReplySuffix = "_reply"

	// Version stamps every header. Bump on incompatible wire changes.
	Version = "1.0"

	// DateFormat is ISO 8601 with millisecond precision.
	DateFormat = "2006-01-02T15:04:05.999Z07:00"
)

var (
	delimiterFrame = []byte(Delimiter)
	emptyBody      = []byte("{}")

	ErrMissingDelimiter = errors.New("message has no delimiter frame")
	ErrTruncatedMessage = errors.New("message is truncated after the delimiter frame")
	ErrBadSignature     = errors.New("message signature mismatch")
)

// Header is the metadata frame carried by every message.
type Header struct {
	MessageId   string `json:"msg_id"`
	MessageType string `json:"msg_type"`
	Date        string `json:"date"`
	Version     string `json:"version"`
}

// NewHeader stamps a fresh header for the given message type.
func NewHeader(messageType string) *Header {
	return &Header{
		MessageId:   uuid.NewString(),
		MessageType: messageType,
		Date:        time.Now().Format(DateFormat),
		Version:     Version,
	}
}

// Message is one decoded multipart zmq message. Identities is empty on the
// DEALER side and holds the peer identity frames on the ROUTER side.
type Message struct {
	Identities [][]byte
	Header     *Header
	Body       []byte
}

func (m *Message) String() string {
	return fmt.Sprintf("%s(%s)", m.Header.MessageType, m.Header.MessageId)
}

// IsAck reports whether the message is a receipt rather than a reply.
func (m *Message) IsAck() bool {
	return m.Header.MessageType == AckMessageType
}

// IsReply reports whether the message answers a call.
func (m *Message) IsReply() bool {
	return strings.HasSuffix(m.Header.MessageType, ReplySuffix)
}

// DecodeBody unmarshals the body frame into out.
func (m *Message) DecodeBody(out interface{}) error {
	return errors.Wrapf(json.Unmarshal(m.Body, out), "cannot decode %s body", m.Header.MessageType)
}

// Frames serializes the message, signing the content with key when key is
// non-empty. The layout is [identities..., delimiter, signature, header, body].
func (m *Message) Frames(key []byte) ([][]byte, error) {
	headerJSON, err := json.Marshal(m.Header)
	if err != nil {
		return nil, errors.Wrap(err, "cannot encode header")
	}
	body := m.Body
	if body == nil {
		body = emptyBody
	}
	frames := make([][]byte, 0, len(m.Identities)+4)
	frames = append(frames, m.Identities...)
	frames = append(frames, delimiterFrame, []byte(Sign(key, headerJSON, body)), headerJSON, body)
	return frames, nil
}

// Sign computes the hex HMAC-SHA256 of the given frames. An empty key
// disables signing and yields the empty string; both peers must agree.
func Sign(key []byte, frames ...[]byte) string {
	if len(key) == 0 {
		return ""
	}
	mac := hmac.New(sha256.New, key)
	for _, frame := range frames {
		mac.Write(frame)
	}
	return hex.EncodeToString(mac.Sum(nil))
}

// Parse splits raw frames into identities and content, verifies the
// signature, and decodes the header.
func Parse(frames [][]byte, key []byte) (*Message, error) {
	delim := -1
	for i, frame := range frames {
		if bytes.Equal(frame, delimiterFrame) {
			delim = i
			break
		}
	}
	if delim < 0 {
		return nil, ErrMissingDelimiter
	}
	if len(frames) < delim+4 {
		return nil, errors.Wrapf(ErrTruncatedMessage, "%d content frames, expected 3", len(frames)-delim-1)
	}

	signature, headerJSON, body := frames[delim+1], frames[delim+2], frames[delim+3]
	if !hmac.Equal(signature, []byte(Sign(key, headerJSON, body))) {
		return nil, ErrBadSignature
	}

	var header Header
	if err := json.Unmarshal(headerJSON, &header); err != nil {
		return nil, errors.Wrap(err, "malformed header frame")
	}
	return &Message{Identities: frames[:delim], Header: &header, Body: body}, nil
}

// NewRequest builds a call message for the given method. A nil payload sends
// an empty object body.
func NewRequest(method string, payload interface{}) (*Message, error) {
	message := &Message{Header: NewHeader(method), Body: emptyBody}
	if payload != nil {
		body, err := json.Marshal(payload)
		if err != nil {
			return nil, errors.Wrapf(err, "cannot encode %s payload", method)
		}
		message.Body = body
	}
	return message, nil
}

// NewReply builds the answer to a call. It reuses the request's message id so
// the caller can correlate it, and routes back over the request's identities.
func NewReply(request *Message, payload interface{}) (*Message, error) {
	message := &Message{
		Identities: request.Identities,
		Header: &Header{
			MessageId:   request.Header.MessageId,
			MessageType: request.Header.MessageType + ReplySuffix,
			Date:        time.Now().Format(DateFormat),
			Version:     Version,
		},
		Body: emptyBody,
	}
	if payload != nil {
		body, err := json.Marshal(payload)
		if err != nil {
			return nil, errors.Wrapf(err, "cannot encode %s payload", message.Header.MessageType)
		}
		message.Body = body
	}
	return message, nil
}

// NewErrorReply builds a reply whose body carries the handler's error.
func NewErrorReply(request *Message, cause error) *Message {
	reply, _ := NewReply(request, &errorBody{Error: toWireError(cause)})
	return reply
}

// NewAck builds the receipt for an accepted call.
func NewAck(request *Message) *Message {
	return &Message{
		Identities: request.Identities,
		Header: &Header{
			MessageId:   request.Header.MessageId,
			MessageType: AckMessageType,
			Date:        time.Now().Format(DateFormat),
			Version:     Version,
		},
		Body: emptyBody,
	}
}
