package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"
)

// ErrInvalidEnvelope is returned by ParseEnvelope when the input does not follow
// the envelope framing rules.
var ErrInvalidEnvelope = errors.New("invalid envelope")

// Envelope represents an envelope containing headers and items.
type Envelope struct {
	Header *EnvelopeHeader `json:"-"`
	Items  []*EnvelopeItem `json:"-"`
}

// SdkInfo identifies the SDK (or relay) that produced an envelope.
type SdkInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// EnvelopeHeader represents the header of an envelope.
type EnvelopeHeader struct {
	// EventID is the unique identifier for this envelope. Envelopes that only
	// carry client reports may leave it empty.
	EventID string `json:"event_id,omitempty"`

	// SentAt is the timestamp when the envelope was sent, in RFC 3339 format.
	// Used for clock drift correction. The time zone must be UTC.
	SentAt time.Time `json:"sent_at,omitempty"`

	// Dsn can be used for self-authenticated envelopes.
	Dsn string `json:"dsn,omitempty"`

	// Sdk describes the sender.
	Sdk *SdkInfo `json:"sdk,omitempty"`

	// Trace contains the dynamic sampling context, forwarded verbatim by relays.
	Trace map[string]string `json:"trace,omitempty"`
}

// EnvelopeItemType represents the type of envelope item.
type EnvelopeItemType string

// Constants for envelope item types.
const (
	EnvelopeItemTypeEvent        EnvelopeItemType = "event"
	EnvelopeItemTypeTransaction  EnvelopeItemType = "transaction"
	EnvelopeItemTypeCheckIn      EnvelopeItemType = "check_in"
	EnvelopeItemTypeAttachment   EnvelopeItemType = "attachment"
	EnvelopeItemTypeLog          EnvelopeItemType = "log"
	EnvelopeItemTypeSession      EnvelopeItemType = "session"
	EnvelopeItemTypeClientReport EnvelopeItemType = "client_report"
)

// EnvelopeItemHeader represents the header of an envelope item.
type EnvelopeItemHeader struct {
	// Type specifies the type of this Item and its contents.
	Type EnvelopeItemType `json:"type"`

	// Length is the length of the payload in bytes.
	// If no length is specified, the payload implicitly goes to the next newline.
	Length *int `json:"length,omitempty"`

	// Filename is the name of the attachment file (used for attachments)
	Filename string `json:"filename,omitempty"`

	// ContentType is the MIME type of the item payload
	ContentType string `json:"content_type,omitempty"`

	// ItemCount is the number of items in a batch (used for logs)
	ItemCount *int `json:"item_count,omitempty"`

	// SpanCount is the number of spans carried by a transaction item.
	SpanCount int `json:"span_count,omitempty"`
}

// EnvelopeItem represents a single item within an envelope.
type EnvelopeItem struct {
	Header  *EnvelopeItemHeader `json:"-"`
	Payload []byte              `json:"-"`
}

// NewEnvelope creates a new envelope with the given header.
func NewEnvelope(header *EnvelopeHeader) *Envelope {
	if header == nil {
		header = &EnvelopeHeader{}
	}
	return &Envelope{
		Header: header,
		Items:  make([]*EnvelopeItem, 0),
	}
}

// AddItem adds an item to the envelope.
func (e *Envelope) AddItem(item *EnvelopeItem) {
	e.Items = append(e.Items, item)
}

// HasItemType reports whether the envelope already carries an item of type t.
func (e *Envelope) HasItemType(t EnvelopeItemType) bool {
	for _, item := range e.Items {
		if item != nil && item.Header != nil && item.Header.Type == t {
			return true
		}
	}
	return false
}

// Serialize serializes the envelope to the envelope wire format.
//
// Format: Headers "\n" { Item } [ "\n" ]
// Item: Headers "\n" Payload "\n".
func (e *Envelope) Serialize() ([]byte, error) {
	var buf bytes.Buffer

	headerBytes, err := json.Marshal(e.Header)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal envelope header: %w", err)
	}

	buf.Write(headerBytes)
	buf.WriteByte('\n')

	for _, item := range e.Items {
		if err := e.writeItem(&buf, item); err != nil {
			return nil, fmt.Errorf("failed to write envelope item: %w", err)
		}
	}

	return buf.Bytes(), nil
}

// WriteTo writes the envelope to the given writer in the envelope wire format.
func (e *Envelope) WriteTo(w io.Writer) (int64, error) {
	data, err := e.Serialize()
	if err != nil {
		return 0, err
	}

	n, err := w.Write(data)
	return int64(n), err
}

func (e *Envelope) writeItem(buf *bytes.Buffer, item *EnvelopeItem) error {
	if item == nil || item.Header == nil {
		return errors.New("item without header")
	}

	headerBytes, err := json.Marshal(item.Header)
	if err != nil {
		return fmt.Errorf("failed to marshal item header: %w", err)
	}

	buf.Write(headerBytes)
	buf.WriteByte('\n')
	buf.Write(item.Payload)
	buf.WriteByte('\n')

	return nil
}

// Size returns the total size of the envelope when serialized.
func (e *Envelope) Size() (int, error) {
	data, err := e.Serialize()
	if err != nil {
		return 0, err
	}
	return len(data), nil
}

// ParseEnvelope decodes an envelope from its wire format. Items with an explicit
// length may contain newlines; items without one run until the next newline.
func ParseEnvelope(data []byte) (*Envelope, error) {
	line, rest, ok := cutLine(data)
	if len(bytes.TrimSpace(line)) == 0 {
		return nil, fmt.Errorf("%w: missing envelope header", ErrInvalidEnvelope)
	}

	header := &EnvelopeHeader{}
	if err := json.Unmarshal(line, header); err != nil {
		return nil, fmt.Errorf("%w: envelope header: %v", ErrInvalidEnvelope, err)
	}
	envelope := NewEnvelope(header)
	if !ok {
		return envelope, nil
	}

	for len(rest) > 0 {
		line, rest, _ = cutLine(rest)
		if len(bytes.TrimSpace(line)) == 0 {
			// Trailing newline or blank separator.
			continue
		}

		itemHeader := &EnvelopeItemHeader{}
		if err := json.Unmarshal(line, itemHeader); err != nil {
			return nil, fmt.Errorf("%w: item header: %v", ErrInvalidEnvelope, err)
		}
		if itemHeader.Type == "" {
			return nil, fmt.Errorf("%w: item header without type", ErrInvalidEnvelope)
		}

		var payload []byte
		if itemHeader.Length != nil {
			n := *itemHeader.Length
			if n < 0 || n > len(rest) {
				return nil, fmt.Errorf("%w: item length %d out of range", ErrInvalidEnvelope, n)
			}
			payload = rest[:n]
			rest = rest[n:]
			if len(rest) > 0 && rest[0] == '\n' {
				rest = rest[1:]
			}
		} else {
			payload, rest, _ = cutLine(rest)
		}

		envelope.AddItem(&EnvelopeItem{
			Header:  itemHeader,
			Payload: bytes.Clone(payload),
		})
	}

	return envelope, nil
}

func cutLine(data []byte) (line, rest []byte, found bool) {
	line, rest, found = bytes.Cut(data, []byte{'\n'})
	return bytes.TrimSuffix(line, []byte{'\r'}), rest, found
}

// NewEnvelopeItem creates a new envelope item with the specified type and payload.
func NewEnvelopeItem(itemType EnvelopeItemType, payload []byte) *EnvelopeItem {
	length := len(payload)
	return &EnvelopeItem{
		Header: &EnvelopeItemHeader{
			Type:   itemType,
			Length: &length,
		},
		Payload: payload,
	}
}

// NewAttachmentItem creates a new envelope item for an attachment.
func NewAttachmentItem(filename, contentType string, payload []byte) *EnvelopeItem {
	length := len(payload)
	return &EnvelopeItem{
		Header: &EnvelopeItemHeader{
			Type:        EnvelopeItemTypeAttachment,
			Length:      &length,
			ContentType: contentType,
			Filename:    filename,
		},
		Payload: payload,
	}
}

// NewLogItem creates a new envelope item for a batch of logs.
func NewLogItem(itemCount int, payload []byte) *EnvelopeItem {
	length := len(payload)
	return &EnvelopeItem{
		Header: &EnvelopeItemHeader{
			Type:        EnvelopeItemTypeLog,
			Length:      &length,
			ItemCount:   &itemCount,
			ContentType: "application/vnd.sentry.items.log+json",
		},
		Payload: payload,
	}
}

// NewClientReportItem creates a new envelope item carrying a serialized client report.
func NewClientReportItem(payload []byte) *EnvelopeItem {
	return NewEnvelopeItem(EnvelopeItemTypeClientReport, payload)
}

// MarshalJSON converts the EnvelopeHeader to JSON, leaving out a zero sent_at.
func (h *EnvelopeHeader) MarshalJSON() ([]byte, error) {
	type header EnvelopeHeader
	if !h.SentAt.IsZero() {
		return json.Marshal((*header)(h))
	}
	return json.Marshal(struct {
		*header
		SentAt *time.Time `json:"sent_at,omitempty"`
	}{header: (*header)(h)})
}
