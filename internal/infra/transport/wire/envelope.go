// Package wire decodes the subscribe envelope shared by the long-poll and websocket transports.
package wire

import (
	"fmt"
	"strings"

	json "github.com/goccy/go-json"

	"github.com/coachpo/relay/errs"
	"github.com/coachpo/relay/internal/domain/schema"
)

// Message type markers carried in the "e" field.
const (
	typeMessage = 0
	typeSignal  = 1
	typeObject  = 2
)

// Envelope is one subscribe response.
type Envelope struct {
	Cursor   Timetoken `json:"t"`
	Messages []Message `json:"m"`
}

// Timetoken is the cursor object of the wire format. The timetoken travels as a decimal string.
type Timetoken struct {
	Timetoken string `json:"t"`
	Region    uint32 `json:"r"`
}

// Message is one entry of an envelope.
type Message struct {
	Shard        string          `json:"a,omitempty"`
	Flags        int             `json:"f,omitempty"`
	Type         int             `json:"e,omitempty"`
	Issuer       string          `json:"i,omitempty"`
	Published    Timetoken       `json:"p"`
	SubscribeKey string          `json:"k,omitempty"`
	Channel      string          `json:"c"`
	Payload      json.RawMessage `json:"d,omitempty"`
	Subscription string          `json:"b,omitempty"`
	Meta         json.RawMessage `json:"u,omitempty"`
}

// Decode parses a subscribe response body into a batch.
func Decode(body []byte) (schema.Batch, error) {
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return schema.Batch{}, errs.New("wire/decode", errs.CodeMalformedResponse,
			errs.WithMessage("decode subscribe envelope"),
			errs.WithRawMessage(truncate(body)),
			errs.WithCause(err))
	}
	return env.Batch()
}

// Batch converts the envelope into domain events. An entry that cannot be classified is
// reported in Rejected; the batch keeps the envelope cursor so the stream moves past it.
func (env Envelope) Batch() (schema.Batch, error) {
	next, err := env.Cursor.Cursor()
	if err != nil {
		return schema.Batch{}, err
	}
	if next.IsZero() {
		return schema.Batch{}, errs.New("wire/decode", errs.CodeMalformedResponse, errs.WithMessage("envelope without timetoken"))
	}
	batch := schema.Batch{Next: next}
	if len(env.Messages) == 0 {
		return batch, nil
	}
	batch.Events = make([]schema.Event, 0, len(env.Messages))
	for idx, msg := range env.Messages {
		evt, err := msg.Event()
		if err != nil {
			published, _ := msg.Published.Cursor()
			batch.Rejected = append(batch.Rejected, schema.Rejected{
				Index:     idx,
				Channel:   msg.Channel,
				Timetoken: published.Timetoken,
				Err: errs.New("wire/decode", errs.CodeMalformedResponse,
					errs.WithMessage(fmt.Sprintf("message %d", idx)),
					errs.WithField("channel", msg.Channel),
					errs.WithRawMessage(truncate(msg.Payload)),
					errs.WithCause(err)),
			})
			continue
		}
		batch.Events = append(batch.Events, evt)
	}
	return batch, nil
}

// Cursor parses the wire timetoken.
func (t Timetoken) Cursor() (schema.Cursor, error) {
	tt, err := schema.ParseTimetoken(strings.TrimSpace(t.Timetoken))
	if err != nil {
		return schema.Cursor{}, errs.New("wire/timetoken", errs.CodeMalformedResponse,
			errs.WithField("timetoken", t.Timetoken), errs.WithCause(err))
	}
	return schema.Cursor{Timetoken: tt, Region: t.Region}, nil
}

// Event classifies the message. Presence channels take precedence over the type marker.
func (m Message) Event() (schema.Event, error) {
	published, err := m.Published.Cursor()
	if err != nil {
		return schema.Event{}, err
	}
	if m.Channel == "" {
		return schema.Event{}, fmt.Errorf("message without channel")
	}
	evt := schema.Event{
		Channel:      m.Channel,
		Subscription: m.Subscription,
		Timetoken:    published.Timetoken,
		Region:       published.Region,
		Publisher:    m.Issuer,
		Payload:      m.Payload,
		Metadata:     m.Meta,
	}
	if evt.Subscription == evt.Channel {
		evt.Subscription = ""
	}

	switch {
	case schema.IsPresenceName(m.Channel):
		var change schema.PresenceChange
		if err := json.Unmarshal(m.Payload, &change); err != nil {
			return schema.Event{}, fmt.Errorf("decode presence payload: %w", err)
		}
		evt.Kind = schema.EventKindPresenceChange
		evt.Channel = schema.TrimPresence(m.Channel)
		evt.Subscription = schema.TrimPresence(evt.Subscription)
		if evt.Subscription == evt.Channel {
			evt.Subscription = ""
		}
		evt.Presence = &change
	case m.Type == typeSignal:
		evt.Kind = schema.EventKindSignal
	case m.Type == typeObject:
		evt.Kind = schema.EventKindObjectUpdate
	default:
		evt.Kind = schema.EventKindMessage
	}
	return evt, nil
}

// ServiceError is the JSON body the service returns with a non-2xx status.
type ServiceError struct {
	Status  int    `json:"status"`
	Error   bool   `json:"error"`
	Message string `json:"message"`
	Service string `json:"service"`
	Payload struct {
		Channels []string `json:"channels"`
		Groups   []string `json:"channel-groups"`
	} `json:"payload"`
}

// StatusError converts a non-2xx response into an error envelope.
func StatusError(operation string, status int, body []byte) *errs.E {
	opts := []errs.Option{errs.WithHTTP(status), errs.WithRawMessage(truncate(body))}
	var svc ServiceError
	if err := json.Unmarshal(body, &svc); err == nil {
		if svc.Message != "" {
			opts = append(opts, errs.WithMessage(svc.Message))
		}
		if svc.Service != "" {
			opts = append(opts, errs.WithField("service", svc.Service))
		}
		if len(svc.Payload.Channels) > 0 {
			opts = append(opts, errs.WithField("channels", strings.Join(svc.Payload.Channels, ",")))
		}
		if len(svc.Payload.Groups) > 0 {
			opts = append(opts, errs.WithField("groups", strings.Join(svc.Payload.Groups, ",")))
		}
	}
	return errs.New(operation, errs.FromHTTPStatus(status), opts...)
}

const maxRawMessage = 512

func truncate(body []byte) string {
	if len(body) > maxRawMessage {
		return string(body[:maxRawMessage]) + "..."
	}
	return string(body)
}
