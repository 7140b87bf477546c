package wire

import (
	"strconv"

	json "github.com/goccy/go-json"

	"github.com/coachpo/relay/errs"
	"github.com/coachpo/relay/internal/domain/schema"
)

// Frame operations sent by the websocket transport.
const (
	OpSubscribe = "subscribe"
	OpHeartbeat = "heartbeat"
	OpLeave     = "leave"
)

// Request is a client frame on the streaming transport.
type Request struct {
	Op        string   `json:"op"`
	ID        string   `json:"id,omitempty"`
	Channels  []string `json:"channels,omitempty"`
	Groups    []string `json:"groups,omitempty"`
	Timetoken string   `json:"tt,omitempty"`
	Region    uint32   `json:"tr,omitempty"`
	// Heartbeat is the presence timeout in seconds.
	Heartbeat int `json:"heartbeat,omitempty"`
}

// NewSubscribeRequest addresses the snapshot from cursor.
func NewSubscribeRequest(id string, cursor schema.Cursor, snapshot schema.Snapshot, presenceTimeout int) Request {
	return Request{
		Op:        OpSubscribe,
		ID:        id,
		Channels:  snapshot.SubscribeChannels(),
		Groups:    snapshot.SubscribeGroups(),
		Timetoken: strconv.FormatUint(cursor.Timetoken, 10),
		Region:    cursor.Region,
		Heartbeat: presenceTimeout,
	}
}

// Reply is a server frame on the streaming transport: either an envelope or an error.
type Reply struct {
	ID    string        `json:"id,omitempty"`
	Error *ServiceError `json:"error,omitempty"`
	Envelope
}

// DecodeReply parses a server frame.
func DecodeReply(frame []byte) (Reply, error) {
	var reply Reply
	if err := json.Unmarshal(frame, &reply); err != nil {
		return Reply{}, errs.New("wire/reply", errs.CodeMalformedResponse,
			errs.WithRawMessage(truncate(frame)), errs.WithCause(err))
	}
	return reply, nil
}

// DecodePublish parses the publish acknowledgement `[1,"Sent","<timetoken>"]`.
func DecodePublish(body []byte) (uint64, error) {
	var parts []json.RawMessage
	if err := json.Unmarshal(body, &parts); err != nil || len(parts) < 3 {
		return 0, errs.New("wire/publish", errs.CodeMalformedResponse, errs.WithRawMessage(truncate(body)), errs.WithCause(err))
	}
	var ok int
	var desc, raw string
	if err := json.Unmarshal(parts[0], &ok); err != nil {
		return 0, errs.New("wire/publish", errs.CodeMalformedResponse, errs.WithRawMessage(truncate(body)), errs.WithCause(err))
	}
	_ = json.Unmarshal(parts[1], &desc)
	if ok != 1 {
		return 0, errs.New("wire/publish", errs.CodeSubscriptionConflict, errs.WithMessage(desc), errs.WithRawMessage(truncate(body)))
	}
	if err := json.Unmarshal(parts[2], &raw); err != nil {
		return 0, errs.New("wire/publish", errs.CodeMalformedResponse, errs.WithRawMessage(truncate(body)), errs.WithCause(err))
	}
	tt, err := schema.ParseTimetoken(raw)
	if err != nil {
		return 0, errs.New("wire/publish", errs.CodeMalformedResponse, errs.WithRawMessage(truncate(body)), errs.WithCause(err))
	}
	return tt, nil
}
