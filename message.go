// Copyright 2025 The Wireline Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package wireline

import (
	"encoding/json"
	"fmt"

	internaljson "github.com/duplexline/wireline/internal/json"
)

// MID is a message identifier, signed so that -1 can carry the special
// "send-and-forget" meaning: no acknowledgement is expected and the
// message is never dedup-tracked.
type MID int64

// ForgetID is the reserved id meaning "send and forget": the envelope
// is dropped (not enqueued) if the transport is disconnected, is never
// retried, and is never entered into the dedup table.
const ForgetID MID = -1

// Verb is the application-level request method carried by a route
// body.
type Verb string

const (
	VerbAny      Verb = "ANY"
	VerbGet      Verb = "GET"
	VerbPost     Verb = "POST"
	VerbDelete   Verb = "DELETE"
	VerbListen   Verb = "LISTEN"
	VerbResponse Verb = "RESPONSE"
)

// Payload is any recursively-JSON-serializable value: a scalar, an
// object, or a homogeneous array.
type Payload = any

// Body is the tagged-union wire message body. Each concrete type below
// implements it; Kind returns the wire discriminator string used in
// the "type" field of the JSON encoding.
type Body interface {
	Kind() string
}

// SetBody sets a header entry on the peer. The client uses this to
// install the reconnect secret on the server.
type SetBody struct {
	Key   string
	Value Payload
}

func (*SetBody) Kind() string { return "set" }

// PingBody is a liveness probe with no fields.
type PingBody struct{}

func (*PingBody) Kind() string { return "ping" }

// OnBody subscribes the sender to an outbound route pattern.
type OnBody struct {
	Route string
}

func (*OnBody) Kind() string { return "on" }

// OffBody unsubscribes the sender from an outbound route pattern.
type OffBody struct {
	Route string
}

func (*OffBody) Kind() string { return "off" }

// RouteBody is an application request targeting a route.
type RouteBody struct {
	Route   string
	Verb    Verb
	Data    Payload
	Headers map[string]string
}

func (*RouteBody) Kind() string { return "route" }

// ResBody is an acknowledgement/response to the envelope whose id
// equals Target. A res envelope is never itself made to expect a
// response — acknowledging an acknowledgement would recurse forever.
type ResBody struct {
	Target MID
	Status int
	Data   Payload
}

func (*ResBody) Kind() string { return "res" }

// UnknownBody stands in for an envelope whose "type" discriminator
// was not recognized. It is never sent deliberately; it lets the
// engine route an unrecognized inbound body through the same
// handler-internal 500 path as any other dispatch failure, rather
// than failing the decode outright.
type UnknownBody struct {
	RawType string
}

func (*UnknownBody) Kind() string { return "unknown" }

// Envelope is the sole unit of transmission: a message id paired with
// a body. Framing on the wire is one JSON-encoded envelope per frame.
type Envelope struct {
	ID   MID
	Body Body
}

// wireEnvelope is the on-the-wire shape: {"id": <int>, "msg": <body>}.
type wireEnvelope struct {
	ID  MID             `json:"id"`
	Msg json.RawMessage `json:"msg"`
}

// wireBodyHeader is used to peek the discriminator before decoding the
// full body into its concrete type.
type wireBodyHeader struct {
	Type string `json:"type"`
}

func (e Envelope) MarshalJSON() ([]byte, error) {
	if e.Body == nil {
		return nil, fmt.Errorf("wireline: cannot marshal envelope with nil body")
	}
	body, err := marshalBody(e.Body)
	if err != nil {
		return nil, err
	}
	return json.Marshal(wireEnvelope{ID: e.ID, Msg: body})
}

func (e *Envelope) UnmarshalJSON(data []byte) error {
	var we wireEnvelope
	if err := internaljson.Unmarshal(data, &we); err != nil {
		return fmt.Errorf("wireline: decoding envelope: %w", err)
	}
	body, err := unmarshalBody(we.Msg)
	if err != nil {
		return err
	}
	e.ID = we.ID
	e.Body = body
	return nil
}

func marshalBody(b Body) (json.RawMessage, error) {
	switch v := b.(type) {
	case *SetBody:
		return json.Marshal(struct {
			Type  string  `json:"type"`
			Key   string  `json:"key"`
			Value Payload `json:"value"`
		}{"set", v.Key, v.Value})
	case *PingBody:
		return json.Marshal(struct {
			Type string `json:"type"`
		}{"ping"})
	case *OnBody:
		return json.Marshal(struct {
			Type  string `json:"type"`
			Route string `json:"route"`
		}{"on", v.Route})
	case *OffBody:
		return json.Marshal(struct {
			Type  string `json:"type"`
			Route string `json:"route"`
		}{"off", v.Route})
	case *RouteBody:
		return json.Marshal(struct {
			Type    string            `json:"type"`
			Route   string            `json:"route"`
			Verb    Verb              `json:"verb"`
			Data    Payload           `json:"data"`
			Headers map[string]string `json:"headers,omitempty"`
		}{"route", v.Route, v.Verb, v.Data, v.Headers})
	case *ResBody:
		return json.Marshal(struct {
			Type   string  `json:"type"`
			Target MID     `json:"target"`
			Status int     `json:"status"`
			Data   Payload `json:"data"`
		}{"res", v.Target, v.Status, v.Data})
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownBody, b)
	}
}

func unmarshalBody(raw json.RawMessage) (Body, error) {
	var header wireBodyHeader
	if err := internaljson.Unmarshal(raw, &header); err != nil {
		return nil, fmt.Errorf("wireline: decoding message header: %w", err)
	}
	switch header.Type {
	case "set":
		var wire struct {
			Type  string  `json:"type"`
			Key   string  `json:"key"`
			Value Payload `json:"value"`
		}
		if err := internaljson.StrictUnmarshal(raw, &wire); err != nil {
			return nil, err
		}
		return &SetBody{Key: wire.Key, Value: wire.Value}, nil
	case "ping":
		var wire struct {
			Type string `json:"type"`
		}
		if err := internaljson.StrictUnmarshal(raw, &wire); err != nil {
			return nil, err
		}
		return &PingBody{}, nil
	case "on":
		var wire struct {
			Type  string `json:"type"`
			Route string `json:"route"`
		}
		if err := internaljson.StrictUnmarshal(raw, &wire); err != nil {
			return nil, err
		}
		return &OnBody{Route: wire.Route}, nil
	case "off":
		var wire struct {
			Type  string `json:"type"`
			Route string `json:"route"`
		}
		if err := internaljson.StrictUnmarshal(raw, &wire); err != nil {
			return nil, err
		}
		return &OffBody{Route: wire.Route}, nil
	case "route":
		var wire struct {
			Type    string            `json:"type"`
			Route   string            `json:"route"`
			Verb    Verb              `json:"verb"`
			Data    Payload           `json:"data"`
			Headers map[string]string `json:"headers,omitempty"`
		}
		if err := internaljson.StrictUnmarshal(raw, &wire); err != nil {
			return nil, err
		}
		return &RouteBody{Route: wire.Route, Verb: wire.Verb, Data: wire.Data, Headers: wire.Headers}, nil
	case "res":
		var wire struct {
			Type   string  `json:"type"`
			Target MID     `json:"target"`
			Status int     `json:"status"`
			Data   Payload `json:"data"`
		}
		if err := internaljson.StrictUnmarshal(raw, &wire); err != nil {
			return nil, err
		}
		return &ResBody{Target: wire.Target, Status: wire.Status, Data: wire.Data}, nil
	default:
		return &UnknownBody{RawType: header.Type}, nil
	}
}
