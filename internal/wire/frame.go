// Package wire defines the realtime protocol: JSON frames, the closed sets of
// inbound and outbound events, topics, and the gRPC codec that carries frames.
package wire

import (
	"encoding/json"
	"fmt"
)

// Frame is the unit exchanged on both transports.
//
//	inbound:  {"event": "message:send", "id": 7, "data": {...}}
//	outbound: {"event": "message:new", "data": {...}} or {"ack": 7, "data": {...}}
type Frame struct {
	Event string          `json:"event,omitempty"`
	ID    *uint64         `json:"id,omitempty"`
	Ack   *uint64         `json:"ack,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// EventFrame encodes a server-pushed event.
func EventFrame(ev Outbound) (*Frame, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", ev.Event(), err)
	}
	return &Frame{Event: ev.Event(), Data: data}, nil
}

// AckFrame encodes the reply to the inbound frame with id.
func AckFrame(id uint64, payload any) (*Frame, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode ack: %w", err)
	}
	return &Frame{Ack: &id, Data: data}, nil
}

// Request builds an inbound frame. Used by clients and tests.
func Request(kind InboundKind, id uint64, payload any) (*Frame, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Frame{Event: string(kind), ID: &id, Data: data}, nil
}
