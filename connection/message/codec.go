/*
Package message is the protocol handler of the realtime connection. Every frame is a single
JSON object whose "type" field names the variant and whose other fields are that variant's
payload. The codec holds no state and can be shared freely across connections.
*/
package message

import (
	"encoding/json"
	"fmt"
)

// Encode marshals a message variant into a single tagged JSON object. The payload struct is
// embedded so its fields are flattened next to the type discriminator.
func Encode(msg Message) ([]byte, error) {
	switch m := msg.(type) {
	case Ping:
		return json.Marshal(messageTypeOnly{m.MessageType()})
	case Reset:
		return json.Marshal(messageTypeOnly{m.MessageType()})
	case ErrorReport:
		return json.Marshal(struct {
			Type Type `json:"type"`
			ErrorReport
		}{m.MessageType(), m})
	case AnalysisRequest:
		return json.Marshal(struct {
			Type Type `json:"type"`
			AnalysisRequest
		}{m.MessageType(), m})
	case Pong:
		return json.Marshal(struct {
			Type Type `json:"type"`
			Pong
		}{m.MessageType(), m})
	case ResetAck:
		return json.Marshal(struct {
			Type Type `json:"type"`
			ResetAck
		}{m.MessageType(), m})
	case ErrorAck:
		return json.Marshal(struct {
			Type Type `json:"type"`
			ErrorAck
		}{m.MessageType(), m})
	case ServerError:
		return json.Marshal(struct {
			Type Type `json:"type"`
			ServerError
		}{m.MessageType(), m})
	case AnalysisResponse:
		return json.Marshal(struct {
			Type Type `json:"type"`
			AnalysisResponse
		}{m.MessageType(), m})
	default:
		return nil, fmt.Errorf("cannot encode message of type %T", msg)
	}
}

// Decode reads the type discriminator and then decodes the whole frame into the matching
// variant. An unrecognized type yields an *UnknownTypeError and a malformed payload of a known
// type yields a *DecodeError; neither should be treated as fatal by the caller.
func Decode(raw []byte) (Message, error) {
	var typeOnly messageTypeOnly
	if err := json.Unmarshal(raw, &typeOnly); err != nil {
		return nil, &DecodeError{InnerErr: err}
	}

	switch typeOnly.Type {
	case TypePing:
		return decodeAs[Ping](typeOnly.Type, raw)
	case TypeReset:
		return decodeAs[Reset](typeOnly.Type, raw)
	case TypeErrorReport:
		return decodeAs[ErrorReport](typeOnly.Type, raw)
	case TypeAnalysisRequest:
		return decodeAs[AnalysisRequest](typeOnly.Type, raw)
	case TypePong:
		return decodeAs[Pong](typeOnly.Type, raw)
	case TypeResetAck:
		return decodeAs[ResetAck](typeOnly.Type, raw)
	case TypeErrorAck:
		return decodeAs[ErrorAck](typeOnly.Type, raw)
	case TypeError:
		return decodeAs[ServerError](typeOnly.Type, raw)
	case TypeAnalysisResponse:
		return decodeAs[AnalysisResponse](typeOnly.Type, raw)
	default:
		return nil, &UnknownTypeError{Type: string(typeOnly.Type)}
	}
}

func decodeAs[M Message](t Type, raw []byte) (Message, error) {
	var msg M
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, &DecodeError{Type: t, InnerErr: err}
	}
	return msg, nil
}
