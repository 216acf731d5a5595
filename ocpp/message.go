package ocpp

import (
	"chargerd/utility"
	"encoding/json"
	"fmt"
)

type CallType int

const (
	CallTypeRequest CallType = 2
	CallTypeResult  CallType = 3
	CallTypeError   CallType = 4
)

// Call An OCPP-J Call message, containing an OCPP Request.
type Call struct {
	TypeId   CallType
	UniqueId string
	Payload  Request
}

func (call *Call) MarshalJSON() ([]byte, error) {
	fields := make([]interface{}, 4)
	fields[0] = int(call.TypeId)
	fields[1] = call.UniqueId
	fields[2] = call.Payload.GetFeatureName()
	fields[3] = call.Payload
	return json.Marshal(fields)
}

func CreateCall(request Request) *Call {
	return &Call{
		TypeId:   CallTypeRequest,
		UniqueId: utility.NewUUID(),
		Payload:  request,
	}
}

// Reply is a parsed CallResult or CallError received from the central system.
type Reply struct {
	TypeId           CallType
	UniqueId         string
	Payload          json.RawMessage
	ErrorCode        string
	ErrorDescription string
}

func (r *Reply) IsError() bool {
	return r.TypeId == CallTypeError
}

func ParseReply(data []byte) (*Reply, error) {
	fields, err := utility.ParseJson(data)
	if err != nil {
		return nil, err
	}
	if len(fields) < 3 {
		return nil, utility.Err("unsupported reply format; expected at least 3 elements")
	}
	rawTypeId, ok := fields[0].(float64)
	if !ok {
		return nil, utility.Err("invalid message type in reply")
	}
	typeId := CallType(rawTypeId)
	uniqueId, ok := fields[1].(string)
	if !ok {
		return nil, utility.Err("invalid message unique id in reply")
	}
	reply := &Reply{
		TypeId:   typeId,
		UniqueId: uniqueId,
	}
	switch typeId {
	case CallTypeResult:
		payload, err := json.Marshal(fields[2])
		if err != nil {
			return nil, err
		}
		reply.Payload = payload
	case CallTypeError:
		reply.ErrorCode, _ = fields[2].(string)
		if len(fields) > 3 {
			reply.ErrorDescription, _ = fields[3].(string)
		}
	default:
		return nil, utility.Err(fmt.Sprintf("invalid reply type id: %v", typeId))
	}
	return reply, nil
}
