package codec

import (
	"google.golang.org/protobuf/proto"

	"github.com/cloudwebrtc/rpcmesh/pkg/rpcerr"
)

// Proto is a Codec backed by google.golang.org/protobuf, the wire format
// the teacher prototype used for every call (nrpc.Request/nrpc.Response
// envelopes, user payloads marshaled with proto.Marshal).
type Proto struct{}

// NewProto builds a protobuf codec.
func NewProto() Proto { return Proto{} }

func (Proto) Name() string { return "proto" }

func (Proto) Marshal(v interface{}) ([]byte, error) {
	msg, ok := v.(proto.Message)
	if !ok {
		return nil, rpcerr.Serialization("rpcmesh: proto codec requires a proto.Message, got %T", v)
	}
	b, err := proto.Marshal(msg)
	if err != nil {
		return nil, rpcerr.Serialization("rpcmesh: proto marshal failed: %v", err)
	}
	return b, nil
}

func (Proto) Unmarshal(data []byte, v interface{}) error {
	msg, ok := v.(proto.Message)
	if !ok {
		return rpcerr.Serialization("rpcmesh: proto codec requires a proto.Message, got %T", v)
	}
	if err := proto.Unmarshal(data, msg); err != nil {
		return rpcerr.Serialization("rpcmesh: proto unmarshal failed: %v", err)
	}
	return nil
}
