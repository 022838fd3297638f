package codec

import (
	jsoniter "github.com/json-iterator/go"

	"github.com/cloudwebrtc/rpcmesh/pkg/rpcerr"
)

var jsonAPI = jsoniter.ConfigCompatibleWithStandardLibrary

// JSON is a Codec backed by json-iterator/go, the JSON library the pack's
// own aistore repo depends on rather than encoding/json.
type JSON struct{}

// NewJSON builds a JSON codec.
func NewJSON() JSON { return JSON{} }

func (JSON) Name() string { return "json" }

func (JSON) Marshal(v interface{}) ([]byte, error) {
	b, err := jsonAPI.Marshal(v)
	if err != nil {
		return nil, rpcerr.New(rpcerr.CodeSerialization, "rpcmesh: json marshal failed: %v", err)
	}
	return b, nil
}

func (JSON) Unmarshal(data []byte, v interface{}) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = rpcerr.New(rpcerr.CodeSerialization, "rpcmesh: json unmarshal panicked: %v", r)
		}
	}()
	if uerr := jsonAPI.Unmarshal(data, v); uerr != nil {
		return rpcerr.New(rpcerr.CodeSerialization, "rpcmesh: json unmarshal failed: %v", uerr)
	}
	return nil
}
