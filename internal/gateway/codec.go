package gateway

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"

	"github.com/peterje/shepherd/internal/models"
)

type jsonRequest struct {
	ID     any             `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// JSONParams are raw JSON parameters. Byte fields travel as base64.
type JSONParams json.RawMessage

func (p JSONParams) Decode(v any) error {
	trimmed := bytes.TrimSpace(p)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil
	}
	return json.Unmarshal(trimmed, v)
}

// DecodeJSON parses a JSON request envelope.
func DecodeJSON(data []byte) (Request, error) {
	var raw jsonRequest
	if err := json.Unmarshal(data, &raw); err != nil {
		return Request{}, models.Wrap(models.ErrKindInvalidRequest, err, "malformed request")
	}
	if raw.Method == "" {
		return Request{ID: raw.ID}, models.Errorf(models.ErrKindInvalidRequest, "request has no method")
	}
	return Request{ID: raw.ID, Method: raw.Method, Params: JSONParams(raw.Params)}, nil
}

type cborRequest struct {
	ID     any             `cbor:"id"`
	Method string          `cbor:"method"`
	Params cbor.RawMessage `cbor:"params,omitempty"`
}

// CBORParams are raw CBOR parameters.
type CBORParams cbor.RawMessage

// cborNull is the one-byte encoding of CBOR null.
const cborNull = 0xf6

func (p CBORParams) Decode(v any) error {
	if len(p) == 0 || (len(p) == 1 && p[0] == cborNull) {
		return nil
	}
	return cborDec.Unmarshal(p, v)
}

var (
	cborEnc cbor.EncMode
	cborDec cbor.DecMode
)

func init() {
	var err error
	cborEnc, err = cbor.EncOptions{Time: cbor.TimeRFC3339Nano}.EncMode()
	if err != nil {
		panic(fmt.Sprintf("cbor enc mode: %v", err))
	}
	cborDec, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("cbor dec mode: %v", err))
	}
}

// DecodeCBOR parses a CBOR request envelope.
func DecodeCBOR(data []byte) (Request, error) {
	var raw cborRequest
	if err := cborDec.Unmarshal(data, &raw); err != nil {
		return Request{}, models.Wrap(models.ErrKindInvalidRequest, err, "malformed request")
	}
	if raw.Method == "" {
		return Request{ID: raw.ID}, models.Errorf(models.ErrKindInvalidRequest, "request has no method")
	}
	return Request{ID: raw.ID, Method: raw.Method, Params: CBORParams(raw.Params)}, nil
}

// EncodeCBOR encodes a response, notification or request with the same
// options the decoder expects.
func EncodeCBOR(v any) ([]byte, error) {
	return cborEnc.Marshal(v)
}

// UnmarshalCBOR decodes a CBOR payload produced by EncodeCBOR.
func UnmarshalCBOR(data []byte, v any) error {
	return cborDec.Unmarshal(data, v)
}

// WireRequest is the outgoing form of a request, used by clients.
type WireRequest struct {
	ID     any    `json:"id" cbor:"id"`
	Method string `json:"method" cbor:"method"`
	Params any    `json:"params,omitempty" cbor:"params,omitempty"`
}

// WireResponse is the incoming form of a response, used by clients. Result
// is left raw so the caller can decode it into the type it expects.
type WireResponse struct {
	ID     any             `cbor:"id"`
	Result cbor.RawMessage `cbor:"result,omitempty"`
	Error  *ErrorBody      `cbor:"error,omitempty"`
}

// Err converts the error body back into a *models.Error.
func (r WireResponse) Err() error {
	if r.Error == nil {
		return nil
	}
	return &models.Error{Kind: r.Error.Kind, Message: r.Error.Message}
}

// DecodeResult decodes the raw result into v.
func (r WireResponse) DecodeResult(v any) error {
	if err := r.Err(); err != nil {
		return err
	}
	return CBORParams(r.Result).Decode(v)
}
