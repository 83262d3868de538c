// Package jsonx routes every marshal through one JSON engine so event
// publishing and callback parsing can swap implementations in one place.
package jsonx

import "github.com/goccy/go-json"

var (
	Marshal    = json.Marshal
	Unmarshal  = json.Unmarshal
	NewDecoder = json.NewDecoder
)

type RawMessage = json.RawMessage
