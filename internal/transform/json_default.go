//go:build !sonic

package transform

import "github.com/goccy/go-json"

// for imroc/req
var (
	jsonMarshal   = json.Marshal
	jsonUnmarshal = json.Unmarshal
)
