//go:build sonic

package transform

import "github.com/bytedance/sonic"

// for imroc/req
var (
	jsonMarshal   = sonic.Marshal
	jsonUnmarshal = sonic.Unmarshal
)
