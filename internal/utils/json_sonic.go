//go:build sonic

package utils

import (
	"io"

	"github.com/bytedance/sonic"
)

var JSONMarshal = sonic.Marshal
var JSONMarshalIndent = sonic.ConfigDefault.MarshalIndent
var JSONUnmarshal = sonic.Unmarshal

func JSONEncode(w io.Writer, v any) error {
	return sonic.ConfigDefault.NewEncoder(w).Encode(v)
}

func JSONDecode(r io.Reader, v any) error {
	return sonic.ConfigDefault.NewDecoder(r).Decode(v)
}
