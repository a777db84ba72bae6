// Package jsoncodec is the single JSON entry point for queue payloads, live
// notifications and API bodies. It is backed by sonic in std-compatible mode.
package jsoncodec

import (
	"io"

	"github.com/bytedance/sonic"
)

var defaultConfig = sonic.ConfigStd

func Marshal(v any) ([]byte, error) {
	return defaultConfig.Marshal(v)
}

func Unmarshal(data []byte, v any) error {
	return defaultConfig.Unmarshal(data, v)
}

// Valid reports whether data is a syntactically valid JSON document.
func Valid(data []byte) bool {
	return defaultConfig.Valid(data)
}

func Encode(w io.Writer, v any) error {
	return defaultConfig.NewEncoder(w).Encode(v)
}

// DecodeLimited decodes a single JSON value from r, reading at most limit bytes.
func DecodeLimited(r io.Reader, limit int64, v any) error {
	if limit > 0 {
		r = io.LimitReader(r, limit)
	}
	return defaultConfig.NewDecoder(r).Decode(v)
}
