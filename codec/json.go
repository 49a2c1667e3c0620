// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package codec

import jsoniter "github.com/json-iterator/go"

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Marshal encodes v the same way object payloads are encoded on the wire.
func Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

// Unmarshal decodes data produced by Marshal.
func Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}
