// Package jsonhelper loads and saves JSON configuration files.
package jsonhelper

import (
	"encoding/json"
	"os"
)

// OpenAndDecodeDisallowUnknownFields opens the file at path and decodes it into v, disallowing unknown fields.
func OpenAndDecodeDisallowUnknownFields(path string, v any) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	d := json.NewDecoder(f)
	d.DisallowUnknownFields()
	return d.Decode(v)
}

// CreateAndEncode encodes v as indented JSON into the file at path,
// creating or truncating it.
func CreateAndEncode(path string, v any) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(f)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "    ")
	if err = enc.Encode(v); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
