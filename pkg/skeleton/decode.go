package skeleton

import (
	"bytes"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/logflow/skelstream/pkg/errors"
)

// Decode reads a YAML or JSON definition from r and builds a Model.
// Unknown fields are rejected so typos in constraint names surface early.
func Decode(r io.Reader) (*Model, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeModelDecode, "failed to read skeleton model")
	}

	var def Definition
	if len(bytes.TrimSpace(data)) > 0 {
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&def); err != nil {
			return nil, errors.Wrap(err, errors.CodeModelDecode, "failed to decode skeleton model")
		}
	}

	return New(def)
}

// Load reads a model from a file.
func Load(path string) (*Model, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.ModelNotFound(path)
		}
		return nil, errors.Wrap(err, errors.CodeModelDecode, "failed to open skeleton model").
			WithContext("path", path)
	}
	defer f.Close()

	m, err := Decode(f)
	if err != nil {
		return nil, err
	}
	return m, nil
}

// Encode writes the model's canonical definition as YAML.
func Encode(w io.Writer, m *Model) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(m.Definition()); err != nil {
		return errors.Wrap(err, errors.CodeModelDecode, "failed to encode skeleton model")
	}
	return enc.Close()
}
