package job

import (
	"bytes"
	"encoding/json"

	"github.com/plan4better/goat-core-sub000/errors"
)

// StepMap is an insertion-ordered mapping from step name to Step.
// Insertion order is execution order: the engine appends a step the first
// time it runs and only updates it afterwards, so the serialized object
// reads as the job's execution history.
//
// encoding/json maps lose key order, so StepMap carries its own order and
// implements MarshalJSON/UnmarshalJSON over the raw token stream.
type StepMap struct {
	order []string
	steps map[string]*Step
}

// Set inserts or updates the step under name. First insertion records
// the position; updates keep it.
func (m *StepMap) Set(name string, step *Step) {
	if m.steps == nil {
		m.steps = make(map[string]*Step)
	}
	if _, exists := m.steps[name]; !exists {
		m.order = append(m.order, name)
	}
	m.steps[name] = step
}

// Get returns the step under name, if present.
func (m *StepMap) Get(name string) (*Step, bool) {
	step, ok := m.steps[name]
	return step, ok
}

// Names returns the step names in insertion order.
func (m *StepMap) Names() []string {
	names := make([]string, len(m.order))
	copy(names, m.order)
	return names
}

// Len returns the number of steps.
func (m *StepMap) Len() int {
	return len(m.order)
}

// AnyRunning reports whether any step is currently in the running state.
func (m *StepMap) AnyRunning() bool {
	for _, name := range m.order {
		if m.steps[name].Status == StatusRunning {
			return true
		}
	}
	return false
}

// MarshalJSON serializes the map as a JSON object with keys in
// insertion order.
func (m StepMap) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, name := range m.order {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(name)
		if err != nil {
			return nil, errors.Wrapf(err, "marshal step name %q", name)
		}
		buf.Write(key)
		buf.WriteByte(':')
		val, err := json.Marshal(m.steps[name])
		if err != nil {
			return nil, errors.Wrapf(err, "marshal step %q", name)
		}
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON restores the map, preserving the key order of the
// serialized object.
func (m *StepMap) UnmarshalJSON(data []byte) error {
	m.order = nil
	m.steps = nil

	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return errors.Wrap(err, "read step map opening token")
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return errors.Newf("step map must be a JSON object, got %v", tok)
	}

	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return errors.Wrap(err, "read step name")
		}
		name, ok := keyTok.(string)
		if !ok {
			return errors.Newf("step name must be a string, got %v", keyTok)
		}

		var step Step
		if err := dec.Decode(&step); err != nil {
			return errors.Wrapf(err, "decode step %q", name)
		}
		m.Set(name, &step)
	}

	if _, err := dec.Token(); err != nil {
		return errors.Wrap(err, "read step map closing token")
	}
	return nil
}
