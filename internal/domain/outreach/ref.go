package outreach

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Ref is a reference to a job or candidate. Form paths send it either as a
// plain id string or as an {id, name} object; ParseRef is the one place that
// tells them apart.
type Ref struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

func ParseRef(data []byte) (Ref, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return Ref{}, nil
	}

	switch data[0] {
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return Ref{}, fmt.Errorf("decode ref: %w", err)
		}
		return Ref{ID: strings.TrimSpace(s)}, nil
	case '{':
		var obj struct {
			ID   json.RawMessage `json:"id"`
			Name string          `json:"name"`
		}
		if err := json.Unmarshal(data, &obj); err != nil {
			return Ref{}, fmt.Errorf("decode ref: %w", err)
		}
		inner, err := ParseRef(obj.ID)
		if err != nil {
			return Ref{}, err
		}
		return Ref{ID: inner.ID, Name: strings.TrimSpace(obj.Name)}, nil
	default:
		var n json.Number
		if err := json.Unmarshal(data, &n); err != nil {
			return Ref{}, fmt.Errorf("%w: unsupported ref %s", ErrInvalidInput, data)
		}
		return Ref{ID: n.String()}, nil
	}
}

func (r *Ref) UnmarshalJSON(data []byte) error {
	parsed, err := ParseRef(data)
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

func (r Ref) IsZero() bool {
	return r.ID == ""
}

func (r Ref) String() string {
	return r.ID
}
