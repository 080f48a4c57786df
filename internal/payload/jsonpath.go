package payload

import (
	"fmt"

	"github.com/ohler55/ojg/jp"
	"github.com/ohler55/ojg/oj"
)

// Extractor pulls values out of JSON payloads with a JSONPath expression.
type Extractor struct {
	path jp.Expr
}

// NewExtractor parses a JSONPath expression such as $.sensors[*].temp.
func NewExtractor(path string) (*Extractor, error) {
	x, err := jp.ParseString(path)
	if err != nil {
		return nil, fmt.Errorf("invalid JSONPath %q: %w", path, err)
	}
	return &Extractor{path: x}, nil
}

// Extract returns every match in payload. Strings are returned as is,
// other values as compact JSON.
func (e *Extractor) Extract(payload []byte) ([]string, error) {
	var data any
	if err := oj.Unmarshal(payload, &data); err != nil {
		return nil, fmt.Errorf("invalid JSON payload: %w", err)
	}

	results := e.path.Get(data)
	out := make([]string, 0, len(results))
	for _, r := range results {
		if s, ok := r.(string); ok {
			out = append(out, s)
			continue
		}
		out = append(out, oj.JSON(r))
	}
	return out, nil
}
