package shard

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Encode serializes s canonically: keys sorted at every level, two-space
// indentation, no HTML escaping and no trailing newline. Identical records
// always produce identical bytes, which keeps store diffs minimal.
func Encode(s *Shard) ([]byte, error) {
	doc := make(map[string]any, len(s.Extra)+5)
	for k, v := range s.Extra {
		doc[k] = v
	}
	doc["subdir"] = s.Subdir
	doc["package"] = s.Package
	doc["url"] = s.URL

	labels := s.Labels
	if labels == nil {
		labels = []string{}
	}
	doc["labels"] = labels

	repodata := s.Repodata
	if repodata == nil {
		repodata = map[string]any{}
	}
	doc["repodata"] = repodata

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return nil, fmt.Errorf("failed to encode shard %s: %w", s.Key(), err)
	}

	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// Decode parses a shard record. Numbers are kept as json.Number so that
// re-encoding reproduces them exactly.
func Decode(data []byte) (*Shard, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var doc map[string]any
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidShard, err)
	}
	if doc == nil {
		return nil, fmt.Errorf("%w: not an object", ErrInvalidShard)
	}

	s := &Shard{}
	var ok bool

	if v, present := doc["subdir"]; present {
		if s.Subdir, ok = v.(string); !ok {
			return nil, fmt.Errorf("%w: subdir is %T", ErrInvalidShard, v)
		}
		delete(doc, "subdir")
	}
	if v, present := doc["package"]; present {
		if s.Package, ok = v.(string); !ok {
			return nil, fmt.Errorf("%w: package is %T", ErrInvalidShard, v)
		}
		delete(doc, "package")
	}
	if v, present := doc["url"]; present {
		if s.URL, ok = v.(string); !ok {
			return nil, fmt.Errorf("%w: url is %T", ErrInvalidShard, v)
		}
		delete(doc, "url")
	}
	if v, present := doc["labels"]; present {
		raw, ok := v.([]any)
		if !ok {
			return nil, fmt.Errorf("%w: labels is %T", ErrInvalidShard, v)
		}
		s.Labels = make([]string, 0, len(raw))
		for _, l := range raw {
			label, ok := l.(string)
			if !ok {
				return nil, fmt.Errorf("%w: label is %T", ErrInvalidShard, l)
			}
			s.Labels = append(s.Labels, label)
		}
		delete(doc, "labels")
	}
	if v, present := doc["repodata"]; present {
		if s.Repodata, ok = v.(map[string]any); !ok {
			return nil, fmt.Errorf("%w: repodata is %T", ErrInvalidShard, v)
		}
		delete(doc, "repodata")
	}

	if len(doc) > 0 {
		s.Extra = doc
	}
	return s, nil
}
