package index

import (
	"fmt"
	"sort"

	"github.com/blevesearch/bleve/v2/search"
)

// Document is a flat index record. Every field may carry several values;
// value order within a field is preserved through storage.
type Document map[string][]string

// Add appends value to field. Empty values are not stored.
func (d Document) Add(field, value string) {
	if value == "" {
		return
	}
	d[field] = append(d[field], value)
}

// Set replaces field with a single value, or removes it when value is empty.
func (d Document) Set(field, value string) {
	if value == "" {
		delete(d, field)
		return
	}
	d[field] = []string{value}
}

// Get returns the first value of field.
func (d Document) Get(field string) string {
	if v := d[field]; len(v) > 0 {
		return v[0]
	}
	return ""
}

func (d Document) Values(field string) []string {
	return d[field]
}

func (d Document) Has(field string) bool {
	return len(d[field]) > 0
}

// Fields returns the field names in sorted order.
func (d Document) Fields() []string {
	names := make([]string, 0, len(d))
	for name := range d {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// indexable converts the document into the shape bleve walks: single
// values as strings, repeated values as slices.
func (d Document) indexable() map[string]any {
	out := make(map[string]any, len(d))
	for field, values := range d {
		switch len(values) {
		case 0:
		case 1:
			out[field] = values[0]
		default:
			out[field] = append([]string(nil), values...)
		}
	}
	return out
}

// documentFromHit rebuilds a Document from the stored fields of a hit.
func documentFromHit(hit *search.DocumentMatch) Document {
	doc := make(Document, len(hit.Fields))
	for field, raw := range hit.Fields {
		switch v := raw.(type) {
		case string:
			doc[field] = []string{v}
		case []interface{}:
			values := make([]string, 0, len(v))
			for _, item := range v {
				values = append(values, fmt.Sprint(item))
			}
			doc[field] = values
		default:
			doc[field] = []string{fmt.Sprint(v)}
		}
	}
	return doc
}
