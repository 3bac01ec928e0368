package article

import "strings"

type HeaderField struct {
	Name  string
	Value string
}

// Header is an ordered header list. Lookups are case-insensitive; the
// original spelling and order are kept on the wire.
type Header []HeaderField

func (h Header) Get(name string) string {
	for _, f := range h {
		if strings.EqualFold(f.Name, name) {
			return f.Value
		}
	}
	return ""
}

// Set replaces the first field named name, or appends one.
func (h *Header) Set(name, value string) {
	for i, f := range *h {
		if strings.EqualFold(f.Name, name) {
			(*h)[i].Value = value
			return
		}
	}
	*h = append(*h, HeaderField{Name: name, Value: value})
}

// Del removes every field named name and reports whether any existed.
func (h *Header) Del(name string) bool {
	out := (*h)[:0]
	found := false
	for _, f := range *h {
		if strings.EqualFold(f.Name, name) {
			found = true
			continue
		}
		out = append(out, f)
	}
	*h = out
	return found
}

func (h Header) Clone() Header {
	if h == nil {
		return Header{}
	}
	cp := make(Header, len(h))
	copy(cp, h)
	return cp
}
