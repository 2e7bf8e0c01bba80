package stream

import "strings"

// frame is one server-sent event: blank-line separated groups of
// "field: value" lines. Multiple data lines concatenate with newline.
type frame struct {
	id    string
	event string
	data  string
}

// frameParser accumulates lines into frames. Feed each line (without its
// trailing newline) to line(); a complete frame is returned on the blank
// line that terminates it.
type frameParser struct {
	id        string
	event     string
	dataLines []string
	seen      bool
}

// line consumes one line of the stream. ok is true when a frame completed.
func (p *frameParser) line(s string) (f frame, ok bool) {
	if s == "" {
		if !p.seen {
			return frame{}, false
		}
		f = frame{id: p.id, event: p.event, data: strings.Join(p.dataLines, "\n")}
		p.id, p.event, p.dataLines, p.seen = "", "", nil, false
		return f, true
	}

	// Comment / keepalive line.
	if strings.HasPrefix(s, ":") {
		return frame{}, false
	}

	field, value, found := strings.Cut(s, ":")
	if !found {
		// A field name with no colon has an empty value.
		field, value = s, ""
	}
	// A single optional space after the colon is stripped.
	value = strings.TrimPrefix(value, " ")

	switch field {
	case "id":
		p.id = value
		p.seen = true
	case "event":
		p.event = value
		p.seen = true
	case "data":
		p.dataLines = append(p.dataLines, value)
		p.seen = true
	}
	return frame{}, false
}
