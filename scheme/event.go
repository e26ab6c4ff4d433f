package scheme

// Event is one server-sent event.
type Event struct {
	Name string
	Data string
}

// String frames the event per the SSE text format, omitting absent fields.
func (e Event) String() string {
	switch {
	case e.Name != "" && e.Data != "":
		return "event: " + e.Name + "\ndata: " + e.Data + "\n\n"
	case e.Name != "":
		return "event: " + e.Name + "\n\n"
	case e.Data != "":
		return "data: " + e.Data + "\n\n"
	}
	return ""
}

// Count is the number of fields the frame carries.
func (e Event) Count() int {
	n := 0
	if e.Name != "" {
		n++
	}
	if e.Data != "" {
		n++
	}
	return n
}
