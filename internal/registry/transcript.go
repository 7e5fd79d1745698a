package registry

// DefaultTranscriptLimit is the number of messages retained when no limit is
// configured explicitly.
const DefaultTranscriptLimit = 10000

// transcript is an append-only ring of messages. A limit of zero or less
// keeps every message for the lifetime of the process.
type transcript struct {
	limit   int
	entries []Message
	head    int // index of the oldest entry once the ring is full
}

func newTranscript(limit int) *transcript {
	t := &transcript{limit: limit}
	if limit > 0 && limit <= DefaultTranscriptLimit {
		t.entries = make([]Message, 0, limit)
	}
	return t
}

func (t *transcript) append(m Message) {
	if t.limit <= 0 || len(t.entries) < t.limit {
		t.entries = append(t.entries, m)
		return
	}
	t.entries[t.head] = m
	t.head = (t.head + 1) % t.limit
}

// ordered returns a copy of the entries, oldest first.
func (t *transcript) ordered() []Message {
	out := make([]Message, 0, len(t.entries))
	out = append(out, t.entries[t.head:]...)
	return append(out, t.entries[:t.head]...)
}

func (t *transcript) len() int {
	return len(t.entries)
}
