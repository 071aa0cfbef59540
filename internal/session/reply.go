package session

import (
	"strconv"
	"strings"

	"github.com/etherlab/buddy/internal/signal"
)

func okLine(text string) []byte    { return []byte("+OK " + text + "\n") }
func errLine(text string) []byte   { return []byte("-ERR " + text + "\n") }
func eventLine(text string) []byte { return []byte("=EVENT " + text + "\n") }

type kv struct{ Key, Value string }

// formatListReply renders spec.md §4.3's list reply shape: `+OK
// <title>:\n` followed by each entry's key:value lines, a blank line
// between entries, and a trailing `.` line.
func formatListReply(title string, entries [][]kv) []byte {
	var b strings.Builder
	b.WriteString("+OK " + title + ":\n")
	for _, entry := range entries {
		for _, pair := range entry {
			b.WriteString(pair.Key)
			b.WriteString(": ")
			b.WriteString(pair.Value)
			b.WriteByte('\n')
		}
		b.WriteByte('\n')
	}
	b.WriteString(".\n")
	return []byte(b.String())
}

func descriptorEntry(d *signal.Descriptor) []kv {
	dims := make([]string, len(d.Dims))
	for i, n := range d.Dims {
		dims[i] = strconv.Itoa(int(n))
	}
	return []kv{
		{"path", d.Path},
		{"name", d.Name},
		{"alias", d.Alias},
		{"type", d.Type.String()},
		{"dims", strings.Join(dims, ",")},
		{"offset", strconv.Itoa(int(d.Offset))},
		{"sampletime", strconv.Itoa(int(d.SampleTime))},
	}
}
