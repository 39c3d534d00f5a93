package output

import (
	"bytes"

	"loom/change"
)

const (
	markerOpen  = ">>>>>>>"
	markerSep   = "======="
	markerClose = "<<<<<<<"
)

func shortSig(sig string) string {
	if len(sig) > 8 {
		return sig[:8]
	}
	return sig
}

// Render writes a file with its order and cycle zones replaced by conflict
// markers, one section per side. Files without such zones render to the
// same bytes as Bytes.
func (f *File) Render() []byte {
	var buf bytes.Buffer
	for i := 0; i < len(f.Lines); {
		l := f.Lines[i]
		if l.Zone == 0 || l.Zone > len(f.Conflicts) {
			buf.Write(l.Content)
			i++
			continue
		}

		j := i
		for j < len(f.Lines) && f.Lines[j].Zone == l.Zone {
			j++
		}
		writeZone(&buf, f.Conflicts[l.Zone-1], f.Lines[i:j])
		i = j
	}
	return buf.Bytes()
}

func writeZone(buf *bytes.Buffer, c *Conflict, zone []Line) {
	sig := shortSig(c.Signature)
	buf.WriteString(markerOpen + " " + string(c.Kind) + " " + sig + "\n")
	for k, s := range c.Sides {
		if k > 0 {
			buf.WriteString(markerSep + "\n")
		}
		mine := make(map[change.Vertex]bool, len(s.Vertices))
		for _, v := range s.Vertices {
			mine[v] = true
		}
		for _, l := range zone {
			if mine[l.Vertex] {
				writeLine(buf, l.Content)
			}
		}
	}
	buf.WriteString(markerClose + " " + sig + "\n")
}

func writeLine(buf *bytes.Buffer, content []byte) {
	buf.Write(content)
	if len(content) == 0 || content[len(content)-1] != '\n' {
		buf.WriteByte('\n')
	}
}
