package output

import (
	"sort"
	"strings"

	"loom/cas"
	"loom/change"
)

func vertexID(v change.Vertex) string {
	b, _ := v.MarshalText()
	return string(b)
}

// Signature identifies a conflict by its kind and the vertex sets of its
// sides. Context vertices are left out, so the same competing sides give
// the same signature wherever they meet.
func Signature(kind ConflictKind, sides []Side) string {
	type sigSide struct {
		Label    string   `json:"label"`
		Vertices []string `json:"vertices"`
	}

	ss := make([]sigSide, len(sides))
	for i, s := range sides {
		ids := make([]string, len(s.Vertices))
		for j, v := range s.Vertices {
			ids[j] = vertexID(v)
		}
		sort.Strings(ids)
		ss[i] = sigSide{Label: s.Label, Vertices: ids}
	}
	sort.Slice(ss, func(i, j int) bool {
		if ss[i].Label != ss[j].Label {
			return ss[i].Label < ss[j].Label
		}
		return strings.Join(ss[i].Vertices, ",") < strings.Join(ss[j].Vertices, ",")
	})

	data, err := cas.CanonicalJSON(map[string]interface{}{
		"kind":  string(kind),
		"sides": ss,
	})
	if err != nil {
		// Only strings are encoded.
		panic(err)
	}
	return cas.Blake3HashHex(data)
}
