package mesh

// LargestComponent returns the connected component of m with the most
// triangles, with vertices and normals compacted and indices remapped.
// Components are connected through shared vertex indices. Implicit-field
// extraction can emit small disconnected shells where the field decays
// through the iso level far from any data; keeping only the dominant
// component discards them. If m has a single component it is returned as is.
func (m *Mesh) LargestComponent() *Mesh {
	if len(m.Indices) == 0 {
		return m
	}

	parent := make([]uint32, len(m.Vertices))
	for i := range parent {
		parent[i] = uint32(i)
	}
	find := func(v uint32) uint32 {
		for parent[v] != v {
			parent[v] = parent[parent[v]]
			v = parent[v]
		}
		return v
	}
	union := func(a, b uint32) {
		ra, rb := find(a), find(b)
		if ra != rb {
			parent[ra] = rb
		}
	}
	for i := 0; i < len(m.Indices); i += 3 {
		union(m.Indices[i], m.Indices[i+1])
		union(m.Indices[i], m.Indices[i+2])
	}

	triangles := make(map[uint32]int)
	for i := 0; i < len(m.Indices); i += 3 {
		triangles[find(m.Indices[i])]++
	}
	best := find(m.Indices[0])
	for root, count := range triangles {
		if count > triangles[best] || (count == triangles[best] && root < best) {
			best = root
		}
	}
	if triangles[best]*3 == len(m.Indices) {
		return m
	}

	hasNormals := len(m.Normals) == len(m.Vertices)
	remap := make(map[uint32]uint32)
	out := &Mesh{}
	for i := 0; i < len(m.Indices); i += 3 {
		if find(m.Indices[i]) != best {
			continue
		}
		for j := 0; j < 3; j++ {
			old := m.Indices[i+j]
			vi, ok := remap[old]
			if !ok {
				vi = uint32(len(out.Vertices))
				out.Vertices = append(out.Vertices, m.Vertices[old])
				if hasNormals {
					out.Normals = append(out.Normals, m.Normals[old])
				}
				remap[old] = vi
			}
			out.Indices = append(out.Indices, vi)
		}
	}
	return out
}
