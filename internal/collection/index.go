package collection

// IndexType tags an index descriptor with its implementation family.
type IndexType string

const (
	IndexTypePrimary  IndexType = "primary"
	IndexTypeHash     IndexType = "hash"
	IndexTypeSkiplist IndexType = "skiplist"
	// IndexTypeGeo1 is the legacy single-field geo index where latitude
	// and longitude are packed into one array attribute.
	IndexTypeGeo1 IndexType = "geo1"
	// IndexTypeGeo2 is the legacy two-field geo index.
	IndexTypeGeo2 IndexType = "geo2"
	// IndexTypeGeo is the unified geo index accepting one or two fields.
	IndexTypeGeo      IndexType = "geo"
	IndexTypeFulltext IndexType = "fulltext"
)

// IsGeo reports whether the type is any of the geo index flavors.
func (t IndexType) IsGeo() bool {
	return t == IndexTypeGeo1 || t == IndexTypeGeo2 || t == IndexTypeGeo
}

// Index describes one index on a collection. Fields holds the ordered
// indexed attribute paths; each path is a chain of attribute names.
type Index struct {
	Name   string
	Type   IndexType
	Fields [][]string

	// GeoJSON controls coordinate ordering for single-field geo indexes:
	// the packed array is [lon,lat] when set, [lat,lon] otherwise.
	GeoJSON bool
}

// Settings returns the structured form of the index definition. Readers
// recover type-specific flags from it the same way they would from a
// serialized descriptor.
func (idx *Index) Settings() map[string]any {
	fields := make([]any, 0, len(idx.Fields))
	for _, f := range idx.Fields {
		path := make([]any, 0, len(f))
		for _, p := range f {
			path = append(path, p)
		}
		fields = append(fields, path)
	}
	return map[string]any{
		"name":    idx.Name,
		"type":    string(idx.Type),
		"fields":  fields,
		"geoJson": idx.GeoJSON,
	}
}
