package model

// ResourceEntry is one named resource of a deployable unit.
type ResourceEntry struct {
	Name    string `json:"name"`
	Content []byte `json:"content"`
}

// ResourceSet is an ordered snapshot of resources.
type ResourceSet []ResourceEntry

// Names returns the entry names in order.
func (rs ResourceSet) Names() []string {
	names := make([]string, len(rs))
	for i, e := range rs {
		names[i] = e.Name
	}
	return names
}

// Size returns the total content size in bytes.
func (rs ResourceSet) Size() int {
	n := 0
	for _, e := range rs {
		n += len(e.Content)
	}
	return n
}
