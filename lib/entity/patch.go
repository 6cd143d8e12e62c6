package entity

import (
	"sort"
	"strings"
)

// ApplyPatch writes every dot path of patch into doc. A nil value removes the path.
func ApplyPatch(doc Document, patch map[string]any) {
	for _, path := range sortedPaths(patch) {
		v := patch[path]
		if v == nil {
			doc.Delete(path)
			continue
		}
		doc.Set(path, cloneValue(v))
	}
}

// PatchedFields returns the top level field names a patch touches
func PatchedFields(patch map[string]any) []string {
	seen := make(map[string]struct{}, len(patch))
	out := make([]string, 0, len(patch))
	for path := range patch {
		root, _, _ := strings.Cut(path, ".")
		if _, ok := seen[root]; ok {
			continue
		}
		seen[root] = struct{}{}
		out = append(out, root)
	}
	sort.Strings(out)
	return out
}

// NewPatchEvent builds the patch event for doc after patch was applied to it.
// The event item holds the patched paths plus the extra fields (usually the
// fields subscribers registered at the broker).
func NewPatchEvent(doc Document, patch map[string]any, extraFields []string) *Event {
	paths := make([]string, 0, len(patch)+len(extraFields))
	for p := range patch {
		paths = append(paths, p)
	}
	paths = append(paths, extraFields...)
	return &Event{
		Type:    EventPatch,
		ID:      doc.ID(),
		Version: doc.Version(),
		Item:    doc.Project(paths),
		Patch:   clonePatch(patch),
	}
}

// sortedPaths orders the paths so parents are written before their children
func sortedPaths(patch map[string]any) []string {
	paths := make([]string, 0, len(patch))
	for p := range patch {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

func clonePatch(patch map[string]any) map[string]any {
	out := make(map[string]any, len(patch))
	for k, v := range patch {
		out[k] = cloneValue(v)
	}
	return out
}
