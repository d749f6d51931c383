// Package model defines the data types shared across the download-and-cache
// core: file identity, manifest records, and stored-file metadata.
package model

import "fmt"

// FileType identifies the kind of artifact a FileRef points at.
type FileType string

const (
	TypeMedia   FileType = "media"
	TypeLayout  FileType = "layout"
	TypeWidget  FileType = "widget"
	TypeStatic  FileType = "static"
	TypeResource FileType = "resource"
)

// FileRef is the identity of a stored artifact. For widgets, ID is the
// triple "layoutId/regionId/mediaId". Keys compare equal regardless of
// numeric vs string ID representation because ID is always carried as a
// string from the manifest boundary inward.
type FileRef struct {
	Type     FileType
	ID       string
	Filename string
}

// Key returns the canonical (type, id) key used to index a FileRef.
func (r FileRef) Key() string {
	return fmt.Sprintf("%s/%s", r.Type, r.ID)
}

// WidgetTriple splits a widget FileRef's ID into layoutId/regionId/mediaId.
// Returns false if the ref is not a widget or the ID is not a triple.
func (r FileRef) WidgetTriple() (layoutID, regionID, mediaID string, ok bool) {
	if r.Type != TypeWidget {
		return "", "", "", false
	}
	parts := splitN(r.ID, '/', 3)
	if len(parts) != 3 {
		return "", "", "", false
	}
	return parts[0], parts[1], parts[2], true
}

func splitN(s string, sep byte, n int) []string {
	var parts []string
	start := 0
	for i := 0; i < len(s) && len(parts) < n-1; i++ {
		if s[i] == sep {
			parts = append(parts, s[start:i])
			start = i + 1
		}
	}
	parts = append(parts, s[start:])
	return parts
}
