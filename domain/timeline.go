package domain

import (
	"encoding/json"
)

// TimelineEntry is one stored object together with its thread metadata.
type TimelineEntry struct {
	Id          string
	Hash        string
	Object      json.RawMessage
	ParentId    string
	ChildIds    []string
	LikedBy     []string
	AnnouncedBy []string
	OrderingKey int64
	Local       bool
}

// Header decodes the inspectable fields of the stored object.
func (e *TimelineEntry) Header() (*ObjectHeader, error) {
	return ParseHeader(e.Object)
}
