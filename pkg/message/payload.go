package message

import (
	"strings"
)

// NormalizeContentID removes the "cid:" prefix and angle brackets from a
// content id
func NormalizeContentID(contentID string) string {
	id := strings.TrimPrefix(contentID, "cid:")
	id = strings.TrimPrefix(id, "<")
	id = strings.TrimSuffix(id, ">")
	return id
}

// MatchContentID compares two content ids ignoring "cid:" prefixes
func MatchContentID(id1, id2 string) bool {
	return NormalizeContentID(id1) == NormalizeContentID(id2)
}

// MimeTypeOf returns the MimeType part property of a payload, falling back
// to the declared MIME type
func (p PayloadRef) MimeTypeOf() string {
	for _, prop := range p.Properties {
		if prop.Name == "MimeType" {
			return prop.Value
		}
	}
	return p.MimeType
}
