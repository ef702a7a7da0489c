package features

import (
	"encoding/json"
	"time"
)

const (
	defaultChannelID = "general"
	defaultThreadID  = "announcements"
	defaultBoardID   = "main"
	welcomePageID    = "welcome"
)

// InitialContent returns the seed document for a freshly created feature.
// It has no side effects; now only stamps the welcome wiki page.
func InitialContent(kind Kind, now time.Time) (Document, error) {
	stamp := Epoch(now)
	switch kind {
	case KindChat:
		return &ChatDocument{Channels{SubItems: map[string]*SubItem{
			defaultChannelID: newSubItem(defaultChannelID, "General", SubItemChannel),
		}}}, nil
	case KindForum:
		return &ForumDocument{Channels{SubItems: map[string]*SubItem{
			defaultThreadID: newSubItem(defaultThreadID, "Announcements", SubItemThread),
		}}}, nil
	case KindWhiteboard:
		return &WhiteboardDocument{Boards: map[string]*Board{
			defaultBoardID: {ID: defaultBoardID, Name: "Main Board", Elements: json.RawMessage(`{}`)},
		}}, nil
	case KindWiki:
		return &WikiDocument{Pages: map[string]*WikiPage{
			welcomePageID: {
				ID:        welcomePageID,
				Title:     "Welcome",
				Content:   "Welcome to this wiki!\n\nFeel free to edit it.",
				Author:    "system",
				CreatedAt: stamp,
				UpdatedAt: stamp,
				Tags:      []string{"welcome"},
			},
		}}, nil
	case KindInventory:
		return &InventoryDocument{
			Items:      map[string]json.RawMessage{},
			Categories: []string{"Equipment", "Supplies", "Books", "Electronics"},
			Locations:  []string{"Main Office", "Storage Room", "Lab"},
		}, nil
	case KindMembers:
		return &MembersDocument{Roles: map[string]RoleDefinition{
			"admin":     {Name: "Administrator", Permissions: []string{"all"}},
			"moderator": {Name: "Moderator", Permissions: []string{"moderate"}},
			"member":    {Name: "Member", Permissions: []string{"basic"}},
		}}, nil
	}

	doc, err := newDocument(kind)
	if err != nil {
		return nil, err
	}
	doc.normalize()
	return doc, nil
}

// Epoch converts t to fractional unix seconds, the timestamp format used
// inside feature documents.
func Epoch(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

func newSubItem(id, name, itemType string) *SubItem {
	return &SubItem{ID: id, Name: name, Type: itemType, Messages: []Message{}, Posts: []Message{}}
}
