// Package features defines the fixed catalog of workspace feature modules and
// the typed document each module persists.
package features

import (
	"errors"
	"fmt"
)

// Kind tags a feature module and selects the shape of its document.
type Kind string

const (
	KindChat       Kind = "chat"
	KindForum      Kind = "forum"
	KindWhiteboard Kind = "whiteboard"
	KindStorage    Kind = "storage"
	KindSurvey     Kind = "survey"
	KindProjects   Kind = "projects"
	KindWiki       Kind = "wiki"
	KindCalendar   Kind = "calendar"
	KindBudget     Kind = "budget"
	KindInventory  Kind = "inventory"
	KindMembers    Kind = "members"
	KindAlbum      Kind = "album"
	KindDiary      Kind = "diary"
)

type Definition struct {
	Kind Kind
	Name string
	Icon string
}

// Catalog is the ordered set of modules every workspace is created with.
// Position in this slice is the feature's display position.
var Catalog = []Definition{
	{Kind: KindChat, Name: "Chat", Icon: "message-circle"},
	{Kind: KindForum, Name: "Forum", Icon: "message-square"},
	{Kind: KindWhiteboard, Name: "Whiteboard", Icon: "edit-3"},
	{Kind: KindStorage, Name: "File Sharing", Icon: "folder"},
	{Kind: KindSurvey, Name: "Surveys", Icon: "clipboard-list"},
	{Kind: KindProjects, Name: "Projects", Icon: "git-branch"},
	{Kind: KindWiki, Name: "Wiki", Icon: "book"},
	{Kind: KindCalendar, Name: "Calendar", Icon: "calendar"},
	{Kind: KindBudget, Name: "Budget", Icon: "dollar-sign"},
	{Kind: KindInventory, Name: "Inventory", Icon: "package"},
	{Kind: KindMembers, Name: "Members", Icon: "users"},
	{Kind: KindAlbum, Name: "Album", Icon: "image"},
	{Kind: KindDiary, Name: "Diary", Icon: "edit"},
}

var (
	ErrUnknownKind  = errors.New("unknown feature kind")
	ErrWrongKind    = errors.New("operation not supported by feature kind")
	ErrInvalidShape = errors.New("document does not match feature shape")
	ErrNotFound     = errors.New("feature item not found")
	ErrInvalid      = errors.New("invalid feature input")
)

// ParseKind validates a stored or client-supplied kind tag.
func ParseKind(value string) (Kind, error) {
	for _, def := range Catalog {
		if string(def.Kind) == value {
			return def.Kind, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownKind, value)
}

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
}

func notFoundf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrNotFound, fmt.Sprintf(format, args...))
}
