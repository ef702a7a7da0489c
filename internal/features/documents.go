package features

import (
	"encoding/json"
	"fmt"
)

// Document is the closed set of per-kind payloads. Every implementation is a
// pointer to one of the *Document types in this file.
type Document interface {
	Kind() Kind
	normalize()
	validate() error
}

// Message is a chat message or forum post.
type Message struct {
	ID         string `json:"id"`
	AuthorID   string `json:"authorId"`
	AuthorName string `json:"authorName"`
	Content    string `json:"content"`
	Timestamp  int64  `json:"timestamp"`
}

const (
	SubItemChannel = "channel"
	SubItemThread  = "thread"
)

type SubItem struct {
	ID       string    `json:"id"`
	Name     string    `json:"name"`
	Type     string    `json:"type"`
	Messages []Message `json:"messages"`
	Posts    []Message `json:"posts"`
}

// MarshalJSON writes the list that matches the sub-item type, and the other
// list only when it holds entries.
func (s SubItem) MarshalJSON() ([]byte, error) {
	type wire struct {
		ID       string     `json:"id"`
		Name     string     `json:"name"`
		Type     string     `json:"type"`
		Messages *[]Message `json:"messages,omitempty"`
		Posts    *[]Message `json:"posts,omitempty"`
	}
	out := wire{ID: s.ID, Name: s.Name, Type: s.Type}
	messages, posts := s.Messages, s.Posts
	if messages == nil {
		messages = []Message{}
	}
	if posts == nil {
		posts = []Message{}
	}
	if s.Type == SubItemChannel || len(messages) > 0 {
		out.Messages = &messages
	}
	if s.Type != SubItemChannel || len(posts) > 0 {
		out.Posts = &posts
	}
	return json.Marshal(out)
}

// Entries returns the sequence new messages are appended to.
func (s *SubItem) Entries() []Message {
	if s.Type == SubItemChannel {
		return s.Messages
	}
	return s.Posts
}

// Channels is shared by chat and forum documents.
type Channels struct {
	SubItems map[string]*SubItem `json:"subItems"`
}

func (c *Channels) normalizeChannels() {
	if c.SubItems == nil {
		c.SubItems = map[string]*SubItem{}
	}
	for key, item := range c.SubItems {
		if item == nil {
			delete(c.SubItems, key)
			continue
		}
		if item.ID == "" {
			item.ID = key
		}
		if item.Type == "" {
			item.Type = SubItemChannel
		}
		if item.Messages == nil {
			item.Messages = []Message{}
		}
		if item.Posts == nil {
			item.Posts = []Message{}
		}
	}
}

func (c *Channels) validateChannels() error {
	for key, item := range c.SubItems {
		if item == nil {
			return fmt.Errorf("%w: subItems.%s is null", ErrInvalidShape, key)
		}
	}
	return nil
}

type ChatDocument struct {
	Channels
}

func (*ChatDocument) Kind() Kind        { return KindChat }
func (d *ChatDocument) normalize()      { d.normalizeChannels() }
func (d *ChatDocument) validate() error { return d.validateChannels() }

type ForumDocument struct {
	Channels
}

func (*ForumDocument) Kind() Kind        { return KindForum }
func (d *ForumDocument) normalize()      { d.normalizeChannels() }
func (d *ForumDocument) validate() error { return d.validateChannels() }

type Board struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Elements  json.RawMessage `json:"elements"`
	CreatedBy string          `json:"created_by,omitempty"`
	CreatedAt float64         `json:"created_at,omitempty"`
	UpdatedBy string          `json:"updated_by,omitempty"`
	UpdatedAt float64         `json:"updated_at,omitempty"`
	ImageID   string          `json:"image_id,omitempty"`
	ImageURL  string          `json:"image_url,omitempty"`
}

type WhiteboardDocument struct {
	Boards map[string]*Board `json:"boards"`
}

func (*WhiteboardDocument) Kind() Kind { return KindWhiteboard }

func (d *WhiteboardDocument) normalize() {
	if d.Boards == nil {
		d.Boards = map[string]*Board{}
	}
	for key, board := range d.Boards {
		if board == nil {
			delete(d.Boards, key)
			continue
		}
		if board.ID == "" {
			board.ID = key
		}
		if len(board.Elements) == 0 || string(board.Elements) == "null" {
			board.Elements = json.RawMessage(`{}`)
		}
	}
}

func (d *WhiteboardDocument) validate() error {
	for key, board := range d.Boards {
		if board == nil {
			return fmt.Errorf("%w: boards.%s is null", ErrInvalidShape, key)
		}
		if len(board.Elements) > 0 && !isContainer(board.Elements) {
			return fmt.Errorf("%w: boards.%s.elements must be an object or array", ErrInvalidShape, key)
		}
	}
	return nil
}

// StorageDocument holds client-managed folder metadata; the files themselves
// are FileAsset rows.
type StorageDocument struct {
	Folders map[string]json.RawMessage `json:"folders,omitempty"`
}

func (*StorageDocument) Kind() Kind      { return KindStorage }
func (*StorageDocument) normalize()      {}
func (*StorageDocument) validate() error { return nil }

const SurveyStatusActive = "active"

type Survey struct {
	ID        string          `json:"id"`
	Title     string          `json:"title"`
	Questions json.RawMessage `json:"questions"`
	CreatedBy string          `json:"created_by"`
	CreatedAt float64         `json:"created_at"`
	Status    string          `json:"status"`
}

type SurveyResponse struct {
	Responses   json.RawMessage `json:"responses"`
	User        string          `json:"user"`
	SubmittedAt float64         `json:"submitted_at"`
}

type SurveyDocument struct {
	Surveys map[string]*Survey `json:"surveys"`
	// Responses is keyed by survey id, then by respondent username.
	Responses map[string]map[string]*SurveyResponse `json:"responses"`
}

func (*SurveyDocument) Kind() Kind { return KindSurvey }

func (d *SurveyDocument) normalize() {
	if d.Surveys == nil {
		d.Surveys = map[string]*Survey{}
	}
	if d.Responses == nil {
		d.Responses = map[string]map[string]*SurveyResponse{}
	}
	for key, survey := range d.Surveys {
		if survey == nil {
			delete(d.Surveys, key)
		}
	}
}

func (d *SurveyDocument) validate() error {
	for key, survey := range d.Surveys {
		if survey == nil {
			return fmt.Errorf("%w: surveys.%s is null", ErrInvalidShape, key)
		}
	}
	return nil
}

type Project struct {
	ID          string  `json:"id"`
	Name        string  `json:"name"`
	Description string  `json:"description"`
	Status      string  `json:"status"`
	CreatedBy   string  `json:"created_by"`
	CreatedAt   float64 `json:"created_at"`
}

type Task struct {
	ID          string  `json:"id"`
	ProjectID   string  `json:"project_id"`
	Title       string  `json:"title"`
	Description string  `json:"description"`
	Priority    string  `json:"priority"`
	Status      string  `json:"status"`
	CreatedBy   string  `json:"created_by"`
	CreatedAt   float64 `json:"created_at"`
	UpdatedAt   float64 `json:"updated_at,omitempty"`
}

type ProjectsDocument struct {
	Projects map[string]*Project `json:"projects"`
	Tasks    map[string]*Task    `json:"tasks"`
}

func (*ProjectsDocument) Kind() Kind { return KindProjects }

func (d *ProjectsDocument) normalize() {
	if d.Projects == nil {
		d.Projects = map[string]*Project{}
	}
	if d.Tasks == nil {
		d.Tasks = map[string]*Task{}
	}
}

func (d *ProjectsDocument) validate() error {
	for key, project := range d.Projects {
		if project == nil {
			return fmt.Errorf("%w: projects.%s is null", ErrInvalidShape, key)
		}
	}
	for key, task := range d.Tasks {
		if task == nil {
			return fmt.Errorf("%w: tasks.%s is null", ErrInvalidShape, key)
		}
	}
	return nil
}

type WikiPage struct {
	ID        string   `json:"id"`
	Title     string   `json:"title"`
	Content   string   `json:"content"`
	Author    string   `json:"author"`
	CreatedAt float64  `json:"created_at"`
	UpdatedAt float64  `json:"updated_at"`
	Tags      []string `json:"tags"`
}

type WikiDocument struct {
	Pages map[string]*WikiPage `json:"pages"`
}

func (*WikiDocument) Kind() Kind { return KindWiki }

func (d *WikiDocument) normalize() {
	if d.Pages == nil {
		d.Pages = map[string]*WikiPage{}
	}
}

func (d *WikiDocument) validate() error {
	for key, page := range d.Pages {
		if page == nil {
			return fmt.Errorf("%w: pages.%s is null", ErrInvalidShape, key)
		}
	}
	return nil
}

type CalendarDocument struct {
	Events map[string]json.RawMessage `json:"events"`
}

func (*CalendarDocument) Kind() Kind { return KindCalendar }

func (d *CalendarDocument) normalize() {
	if d.Events == nil {
		d.Events = map[string]json.RawMessage{}
	}
}

func (*CalendarDocument) validate() error { return nil }

type BudgetDocument struct {
	Accounts     map[string]json.RawMessage `json:"accounts"`
	Transactions map[string]json.RawMessage `json:"transactions"`
}

func (*BudgetDocument) Kind() Kind { return KindBudget }

func (d *BudgetDocument) normalize() {
	if d.Accounts == nil {
		d.Accounts = map[string]json.RawMessage{}
	}
	if d.Transactions == nil {
		d.Transactions = map[string]json.RawMessage{}
	}
}

func (*BudgetDocument) validate() error { return nil }

type InventoryDocument struct {
	Items      map[string]json.RawMessage `json:"items"`
	Categories []string                   `json:"categories"`
	Locations  []string                   `json:"locations"`
}

func (*InventoryDocument) Kind() Kind { return KindInventory }

func (d *InventoryDocument) normalize() {
	if d.Items == nil {
		d.Items = map[string]json.RawMessage{}
	}
	if d.Categories == nil {
		d.Categories = []string{}
	}
	if d.Locations == nil {
		d.Locations = []string{}
	}
}

func (*InventoryDocument) validate() error { return nil }

type RoleDefinition struct {
	Name        string   `json:"name"`
	Permissions []string `json:"permissions"`
}

// MemberEntry is the display copy of a membership row.
type MemberEntry struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
	Nickname string `json:"nickname"`
	Role     string `json:"role"`
	JoinedAt string `json:"joinedAt"`
}

// MembersDocument stores only role definitions. Members is filled from
// membership rows when a snapshot is built and is never persisted.
type MembersDocument struct {
	Members map[string]MemberEntry    `json:"members,omitempty"`
	Roles   map[string]RoleDefinition `json:"roles"`
}

func (*MembersDocument) Kind() Kind { return KindMembers }

func (d *MembersDocument) normalize() {
	if d.Roles == nil {
		d.Roles = map[string]RoleDefinition{}
	}
}

func (d *MembersDocument) validate() error {
	if len(d.Members) > 0 {
		return fmt.Errorf("%w: members are derived from workspace memberships", ErrInvalidShape)
	}
	return nil
}

type AlbumDocument struct {
	Albums map[string]json.RawMessage `json:"albums"`
}

func (*AlbumDocument) Kind() Kind { return KindAlbum }

func (d *AlbumDocument) normalize() {
	if d.Albums == nil {
		d.Albums = map[string]json.RawMessage{}
	}
}

func (*AlbumDocument) validate() error { return nil }

type DiaryDocument struct {
	Entries map[string]json.RawMessage `json:"entries"`
}

func (*DiaryDocument) Kind() Kind { return KindDiary }

func (d *DiaryDocument) normalize() {
	if d.Entries == nil {
		d.Entries = map[string]json.RawMessage{}
	}
}

func (*DiaryDocument) validate() error { return nil }

func newDocument(kind Kind) (Document, error) {
	switch kind {
	case KindChat:
		return &ChatDocument{}, nil
	case KindForum:
		return &ForumDocument{}, nil
	case KindWhiteboard:
		return &WhiteboardDocument{}, nil
	case KindStorage:
		return &StorageDocument{}, nil
	case KindSurvey:
		return &SurveyDocument{}, nil
	case KindProjects:
		return &ProjectsDocument{}, nil
	case KindWiki:
		return &WikiDocument{}, nil
	case KindCalendar:
		return &CalendarDocument{}, nil
	case KindBudget:
		return &BudgetDocument{}, nil
	case KindInventory:
		return &InventoryDocument{}, nil
	case KindMembers:
		return &MembersDocument{}, nil
	case KindAlbum:
		return &AlbumDocument{}, nil
	case KindDiary:
		return &DiaryDocument{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
}
