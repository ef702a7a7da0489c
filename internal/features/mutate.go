package features

import (
	"encoding/json"
	"regexp"
	"strings"
	"time"

	"circles/api/internal/util"
)

// Author identifies who wrote a message. ID is the username, Name the
// display nickname.
type Author struct {
	ID   string
	Name string
}

const (
	PriorityLow    = "low"
	PriorityMedium = "medium"
	PriorityHigh   = "high"
	PriorityUrgent = "urgent"

	TaskStatusTodo = "todo"

	ProjectStatusActive = "active"
)

var taskStatusPattern = regexp.MustCompile(`^[a-z_]{1,32}$`)

func channelsOf(doc Document) (*Channels, error) {
	switch typed := doc.(type) {
	case *ChatDocument:
		return &typed.Channels, nil
	case *ForumDocument:
		return &typed.Channels, nil
	}
	_, err := as[*ChatDocument](doc)
	return nil, err
}

// AddSubItem appends a new channel or thread to a chat or forum document.
func AddSubItem(doc Document, name, itemType string) (*SubItem, error) {
	channels, err := channelsOf(doc)
	if err != nil {
		return nil, err
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, invalidf("sub item name is required")
	}
	itemType = util.TrimmedOrDefault(itemType, SubItemChannel)
	if itemType != SubItemChannel && itemType != SubItemThread {
		return nil, invalidf("sub item type must be %q or %q", SubItemChannel, SubItemThread)
	}
	if channels.SubItems == nil {
		channels.SubItems = map[string]*SubItem{}
	}
	item := newSubItem(util.NewID(itemType), name, itemType)
	channels.SubItems[item.ID] = item
	return item, nil
}

// PostMessage appends to the channel's messages or the thread's posts.
func PostMessage(doc Document, subItemID string, author Author, content string, now time.Time) (Message, error) {
	channels, err := channelsOf(doc)
	if err != nil {
		return Message{}, err
	}
	if strings.TrimSpace(content) == "" {
		return Message{}, invalidf("message content is required")
	}
	item, ok := channels.SubItems[subItemID]
	if !ok || item == nil {
		return Message{}, notFoundf("sub item %q", subItemID)
	}
	msg := Message{
		ID:         util.NewID("msg"),
		AuthorID:   author.ID,
		AuthorName: author.Name,
		Content:    content,
		Timestamp:  now.Unix(),
	}
	if item.Type == SubItemChannel {
		item.Messages = append(item.Messages, msg)
	} else {
		item.Posts = append(item.Posts, msg)
	}
	return msg, nil
}

func AddBoard(doc Document, name, createdBy string, now time.Time) (*Board, error) {
	wb, err := as[*WhiteboardDocument](doc)
	if err != nil {
		return nil, err
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, invalidf("board name is required")
	}
	if wb.Boards == nil {
		wb.Boards = map[string]*Board{}
	}
	board := &Board{
		ID:        util.NewID("board"),
		Name:      name,
		Elements:  json.RawMessage(`{}`),
		CreatedBy: createdBy,
		CreatedAt: Epoch(now),
	}
	wb.Boards[board.ID] = board
	return board, nil
}

// SaveBoardElements replaces a board's element set. elements must be a JSON
// object or array.
func SaveBoardElements(doc Document, boardID string, elements json.RawMessage, updatedBy string, now time.Time) error {
	board, err := boardOf(doc, boardID)
	if err != nil {
		return err
	}
	if !isContainer(elements) {
		return invalidf("invalid elements data")
	}
	board.Elements = append(json.RawMessage(nil), elements...)
	board.UpdatedBy = updatedBy
	board.UpdatedAt = Epoch(now)
	return nil
}

// AttachBoardImage records the latest raster export of a board.
func AttachBoardImage(doc Document, boardID, imageID, imageURL, updatedBy string, now time.Time) error {
	board, err := boardOf(doc, boardID)
	if err != nil {
		return err
	}
	board.ImageID = imageID
	board.ImageURL = imageURL
	board.UpdatedBy = updatedBy
	board.UpdatedAt = Epoch(now)
	return nil
}

func boardOf(doc Document, boardID string) (*Board, error) {
	wb, err := as[*WhiteboardDocument](doc)
	if err != nil {
		return nil, err
	}
	board, ok := wb.Boards[boardID]
	if !ok || board == nil {
		return nil, notFoundf("board %q", boardID)
	}
	return board, nil
}

func CreateSurvey(doc Document, title string, questions json.RawMessage, createdBy string, now time.Time) (*Survey, error) {
	sd, err := as[*SurveyDocument](doc)
	if err != nil {
		return nil, err
	}
	title = strings.TrimSpace(title)
	if title == "" {
		return nil, invalidf("survey title is required")
	}
	if !json.Valid(questions) {
		return nil, invalidf("invalid questions format")
	}
	sd.normalize()
	survey := &Survey{
		ID:        util.NewID("survey"),
		Title:     title,
		Questions: append(json.RawMessage(nil), questions...),
		CreatedBy: createdBy,
		CreatedAt: Epoch(now),
		Status:    SurveyStatusActive,
	}
	sd.Surveys[survey.ID] = survey
	sd.Responses[survey.ID] = map[string]*SurveyResponse{}
	return survey, nil
}

// SubmitSurveyResponse stores the respondent's answers, replacing any earlier
// submission by the same user.
func SubmitSurveyResponse(doc Document, surveyID string, responses json.RawMessage, user string, now time.Time) error {
	sd, err := as[*SurveyDocument](doc)
	if err != nil {
		return err
	}
	if !json.Valid(responses) {
		return invalidf("invalid responses format")
	}
	sd.normalize()
	if _, ok := sd.Surveys[surveyID]; !ok {
		return notFoundf("survey %q", surveyID)
	}
	if sd.Responses[surveyID] == nil {
		sd.Responses[surveyID] = map[string]*SurveyResponse{}
	}
	sd.Responses[surveyID][user] = &SurveyResponse{
		Responses:   append(json.RawMessage(nil), responses...),
		User:        user,
		SubmittedAt: Epoch(now),
	}
	return nil
}

func CreateProject(doc Document, name, description, createdBy string, now time.Time) (*Project, error) {
	pd, err := as[*ProjectsDocument](doc)
	if err != nil {
		return nil, err
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, invalidf("project name is required")
	}
	pd.normalize()
	project := &Project{
		ID:          util.NewID("project"),
		Name:        name,
		Description: description,
		Status:      ProjectStatusActive,
		CreatedBy:   createdBy,
		CreatedAt:   Epoch(now),
	}
	pd.Projects[project.ID] = project
	return project, nil
}

// CreateTask adds a todo task to an existing project. priority defaults to
// medium.
func CreateTask(doc Document, projectID, title, description, priority, createdBy string, now time.Time) (*Task, error) {
	pd, err := as[*ProjectsDocument](doc)
	if err != nil {
		return nil, err
	}
	title = strings.TrimSpace(title)
	if title == "" {
		return nil, invalidf("task title is required")
	}
	priority = util.TrimmedOrDefault(priority, PriorityMedium)
	switch priority {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityUrgent:
	default:
		return nil, invalidf("unknown priority %q", priority)
	}
	pd.normalize()
	if _, ok := pd.Projects[projectID]; !ok {
		return nil, notFoundf("project %q", projectID)
	}
	task := &Task{
		ID:          util.NewID("task"),
		ProjectID:   projectID,
		Title:       title,
		Description: description,
		Priority:    priority,
		Status:      TaskStatusTodo,
		CreatedBy:   createdBy,
		CreatedAt:   Epoch(now),
	}
	pd.Tasks[task.ID] = task
	return task, nil
}

func UpdateTaskStatus(doc Document, taskID, status string, now time.Time) error {
	pd, err := as[*ProjectsDocument](doc)
	if err != nil {
		return err
	}
	status = strings.TrimSpace(status)
	if !taskStatusPattern.MatchString(status) {
		return invalidf("invalid task status %q", status)
	}
	task, ok := pd.Tasks[taskID]
	if !ok || task == nil {
		return notFoundf("task %q", taskID)
	}
	task.Status = status
	task.UpdatedAt = Epoch(now)
	return nil
}
