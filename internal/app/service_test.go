package app

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"os"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"circles/api/internal/authpw"
	"circles/api/internal/features"
	"circles/api/internal/history"
	"circles/api/internal/store"
)

func TestCreateWorkspaceSeedsCatalogAndOwner(t *testing.T) {
	env := newTestEnv(t)
	owner := env.register(t, "alice")

	state, err := env.svc.CreateWorkspace(context.Background(), owner, "  Robotics  ", "club", "")
	if err != nil {
		t.Fatalf("create workspace: %v", err)
	}
	if len(state.Servers) != 1 {
		t.Fatalf("expected one server, got %d", len(state.Servers))
	}
	server := state.Servers[0]
	if server.Name != "Robotics" || server.UserRole != "owner" || server.Icon != defaultServerIcon {
		t.Fatalf("unexpected server view: %+v", server)
	}
	if server.OwnerID != owner.UserID || server.InviteCode == "" {
		t.Fatalf("expected owner and display invite code, got %+v", server)
	}

	list := state.Features[server.ID]
	if len(list) != len(features.Catalog) {
		t.Fatalf("expected %d features, got %d", len(features.Catalog), len(list))
	}
	for i, def := range features.Catalog {
		if list[i].Type != string(def.Kind) || list[i].Position != i || list[i].ServerID != server.ID {
			t.Fatalf("feature %d: got %+v, want kind %s", i, list[i], def.Kind)
		}
		if _, ok := state.Content[list[i].ID]; !ok {
			t.Fatalf("missing content for %s", def.Kind)
		}
	}

	var members features.MembersDocument
	membersID := env.featureID(t, server.ID, "members")
	if err := json.Unmarshal(state.Content[membersID], &members); err != nil {
		t.Fatalf("decode members: %v", err)
	}
	entry, ok := members.Members[owner.UserID]
	if !ok || entry.Role != "owner" || entry.Nickname != "alice" {
		t.Fatalf("expected derived owner entry, got %+v", members.Members)
	}

	if len(env.search.indexed) != len(features.Catalog) {
		t.Fatalf("expected every seeded document indexed, got %d", len(env.search.indexed))
	}
}

func TestCreateWorkspaceRequiresName(t *testing.T) {
	env := newTestEnv(t)
	owner := env.register(t, "alice")

	_, err := env.svc.CreateWorkspace(context.Background(), owner, "   ", "", "")
	if codeOf(err) != "VALIDATION_ERROR" || mapError(err).Message != "Server name is required" {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestBuildUserStateWithoutMemberships(t *testing.T) {
	env := newTestEnv(t)
	user := env.register(t, "loner")

	state, err := env.svc.BuildUserState(context.Background(), user.UserID)
	if err != nil {
		t.Fatalf("build state: %v", err)
	}
	if !state.LoggedIn || state.CurrentUser == nil || state.CurrentUser.Nickname != "loner" {
		t.Fatalf("unexpected current user: %+v", state.CurrentUser)
	}
	payload, err := json.Marshal(state)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(payload, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	for _, key := range []string{"servers", "features", "content"} {
		if value, ok := decoded[key].(map[string]any); !ok || len(value) != 0 {
			t.Fatalf("expected empty object for %s, got %v", key, decoded[key])
		}
	}
	if files, ok := decoded["files"].([]any); !ok || len(files) != 0 {
		t.Fatalf("expected empty files list, got %v", decoded["files"])
	}
}

func TestServerMapKeepsJoinOrder(t *testing.T) {
	servers := ServerMap{{ID: "server_b", Name: "B"}, {ID: "server_a", Name: "A"}}
	payload, err := json.Marshal(servers)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if bytes.Index(payload, []byte(`"server_b"`)) > bytes.Index(payload, []byte(`"server_a"`)) {
		t.Fatalf("expected join order to be kept: %s", payload)
	}
	var decoded map[string]ServerView
	if err := json.Unmarshal(payload, &decoded); err != nil {
		t.Fatalf("expected a JSON object: %v", err)
	}
	if decoded["server_a"].Name != "A" {
		t.Fatalf("unexpected decode: %+v", decoded)
	}
}

func TestConcurrentPostMessagesBothPersist(t *testing.T) {
	env := newTestEnv(t)
	owner := env.register(t, "alice")
	member := env.register(t, "bob")
	serverID := env.createServer(t, owner, "Robotics")
	env.join(t, owner, member, serverID)
	chatID := env.featureID(t, serverID, "chat")

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for _, id := range []Identity{owner, member} {
		wg.Add(1)
		go func(id Identity) {
			defer wg.Done()
			_, err := env.svc.PostMessage(context.Background(), id, chatID, "general", "hello from "+id.Username)
			errs <- err
		}(id)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("post message: %v", err)
		}
	}

	stored, err := env.store.GetDocument(context.Background(), chatID)
	if err != nil {
		t.Fatalf("get document: %v", err)
	}
	doc, err := features.Decode(features.KindChat, stored.Content)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	messages := doc.(*features.ChatDocument).SubItems["general"].Messages
	if len(messages) != 2 {
		t.Fatalf("expected both messages, got %d", len(messages))
	}
	if stored.Version != 3 {
		t.Fatalf("expected version 3 after two mutations, got %d", stored.Version)
	}
}

func TestMutationRequiresMembership(t *testing.T) {
	env := newTestEnv(t)
	owner := env.register(t, "alice")
	outsider := env.register(t, "mallory")
	serverID := env.createServer(t, owner, "Robotics")
	chatID := env.featureID(t, serverID, "chat")

	_, err := env.svc.PostMessage(context.Background(), outsider, chatID, "general", "hi")
	if codeOf(err) != "FORBIDDEN" {
		t.Fatalf("expected FORBIDDEN, got %v", err)
	}
	_, err = env.svc.PostMessage(context.Background(), owner, "feature_missing", "general", "hi")
	if codeOf(err) != "NOT_FOUND" {
		t.Fatalf("expected NOT_FOUND for unknown feature, got %v", err)
	}
	_, err = env.svc.PostMessage(context.Background(), owner, chatID, "nope", "hi")
	if codeOf(err) != "NOT_FOUND" {
		t.Fatalf("expected NOT_FOUND for unknown channel, got %v", err)
	}
}

func TestFeatureActionsUpdateDocuments(t *testing.T) {
	env := newTestEnv(t)
	owner := env.register(t, "alice")
	serverID := env.createServer(t, owner, "Robotics")
	ctx := context.Background()

	forumID := env.featureID(t, serverID, "forum")
	if _, err := env.svc.AddSubItem(ctx, owner, forumID, "Ideas", "thread"); err != nil {
		t.Fatalf("add sub item: %v", err)
	}

	projectsID := env.featureID(t, serverID, "projects")
	if _, err := env.svc.CreateProject(ctx, owner, projectsID, "Rover", "build it"); err != nil {
		t.Fatalf("create project: %v", err)
	}
	doc := decodeStored(t, env, projectsID, features.KindProjects).(*features.ProjectsDocument)
	var projectID string
	for id := range doc.Projects {
		projectID = id
	}
	if _, err := env.svc.CreateTask(ctx, owner, projectsID, projectID, "Wheels", "", ""); err != nil {
		t.Fatalf("create task: %v", err)
	}
	doc = decodeStored(t, env, projectsID, features.KindProjects).(*features.ProjectsDocument)
	var taskID string
	for id, task := range doc.Tasks {
		taskID = id
		if task.Priority != features.PriorityMedium {
			t.Fatalf("expected default priority, got %q", task.Priority)
		}
	}
	if _, err := env.svc.UpdateTaskStatus(ctx, owner, projectsID, taskID, "done"); err != nil {
		t.Fatalf("update task status: %v", err)
	}
	_, err := env.svc.CreateTask(ctx, owner, projectsID, "project_missing", "Orphan", "", "")
	if codeOf(err) != "NOT_FOUND" {
		t.Fatalf("expected NOT_FOUND for missing project, got %v", err)
	}

	surveyID := env.featureID(t, serverID, "survey")
	_, err = env.svc.CreateSurvey(ctx, owner, surveyID, "Lunch", "not json")
	if codeOf(err) != "VALIDATION_ERROR" {
		t.Fatalf("expected validation error for questions, got %v", err)
	}

	whiteboardID := env.featureID(t, serverID, "whiteboard")
	if _, err := env.svc.SaveWhiteboard(ctx, owner, whiteboardID, "main", `[{"type":"line"}]`); err != nil {
		t.Fatalf("save whiteboard: %v", err)
	}
	_, err = env.svc.SaveWhiteboard(ctx, owner, env.featureID(t, serverID, "chat"), "main", `[]`)
	if codeOf(err) != "VALIDATION_ERROR" {
		t.Fatalf("expected wrong-kind validation error, got %v", err)
	}
}

func decodeStored(t *testing.T, env *testEnv, featureID string, kind features.Kind) features.Document {
	t.Helper()
	stored, err := env.store.GetDocument(context.Background(), featureID)
	if err != nil {
		t.Fatalf("get document: %v", err)
	}
	doc, err := features.Decode(kind, stored.Content)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	return doc
}

func TestInviteLifecycle(t *testing.T) {
	env := newTestEnv(t)
	owner := env.register(t, "alice")
	bob := env.register(t, "bob")
	carol := env.register(t, "carol")
	serverID := env.createServer(t, owner, "Robotics")
	ctx := context.Background()

	invite, err := env.svc.CreateInvite(ctx, owner, serverID)
	if err != nil {
		t.Fatalf("create invite: %v", err)
	}
	if invite.InviteCode == "" || invite.InviteID == "" || invite.ExpiresAt == "" {
		t.Fatalf("incomplete invite: %+v", invite)
	}

	before, err := env.store.ListMembers(ctx, serverID)
	if err != nil {
		t.Fatalf("list members: %v", err)
	}
	state, err := env.svc.AcceptInvite(ctx, bob, invite.InviteCode)
	if err != nil {
		t.Fatalf("accept invite: %v", err)
	}
	if len(state.Servers) != 1 || state.Servers[0].UserRole != "member" {
		t.Fatalf("expected bob to be a member, got %+v", state.Servers)
	}
	after, err := env.store.ListMembers(ctx, serverID)
	if err != nil {
		t.Fatalf("list members: %v", err)
	}
	if len(after) != len(before)+1 {
		t.Fatalf("expected one new member, had %d now %d", len(before), len(after))
	}

	_, err = env.svc.AcceptInvite(ctx, carol, invite.InviteCode)
	if codeOf(err) != "EXPIRED" || mapError(err).Message != "invalid or expired invite code" {
		t.Fatalf("expected used invite to be rejected, got %v", err)
	}

	second, err := env.svc.CreateInvite(ctx, owner, serverID)
	if err != nil {
		t.Fatalf("create second invite: %v", err)
	}
	_, err = env.svc.AcceptInvite(ctx, bob, second.InviteCode)
	if codeOf(err) != "CONFLICT" {
		t.Fatalf("expected CONFLICT for existing member, got %v", err)
	}

	env.svc.now = func() time.Time { return time.Now().UTC().Add(25 * time.Hour) }
	_, err = env.svc.AcceptInvite(ctx, carol, second.InviteCode)
	if codeOf(err) != "EXPIRED" {
		t.Fatalf("expected expired invite to be rejected, got %v", err)
	}
}

func TestCreateInviteRequiresAdmin(t *testing.T) {
	env := newTestEnv(t)
	owner := env.register(t, "alice")
	member := env.register(t, "bob")
	serverID := env.createServer(t, owner, "Robotics")
	env.join(t, owner, member, serverID)

	_, err := env.svc.CreateInvite(context.Background(), member, serverID)
	if codeOf(err) != "FORBIDDEN" {
		t.Fatalf("expected FORBIDDEN, got %v", err)
	}
}

func TestSetRoleRules(t *testing.T) {
	env := newTestEnv(t)
	owner := env.register(t, "alice")
	bob := env.register(t, "bob")
	carol := env.register(t, "carol")
	serverID := env.createServer(t, owner, "Robotics")
	env.join(t, owner, bob, serverID)
	env.join(t, owner, carol, serverID)
	ctx := context.Background()

	if err := env.svc.SetRole(ctx, owner, serverID, bob.UserID, "admin"); err != nil {
		t.Fatalf("promote bob: %v", err)
	}
	if role, _ := env.svc.CheckRole(ctx, serverID, bob.UserID); role != "admin" {
		t.Fatalf("expected admin, got %q", role)
	}

	cases := []struct {
		name  string
		actor Identity
		user  string
		role  string
		code  string
	}{
		{name: "admin changes owner", actor: bob, user: owner.UserID, role: "member", code: "FORBIDDEN"},
		{name: "member changes role", actor: carol, user: bob.UserID, role: "member", code: "FORBIDDEN"},
		{name: "owner role not assignable", actor: owner, user: carol.UserID, role: "owner", code: "VALIDATION_ERROR"},
		{name: "unknown role", actor: owner, user: carol.UserID, role: "superuser", code: "VALIDATION_ERROR"},
		{name: "target not a member", actor: owner, user: "user_missing", role: "member", code: "NOT_FOUND"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := env.svc.SetRole(ctx, tc.actor, serverID, tc.user, tc.role)
			if codeOf(err) != tc.code {
				t.Fatalf("expected %s, got %v", tc.code, err)
			}
		})
	}

	if err := env.svc.SetRole(ctx, bob, serverID, carol.UserID, "moderator"); err != nil {
		t.Fatalf("admin sets moderator: %v", err)
	}
	if role, _ := env.svc.CheckRole(ctx, serverID, carol.UserID); role != "moderator" {
		t.Fatalf("expected moderator, got %q", role)
	}
	if _, err := env.svc.CreateInvite(ctx, bob, serverID); err != nil {
		t.Fatalf("admin creates invite: %v", err)
	}
}

func TestKickMember(t *testing.T) {
	env := newTestEnv(t)
	owner := env.register(t, "alice")
	bob := env.register(t, "bob")
	carol := env.register(t, "carol")
	serverID := env.createServer(t, owner, "Robotics")
	env.join(t, owner, bob, serverID)
	env.join(t, owner, carol, serverID)
	ctx := context.Background()

	for _, id := range []Identity{bob, carol} {
		if err := env.svc.SetRole(ctx, owner, serverID, id.UserID, "admin"); err != nil {
			t.Fatalf("promote: %v", err)
		}
	}
	if err := env.svc.KickMember(ctx, bob, serverID, carol.UserID); codeOf(err) != "FORBIDDEN" {
		t.Fatalf("expected admin-on-admin removal to be forbidden, got %v", err)
	}
	if err := env.svc.KickMember(ctx, bob, serverID, owner.UserID); codeOf(err) != "FORBIDDEN" {
		t.Fatalf("expected owner removal to be forbidden, got %v", err)
	}
	if err := env.svc.KickMember(ctx, owner, serverID, carol.UserID); err != nil {
		t.Fatalf("owner removes admin: %v", err)
	}
	if _, err := env.svc.CheckRole(ctx, serverID, carol.UserID); codeOf(err) != "FORBIDDEN" {
		t.Fatalf("expected carol to be gone, got %v", err)
	}
}

func TestListMembers(t *testing.T) {
	env := newTestEnv(t)
	owner := env.register(t, "alice")
	bob := env.register(t, "bob")
	outsider := env.register(t, "mallory")
	serverID := env.createServer(t, owner, "Robotics")
	env.join(t, owner, bob, serverID)
	ctx := context.Background()

	members, err := env.svc.ListMembers(ctx, bob, serverID)
	if err != nil {
		t.Fatalf("list members: %v", err)
	}
	if len(members) != 2 || members[0].Username != "alice" || members[1].Role != "member" {
		t.Fatalf("unexpected members: %+v", members)
	}
	if members[1].Nickname != "bob" {
		t.Fatalf("expected nickname to fall back to username, got %q", members[1].Nickname)
	}
	if _, err := env.svc.ListMembers(ctx, outsider, serverID); codeOf(err) != "FORBIDDEN" {
		t.Fatalf("expected FORBIDDEN for outsider, got %v", err)
	}
}

func TestUpdateFeatureContent(t *testing.T) {
	env := newTestEnv(t)
	owner := env.register(t, "alice")
	serverID := env.createServer(t, owner, "Robotics")
	ctx := context.Background()
	calendarID := env.featureID(t, serverID, "calendar")

	_, err := env.svc.UpdateFeatureContent(ctx, owner, calendarID, "{not json")
	if mapError(err).Message != "Invalid JSON data" {
		t.Fatalf("expected invalid JSON error, got %v", err)
	}
	_, err = env.svc.UpdateFeatureContent(ctx, owner, calendarID, `{"events":{},"extra":1}`)
	if codeOf(err) != "VALIDATION_ERROR" {
		t.Fatalf("expected shape error, got %v", err)
	}
	if _, err := env.svc.UpdateFeatureContent(ctx, owner, calendarID, `{"events":{"e1":{"title":"Meetup"}}}`); err != nil {
		t.Fatalf("update content: %v", err)
	}
	content, err := env.svc.GetFeatureContent(ctx, owner, calendarID)
	if err != nil {
		t.Fatalf("get content: %v", err)
	}
	if !reflect.DeepEqual(decodeObject(t, content), decodeObject(t, []byte(`{"events":{"e1":{"title":"Meetup"}}}`))) {
		t.Fatalf("expected stored event unchanged, got %s", content)
	}

	membersID := env.featureID(t, serverID, "members")
	_, err = env.svc.UpdateFeatureContent(ctx, owner, membersID, `{"members":{"x":{"userId":"x"}},"roles":{}}`)
	if codeOf(err) != "VALIDATION_ERROR" {
		t.Fatalf("expected members map to be rejected, got %v", err)
	}
	content, err = env.svc.GetFeatureContent(ctx, owner, membersID)
	if err != nil {
		t.Fatalf("get members content: %v", err)
	}
	if !strings.Contains(string(content), owner.UserID) {
		t.Fatalf("expected derived members, got %s", content)
	}
}

func decodeObject(t *testing.T, raw []byte) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatalf("decode %s: %v", raw, err)
	}
	return out
}

func TestFeatureContentRoundTripsForEveryKind(t *testing.T) {
	env := newTestEnv(t)
	owner := env.register(t, "alice")
	serverID := env.createServer(t, owner, "Robotics")
	ctx := context.Background()

	samples := map[features.Kind]string{
		features.KindChat:       `{"subItems":{"general":{"id":"general","name":"General","type":"channel","messages":[{"id":"m1","authorId":"u1","authorName":"Alice","content":"hi","timestamp":1700000000}]}}}`,
		features.KindForum:      `{"subItems":{"ideas":{"id":"ideas","name":"Ideas","type":"thread","posts":[]}}}`,
		features.KindWhiteboard: `{"boards":{"sketch":{"id":"sketch","name":"Sketch"}}}`,
		features.KindStorage:    `{"folders":{"docs":{"name":"Docs"}}}`,
		features.KindSurvey:     `{"surveys":{"s1":{"id":"s1","title":"Lunch","questions":[{"q":"When?"}],"created_by":"alice","created_at":1700000000.5,"status":"active"}}}`,
		features.KindProjects:   `{"projects":{"p1":{"id":"p1","name":"Robot"}}}`,
		features.KindWiki:       `{"pages":{"home":{"title":"Home"}}}`,
		features.KindCalendar:   `{"events":{"e1":{"title":"Meetup","start":"2026-05-01"}}}`,
		features.KindBudget:     `{"accounts":{"dues":{"name":"Dues","balance":12.5}}}`,
		features.KindInventory:  `{"items":{"drill":{"name":"Drill","qty":2}},"categories":["Tools"]}`,
		features.KindMembers:    `{"roles":{"admin":{"name":"Admin"}}}`,
		features.KindAlbum:      `{"albums":{"trip":{"title":"Trip","photos":[]}}}`,
		features.KindDiary:      `{"entries":{"d1":{"text":"Day one"}}}`,
	}
	for _, def := range features.Catalog {
		sample, ok := samples[def.Kind]
		if !ok {
			t.Fatalf("no sample document for %s", def.Kind)
		}
		t.Run(string(def.Kind), func(t *testing.T) {
			featureID := env.featureID(t, serverID, string(def.Kind))
			state, err := env.svc.UpdateFeatureContent(ctx, owner, featureID, sample)
			if err != nil {
				t.Fatalf("update content: %v", err)
			}
			content, err := env.svc.GetFeatureContent(ctx, owner, featureID)
			if err != nil {
				t.Fatalf("get content: %v", err)
			}
			again, err := env.svc.GetFeatureContent(ctx, owner, featureID)
			if err != nil {
				t.Fatalf("get content again: %v", err)
			}
			if !reflect.DeepEqual(decodeObject(t, content), decodeObject(t, again)) {
				t.Fatalf("repeated reads differ: %s vs %s", content, again)
			}
			if !reflect.DeepEqual(decodeObject(t, content), decodeObject(t, state.Content[featureID])) {
				t.Fatalf("snapshot copy differs: %s vs %s", content, state.Content[featureID])
			}

			got := decodeObject(t, content)
			if def.Kind == features.KindMembers {
				members, _ := got["members"].(map[string]any)
				if _, ok := members[owner.UserID]; !ok {
					t.Fatalf("expected derived members in %s", content)
				}
				delete(got, "members")
			}
			if want := decodeObject(t, []byte(sample)); !reflect.DeepEqual(want, got) {
				t.Fatalf("content changed on the way through:\nsent %s\ngot  %s", sample, content)
			}
		})
	}
}

func TestBuildUserStateRendersMalformedContentAsEmpty(t *testing.T) {
	env := newTestEnv(t)
	owner := env.register(t, "alice")
	serverID := env.createServer(t, owner, "Robotics")
	budgetID := env.featureID(t, serverID, "budget")
	if _, err := env.store.PutDocument(context.Background(), budgetID, json.RawMessage(`["not","an","object"]`)); err != nil {
		t.Fatalf("put document: %v", err)
	}

	state, err := env.svc.BuildUserState(context.Background(), owner.UserID)
	if err != nil {
		t.Fatalf("build state: %v", err)
	}
	if string(state.Content[budgetID]) != "{}" {
		t.Fatalf("expected empty object, got %s", state.Content[budgetID])
	}
}

func TestUploadAndOpenFile(t *testing.T) {
	env := newTestEnv(t)
	owner := env.register(t, "alice")
	outsider := env.register(t, "mallory")
	serverID := env.createServer(t, owner, "Robotics")
	ctx := context.Background()
	payload := []byte("minutes of the meeting")

	_, err := env.svc.UploadFile(ctx, outsider, Upload{ServerID: serverID, Filename: "notes.txt", Size: int64(len(payload)), Body: bytes.NewReader(payload)})
	if codeOf(err) != "FORBIDDEN" {
		t.Fatalf("expected FORBIDDEN for outsider, got %v", err)
	}

	view, err := env.svc.UploadFile(ctx, owner, Upload{
		ServerID:    serverID,
		Filename:    "../Notes.TXT",
		ContentType: "text/plain",
		Size:        int64(len(payload)),
		Body:        bytes.NewReader(payload),
	})
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if view.OriginalFilename != "Notes.TXT" || !strings.HasSuffix(view.StoredFilename, ".txt") {
		t.Fatalf("unexpected names: %+v", view)
	}
	if view.URL != "/files/uploads/"+view.StoredFilename || view.FileSize != int64(len(payload)) {
		t.Fatalf("unexpected view: %+v", view)
	}

	body, asset, err := env.svc.OpenFile(ctx, view.StoredFilename)
	if err != nil {
		t.Fatalf("open file: %v", err)
	}
	defer body.Close()
	if got := readAll(t, body); !bytes.Equal(got, payload) {
		t.Fatalf("unexpected content %q", got)
	}
	if asset.MimeType != "text/plain" {
		t.Fatalf("unexpected mime type %q", asset.MimeType)
	}

	state, err := env.svc.BuildUserState(ctx, owner.UserID)
	if err != nil {
		t.Fatalf("build state: %v", err)
	}
	if len(state.Files) != 1 || state.Files[0].DownloadCount != 1 || state.Files[0].UploadedBy != "alice" {
		t.Fatalf("unexpected files: %+v", state.Files)
	}

	for _, name := range []string{"../etc/passwd", "notes.txt", ""} {
		if _, _, err := env.svc.OpenFile(ctx, name); codeOf(err) != "NOT_FOUND" {
			t.Fatalf("expected NOT_FOUND for %q, got %v", name, err)
		}
	}
}

func TestUploadFileRejectsOversize(t *testing.T) {
	env := newTestEnv(t)
	owner := env.register(t, "alice")
	serverID := env.createServer(t, owner, "Robotics")

	_, err := env.svc.UploadFile(context.Background(), owner, Upload{
		ServerID: serverID,
		Filename: "big.bin",
		Size:     env.svc.cfg.MaxUploadBytes + 1,
		Body:     bytes.NewReader(nil),
	})
	if codeOf(err) != "VALIDATION_ERROR" {
		t.Fatalf("expected VALIDATION_ERROR, got %v", err)
	}
}

func TestSaveWhiteboardImage(t *testing.T) {
	env := newTestEnv(t)
	owner := env.register(t, "alice")
	serverID := env.createServer(t, owner, "Robotics")
	whiteboardID := env.featureID(t, serverID, "whiteboard")
	ctx := context.Background()
	png := []byte("\x89PNG\r\n\x1a\nfake")
	dataURL := "data:image/png;base64," + base64.StdEncoding.EncodeToString(png)

	if _, err := env.svc.SaveWhiteboardImage(ctx, owner, whiteboardID, "main", "not a data url"); codeOf(err) != "VALIDATION_ERROR" {
		t.Fatalf("expected VALIDATION_ERROR for bad data url, got %v", err)
	}
	if _, err := env.svc.SaveWhiteboardImage(ctx, owner, whiteboardID, "missing", dataURL); codeOf(err) != "NOT_FOUND" {
		t.Fatalf("expected NOT_FOUND for missing board, got %v", err)
	}

	view, err := env.svc.SaveWhiteboardImage(ctx, owner, whiteboardID, "main", dataURL)
	if err != nil {
		t.Fatalf("save image: %v", err)
	}
	if !strings.HasPrefix(view.ImagePath, "/files/") || !strings.HasSuffix(view.ImagePath, ".png") {
		t.Fatalf("unexpected image path %q", view.ImagePath)
	}

	doc := decodeStored(t, env, whiteboardID, features.KindWhiteboard).(*features.WhiteboardDocument)
	board := doc.Boards["main"]
	if board.ImageID != view.ImageID || board.ImageURL != view.ImagePath {
		t.Fatalf("board not linked to image: %+v", board)
	}
	assets, _ := env.store.ListFileAssets(ctx, []string{serverID})
	if len(assets) != 1 || assets[0].OriginalName != "whiteboard_main.png" {
		t.Fatalf("unexpected assets: %+v", assets)
	}
}

func TestSaveWhiteboardImageDiscardsAssetWhenLinkFails(t *testing.T) {
	env := newTestEnv(t)
	owner := env.register(t, "alice")
	serverID := env.createServer(t, owner, "Robotics")
	whiteboardID := env.featureID(t, serverID, "whiteboard")
	ctx := context.Background()
	dataURL := "data:image/png;base64," + base64.StdEncoding.EncodeToString([]byte("\x89PNG\r\n\x1a\nfake"))

	env.store.mutateFn = func(string) error { return errors.New("document locked") }
	if _, err := env.svc.SaveWhiteboardImage(ctx, owner, whiteboardID, "main", dataURL); err == nil {
		t.Fatal("expected the board update to fail")
	}
	assets, err := env.store.ListFileAssets(ctx, []string{serverID})
	if err != nil {
		t.Fatalf("list assets: %v", err)
	}
	if len(assets) != 0 {
		t.Fatalf("expected no file rows after a failed link, got %+v", assets)
	}
	entries, err := os.ReadDir(env.blobDir)
	if err != nil {
		t.Fatalf("read blob dir: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected no stored blobs after a failed link, got %d", len(entries))
	}
}

func TestFeatureHistoryRecordsRevisions(t *testing.T) {
	env := newTestEnv(t)
	env.svc.history = history.New(t.TempDir())
	owner := env.register(t, "alice")
	serverID := env.createServer(t, owner, "Robotics")
	chatID := env.featureID(t, serverID, "chat")
	ctx := context.Background()

	if _, err := env.svc.PostMessage(ctx, owner, chatID, "general", "first"); err != nil {
		t.Fatalf("post message: %v", err)
	}
	revisions, err := env.svc.FeatureHistory(ctx, owner, chatID, 0)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(revisions) != 2 || revisions[0].Version != 2 || revisions[1].Version != 1 {
		t.Fatalf("expected two revisions newest first, got %+v", revisions)
	}

	result, err := env.svc.FeatureRevision(ctx, owner, chatID, revisions[1].Hash)
	if err != nil {
		t.Fatalf("revision: %v", err)
	}
	if strings.Contains(string(result["content"].(json.RawMessage)), "first") {
		t.Fatalf("seed revision should not contain the message")
	}
	if _, err := env.svc.FeatureRevision(ctx, owner, chatID, "deadbeef"); codeOf(err) != "NOT_FOUND" {
		t.Fatalf("expected NOT_FOUND for unknown revision, got %v", err)
	}
}

func TestFeatureHistoryWithoutArchive(t *testing.T) {
	env := newTestEnv(t)
	owner := env.register(t, "alice")
	serverID := env.createServer(t, owner, "Robotics")
	chatID := env.featureID(t, serverID, "chat")

	_, err := env.svc.FeatureHistory(context.Background(), owner, chatID, 10)
	if codeOf(err) != "UNAVAILABLE" {
		t.Fatalf("expected UNAVAILABLE, got %v", err)
	}
}

func TestSearchIsScopedToMemberships(t *testing.T) {
	env := newTestEnv(t)
	owner := env.register(t, "alice")
	other := env.register(t, "bob")
	first := env.createServer(t, owner, "Robotics")
	second := env.createServer(t, owner, "Chess")
	foreign := env.createServer(t, other, "Secret")
	ctx := context.Background()

	if _, err := env.svc.Search(ctx, owner, "wheels", "", 0); err != nil {
		t.Fatalf("search: %v", err)
	}
	scope := env.search.queries[0].WorkspaceIDs
	if len(scope) != 2 || scope[0] != first || scope[1] != second {
		t.Fatalf("unexpected scope %v", scope)
	}

	if _, err := env.svc.Search(ctx, owner, "wheels", foreign, 0); codeOf(err) != "FORBIDDEN" {
		t.Fatalf("expected FORBIDDEN for foreign server, got %v", err)
	}
	if _, err := env.svc.Search(ctx, owner, "  ", "", 0); codeOf(err) != "VALIDATION_ERROR" {
		t.Fatalf("expected VALIDATION_ERROR for blank query, got %v", err)
	}
}

func TestExportWikiPage(t *testing.T) {
	env := newTestEnv(t)
	owner := env.register(t, "alice")
	serverID := env.createServer(t, owner, "Robotics")
	wikiID := env.featureID(t, serverID, "wiki")
	ctx := context.Background()

	result, err := env.svc.ExportWikiPage(ctx, owner, wikiID, "welcome")
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	data, _ := base64.StdEncoding.DecodeString(result["data"].(string))
	if string(data) != "%PDF-1.4" || result["mimeType"] != "application/pdf" {
		t.Fatalf("unexpected result %+v", result)
	}
	page := env.export.pages[0]
	if page.Title != "Welcome" || page.ServerName != "Robotics" || page.FeatureName != "Wiki" {
		t.Fatalf("unexpected export input %+v", page)
	}
	if page.UpdatedAt.IsZero() {
		t.Fatal("expected page timestamp to be converted")
	}

	if _, err := env.svc.ExportWikiPage(ctx, owner, wikiID, "missing"); codeOf(err) != "NOT_FOUND" {
		t.Fatalf("expected NOT_FOUND, got %v", err)
	}
	if _, err := env.svc.ExportWikiPage(ctx, owner, env.featureID(t, serverID, "chat"), "welcome"); codeOf(err) != "VALIDATION_ERROR" {
		t.Fatalf("expected VALIDATION_ERROR for non-wiki feature, got %v", err)
	}
}

func TestSessionLifecycle(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "alice")
	ctx := context.Background()

	_, grant, err := env.svc.Login(ctx, "alice", "secret1")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	id, err := env.svc.ResolveIdentity(ctx, grant.Token)
	if err != nil || id.Username != "alice" || id.SessionID == "" {
		t.Fatalf("expected resolved identity, got %+v err=%v", id, err)
	}

	tampered, err := env.svc.ResolveIdentity(ctx, grant.Token+"x")
	if err != nil || tampered.Authenticated() {
		t.Fatalf("expected tampered token to be anonymous, got %+v err=%v", tampered, err)
	}

	if err := env.svc.Logout(ctx, id); err != nil {
		t.Fatalf("logout: %v", err)
	}
	after, err := env.svc.ResolveIdentity(ctx, grant.Token)
	if err != nil || after.Authenticated() {
		t.Fatalf("expected logged out session to be anonymous, got %+v err=%v", after, err)
	}
}

func TestLoginErrors(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "alice")
	ctx := context.Background()

	if _, _, err := env.svc.Login(ctx, "nobody", "secret1"); mapError(err).Message != "username not found" {
		t.Fatalf("expected username not found, got %v", err)
	}
	if _, _, err := env.svc.Login(ctx, "alice", "wrong"); mapError(err).Message != "wrong password" {
		t.Fatalf("expected wrong password, got %v", err)
	}
}

func TestRecoveryErrorsAreMapped(t *testing.T) {
	env := newTestEnv(t)
	env.accounts.approveRecoveryFn = func(context.Context, string, string) error {
		return errors.Join(errors.New("approve recovery"), authpw.ErrRecoveryExpired)
	}
	env.accounts.resetPasswordFn = func(context.Context, string, string) error {
		return authpw.ErrRecoveryNotApproved
	}
	ctx := context.Background()

	if err := env.svc.ApprovePasswordRecovery(ctx, Identity{UserID: "user_1"}, "token"); codeOf(err) != "EXPIRED" {
		t.Fatalf("expected EXPIRED, got %v", err)
	}
	if err := env.svc.ResetPassword(ctx, "token", "newpass"); codeOf(err) != "VALIDATION_ERROR" {
		t.Fatalf("expected VALIDATION_ERROR, got %v", err)
	}
	if _, err := env.svc.RequestPasswordRecovery(ctx, "alice", ""); codeOf(err) != "VALIDATION_ERROR" {
		t.Fatalf("expected VALIDATION_ERROR for missing partner, got %v", err)
	}
}

func TestUpdateProfile(t *testing.T) {
	env := newTestEnv(t)
	user := env.register(t, "alice")
	ctx := context.Background()

	if _, err := env.svc.UpdateProfile(ctx, user, store.ProfileUpdate{}); mapError(err).Message != "no fields to update" {
		t.Fatalf("expected no fields error, got %v", err)
	}
	nickname := "Al"
	year := 2024
	state, err := env.svc.UpdateProfile(ctx, user, store.ProfileUpdate{Nickname: &nickname, AdmissionYear: &year})
	if err != nil {
		t.Fatalf("update profile: %v", err)
	}
	if state.CurrentUser.Nickname != "Al" || state.CurrentUser.AdmissionYear == nil || *state.CurrentUser.AdmissionYear != 2024 {
		t.Fatalf("unexpected user %+v", state.CurrentUser)
	}
}
