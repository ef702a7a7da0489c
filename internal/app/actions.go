package app

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"circles/api/internal/store"
)

// actionContext is the request seen by an action handler.
type actionContext struct {
	w  http.ResponseWriter
	r  *http.Request
	id Identity
}

// field returns a trimmed form value.
func (c *actionContext) field(key string) string {
	return strings.TrimSpace(c.r.FormValue(key))
}

// raw returns a form value as sent, for free text and JSON payloads.
func (c *actionContext) raw(key string) string {
	return c.r.FormValue(key)
}

func (c *actionContext) intField(key string) (int, error) {
	value := c.field(key)
	if value == "" {
		return 0, nil
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return 0, Validation(key + " must be a number")
	}
	return parsed, nil
}

type actionHandler struct {
	requiresAuth bool
	run          func(ctx context.Context, c *actionContext) (any, error)
}

func public(run func(context.Context, *actionContext) (any, error)) actionHandler {
	return actionHandler{run: run}
}

func authed(run func(context.Context, *actionContext) (any, error)) actionHandler {
	return actionHandler{requiresAuth: true, run: run}
}

func message(text string) map[string]string {
	return map[string]string{"message": text}
}

func (s *HTTPServer) registerActions() map[string]actionHandler {
	svc := s.service
	return map[string]actionHandler{
		"login": public(func(ctx context.Context, c *actionContext) (any, error) {
			state, grant, err := svc.Login(ctx, c.field("username"), c.raw("password"))
			if err != nil {
				return nil, err
			}
			if c.id.SessionID != "" {
				if err := svc.Logout(ctx, c.id); err != nil {
					s.logger.Warn().Err(err).Msg("drop previous session")
				}
			}
			setSessionCookie(c.w, c.r, grant)
			return map[string]any{"loggedIn": true, "state": state}, nil
		}),
		"register": public(func(ctx context.Context, c *actionContext) (any, error) {
			if err := svc.Register(ctx, c.field("username"), c.raw("password")); err != nil {
				return nil, err
			}
			return message("User registered successfully"), nil
		}),
		"logout": public(func(ctx context.Context, c *actionContext) (any, error) {
			if err := svc.Logout(ctx, c.id); err != nil {
				return nil, err
			}
			clearSessionCookie(c.w, c.r)
			return message("Logged out successfully"), nil
		}),
		"checkSession": public(func(ctx context.Context, c *actionContext) (any, error) {
			return svc.CheckSession(ctx, c.id)
		}),
		"addServer": authed(func(ctx context.Context, c *actionContext) (any, error) {
			return svc.CreateWorkspace(ctx, c.id, c.field("name"), c.field("description"), c.field("icon"))
		}),
		"addSubItem": authed(func(ctx context.Context, c *actionContext) (any, error) {
			return svc.AddSubItem(ctx, c.id, c.field("featureId"), c.field("name"), c.field("type"))
		}),
		"addWhiteboard": authed(func(ctx context.Context, c *actionContext) (any, error) {
			return svc.AddWhiteboard(ctx, c.id, c.field("featureId"), c.field("name"))
		}),
		"saveWhiteboard": authed(func(ctx context.Context, c *actionContext) (any, error) {
			return svc.SaveWhiteboard(ctx, c.id, c.field("featureId"), c.field("boardId"), c.raw("elements"))
		}),
		"postMessage": authed(func(ctx context.Context, c *actionContext) (any, error) {
			return svc.PostMessage(ctx, c.id, c.field("featureId"), c.field("subItemId"), c.raw("content"))
		}),
		"createSurvey": authed(func(ctx context.Context, c *actionContext) (any, error) {
			return svc.CreateSurvey(ctx, c.id, c.field("featureId"), c.field("title"), c.raw("questions"))
		}),
		"submitSurveyResponse": authed(func(ctx context.Context, c *actionContext) (any, error) {
			return svc.SubmitSurveyResponse(ctx, c.id, c.field("featureId"), c.field("surveyId"), c.raw("responses"))
		}),
		"createProject": authed(func(ctx context.Context, c *actionContext) (any, error) {
			return svc.CreateProject(ctx, c.id, c.field("featureId"), c.field("name"), c.raw("description"))
		}),
		"createTask": authed(func(ctx context.Context, c *actionContext) (any, error) {
			return svc.CreateTask(ctx, c.id, c.field("featureId"), c.field("projectId"), c.field("title"), c.raw("description"), c.field("priority"))
		}),
		"updateTaskStatus": authed(func(ctx context.Context, c *actionContext) (any, error) {
			return svc.UpdateTaskStatus(ctx, c.id, c.field("featureId"), c.field("taskId"), c.field("status"))
		}),
		"updateProfile": authed(func(ctx context.Context, c *actionContext) (any, error) {
			update, err := profileUpdateFromForm(c)
			if err != nil {
				return nil, err
			}
			return svc.UpdateProfile(ctx, c.id, update)
		}),
		"uploadFile": authed(func(ctx context.Context, c *actionContext) (any, error) {
			file, header, err := c.r.FormFile("file")
			if err != nil {
				if errors.Is(err, http.ErrMissingFile) || errors.Is(err, http.ErrNotMultipart) {
					return nil, Validation("file is required")
				}
				return nil, err
			}
			defer file.Close()
			return svc.UploadFile(ctx, c.id, Upload{
				ServerID:    c.field("serverId"),
				FeatureID:   c.field("featureId"),
				Filename:    header.Filename,
				ContentType: header.Header.Get("Content-Type"),
				Size:        header.Size,
				Body:        file,
			})
		}),
		"createInvite": authed(func(ctx context.Context, c *actionContext) (any, error) {
			return svc.CreateInvite(ctx, c.id, c.field("serverId"))
		}),
		"acceptInvite": authed(func(ctx context.Context, c *actionContext) (any, error) {
			return svc.AcceptInvite(ctx, c.id, c.field("inviteCode"))
		}),
		"updateMemberRole": authed(func(ctx context.Context, c *actionContext) (any, error) {
			if err := svc.SetRole(ctx, c.id, c.field("serverId"), c.field("userId"), c.field("role")); err != nil {
				return nil, err
			}
			return message("Role updated successfully"), nil
		}),
		"kickMember": authed(func(ctx context.Context, c *actionContext) (any, error) {
			if err := svc.KickMember(ctx, c.id, c.field("serverId"), c.field("userId")); err != nil {
				return nil, err
			}
			return message("Member removed"), nil
		}),
		"requestPasswordRecovery": public(func(ctx context.Context, c *actionContext) (any, error) {
			ticket, err := svc.RequestPasswordRecovery(ctx, c.field("username"), c.field("partnerUsername"))
			if err != nil {
				return nil, err
			}
			return map[string]any{
				"message":       "Recovery request sent to your partner",
				"recoveryToken": ticket.Token,
				"expiresAt":     formatTime(ticket.ExpiresAt),
			}, nil
		}),
		"approvePasswordRecovery": authed(func(ctx context.Context, c *actionContext) (any, error) {
			if err := svc.ApprovePasswordRecovery(ctx, c.id, c.field("recoveryToken")); err != nil {
				return nil, err
			}
			return message("Password recovery approved"), nil
		}),
		"resetPassword": public(func(ctx context.Context, c *actionContext) (any, error) {
			if err := svc.ResetPassword(ctx, c.field("recoveryToken"), c.raw("newPassword")); err != nil {
				return nil, err
			}
			return message("Password reset successfully"), nil
		}),
		"getServerMembers": authed(func(ctx context.Context, c *actionContext) (any, error) {
			members, err := svc.ListMembers(ctx, c.id, c.field("serverId"))
			if err != nil {
				return nil, err
			}
			return map[string]any{"members": members}, nil
		}),
		"saveWhiteboardImage": authed(func(ctx context.Context, c *actionContext) (any, error) {
			return svc.SaveWhiteboardImage(ctx, c.id, c.field("featureId"), c.field("boardId"), c.field("imageData"))
		}),
		"updateFeatureContent": authed(func(ctx context.Context, c *actionContext) (any, error) {
			return svc.UpdateFeatureContent(ctx, c.id, c.field("featureId"), c.raw("content"))
		}),
		"getFeatureContent": authed(func(ctx context.Context, c *actionContext) (any, error) {
			return svc.GetFeatureContent(ctx, c.id, c.field("featureId"))
		}),
		"getFeatureHistory": authed(func(ctx context.Context, c *actionContext) (any, error) {
			limit, err := c.intField("limit")
			if err != nil {
				return nil, err
			}
			revisions, err := svc.FeatureHistory(ctx, c.id, c.field("featureId"), limit)
			if err != nil {
				return nil, err
			}
			return map[string]any{"revisions": revisions}, nil
		}),
		"getFeatureRevision": authed(func(ctx context.Context, c *actionContext) (any, error) {
			return svc.FeatureRevision(ctx, c.id, c.field("featureId"), c.field("revision"))
		}),
		"search": authed(func(ctx context.Context, c *actionContext) (any, error) {
			limit, err := c.intField("limit")
			if err != nil {
				return nil, err
			}
			return svc.Search(ctx, c.id, c.field("query"), c.field("serverId"), limit)
		}),
		"exportWikiPage": authed(func(ctx context.Context, c *actionContext) (any, error) {
			return svc.ExportWikiPage(ctx, c.id, c.field("featureId"), c.field("pageId"))
		}),
	}
}

// profileUpdateFromForm picks the non-empty profile fields of the form.
func profileUpdateFromForm(c *actionContext) (store.ProfileUpdate, error) {
	var update store.ProfileUpdate
	text := func(key string) *string {
		if value := c.field(key); value != "" {
			return &value
		}
		return nil
	}
	update.Nickname = text("nickname")
	update.Email = text("email")
	update.Major = text("major")
	update.StudentID = text("student_id")
	update.Bio = text("bio")
	update.Theme = text("theme")
	update.UIScale = text("ui_scale")
	update.Language = text("language")
	update.Timezone = text("timezone")

	for key, target := range map[string]**int{
		"admission_year":  &update.AdmissionYear,
		"graduation_year": &update.GraduationYear,
	} {
		if c.field(key) == "" {
			continue
		}
		year, err := c.intField(key)
		if err != nil {
			return store.ProfileUpdate{}, err
		}
		*target = &year
	}
	return update, nil
}
