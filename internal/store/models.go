package store

import (
	"encoding/json"
	"time"
)

type User struct {
	ID             string
	Username       string
	PasswordHash   string
	Nickname       string
	Email          string
	AdmissionYear  *int
	GraduationYear *int
	Major          string
	StudentID      string
	Bio            string
	Avatar         string
	UIScale        string
	Theme          string
	Language       string
	Timezone       string
	LastLogin      *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// DisplayName is the nickname, or the username when no nickname is set.
func (u User) DisplayName() string {
	if u.Nickname != "" {
		return u.Nickname
	}
	return u.Username
}

// ProfileUpdate carries the optional profile fields of an update. Nil
// fields are left untouched.
type ProfileUpdate struct {
	Nickname       *string
	Email          *string
	AdmissionYear  *int
	GraduationYear *int
	Major          *string
	StudentID      *string
	Bio            *string
	Theme          *string
	UIScale        *string
	Language       *string
	Timezone       *string
}

func (p ProfileUpdate) Empty() bool {
	return p.Nickname == nil && p.Email == nil && p.AdmissionYear == nil && p.GraduationYear == nil &&
		p.Major == nil && p.StudentID == nil && p.Bio == nil && p.Theme == nil &&
		p.UIScale == nil && p.Language == nil && p.Timezone == nil
}

type Workspace struct {
	ID          string
	Name        string
	Description string
	Icon        string
	Banner      string
	OwnerID     string
	IsPublic    bool
	InviteCode  string
	CreatedAt   time.Time
}

type Membership struct {
	WorkspaceID string
	UserID      string
	Role        string
	InvitedBy   *string
	JoinedAt    time.Time
}

// WorkspaceMembership is a workspace seen through one member's row.
type WorkspaceMembership struct {
	Workspace
	Role     string
	JoinedAt time.Time
}

// Member is a membership joined with the member's public profile.
type Member struct {
	UserID   string
	Username string
	Nickname string
	Avatar   string
	Role     string
	JoinedAt time.Time
}

type Feature struct {
	ID          string
	WorkspaceID string
	Name        string
	Type        string
	Icon        string
	Position    int
	CreatedAt   time.Time
}

type FeatureDocument struct {
	FeatureID string
	Content   json.RawMessage
	Version   int64
	UpdatedAt time.Time
}

// FeatureSeed is a feature row plus its initial document, inserted together
// when a workspace is created.
type FeatureSeed struct {
	Feature Feature
	Content json.RawMessage
}

type Invite struct {
	ID          string
	WorkspaceID string
	InviterID   string
	Code        string
	MaxUses     int
	CurrentUses int
	ExpiresAt   time.Time
	UsedAt      *time.Time
	UsedBy      *string
	CreatedAt   time.Time
}

const (
	RecoveryPending   = "pending"
	RecoveryApproved  = "approved"
	RecoveryCompleted = "completed"
	RecoveryAbandoned = "abandoned"
)

type RecoveryRequest struct {
	ID          string
	UserID      string
	PartnerID   string
	InitiatedBy string
	Token       string
	Status      string
	ExpiresAt   time.Time
	ApprovedAt  *time.Time
	CompletedAt *time.Time
	CreatedAt   time.Time
}

type FileAsset struct {
	ID            string
	StoredName    string
	OriginalName  string
	SizeBytes     int64
	MimeType      string
	UploadedBy    string
	UploaderName  string
	WorkspaceID   *string
	FeatureID     *string
	DownloadCount int
	CreatedAt     time.Time
}
