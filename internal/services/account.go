package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/accountdesk/apiserver/internal/apperr"
	"github.com/accountdesk/apiserver/internal/auth"
	"github.com/accountdesk/apiserver/internal/metrics"
	"github.com/accountdesk/apiserver/internal/storage"
	"github.com/accountdesk/apiserver/internal/store"
	"github.com/accountdesk/apiserver/types"
	"github.com/samber/oops"
)

const (
	defaultUserRole      = "user"
	defaultUploadTimeout = 30 * time.Second

	msgMissingFields     = "Something is missing!"
	msgEmailTaken        = "User already existed with this email!"
	msgAccountCreated    = "Account created succesfully."
	msgUnknownEmail      = "User does not exist! Please register first!"
	msgBadCredentials    = "Incorrect email or password!"
	msgLoggedOut         = "Logged out succesfully."
	msgUserNotFound      = "User not found."
	msgProfileUpdated    = "Profile updated succesfully."
	msgNoFile            = "No file uploaded."
	msgReportUploaded    = "Report uploaded successfully."
	msgReportUploadError = "Failed to upload report."
)

// UserRepository defines persistence operations for users.
type UserRepository interface {
	GetByID(ctx context.Context, id int) (types.User, error)
	GetByEmail(ctx context.Context, email string) (types.User, error)
	Create(ctx context.Context, user types.User) (types.User, error)
	UpdateProfile(ctx context.Context, id int, fullName, email string, phone types.PhoneNumber) (types.User, error)
	SetReport(ctx context.Context, id int, report types.Report) (types.User, error)
}

// ReportStorage is the object storage collaborator for report uploads.
type ReportStorage interface {
	UploadReport(ctx context.Context, userID int, upload storage.Upload) (storage.Stored, error)
	Delete(ctx context.Context, key string) error
}

// AccountOptions tunes AccountService behaviour.
type AccountOptions struct {
	// RevealUnknownEmail makes Login report an unknown email as not found
	// instead of folding it into the bad-credentials error.
	RevealUnknownEmail bool
	UploadTimeout      time.Duration
}

// AccountService encapsulates the account use-cases.
type AccountService struct {
	repo     UserRepository
	hasher   *auth.Hasher
	sessions *auth.SessionManager
	reports  ReportStorage
	events   *EventPublisher
	logger   *slog.Logger
	opts     AccountOptions
}

// NewAccountService wires the account use-cases. reports and events may be
// nil; uploads then fail as upstream errors and no events are published.
func NewAccountService(
	repo UserRepository,
	hasher *auth.Hasher,
	sessions *auth.SessionManager,
	reports ReportStorage,
	events *EventPublisher,
	logger *slog.Logger,
	opts AccountOptions,
) (*AccountService, error) {
	if repo == nil {
		return nil, errors.New("user repository is required")
	}
	if hasher == nil {
		return nil, errors.New("password hasher is required")
	}
	if sessions == nil {
		return nil, errors.New("session manager is required")
	}
	if logger == nil {
		return nil, errors.New("logger is required")
	}
	if opts.UploadTimeout <= 0 {
		opts.UploadTimeout = defaultUploadTimeout
	}
	return &AccountService{
		repo:     repo,
		hasher:   hasher,
		sessions: sessions,
		reports:  reports,
		events:   events,
		logger:   logger,
		opts:     opts,
	}, nil
}

type RegisterInput struct {
	FullName    string
	Email       string
	PhoneNumber types.PhoneNumber
	Password    string
}

type RegisterResult struct {
	Message string
	User    types.PublicUser
}

type LoginResult struct {
	Message string
	Token   auth.Token
	User    types.PublicUser
}

type LogoutResult struct {
	Message string
}

// ProfileUpdate holds optional profile changes. Zero values are left alone.
type ProfileUpdate struct {
	FullName    string
	Email       string
	PhoneNumber types.PhoneNumber
}

type ProfileResult struct {
	Message string
	User    types.PublicUser
}

type ReportResult struct {
	Message string
	Report  types.Report
}

// Register creates an account. No session is issued.
func (s *AccountService) Register(ctx context.Context, in RegisterInput) (result RegisterResult, err error) {
	defer func() { metrics.Registrations.WithLabelValues(metrics.ResultOf(err)).Inc() }()

	in.FullName = strings.TrimSpace(in.FullName)
	in.Email = strings.TrimSpace(in.Email)
	if in.FullName == "" || in.Email == "" || in.PhoneNumber <= 0 || in.Password == "" {
		return RegisterResult{}, apperr.Validation(msgMissingFields)
	}

	if _, err := s.repo.GetByEmail(ctx, in.Email); err == nil {
		return RegisterResult{}, apperr.Conflict(msgEmailTaken)
	} else if !errors.Is(err, store.ErrNotFound) {
		return RegisterResult{}, oops.Code("ACCOUNT_REGISTER_FAILED").
			With("operation", "get user by email").
			Wrap(err)
	}

	hashed, err := s.hasher.Hash(in.Password)
	if err != nil {
		return RegisterResult{}, oops.Code("ACCOUNT_REGISTER_FAILED").
			With("operation", "hash password").
			Wrap(err)
	}

	user, err := s.repo.Create(ctx, types.User{
		FullName:     in.FullName,
		Email:        in.Email,
		PhoneNumber:  in.PhoneNumber,
		Role:         defaultUserRole,
		PasswordHash: hashed,
	})
	if err != nil {
		if errors.Is(err, store.ErrDuplicateEmail) {
			return RegisterResult{}, apperr.Conflict(msgEmailTaken)
		}
		return RegisterResult{}, oops.Code("ACCOUNT_REGISTER_FAILED").
			With("operation", "create user").
			Wrap(err)
	}

	s.logger.InfoContext(ctx, "account registered", "user_id", user.ID)
	s.events.publish(ctx, newAccountEvent(EventAccountRegistered, user))

	return RegisterResult{Message: msgAccountCreated, User: user.Public()}, nil
}

// Login verifies credentials and issues a session token. Unknown emails
// and wrong passwords take the same time and, unless RevealUnknownEmail is
// set, produce the same error.
func (s *AccountService) Login(ctx context.Context, email, password string) (result LoginResult, err error) {
	defer func() { metrics.Logins.WithLabelValues(metrics.ResultOf(err)).Inc() }()

	email = strings.TrimSpace(email)
	if email == "" || password == "" {
		return LoginResult{}, apperr.Validation(msgMissingFields)
	}

	user, err := s.repo.GetByEmail(ctx, email)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			return LoginResult{}, oops.Code("ACCOUNT_LOGIN_FAILED").
				With("operation", "get user by email").
				Wrap(err)
		}
		s.hasher.VerifyDummy(password)
		if s.opts.RevealUnknownEmail {
			return LoginResult{}, apperr.NotFound(msgUnknownEmail)
		}
		return LoginResult{}, apperr.Authentication(msgBadCredentials)
	}

	if !s.hasher.Verify(user.PasswordHash, password) {
		return LoginResult{}, apperr.Authentication(msgBadCredentials)
	}

	token, err := s.sessions.Issue(user.ID)
	if err != nil {
		return LoginResult{}, oops.Code("ACCOUNT_LOGIN_FAILED").
			With("operation", "issue token").
			With("user_id", user.ID).
			Wrap(err)
	}

	return LoginResult{
		Message: fmt.Sprintf("Welcome back %s", user.FullName),
		Token:   token,
		User:    user.Public(),
	}, nil
}

// Logout always succeeds. Tokens are stateless, so the caller discarding
// its cookie is the whole effect; a copied token stays valid until expiry.
func (s *AccountService) Logout() LogoutResult {
	return LogoutResult{Message: msgLoggedOut}
}

// Me returns the account bound to id.
func (s *AccountService) Me(ctx context.Context, id auth.Identity) (types.PublicUser, error) {
	user, err := s.loadUser(ctx, id, "ACCOUNT_LOAD_FAILED")
	if err != nil {
		return types.PublicUser{}, err
	}
	return user.Public(), nil
}

// UpdateProfile applies the non-empty fields of update to the account. The
// report reference is never written here.
func (s *AccountService) UpdateProfile(ctx context.Context, id auth.Identity, update ProfileUpdate) (ProfileResult, error) {
	phone := update.PhoneNumber
	if phone < 0 {
		phone = 0
	}

	saved, err := s.repo.UpdateProfile(ctx, id.UserID,
		strings.TrimSpace(update.FullName),
		strings.TrimSpace(update.Email),
		phone,
	)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrDuplicateEmail):
			return ProfileResult{}, apperr.Conflict(msgEmailTaken)
		case errors.Is(err, store.ErrNotFound):
			return ProfileResult{}, apperr.NotFound(msgUserNotFound)
		}
		return ProfileResult{}, oops.Code("ACCOUNT_UPDATE_FAILED").
			With("operation", "save profile").
			With("user_id", id.UserID).
			Wrap(err)
	}

	return ProfileResult{Message: msgProfileUpdated, User: saved.Public()}, nil
}

// UploadReport stores the uploaded file and records it on the account. A
// missing payload is rejected before anything is read or written.
func (s *AccountService) UploadReport(ctx context.Context, id auth.Identity, upload storage.Upload) (result ReportResult, err error) {
	defer func() { metrics.ReportUploads.WithLabelValues(metrics.ResultOf(err)).Inc() }()

	if upload.Body == nil {
		return ReportResult{}, apperr.Validation(msgNoFile)
	}

	user, err := s.loadUser(ctx, id, "ACCOUNT_UPLOAD_FAILED")
	if err != nil {
		return ReportResult{}, err
	}

	if s.reports == nil {
		return ReportResult{}, s.upstream(errors.New("report storage is not configured"), "upload report", user.ID)
	}

	uploadCtx, cancel := context.WithTimeout(ctx, s.opts.UploadTimeout)
	stored, err := s.reports.UploadReport(uploadCtx, user.ID, upload)
	cancel()
	if err != nil {
		return ReportResult{}, s.upstream(err, "upload report", user.ID)
	}

	report := types.Report{FileURL: stored.URL, OriginalName: upload.Filename}
	saved, err := s.repo.SetReport(ctx, user.ID, report)
	if err != nil {
		s.discardObject(ctx, stored.Key)
		if errors.Is(err, store.ErrNotFound) {
			return ReportResult{}, apperr.NotFound(msgUserNotFound)
		}
		return ReportResult{}, oops.Code("ACCOUNT_UPLOAD_FAILED").
			With("operation", "save report reference").
			With("user_id", user.ID).
			Wrap(err)
	}

	s.logger.InfoContext(ctx, "report uploaded",
		"user_id", user.ID,
		"key", stored.Key,
		"resource_type", string(stored.ResourceType),
	)
	event := newAccountEvent(EventReportUploaded, saved)
	event.FileURL = stored.URL
	s.events.publish(ctx, event)

	return ReportResult{Message: msgReportUploaded, Report: saved.Report}, nil
}

func (s *AccountService) loadUser(ctx context.Context, id auth.Identity, code string) (types.User, error) {
	user, err := s.repo.GetByID(ctx, id.UserID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return types.User{}, apperr.NotFound(msgUserNotFound)
		}
		return types.User{}, oops.Code(code).
			With("operation", "get user by id").
			With("user_id", id.UserID).
			Wrap(err)
	}
	return user, nil
}

// upstream logs the collaborator failure and returns the generic error.
func (s *AccountService) upstream(err error, operation string, userID int) error {
	wrapped := apperr.Upstream(err, operation)
	apperr.LogError(s.logger.With("user_id", userID), "storage collaborator failed", wrapped)
	return oops.Code(apperr.CodeUpstream).Errorf(msgReportUploadError)
}

func (s *AccountService) discardObject(ctx context.Context, key string) {
	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.UploadTimeout)
	defer cancel()
	if err := s.reports.Delete(cleanupCtx, key); err != nil {
		s.logger.WarnContext(ctx, "failed to delete orphaned report", "key", key, "error", err)
	}
}
