package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/accountdesk/apiserver/internal/apperr"
	"github.com/accountdesk/apiserver/internal/auth"
	"github.com/accountdesk/apiserver/internal/mq"
	"github.com/accountdesk/apiserver/internal/storage"
	"github.com/accountdesk/apiserver/internal/store"
	"github.com/accountdesk/apiserver/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memoryRepo struct {
	mu        sync.Mutex
	users     map[int]types.User
	nextID    int
	getErr    error
	updateErr error
	updates   int
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{users: make(map[int]types.User), nextID: 1}
}

func (r *memoryRepo) GetByID(_ context.Context, id int) (types.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.getErr != nil {
		return types.User{}, r.getErr
	}
	user, ok := r.users[id]
	if !ok {
		return types.User{}, store.ErrNotFound
	}
	return user, nil
}

func (r *memoryRepo) GetByEmail(_ context.Context, email string) (types.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.getErr != nil {
		return types.User{}, r.getErr
	}
	for _, user := range r.users {
		if user.Email == email {
			return user, nil
		}
	}
	return types.User{}, store.ErrNotFound
}

func (r *memoryRepo) Create(_ context.Context, user types.User) (types.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.users {
		if existing.Email == user.Email {
			return types.User{}, store.ErrDuplicateEmail
		}
	}
	user.ID = r.nextID
	r.nextID++
	r.users[user.ID] = user
	return user, nil
}

func (r *memoryRepo) UpdateProfile(_ context.Context, id int, fullName, email string, phone types.PhoneNumber) (types.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.updateErr != nil {
		return types.User{}, r.updateErr
	}
	user, ok := r.users[id]
	if !ok {
		return types.User{}, store.ErrNotFound
	}
	if email != "" {
		for otherID, existing := range r.users {
			if otherID != id && existing.Email == email {
				return types.User{}, store.ErrDuplicateEmail
			}
		}
		user.Email = email
	}
	if fullName != "" {
		user.FullName = fullName
	}
	if phone > 0 {
		user.PhoneNumber = phone
	}
	r.users[id] = user
	r.updates++
	return user, nil
}

func (r *memoryRepo) SetReport(_ context.Context, id int, report types.Report) (types.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.updateErr != nil {
		return types.User{}, r.updateErr
	}
	user, ok := r.users[id]
	if !ok {
		return types.User{}, store.ErrNotFound
	}
	user.Report = report
	r.users[id] = user
	r.updates++
	return user, nil
}

// racingRepo reports every email as free, leaving the insert to detect the
// duplicate the way the database constraint does.
type racingRepo struct{ *memoryRepo }

func (r racingRepo) GetByEmail(context.Context, string) (types.User, error) {
	return types.User{}, store.ErrNotFound
}

type fakeReports struct {
	uploads []storage.Upload
	deleted []string
	err     error
	// during runs while the upload is in flight.
	during func()
}

func (f *fakeReports) UploadReport(_ context.Context, userID int, upload storage.Upload) (storage.Stored, error) {
	if f.during != nil {
		f.during()
	}
	if f.err != nil {
		return storage.Stored{}, f.err
	}
	if _, err := io.ReadAll(upload.Body); err != nil {
		return storage.Stored{}, err
	}
	f.uploads = append(f.uploads, upload)
	return storage.Stored{
		Key:          "reports/key.pdf",
		URL:          "https://cdn.example/reports/key.pdf",
		ResourceType: storage.ResourceTypeFor(upload.ContentType),
	}, nil
}

func (f *fakeReports) Delete(_ context.Context, key string) error {
	f.deleted = append(f.deleted, key)
	return nil
}

type fakeBroker struct {
	mu       sync.Mutex
	messages []mq.Message
	err      error
}

func (b *fakeBroker) Publish(_ context.Context, _ string, data []byte, attrs map[string]string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return "", b.err
	}
	b.messages = append(b.messages, mq.Message{ID: "m", Data: data, Attributes: attrs})
	return "m", nil
}

type fixture struct {
	svc      *AccountService
	repo     *memoryRepo
	reports  *fakeReports
	broker   *fakeBroker
	sessions *auth.SessionManager
	logs     *bytes.Buffer
}

func newFixture(t *testing.T, opts AccountOptions) *fixture {
	t.Helper()
	sessions, err := auth.NewSessionManager("test-secret")
	require.NoError(t, err)

	logs := &bytes.Buffer{}
	logger := slog.New(slog.NewJSONHandler(logs, &slog.HandlerOptions{Level: slog.LevelDebug}))

	repo := newMemoryRepo()
	reports := &fakeReports{}
	broker := &fakeBroker{}
	svc, err := NewAccountService(repo, auth.NewHasher(), sessions, reports,
		NewEventPublisher(broker, "account-events", logger), logger, opts)
	require.NoError(t, err)

	return &fixture{svc: svc, repo: repo, reports: reports, broker: broker, sessions: sessions, logs: logs}
}

func (f *fixture) register(t *testing.T, email, password string) types.User {
	t.Helper()
	_, err := f.svc.Register(context.Background(), RegisterInput{
		FullName: "A", Email: email, PhoneNumber: 123, Password: password,
	})
	require.NoError(t, err)
	user, err := f.repo.GetByEmail(context.Background(), email)
	require.NoError(t, err)
	return user
}

func assertCode(t *testing.T, err error, code string) {
	t.Helper()
	require.Error(t, err)
	assert.Equal(t, code, apperr.Code(err), "error: %v", err)
}

func TestNewAccountService_RequiresDependencies(t *testing.T) {
	sessions, err := auth.NewSessionManager("s")
	require.NoError(t, err)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	_, err = NewAccountService(nil, auth.NewHasher(), sessions, nil, nil, logger, AccountOptions{})
	assert.ErrorContains(t, err, "user repository is required")
	_, err = NewAccountService(newMemoryRepo(), nil, sessions, nil, nil, logger, AccountOptions{})
	assert.ErrorContains(t, err, "password hasher is required")
	_, err = NewAccountService(newMemoryRepo(), auth.NewHasher(), nil, nil, nil, logger, AccountOptions{})
	assert.ErrorContains(t, err, "session manager is required")
	_, err = NewAccountService(newMemoryRepo(), auth.NewHasher(), sessions, nil, nil, nil, AccountOptions{})
	assert.ErrorContains(t, err, "logger is required")
}

func TestRegister(t *testing.T) {
	f := newFixture(t, AccountOptions{})
	ctx := context.Background()

	result, err := f.svc.Register(ctx, RegisterInput{
		FullName: " A ", Email: " a@x.com ", PhoneNumber: 123, Password: "p",
	})
	require.NoError(t, err)
	assert.Equal(t, "Account created succesfully.", result.Message)

	stored, err := f.repo.GetByEmail(ctx, "a@x.com")
	require.NoError(t, err)
	assert.Equal(t, "A", stored.FullName)
	assert.Equal(t, "user", stored.Role)
	assert.NotEqual(t, "p", stored.PasswordHash)
	assert.True(t, auth.NewHasher().Verify(stored.PasswordHash, "p"))
	assert.NotContains(t, f.logs.String(), stored.PasswordHash)

	_, err = f.svc.Register(ctx, RegisterInput{FullName: "B", Email: "a@x.com", PhoneNumber: 5, Password: "q"})
	assertCode(t, err, apperr.CodeConflict)
	assert.Equal(t, "User already existed with this email!", err.Error())
	assert.Len(t, f.repo.users, 1)

	require.Len(t, f.broker.messages, 1)
	event, err := DecodeAccountEvent(f.broker.messages[0])
	require.NoError(t, err)
	assert.Equal(t, EventAccountRegistered, event.Type)
	assert.Equal(t, stored.ID, event.UserID)
	assert.Equal(t, "application/json", f.broker.messages[0].Attributes[mq.AttrContentType])
}

func TestRegister_EmailIsCaseSensitive(t *testing.T) {
	f := newFixture(t, AccountOptions{})
	f.register(t, "a@x.com", "p")

	_, err := f.svc.Register(context.Background(), RegisterInput{
		FullName: "A", Email: "A@x.com", PhoneNumber: 1, Password: "p",
	})
	require.NoError(t, err)
}

func TestRegister_MissingFields(t *testing.T) {
	f := newFixture(t, AccountOptions{})
	valid := RegisterInput{FullName: "A", Email: "a@x.com", PhoneNumber: 123, Password: "p"}

	cases := map[string]func(*RegisterInput){
		"fullname": func(in *RegisterInput) { in.FullName = "  " },
		"email":    func(in *RegisterInput) { in.Email = "" },
		"phone":    func(in *RegisterInput) { in.PhoneNumber = 0 },
		"password": func(in *RegisterInput) { in.Password = "" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			in := valid
			mutate(&in)
			_, err := f.svc.Register(context.Background(), in)
			assertCode(t, err, apperr.CodeValidation)
			assert.Equal(t, "Something is missing!", err.Error())
		})
	}
	assert.Empty(t, f.repo.users)
}

func TestRegister_DuplicateDetectedByStore(t *testing.T) {
	f := newFixture(t, AccountOptions{})
	f.register(t, "a@x.com", "p")

	sessions, err := auth.NewSessionManager("s")
	require.NoError(t, err)
	svc, err := NewAccountService(racingRepo{f.repo}, auth.NewHasher(), sessions, nil, nil,
		slog.New(slog.NewTextHandler(io.Discard, nil)), AccountOptions{})
	require.NoError(t, err)

	_, err = svc.Register(context.Background(), RegisterInput{FullName: "A", Email: "a@x.com", PhoneNumber: 1, Password: "p"})
	assertCode(t, err, apperr.CodeConflict)
}

func TestRegister_StoreFailureIsInternal(t *testing.T) {
	f := newFixture(t, AccountOptions{})
	f.repo.getErr = errors.New("connection refused")

	_, err := f.svc.Register(context.Background(), RegisterInput{FullName: "A", Email: "a@x.com", PhoneNumber: 1, Password: "p"})
	require.Error(t, err)
	assert.Empty(t, apperr.Code(err))
	assert.False(t, apperr.IsPublic(err))
}

func TestLogin(t *testing.T) {
	f := newFixture(t, AccountOptions{})
	user := f.register(t, "a@x.com", "p")

	result, err := f.svc.Login(context.Background(), "a@x.com", "p")
	require.NoError(t, err)
	assert.Equal(t, "Welcome back A", result.Message)
	assert.Equal(t, user.ID, result.User.ID)
	assert.Equal(t, "a@x.com", result.User.Email)

	id, err := f.sessions.VerifySession(result.Token.Value)
	require.NoError(t, err)
	assert.Equal(t, user.ID, id.UserID)

	body, err := json.Marshal(result.User)
	require.NoError(t, err)
	assert.NotContains(t, string(body), "password")
	assert.NotContains(t, string(body), user.PasswordHash)
}

func TestLogin_Failures(t *testing.T) {
	f := newFixture(t, AccountOptions{})
	f.register(t, "a@x.com", "p")
	ctx := context.Background()

	result, err := f.svc.Login(ctx, "a@x.com", "wrong")
	assertCode(t, err, apperr.CodeAuthentication)
	assert.Empty(t, result.Token.Value)

	_, unknownErr := f.svc.Login(ctx, "nobody@x.com", "p")
	assertCode(t, unknownErr, apperr.CodeAuthentication)
	assert.Equal(t, err.Error(), unknownErr.Error())

	_, err = f.svc.Login(ctx, "", "p")
	assertCode(t, err, apperr.CodeValidation)
	_, err = f.svc.Login(ctx, "a@x.com", "")
	assertCode(t, err, apperr.CodeValidation)
}

func TestLogin_RevealUnknownEmail(t *testing.T) {
	f := newFixture(t, AccountOptions{RevealUnknownEmail: true})

	_, err := f.svc.Login(context.Background(), "nobody@x.com", "p")
	assertCode(t, err, apperr.CodeNotFound)
	assert.Equal(t, "User does not exist! Please register first!", err.Error())
}

func TestLogout(t *testing.T) {
	f := newFixture(t, AccountOptions{})
	assert.Equal(t, "Logged out succesfully.", f.svc.Logout().Message)
	assert.Equal(t, f.svc.Logout(), f.svc.Logout())
}

func TestMe(t *testing.T) {
	f := newFixture(t, AccountOptions{})
	user := f.register(t, "a@x.com", "p")

	view, err := f.svc.Me(context.Background(), auth.Identity{UserID: user.ID})
	require.NoError(t, err)
	assert.Equal(t, "a@x.com", view.Email)

	_, err = f.svc.Me(context.Background(), auth.Identity{UserID: 999})
	assertCode(t, err, apperr.CodeNotFound)
}

func TestUpdateProfile(t *testing.T) {
	f := newFixture(t, AccountOptions{})
	user := f.register(t, "a@x.com", "p")
	other := f.register(t, "b@x.com", "p")
	id := auth.Identity{UserID: user.ID}
	ctx := context.Background()

	result, err := f.svc.UpdateProfile(ctx, id, ProfileUpdate{FullName: "A2", PhoneNumber: 999})
	require.NoError(t, err)
	assert.Equal(t, "Profile updated succesfully.", result.Message)
	assert.Equal(t, "A2", result.User.FullName)
	assert.Equal(t, "a@x.com", result.User.Email)
	assert.Equal(t, types.PhoneNumber(999), result.User.PhoneNumber)

	saved, err := f.repo.GetByID(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, user.PasswordHash, saved.PasswordHash)

	_, err = f.svc.UpdateProfile(ctx, id, ProfileUpdate{Email: other.Email})
	assertCode(t, err, apperr.CodeConflict)

	_, err = f.svc.UpdateProfile(ctx, auth.Identity{UserID: 999}, ProfileUpdate{FullName: "x"})
	assertCode(t, err, apperr.CodeNotFound)
	assert.Equal(t, "User not found.", err.Error())
}

func TestUploadReport(t *testing.T) {
	f := newFixture(t, AccountOptions{})
	user := f.register(t, "a@x.com", "p")

	result, err := f.svc.UploadReport(context.Background(), auth.Identity{UserID: user.ID}, storage.Upload{
		Filename:    "report.pdf",
		ContentType: "application/pdf",
		Size:        4,
		Body:        bytes.NewReader([]byte("%PDF")),
	})
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example/reports/key.pdf", result.Report.FileURL)
	assert.Equal(t, "report.pdf", result.Report.OriginalName)

	saved, err := f.repo.GetByID(context.Background(), user.ID)
	require.NoError(t, err)
	assert.Equal(t, result.Report, saved.Report)

	require.Len(t, f.broker.messages, 2)
	event, err := DecodeAccountEvent(f.broker.messages[1])
	require.NoError(t, err)
	assert.Equal(t, EventReportUploaded, event.Type)
	assert.Equal(t, result.Report.FileURL, event.FileURL)
}

func TestUploadReport_KeepsProfileChangedDuringUpload(t *testing.T) {
	f := newFixture(t, AccountOptions{})
	user := f.register(t, "a@x.com", "p")
	id := auth.Identity{UserID: user.ID}
	ctx := context.Background()

	f.reports.during = func() {
		_, err := f.svc.UpdateProfile(ctx, id, ProfileUpdate{FullName: "B", Email: "b@x.com"})
		require.NoError(t, err)
	}

	result, err := f.svc.UploadReport(ctx, id, storage.Upload{
		Filename: "r.pdf", Body: bytes.NewReader([]byte("x")),
	})
	require.NoError(t, err)

	saved, err := f.repo.GetByID(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, "B", saved.FullName)
	assert.Equal(t, "b@x.com", saved.Email)
	assert.Equal(t, result.Report, saved.Report)

	event, err := DecodeAccountEvent(f.broker.messages[len(f.broker.messages)-1])
	require.NoError(t, err)
	assert.Equal(t, "b@x.com", event.Email)
}

func TestUpdateProfile_KeepsReport(t *testing.T) {
	f := newFixture(t, AccountOptions{})
	user := f.register(t, "a@x.com", "p")
	id := auth.Identity{UserID: user.ID}
	ctx := context.Background()

	uploaded, err := f.svc.UploadReport(ctx, id, storage.Upload{
		Filename: "r.pdf", Body: bytes.NewReader([]byte("x")),
	})
	require.NoError(t, err)

	result, err := f.svc.UpdateProfile(ctx, id, ProfileUpdate{FullName: "A2"})
	require.NoError(t, err)
	require.NotNil(t, result.User.Profile.Report)
	assert.Equal(t, uploaded.Report, *result.User.Profile.Report)
}

func TestUploadReport_NoFile(t *testing.T) {
	f := newFixture(t, AccountOptions{})
	user := f.register(t, "a@x.com", "p")

	_, err := f.svc.UploadReport(context.Background(), auth.Identity{UserID: user.ID}, storage.Upload{})
	assertCode(t, err, apperr.CodeValidation)
	assert.Zero(t, f.repo.updates)
	assert.Empty(t, f.reports.uploads)
}

func TestUploadReport_UnknownAccount(t *testing.T) {
	f := newFixture(t, AccountOptions{})

	_, err := f.svc.UploadReport(context.Background(), auth.Identity{UserID: 42}, storage.Upload{
		Filename: "a.pdf", Body: bytes.NewReader(nil),
	})
	assertCode(t, err, apperr.CodeNotFound)
	assert.Empty(t, f.reports.uploads)
}

func TestUploadReport_StorageFailure(t *testing.T) {
	f := newFixture(t, AccountOptions{})
	user := f.register(t, "a@x.com", "p")
	f.reports.err = errors.New("dial tcp 10.0.0.5:9000: connection refused")

	_, err := f.svc.UploadReport(context.Background(), auth.Identity{UserID: user.ID}, storage.Upload{
		Filename: "a.pdf", Body: bytes.NewReader([]byte("x")),
	})
	assertCode(t, err, apperr.CodeUpstream)
	assert.Equal(t, "Failed to upload report.", err.Error())
	assert.NotContains(t, err.Error(), "10.0.0.5")
	assert.Contains(t, f.logs.String(), "10.0.0.5")
	assert.Zero(t, f.repo.updates)
}

func TestUploadReport_SaveFailureRemovesObject(t *testing.T) {
	f := newFixture(t, AccountOptions{})
	user := f.register(t, "a@x.com", "p")
	f.repo.updateErr = errors.New("deadlock detected")

	_, err := f.svc.UploadReport(context.Background(), auth.Identity{UserID: user.ID}, storage.Upload{
		Filename: "a.pdf", Body: bytes.NewReader([]byte("x")),
	})
	require.Error(t, err)
	assert.False(t, apperr.IsPublic(err))
	assert.Equal(t, []string{"reports/key.pdf"}, f.reports.deleted)
}

func TestEventPublishFailureDoesNotFailOperation(t *testing.T) {
	f := newFixture(t, AccountOptions{})
	f.broker.err = errors.New("broker down")

	_, err := f.svc.Register(context.Background(), RegisterInput{FullName: "A", Email: "a@x.com", PhoneNumber: 1, Password: "p"})
	require.NoError(t, err)
	assert.Contains(t, f.logs.String(), "failed to publish account event")
}

func TestNilEventPublisherIsNoop(t *testing.T) {
	var p *EventPublisher
	assert.NotPanics(t, func() {
		p.publish(context.Background(), AccountEvent{Type: EventAccountRegistered})
	})
}
