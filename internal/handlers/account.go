package handlers

import (
	"errors"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/accountdesk/apiserver/internal/auth"
	"github.com/accountdesk/apiserver/internal/services"
	"github.com/accountdesk/apiserver/internal/storage"
	"github.com/accountdesk/apiserver/types"
	"github.com/go-chi/chi/v5"
)

const (
	formFieldFile      = "file"
	maxMultipartMemory = 8 << 20
	multipartOverhead  = 1 << 20
	sniffLen           = 512
	msgFileTooLarge    = "File too large."
)

// AccountHandler serves the account endpoints.
type AccountHandler struct {
	accounts      *services.AccountService
	cookies       CookieOptions
	maxUploadSize int64
	logger        *slog.Logger
}

func NewAccountHandler(accounts *services.AccountService, cookies CookieOptions, maxUploadSize int64, logger *slog.Logger) *AccountHandler {
	if cookies.TTL <= 0 {
		cookies.TTL = auth.TokenTTL
	}
	return &AccountHandler{
		accounts:      accounts,
		cookies:       cookies,
		maxUploadSize: maxUploadSize,
		logger:        logger,
	}
}

// AccountRouter registers the account routes. Routes behind requireSession
// only run for verified identities.
func AccountRouter(r chi.Router, h *AccountHandler, requireSession func(http.Handler) http.Handler) {
	r.Post("/register", h.Register)
	r.Post("/login", h.Login)
	r.Get("/logout", h.Logout)
	r.Post("/logout", h.Logout)

	r.Group(func(r chi.Router) {
		r.Use(requireSession)
		r.Get("/me", h.Me)
		r.Post("/profile/update", h.UpdateProfile)
		r.Post("/report/upload", h.UploadReport)
	})
}

type RegisterRequest struct {
	FullName    string            `json:"fullname"`
	Email       string            `json:"email"`
	PhoneNumber types.PhoneNumber `json:"phoneNumber"`
	Password    string            `json:"password"`
}

type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type ProfileUpdateRequest struct {
	FullName    string            `json:"fullname"`
	Email       string            `json:"email"`
	PhoneNumber types.PhoneNumber `json:"phoneNumber"`
}

type MessageResponse struct {
	Message string `json:"message"`
	Success bool   `json:"success"`
}

type UserResponse struct {
	Message string           `json:"message,omitempty"`
	User    types.PublicUser `json:"user"`
	Success bool             `json:"success"`
}

type ReportResponse struct {
	Message string       `json:"message"`
	Success bool         `json:"success"`
	Data    types.Report `json:"data"`
}

// Register creates an account. It does not log the caller in.
func (h *AccountHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, msgInvalidRequest)
		return
	}

	result, err := h.accounts.Register(r.Context(), services.RegisterInput{
		FullName:    req.FullName,
		Email:       req.Email,
		PhoneNumber: req.PhoneNumber,
		Password:    req.Password,
	})
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}

	writeJSON(w, http.StatusCreated, MessageResponse{Message: result.Message, Success: true})
}

// Login verifies credentials and sets the session cookie.
func (h *AccountHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, msgInvalidRequest)
		return
	}

	result, err := h.accounts.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}

	http.SetCookie(w, h.cookies.session(result.Token))
	writeJSON(w, http.StatusOK, UserResponse{Message: result.Message, User: result.User, Success: true})
}

// Logout expires the session cookie. It succeeds with or without a session.
func (h *AccountHandler) Logout(w http.ResponseWriter, r *http.Request) {
	result := h.accounts.Logout()
	http.SetCookie(w, h.cookies.expired())
	writeJSON(w, http.StatusOK, MessageResponse{Message: result.Message, Success: true})
}

// Me returns the account of the current session.
func (h *AccountHandler) Me(w http.ResponseWriter, r *http.Request) {
	id, ok := identity(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, msgNotAuthenticated)
		return
	}

	user, err := h.accounts.Me(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, UserResponse{User: user, Success: true})
}

func (h *AccountHandler) UpdateProfile(w http.ResponseWriter, r *http.Request) {
	id, ok := identity(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, msgNotAuthenticated)
		return
	}

	var req ProfileUpdateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, msgInvalidRequest)
		return
	}

	result, err := h.accounts.UpdateProfile(r.Context(), id, services.ProfileUpdate{
		FullName:    req.FullName,
		Email:       req.Email,
		PhoneNumber: req.PhoneNumber,
	})
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, UserResponse{Message: result.Message, User: result.User, Success: true})
}

// UploadReport stores the multipart "file" field as the account's report.
// A request without that field, or with an empty file, is passed on with an
// empty upload so the service rejects it.
func (h *AccountHandler) UploadReport(w http.ResponseWriter, r *http.Request) {
	id, ok := identity(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, msgNotAuthenticated)
		return
	}

	upload, closeFile, err := h.parseReportUpload(w, r)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) || errors.Is(err, errFileTooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, msgFileTooLarge)
			return
		}
		writeError(w, http.StatusBadRequest, msgInvalidRequest)
		return
	}
	defer closeFile()

	result, err := h.accounts.UploadReport(r.Context(), id, upload)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, ReportResponse{Message: result.Message, Success: true, Data: result.Report})
}

var errFileTooLarge = errors.New("uploaded file too large")

// parseReportUpload extracts the report file from the request. A missing or
// empty file, or a body that is not multipart at all, yields an empty Upload.
func (h *AccountHandler) parseReportUpload(w http.ResponseWriter, r *http.Request) (storage.Upload, func(), error) {
	noop := func() {}
	if h.maxUploadSize > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadSize+multipartOverhead)
	}

	if err := r.ParseMultipartForm(maxMultipartMemory); err != nil {
		if errors.Is(err, http.ErrNotMultipart) {
			return storage.Upload{}, noop, nil
		}
		return storage.Upload{}, noop, err
	}

	file, header, err := r.FormFile(formFieldFile)
	if err != nil {
		if errors.Is(err, http.ErrMissingFile) {
			return storage.Upload{}, noop, nil
		}
		return storage.Upload{}, noop, err
	}
	closeFile := func() { _ = file.Close() }

	if header.Size == 0 {
		closeFile()
		return storage.Upload{}, noop, nil
	}
	if h.maxUploadSize > 0 && header.Size > h.maxUploadSize {
		closeFile()
		return storage.Upload{}, noop, errFileTooLarge
	}

	contentType, err := detectContentType(file, header)
	if err != nil {
		closeFile()
		return storage.Upload{}, noop, err
	}

	return storage.Upload{
		Filename:    header.Filename,
		ContentType: contentType,
		Size:        header.Size,
		Body:        file,
	}, closeFile, nil
}

// detectContentType prefers the part's declared type and sniffs the first
// bytes otherwise. The file is rewound afterwards.
func detectContentType(file multipart.File, header *multipart.FileHeader) (string, error) {
	declared := strings.TrimSpace(header.Header.Get("Content-Type"))
	if declared != "" && declared != "application/octet-stream" {
		return declared, nil
	}

	buf := make([]byte, sniffLen)
	n, err := io.ReadFull(file, buf)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return "", err
	}
	if _, err := file.Seek(0, io.SeekStart); err != nil {
		return "", err
	}
	return http.DetectContentType(buf[:n]), nil
}
