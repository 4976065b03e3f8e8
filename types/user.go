package types

import (
	"bytes"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"
)

// User represents an account in the system.
// It contains identity, contact details, the uploaded report reference and
// audit metadata.
type User struct {
	// ID is the unique identifier of the user.
	ID int `json:"id" db:"id"`

	// FullName is the user's display name.
	FullName string `json:"fullname" db:"fullname"`

	// Email is the user's unique login address, compared case-sensitively.
	Email string `json:"email" db:"email"`

	// PhoneNumber is the user's numeric phone number.
	PhoneNumber PhoneNumber `json:"phoneNumber" db:"phone_number"`

	// Role is stored for clients that display it. No authorization
	// decisions are made on it.
	Role string `json:"role" db:"role"`

	// PasswordHash stores the hashed representation of the user's password.
	// This field is never exposed in API responses.
	PasswordHash string `json:"-" db:"password_hash"`

	// Report is the most recently uploaded report, if any.
	Report Report `json:"report" db:"-"`

	// CreatedAt is the timestamp when the user account was created.
	CreatedAt time.Time `json:"created_at" db:"created_at"`

	// UpdatedAt is the timestamp of the most recent update to the user account.
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Report references a file held by the object storage provider.
type Report struct {
	FileURL      string `json:"fileUrl,omitempty" db:"report_url"`
	OriginalName string `json:"originalName,omitempty" db:"report_original_name"`
}

// Empty reports whether no report has been attached.
func (r Report) Empty() bool {
	return r.FileURL == ""
}

// PublicUser is the account view returned to clients. It has no password
// field.
type PublicUser struct {
	ID          int         `json:"_id"`
	FullName    string      `json:"fullname"`
	Email       string      `json:"email"`
	PhoneNumber PhoneNumber `json:"phoneNumber"`
	Role        string      `json:"role"`
	Profile     Profile     `json:"profile"`
}

// Profile groups optional account details shown alongside the identity.
type Profile struct {
	Report *Report `json:"report,omitempty"`
}

// Public builds the client-facing view of the user.
func (u User) Public() PublicUser {
	view := PublicUser{
		ID:          u.ID,
		FullName:    u.FullName,
		Email:       u.Email,
		PhoneNumber: u.PhoneNumber,
		Role:        u.Role,
	}
	if !u.Report.Empty() {
		report := u.Report
		view.Profile.Report = &report
	}
	return view
}

// PhoneNumber is a numeric phone number. It decodes from either a JSON
// number or a string of digits.
type PhoneNumber int64

var errInvalidPhoneNumber = errors.New("invalid phone number")

func (p *PhoneNumber) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*p = 0
		return nil
	}

	raw := string(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return errInvalidPhoneNumber
		}
		raw = strings.TrimSpace(s)
		if raw == "" {
			*p = 0
			return nil
		}
	}

	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n < 0 {
		return errInvalidPhoneNumber
	}
	*p = PhoneNumber(n)
	return nil
}
