// Package identity supplies the current user's id and display name. The
// auth service itself is an external collaborator; this service never
// verifies credentials.
package identity

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
)

// ErrUnauthenticated is returned when no usable identity accompanies a
// request.
var ErrUnauthenticated = errors.New("no user identity on request")

// User is the identity attached to a request.
type User struct {
	ID          uuid.UUID
	DisplayName string
}

// Provider resolves the user behind an HTTP request.
type Provider interface {
	UserFromRequest(r *http.Request) (User, error)
}

// HeaderProvider reads identity from headers set by the auth gateway in
// front of this service. In development the same values may be passed as
// query parameters.
type HeaderProvider struct{}

// NewHeaderProvider creates a header-based identity provider.
func NewHeaderProvider() *HeaderProvider {
	return &HeaderProvider{}
}

// UserFromRequest resolves X-User-Id / X-User-Name, falling back to
// user_id / user_name query parameters.
func (p *HeaderProvider) UserFromRequest(r *http.Request) (User, error) {
	idStr := r.Header.Get("X-User-Id")
	if idStr == "" {
		idStr = r.URL.Query().Get("user_id")
	}
	if idStr == "" {
		return User{}, ErrUnauthenticated
	}

	id, err := uuid.Parse(idStr)
	if err != nil {
		return User{}, ErrUnauthenticated
	}

	name := r.Header.Get("X-User-Name")
	if name == "" {
		name = r.URL.Query().Get("user_name")
	}
	if name == "" {
		name = "Student"
	}

	return User{ID: id, DisplayName: name}, nil
}
