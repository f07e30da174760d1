package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	fbauth "firebase.google.com/go/v4/auth"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockIDTokenVerifier struct{ mock.Mock }

func (m *mockIDTokenVerifier) VerifyIDToken(ctx context.Context, idToken string) (*fbauth.Token, error) {
	args := m.Called(ctx, idToken)
	if t, _ := args.Get(0).(*fbauth.Token); t != nil {
		return t, args.Error(1)
	}
	return nil, args.Error(1)
}

func TestJWTVerifier(t *testing.T) {
	v := NewJWTVerifier("s3cret")
	ctx := context.Background()

	tok, err := v.Sign("admin-1", RoleOperator, time.Minute)
	require.NoError(t, err)
	p, err := v.Verify(ctx, tok)
	require.NoError(t, err)
	assert.Equal(t, &Principal{UserID: "admin-1", Operator: true}, p)

	tok, err = v.Sign("reader-1", "", time.Minute)
	require.NoError(t, err)
	p, err = v.Verify(ctx, tok)
	require.NoError(t, err)
	assert.False(t, p.Operator)

	expired, err := v.Sign("reader-1", "", -time.Minute)
	require.NoError(t, err)
	_, err = v.Verify(ctx, expired)
	assert.True(t, errors.Is(err, ErrInvalidToken))

	forged, err := NewJWTVerifier("other").Sign("admin-1", RoleOperator, time.Minute)
	require.NoError(t, err)
	_, err = v.Verify(ctx, forged)
	assert.True(t, errors.Is(err, ErrInvalidToken))

	_, err = v.Verify(ctx, "")
	assert.True(t, errors.Is(err, ErrMissingToken))
}

func TestFirebaseVerifier(t *testing.T) {
	m := &mockIDTokenVerifier{}
	m.On("VerifyIDToken", mock.Anything, "good").Return(&fbauth.Token{UID: "u1", Claims: map[string]interface{}{"admin": true}}, nil)
	m.On("VerifyIDToken", mock.Anything, "bad").Return(nil, errors.New("token expired"))
	v := &FirebaseVerifier{client: m}

	p, err := v.Verify(context.Background(), "good")
	require.NoError(t, err)
	assert.Equal(t, &Principal{UserID: "u1", Operator: true}, p)

	_, err = v.Verify(context.Background(), "bad")
	assert.True(t, errors.Is(err, ErrInvalidToken))
	m.AssertExpectations(t)
}

func newRouter(v Verifier) http.Handler {
	r := chi.NewRouter()
	r.Use(Middleware(v))
	r.With(RequireOperator).Post("/send", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.With(RequireSelf).Get("/users/{userID}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return r
}

func TestMiddleware(t *testing.T) {
	v := NewJWTVerifier("s3cret")
	operator, _ := v.Sign("admin", RoleOperator, time.Minute)
	reader, _ := v.Sign("u1", "", time.Minute)
	h := newRouter(v)

	tests := []struct {
		name   string
		method string
		path   string
		token  string
		want   int
	}{
		{"no token", http.MethodPost, "/send", "", http.StatusUnauthorized},
		{"garbage token", http.MethodPost, "/send", "abc", http.StatusUnauthorized},
		{"reader cannot send", http.MethodPost, "/send", reader, http.StatusForbidden},
		{"operator can send", http.MethodPost, "/send", operator, http.StatusOK},
		{"reader reads self", http.MethodGet, "/users/u1", reader, http.StatusOK},
		{"reader cannot read others", http.MethodGet, "/users/u2", reader, http.StatusForbidden},
		{"operator reads anyone", http.MethodGet, "/users/u2", operator, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, nil)
			if tt.token != "" {
				req.Header.Set("Authorization", "Bearer "+tt.token)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestNoAuth(t *testing.T) {
	rec := httptest.NewRecorder()
	newRouter(NoAuth{}).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/send", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
