package identity

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/convertica/convertica/internal/database"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()
	db, err := database.Open(ctx, database.DriverSQLite, filepath.Join(t.TempDir(), "users.db"), time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	store, err := NewStore(ctx, db)
	require.NoError(t, err)
	return store
}

func TestSubscriptionActive(t *testing.T) {
	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	tests := []struct {
		name string
		user *User
		want bool
	}{
		{"anonymous", nil, false},
		{"free", &User{ID: "u1"}, false},
		{"premium without end", &User{ID: "u1", IsPremium: true}, true},
		{"premium not expired", &User{ID: "u1", IsPremium: true, SubscriptionEnd: &future}, true},
		{"premium expired", &User{ID: "u1", IsPremium: true, SubscriptionEnd: &past}, false},
		{"premium ends exactly now", &User{ID: "u1", IsPremium: true, SubscriptionEnd: &now}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.user.IsSubscriptionActive(now))
		})
	}
}

func TestStoreLookup(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	end := time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, store.Save(ctx, User{ID: "42", IsPremium: true, SubscriptionEnd: &end}, "key-42"))
	require.NoError(t, store.Save(ctx, User{ID: "7"}, "key-7"))

	u, err := store.Lookup(ctx, "key-42")
	require.NoError(t, err)
	assert.Equal(t, "42", u.ID)
	assert.True(t, u.IsPremium)
	require.NotNil(t, u.SubscriptionEnd)
	assert.True(t, end.Equal(*u.SubscriptionEnd))

	u, err = store.Lookup(ctx, "key-7")
	require.NoError(t, err)
	assert.False(t, u.IsPremium)
	assert.Nil(t, u.SubscriptionEnd)

	_, err = store.Lookup(ctx, "nope")
	assert.ErrorIs(t, err, ErrUnknownKey)
}

type lookupFunc func(ctx context.Context, key string) (*User, error)

func (f lookupFunc) Lookup(ctx context.Context, key string) (*User, error) { return f(ctx, key) }

func TestMiddleware(t *testing.T) {
	users := lookupFunc(func(ctx context.Context, key string) (*User, error) {
		switch key {
		case "good":
			return &User{ID: "1"}, nil
		case "broken":
			return nil, errors.New("db down")
		}
		return nil, ErrUnknownKey
	})

	var seen *User
	h := Middleware(users, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = FromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	tests := []struct {
		name       string
		header     string
		value      string
		wantStatus int
		wantUser   string
	}{
		{"anonymous", "", "", http.StatusOK, ""},
		{"bearer", "Authorization", "Bearer good", http.StatusOK, "1"},
		{"api key header", "X-API-Key", "good", http.StatusOK, "1"},
		{"unknown key", "Authorization", "Bearer bad", http.StatusUnauthorized, ""},
		{"store failure", "X-API-Key", "broken", http.StatusOK, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			seen = nil
			req := httptest.NewRequest(http.MethodPost, "/api/pdf-to-word/", nil)
			if tt.header != "" {
				req.Header.Set(tt.header, tt.value)
			}
			w := httptest.NewRecorder()
			h.ServeHTTP(w, req)

			assert.Equal(t, tt.wantStatus, w.Code)
			if tt.wantUser == "" {
				assert.False(t, seen.IsAuthenticated())
			} else {
				require.NotNil(t, seen)
				assert.Equal(t, tt.wantUser, seen.ID)
			}
		})
	}
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.1:5555"
	assert.Equal(t, "192.0.2.1", ClientIP(req))

	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	assert.Equal(t, "203.0.113.9", ClientIP(req))

	req.Header.Set("X-Forwarded-For", " ")
	assert.Equal(t, "192.0.2.1", ClientIP(req))

	req.Header.Del("X-Forwarded-For")
	req.RemoteAddr = "not-a-hostport"
	assert.Equal(t, "not-a-hostport", ClientIP(req))
}
