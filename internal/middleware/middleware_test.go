package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"agrispare-be/internal/identity"
	"agrispare-be/internal/user"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var vendorID = uuid.MustParse("33333333-3333-3333-3333-333333333333")

func TestCors(t *testing.T) {
	nextHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	handler := CORS("http://localhost:3000")(nextHandler)

	t.Run("OPTIONS request", func(t *testing.T) {
		req := httptest.NewRequest("OPTIONS", "/quotes", nil)
		w := httptest.NewRecorder()

		handler.ServeHTTP(w, req)

		assert.Equal(t, "http://localhost:3000", w.Header().Get("Access-Control-Allow-Origin"))
		assert.Contains(t, w.Header().Get("Access-Control-Allow-Methods"), "PUT")
		assert.Contains(t, w.Header().Get("Access-Control-Allow-Headers"), "Authorization")
		assert.Equal(t, http.StatusNoContent, w.Code)
	})

	t.Run("Normal request", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/quotes", nil)
		w := httptest.NewRecorder()

		handler.ServeHTTP(w, req)

		assert.Equal(t, "http://localhost:3000", w.Header().Get("Access-Control-Allow-Origin"))
		assert.Equal(t, http.StatusOK, w.Code)
	})
}

func TestAuth(t *testing.T) {
	t.Setenv("JWT_SECRET", "test-secret")

	t.Run("Missing Token", func(t *testing.T) {
		next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, ok := identity.FromContext(r.Context())
			assert.False(t, ok, "Context should not contain an identity")
			w.WriteHeader(http.StatusOK)
		})

		req := httptest.NewRequest("GET", "/quotes", nil)
		w := httptest.NewRecorder()

		AuthMiddleware(next).ServeHTTP(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("Invalid Token", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/quotes", nil)
		req.Header.Set("Authorization", "Bearer invalid-token")
		w := httptest.NewRecorder()

		AuthMiddleware(http.NotFoundHandler()).ServeHTTP(w, req)

		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.Contains(t, w.Body.String(), "unauthenticated")
	})

	t.Run("Valid Token", func(t *testing.T) {
		tokenString, err := user.GenerateJWT(vendorID, identity.RoleVendor, "vendor@example.com")
		require.NoError(t, err)

		req := httptest.NewRequest("GET", "/quotes", nil)
		req.Header.Set("Authorization", "Bearer "+tokenString)
		w := httptest.NewRecorder()

		next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			actor, ok := identity.FromContext(r.Context())
			assert.True(t, ok)
			assert.Equal(t, vendorID, actor.ActorID)
			assert.Equal(t, identity.RoleVendor, actor.Role)
			w.WriteHeader(http.StatusOK)
		})

		AuthMiddleware(next).ServeHTTP(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("Query Token", func(t *testing.T) {
		tokenString, err := user.GenerateJWT(vendorID, identity.RoleVendor, "vendor@example.com")
		require.NoError(t, err)

		req := httptest.NewRequest("GET", "/ws?access_token="+tokenString, nil)
		w := httptest.NewRecorder()

		called := false
		next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, called = identity.FromContext(r.Context())
		})

		AuthMiddleware(next).ServeHTTP(w, req)
		assert.True(t, called)
	})

	t.Run("Cookie Token", func(t *testing.T) {
		tokenString, err := user.GenerateJWT(vendorID, identity.RoleVendor, "vendor@example.com")
		require.NoError(t, err)

		req := httptest.NewRequest("GET", "/ws", nil)
		req.AddCookie(&http.Cookie{Name: "access_token", Value: tokenString})
		w := httptest.NewRecorder()

		called := false
		next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, called = identity.FromContext(r.Context())
		})

		AuthMiddleware(next).ServeHTTP(w, req)
		assert.True(t, called)
	})

	t.Run("Expired Token", func(t *testing.T) {
		token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
			"user_id": vendorID.String(),
			"role":    "vendor",
			"exp":     time.Now().Add(-time.Hour).Unix(),
		})
		tokenString, err := token.SignedString([]byte("test-secret"))
		assert.NoError(t, err)

		req := httptest.NewRequest("GET", "/quotes", nil)
		req.Header.Set("Authorization", "Bearer "+tokenString)
		w := httptest.NewRecorder()

		AuthMiddleware(http.NotFoundHandler()).ServeHTTP(w, req)

		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("Unknown Role", func(t *testing.T) {
		token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
			"user_id": vendorID.String(),
			"role":    "USER",
			"exp":     time.Now().Add(time.Hour).Unix(),
		})
		tokenString, err := token.SignedString([]byte("test-secret"))
		require.NoError(t, err)

		req := httptest.NewRequest("GET", "/quotes", nil)
		req.Header.Set("Authorization", "Bearer "+tokenString)
		w := httptest.NewRecorder()

		AuthMiddleware(http.NotFoundHandler()).ServeHTTP(w, req)

		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("Malformed Header", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/quotes", nil)
		req.Header.Set("Authorization", "Basic user:pass")
		w := httptest.NewRecorder()

		next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, ok := identity.FromContext(r.Context())
			assert.False(t, ok)
			w.WriteHeader(http.StatusOK)
		})

		AuthMiddleware(next).ServeHTTP(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
	})
}

func TestRequireIdentity(t *testing.T) {
	handler := RequireIdentity(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest("GET", "/quotes", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req := httptest.NewRequest("GET", "/quotes", nil)
	req = req.WithContext(identity.WithIdentity(req.Context(), identity.Identity{ActorID: vendorID, Role: identity.RoleVendor}))
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRateLimiter(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	t.Run("StrictTierForLogin", func(t *testing.T) {
		l := NewRateLimiter()
		handler := l.Middleware(ok)

		codes := map[int]int{}
		for i := 0; i < burstStrict+3; i++ {
			req := httptest.NewRequest("POST", "/auth/login", nil)
			req.RemoteAddr = "10.0.0.1:5000"
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)
			codes[w.Code]++
		}
		assert.Equal(t, burstStrict, codes[http.StatusOK])
		assert.Equal(t, 3, codes[http.StatusTooManyRequests])
	})

	t.Run("SeparateBucketsPerCaller", func(t *testing.T) {
		l := NewRateLimiter()
		handler := l.Middleware(ok)

		for i := 0; i < burstStrict; i++ {
			req := httptest.NewRequest("POST", "/auth/login", nil)
			req.RemoteAddr = "10.0.0.1:5000"
			handler.ServeHTTP(httptest.NewRecorder(), req)
		}

		req := httptest.NewRequest("POST", "/auth/login", nil)
		req.RemoteAddr = "10.0.0.2:5000"
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		assert.Equal(t, http.StatusOK, w.Code)

		// Same IP, different tier.
		req = httptest.NewRequest("GET", "/quotes", nil)
		req.RemoteAddr = "10.0.0.1:5000"
		w = httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("Eviction", func(t *testing.T) {
		now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
		l := NewRateLimiter()
		l.now = func() time.Time { return now }

		l.getVisitor("ip:a:general", limitGeneral, burstGeneral)
		now = now.Add(2 * time.Minute)
		l.getVisitor("ip:b:general", limitGeneral, burstGeneral)
		now = now.Add(2 * time.Minute)

		l.evict()
		assert.Equal(t, 1, l.size())
	})
}

func TestCallerKey(t *testing.T) {
	req := httptest.NewRequest("GET", "/quotes", nil)
	req.RemoteAddr = "192.168.1.9:1234"
	assert.Equal(t, "ip:192.168.1.9", callerKey(req))

	req.Header.Set("X-Device-ID", "tablet-7")
	assert.Equal(t, "device:tablet-7", callerKey(req))

	req = req.WithContext(identity.WithIdentity(req.Context(), identity.Identity{ActorID: vendorID, Role: identity.RoleVendor}))
	assert.Equal(t, "actor:"+vendorID.String(), callerKey(req))
}
