package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func TestJWT_RoundTrip(t *testing.T) {
	j := NewJWTHandler(testSecret, time.Hour)

	token, err := j.GenerateAccessToken("line-3-hmi", RoleOperator)
	require.NoError(t, err)

	claims, err := j.ValidateAccessToken(token)
	require.NoError(t, err)
	assert.Equal(t, "line-3-hmi", claims.Subject)
	assert.Equal(t, RoleOperator, claims.Role)
	assert.NotEmpty(t, claims.ID)
}

func TestJWT_UnknownRole(t *testing.T) {
	_, err := NewJWTHandler(testSecret, time.Hour).GenerateAccessToken("x", "superuser")
	assert.Error(t, err)
}

func TestJWT_Rejects(t *testing.T) {
	j := NewJWTHandler(testSecret, time.Hour)

	t.Run("wrong secret", func(t *testing.T) {
		token, err := NewJWTHandler("another-secret-another-secret-xx", time.Hour).GenerateAccessToken("x", RoleAdmin)
		require.NoError(t, err)
		_, err = j.ValidateAccessToken(token)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("expired", func(t *testing.T) {
		token, err := NewJWTHandler(testSecret, -time.Minute).GenerateAccessToken("x", RoleAdmin)
		require.NoError(t, err)
		_, err = j.ValidateAccessToken(token)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("foreign issuer", func(t *testing.T) {
		claims := JWTClaims{Role: RoleAdmin, RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "someone-else",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		}}
		token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
		require.NoError(t, err)
		_, err = j.ValidateAccessToken(token)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("garbage", func(t *testing.T) {
		_, err := j.ValidateAccessToken("not.a.token")
		assert.ErrorIs(t, err, ErrInvalidToken)
	})
}

func newProtectedRouter(j *JWTHandler) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.POST("/detect", j.Middleware(), RequirePermission(PermDetect), func(c *gin.Context) {
		c.String(http.StatusOK, GetSubject(c))
	})
	return r
}

func TestMiddleware(t *testing.T) {
	j := NewJWTHandler(testSecret, time.Hour)
	r := newProtectedRouter(j)

	technician, err := j.GenerateAccessToken("tech", RoleTechnician)
	require.NoError(t, err)
	operator, err := j.GenerateAccessToken("op", RoleOperator)
	require.NoError(t, err)

	tests := []struct {
		name   string
		header string
		status int
	}{
		{"missing header", "", http.StatusUnauthorized},
		{"not bearer", "Basic abc", http.StatusUnauthorized},
		{"bad token", "Bearer abc", http.StatusUnauthorized},
		{"lacks permission", "Bearer " + operator, http.StatusForbidden},
		{"allowed", "Bearer " + technician, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/detect", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)

			assert.Equal(t, tt.status, w.Code)
			if tt.status == http.StatusOK {
				assert.Equal(t, "tech", w.Body.String())
			}
		})
	}
}
