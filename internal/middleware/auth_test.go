package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func TestGenerateToken(t *testing.T) {
	SetJWTSecret("test-secret")

	accountID := "test-account-id"
	email := "test@example.com"

	token, err := GenerateToken(accountID, email, 1*time.Hour)
	assert.NoError(t, err)
	assert.NotEmpty(t, token)
}

func TestJWTAuth(t *testing.T) {
	gin.SetMode(gin.TestMode)
	SetJWTSecret("test-secret")

	tests := []struct {
		name           string
		token          string
		expectedStatus int
	}{
		{
			name:           "Missing authorization header",
			token:          "",
			expectedStatus: http.StatusUnauthorized,
		},
		{
			name:           "Invalid token format",
			token:          "InvalidToken",
			expectedStatus: http.StatusUnauthorized,
		},
		{
			name:           "Garbage bearer token",
			token:          "Bearer not-a-jwt",
			expectedStatus: http.StatusUnauthorized,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			c, _ := gin.CreateTestContext(w)

			req := httptest.NewRequest("GET", "/test", nil)
			if tt.token != "" {
				req.Header.Set("Authorization", tt.token)
			}
			c.Request = req

			JWTAuth()(c)

			assert.Equal(t, tt.expectedStatus, w.Code)
		})
	}
}

func TestJWTAuthWithValidToken(t *testing.T) {
	gin.SetMode(gin.TestMode)
	SetJWTSecret("test-secret")

	accountID := "test-account-id"
	email := "test@example.com"
	token, err := GenerateToken(accountID, email, 1*time.Hour)
	assert.NoError(t, err)

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)

	req := httptest.NewRequest("GET", "/test", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	c.Request = req

	handler := func(c *gin.Context) {
		extracted, exists := GetAccountID(c)
		assert.True(t, exists)
		assert.Equal(t, accountID, extracted)
		c.Status(http.StatusOK)
	}

	JWTAuth()(c)
	if !c.IsAborted() {
		handler(c)
	}

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestInternalToken(t *testing.T) {
	gin.SetMode(gin.TestMode)

	router := gin.New()
	router.Use(InternalToken("sweep-secret"))
	router.POST("/internal/sweep", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	t.Run("valid token", func(t *testing.T) {
		w := httptest.NewRecorder()
		req := httptest.NewRequest("POST", "/internal/sweep", nil)
		req.Header.Set("Authorization", "Bearer sweep-secret")
		router.ServeHTTP(w, req)
		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("wrong token", func(t *testing.T) {
		w := httptest.NewRecorder()
		req := httptest.NewRequest("POST", "/internal/sweep", nil)
		req.Header.Set("Authorization", "Bearer nope")
		router.ServeHTTP(w, req)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("missing token", func(t *testing.T) {
		w := httptest.NewRecorder()
		req := httptest.NewRequest("POST", "/internal/sweep", nil)
		router.ServeHTTP(w, req)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("disabled when unconfigured", func(t *testing.T) {
		disabled := gin.New()
		disabled.Use(InternalToken(""))
		disabled.POST("/internal/sweep", func(c *gin.Context) {
			c.Status(http.StatusOK)
		})

		w := httptest.NewRecorder()
		req := httptest.NewRequest("POST", "/internal/sweep", nil)
		req.Header.Set("Authorization", "Bearer anything")
		disabled.ServeHTTP(w, req)
		assert.Equal(t, http.StatusForbidden, w.Code)
	})
}
