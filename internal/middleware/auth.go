package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const (
	AuthContextKey = "account_id"
)

var jwtSecret string

// Claims represents JWT claims
type Claims struct {
	AccountID string `json:"account_id"`
	Email     string `json:"email"`
	jwt.RegisteredClaims
}

// SetJWTSecret sets the JWT secret for the middleware
func SetJWTSecret(secret string) {
	jwtSecret = secret
}

// JWTAuth middleware validates JWT tokens
func JWTAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Authorization header required"})
			c.Abort()
			return
		}

		// Extract token from "Bearer <token>"
		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authorization format"})
			c.Abort()
			return
		}

		tokenString := parts[1]

		// Parse and validate token
		token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
			return []byte(jwtSecret), nil
		})

		if err != nil || !token.Valid {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid or expired token"})
			c.Abort()
			return
		}

		claims, ok := token.Claims.(*Claims)
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid token claims"})
			c.Abort()
			return
		}

		// Add account ID to context
		c.Set(AuthContextKey, claims.AccountID)
		c.Next()
	}
}

// InternalToken middleware guards operator-only endpoints with a static
// bearer token. Used for the reconciliation sweep trigger.
func InternalToken(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if token == "" {
			c.JSON(http.StatusForbidden, gin.H{"error": "Internal endpoints disabled"})
			c.Abort()
			return
		}

		got := c.GetHeader("Authorization")
		got = strings.TrimPrefix(got, "Bearer ")
		if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid internal token"})
			c.Abort()
			return
		}

		c.Next()
	}
}

// GenerateToken generates a JWT token for an account
func GenerateToken(accountID, email string, expiresIn time.Duration) (string, error) {
	claims := Claims{
		AccountID: accountID,
		Email:     email,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(expiresIn)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			NotBefore: jwt.NewNumericDate(time.Now()),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(jwtSecret))
}

// GetAccountID retrieves the account ID from the context
func GetAccountID(c *gin.Context) (string, bool) {
	accountID, exists := c.Get(AuthContextKey)
	if !exists {
		return "", false
	}

	accountIDStr, ok := accountID.(string)
	return accountIDStr, ok
}
