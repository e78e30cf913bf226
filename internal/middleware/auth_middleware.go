package middleware

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/Dhoini/Sharing-microservice/pkg/logger"
	"github.com/Dhoini/Sharing-microservice/pkg/res"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// ContextKey тип для ключей контекста во избежание коллизий.
type ContextKey string

const (
	// ContextUserIDKey ключ для ID пользователя (HTTP middleware и gRPC interceptor)
	ContextUserIDKey ContextKey = "userID"
	// ContextUserEmailKey ключ для email пользователя
	ContextUserEmailKey ContextKey = "userEmail"
	// ContextNicknameKey ключ для отображаемого имени
	ContextNicknameKey ContextKey = "nickname"

	authHeaderPrefix = "Bearer "
)

type TokenValidator interface {
	Validate(tokenString string) (*TokenClaims, error)
}

type TokenClaims struct {
	UserEmail string `json:"email"`
	Nickname  string `json:"nickname"`
	Scope     string `json:"scope"`
	jwt.RegisteredClaims
}

type JWTMiddleware struct {
	log       *logger.Logger
	validator TokenValidator
}

func NewJWTMiddleware(log *logger.Logger, validator TokenValidator) *JWTMiddleware {
	return &JWTMiddleware{
		log:       log,
		validator: validator,
	}
}

func (m *JWTMiddleware) RequireAuth(requiredScopes ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			m.handleAuthError(c, "Missing authorization token")
			return
		}
		if !strings.HasPrefix(authHeader, authHeaderPrefix) {
			m.handleAuthError(c, "Invalid authorization header format")
			return
		}

		tokenString := strings.TrimPrefix(authHeader, authHeaderPrefix)
		claims, err := m.validator.Validate(tokenString)
		if err != nil {
			m.handleAuthError(c, fmt.Sprintf("Token validation failed: %v", err))
			return
		}

		if !hasRequiredScope(claims.Scope, requiredScopes) {
			m.handleAuthError(c, "Insufficient token permissions")
			return
		}

		userID := claims.Subject
		if userID == "" {
			m.handleAuthError(c, "User ID (sub) missing in token")
			return
		}

		c.Set(string(ContextUserIDKey), userID)
		c.Set(string(ContextUserEmailKey), claims.UserEmail)
		c.Set(string(ContextNicknameKey), claims.Nickname)
		m.log.Debugw("User authenticated via HTTP", "userID", userID)
		c.Next()
	}
}

// UserID возвращает ID пользователя, положенный RequireAuth
func UserID(c *gin.Context) (string, bool) {
	return stringValue(c, ContextUserIDKey)
}

// UserEmail возвращает email из токена, если он был
func UserEmail(c *gin.Context) string {
	v, _ := stringValue(c, ContextUserEmailKey)
	return v
}

// Nickname возвращает отображаемое имя из токена, если оно было
func Nickname(c *gin.Context) string {
	v, _ := stringValue(c, ContextNicknameKey)
	return v
}

func stringValue(c *gin.Context, key ContextKey) (string, bool) {
	v, ok := c.Get(string(key))
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok && s != ""
}

// scope в токене может содержать несколько значений через пробел
func hasRequiredScope(tokenScope string, requiredScopes []string) bool {
	if len(requiredScopes) == 0 {
		return true
	}
	granted := strings.Fields(tokenScope)
	for _, required := range requiredScopes {
		for _, scope := range granted {
			if scope == required {
				return true
			}
		}
	}
	return false
}

func (m *JWTMiddleware) handleAuthError(c *gin.Context, message string) {
	m.log.Warnw("HTTP authentication failed", "path", c.Request.URL.Path, "error", message)
	res.JsonResponse(c.Writer, res.ErrorResponse{
		Error:     message,
		ErrorCode: "unauthorized",
	}, http.StatusUnauthorized)
	c.Abort()
}

// DefaultTokenValidator проверяет HMAC-подписанные токены общим секретом
type DefaultTokenValidator struct {
	Secret []byte
}

func NewTokenValidator(secret string) *DefaultTokenValidator {
	return &DefaultTokenValidator{Secret: []byte(secret)}
}

func (v *DefaultTokenValidator) Validate(tokenString string) (*TokenClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &TokenClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.Secret, nil
	})

	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenMalformed):
			return nil, errors.New("malformed token")
		case errors.Is(err, jwt.ErrTokenSignatureInvalid):
			return nil, errors.New("invalid token signature")
		case errors.Is(err, jwt.ErrTokenExpired), errors.Is(err, jwt.ErrTokenNotValidYet):
			return nil, errors.New("token expired")
		default:
			return nil, fmt.Errorf("invalid token: %w", err)
		}
	}

	if claims, ok := token.Claims.(*TokenClaims); ok && token.Valid {
		return claims, nil
	}

	return nil, errors.New("invalid token claims")
}
