package auth

import (
	"net/http"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/apartner/apartner-talk/internal/domain"
	apperrors "github.com/apartner/apartner-talk/pkg/util/errorutil"
)

const principalKey = "auth_principal"

// AuthMiddleware validates bearer tokens and stores the principal.
type AuthMiddleware struct {
	tokens *TokenManager
}

// NewAuthMiddleware constructs middleware.
func NewAuthMiddleware(tokens *TokenManager) *AuthMiddleware {
	return &AuthMiddleware{tokens: tokens}
}

// Handle enforces authentication for protected routes.
func (m *AuthMiddleware) Handle(c *fiber.Ctx) error {
	principal, err := m.authenticate(c.Get(fiber.HeaderAuthorization))
	if err != nil {
		return err
	}
	c.Locals(principalKey, principal)
	return c.Next()
}

// FromRequest authenticates a websocket upgrade request. Browsers cannot set
// headers on upgrades, so a token query parameter is accepted as well.
func (m *AuthMiddleware) FromRequest(r *http.Request) (*domain.Principal, error) {
	if header := r.Header.Get("Authorization"); header != "" {
		return m.authenticate(header)
	}
	if token := r.URL.Query().Get("token"); token != "" {
		return m.verify(token)
	}
	return nil, apperrors.NewUnauthorized("missing authorization header")
}

func (m *AuthMiddleware) authenticate(authHeader string) (*domain.Principal, error) {
	if authHeader == "" {
		return nil, apperrors.NewUnauthorized("missing authorization header")
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return nil, apperrors.NewUnauthorized("invalid authorization header")
	}
	return m.verify(strings.TrimSpace(parts[1]))
}

func (m *AuthMiddleware) verify(token string) (*domain.Principal, error) {
	claims, err := m.tokens.ParseToken(token)
	if err != nil {
		return nil, apperrors.NewUnauthorized("invalid token")
	}
	return claims.Principal(), nil
}

// PrincipalFromContext retrieves the authenticated caller.
func PrincipalFromContext(c *fiber.Ctx) (*domain.Principal, bool) {
	val := c.Locals(principalKey)
	if val == nil {
		return nil, false
	}
	principal, ok := val.(*domain.Principal)
	return principal, ok
}
