package auth

import (
	"github.com/gofiber/fiber/v2"

	"github.com/apartner/apartner-talk/internal/domain"
	apperrors "github.com/apartner/apartner-talk/pkg/util/errorutil"
)

// RequireResident ensures a resident is authenticated.
func RequireResident() fiber.Handler {
	return requireSubject(domain.SubjectTypeResident, "resident required")
}

// RequireStaff ensures a management office member is authenticated.
func RequireStaff() fiber.Handler {
	return requireSubject(domain.SubjectTypeStaff, "staff role required")
}

// RequireAnyRole ensures caller is authenticated (resident or staff).
func RequireAnyRole() fiber.Handler {
	return func(c *fiber.Ctx) error {
		if _, ok := PrincipalFromContext(c); !ok {
			return apperrors.NewUnauthorized("authentication required")
		}
		return c.Next()
	}
}

func requireSubject(subject domain.SubjectType, message string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		principal, ok := PrincipalFromContext(c)
		if !ok {
			return apperrors.NewUnauthorized("authentication required")
		}
		if principal.Subject != subject {
			return apperrors.NewForbidden(message)
		}
		return c.Next()
	}
}
