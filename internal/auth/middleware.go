package auth

import (
	"strings"

	"github.com/gofiber/fiber/v2"

	apperrors "github.com/qa-tools/triage-service/pkg/util/errorutil"
)

const principalKey = "auth_principal"

// Principal is the reviewer allowed to decide one draft.
type Principal struct {
	DraftID  string
	Reviewer string
}

// DecisionMiddleware validates bearer decision tokens against the :id route
// parameter.
type DecisionMiddleware struct {
	tokens *TokenManager
	param  string
}

// NewDecisionMiddleware constructs middleware reading the draft id from the
// given route parameter.
func NewDecisionMiddleware(tokens *TokenManager, param string) *DecisionMiddleware {
	if param == "" {
		param = "id"
	}
	return &DecisionMiddleware{tokens: tokens, param: param}
}

// Handle enforces a decision token bound to the requested draft. The token
// may also arrive as the "token" query parameter so Slack links work.
func (m *DecisionMiddleware) Handle(c *fiber.Ctx) error {
	raw := c.Query("token")
	if authHeader := c.Get("Authorization"); authHeader != "" {
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			return apperrors.NewUnauthorized("invalid authorization header")
		}
		raw = parts[1]
	}
	if raw == "" {
		return apperrors.NewUnauthorized("missing decision token")
	}

	claims, err := m.tokens.ParseToken(raw)
	if err != nil {
		return apperrors.NewUnauthorized("invalid token")
	}
	if claims.DraftID != c.Params(m.param) {
		return apperrors.NewForbidden("token is not valid for this draft")
	}

	c.Locals(principalKey, &Principal{DraftID: claims.DraftID, Reviewer: claims.Reviewer})
	return c.Next()
}

// PrincipalFromContext retrieves the authenticated reviewer.
func PrincipalFromContext(c *fiber.Ctx) (*Principal, bool) {
	val := c.Locals(principalKey)
	if val == nil {
		return nil, false
	}
	principal, ok := val.(*Principal)
	return principal, ok
}
