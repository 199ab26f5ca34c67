package middleware

import (
	"errors"
	"net/http"
	"slices"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/smart-pokhara/backend/internal/models"
)

const (
	actorKey = "actor"

	UserIDHeader   = "X-User-Id"
	UserRoleHeader = "X-User-Role"
)

// Claims are issued by the external auth provider. The subject is the user
// id; role is one of citizen, staff, supervisor, admin.
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

var userRoles = []models.Role{models.RoleCitizen, models.RoleStaff, models.RoleSupervisor, models.RoleAdmin}

// Auth resolves the caller into a models.Actor. With a secret set it expects
// an HS256 bearer token; with an empty secret it trusts the X-User-Id and
// X-User-Role headers, which is only meant for local development.
func Auth(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		var (
			actor models.Actor
			err   error
		)
		if secret == "" {
			actor = models.Actor{ID: strings.TrimSpace(c.GetHeader(UserIDHeader)), Role: models.ParseRole(c.GetHeader(UserRoleHeader))}
		} else {
			actor, err = parseBearer(c.GetHeader("Authorization"), secret)
			if err != nil {
				abort(c, http.StatusUnauthorized, "UNAUTHORIZED", err.Error())
				return
			}
		}
		if actor.ID == "" || !slices.Contains(userRoles, actor.Role) {
			abort(c, http.StatusUnauthorized, "UNAUTHORIZED", "Missing or unknown user identity")
			return
		}
		c.Set(actorKey, actor)
		c.Next()
	}
}

func parseBearer(header, secret string) (models.Actor, error) {
	tokenString, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || tokenString == "" {
		return models.Actor{}, errors.New("missing bearer token")
	}
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return models.Actor{}, errors.New("invalid token")
	}
	return models.Actor{ID: claims.Subject, Role: models.ParseRole(claims.Role)}, nil
}

// RequireRole lets the request through only for the listed roles.
func RequireRole(roles ...models.Role) gin.HandlerFunc {
	return func(c *gin.Context) {
		actor, ok := ActorFrom(c)
		if !ok || !slices.Contains(roles, actor.Role) {
			abort(c, http.StatusForbidden, "FORBIDDEN", "Role not allowed")
			return
		}
		c.Next()
	}
}

func ActorFrom(c *gin.Context) (models.Actor, bool) {
	v, ok := c.Get(actorKey)
	if !ok {
		return models.Actor{}, false
	}
	actor, ok := v.(models.Actor)
	return actor, ok
}

func abort(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	})
}
