package middleware

import (
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/modhub/backend/internal/config"
	"github.com/modhub/backend/internal/database"
	"github.com/modhub/backend/internal/models"
)

// JWTClaims represents the token claims issued by the user service
type JWTClaims struct {
	UserID   uint        `json:"user_id"`
	Username string      `json:"username"`
	Tier     models.Tier `json:"tier"`
	jwt.RegisteredClaims
}

// OptionalAuth resolves the acting user when a bearer token is present.
// Requests without a token proceed as anonymous; requests with an invalid
// token are rejected so a broken client doesn't silently burn IP quota.
func OptionalAuth(cfg *config.Config) fiber.Handler {
	return func(c *fiber.Ctx) error {
		authHeader := c.Get("Authorization")
		if authHeader == "" {
			return c.Next()
		}

		// Extract token from "Bearer <token>"
		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"success": false,
				"message": "Invalid authorization header format",
			})
		}

		// Parse and validate token
		token, err := jwt.ParseWithClaims(parts[1], &JWTClaims{}, func(token *jwt.Token) (interface{}, error) {
			return []byte(cfg.JWTSecret), nil
		})
		if err != nil || !token.Valid {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"success": false,
				"message": "Invalid or expired token",
			})
		}

		claims, ok := token.Claims.(*JWTClaims)
		if !ok {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"success": false,
				"message": "Invalid token claims",
			})
		}

		// Check if the user still exists and is active; the tier on the
		// record wins over the token so tier changes apply immediately
		var user models.User
		if err := database.DB.First(&user, claims.UserID).Error; err != nil {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"success": false,
				"message": "User not found",
			})
		}
		if !user.IsActive {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"success": false,
				"message": "User account is disabled",
			})
		}

		c.Locals("actorID", user.ID)
		c.Locals("username", user.Username)
		c.Locals("tier", user.Tier)

		return c.Next()
	}
}

// CurrentActorID returns the authenticated actor id, 0 when anonymous
func CurrentActorID(c *fiber.Ctx) uint {
	actorID, ok := c.Locals("actorID").(uint)
	if !ok {
		return 0
	}
	return actorID
}

// CurrentTier returns the authenticated actor's tier, anonymous otherwise
func CurrentTier(c *fiber.Ctx) models.Tier {
	tier, ok := c.Locals("tier").(models.Tier)
	if !ok {
		return models.TierAnonymous
	}
	return tier
}
