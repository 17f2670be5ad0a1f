package middleware

import (
	"strings"

	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"

	"leadnurture/models"
	"leadnurture/utils"
)

// Protected authenticates the creator from a bearer token (or the
// access_token cookie) and stores it in Locals "creator" and "creatorID".
func Protected(db *gorm.DB, secret string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		// Try to get token from Authorization header first
		var token string
		authHeader := c.Get("Authorization")
		if authHeader != "" {
			tokenParts := strings.Split(authHeader, " ")
			if len(tokenParts) != 2 || tokenParts[0] != "Bearer" {
				return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
					"error": "Invalid authorization format",
				})
			}
			token = tokenParts[1]
		} else {
			token = c.Cookies("access_token")
			if token == "" {
				return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
					"error": "Authorization required",
				})
			}
		}

		claims, err := utils.ParseJWTToken(token, secret)
		if err != nil {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "Invalid or expired token",
			})
		}

		var creator models.Creator
		if err := db.WithContext(c.UserContext()).First(&creator, claims.CreatorID).Error; err != nil {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "Creator not found",
			})
		}

		if !creator.IsActive {
			return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
				"error": "Account is not active",
			})
		}

		// Bumping TokenVersion revokes every token issued before
		if claims.TokenVersion != creator.TokenVersion {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "Invalid token version",
			})
		}

		c.Locals("creator", &creator)
		c.Locals("creatorID", creator.ID)

		return c.Next()
	}
}

// CreatorID returns the authenticated creator's id, or 0 outside Protected
func CreatorID(c *fiber.Ctx) uint {
	id, _ := c.Locals("creatorID").(uint)
	return id
}
