package controller

import (
	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"

	"leadnurture/models"
	"leadnurture/utils"
)

type CreatorController struct {
	DB *gorm.DB
}

func NewCreatorController(db *gorm.DB) *CreatorController {
	return &CreatorController{DB: db}
}

func (cc *CreatorController) GetCurrentCreator(c *fiber.Ctx) error {
	creator := c.Locals("creator").(*models.Creator)
	return c.JSON(creator)
}

// RevokeTokens invalidates every token issued to the creator so far
func (cc *CreatorController) RevokeTokens(c *fiber.Ctx) error {
	creator := c.Locals("creator").(*models.Creator)

	err := cc.DB.WithContext(c.UserContext()).Model(&models.Creator{}).
		Where("id = ?", creator.ID).
		Update("token_version", gorm.Expr("token_version + 1")).Error
	if err != nil {
		utils.LogError("revoke_tokens", err, map[string]interface{}{
			"creator_id": creator.ID,
		})
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to revoke tokens",
		})
	}

	c.ClearCookie("access_token")
	return c.JSON(fiber.Map{
		"message": "Tokens revoked",
	})
}
