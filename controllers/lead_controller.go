package controller

import (
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"leadnurture/middleware"
	"leadnurture/models"
	"leadnurture/nurture"
	"leadnurture/utils"
)

// LeadController exposes the leads the trigger engine has seen
type LeadController struct {
	DB     *gorm.DB
	Leads  nurture.LeadDirectory
	Store  nurture.EnrollmentStore
	Logger logrus.FieldLogger
}

func NewLeadController(db *gorm.DB, leads nurture.LeadDirectory, store nurture.EnrollmentStore, logger logrus.FieldLogger) *LeadController {
	return &LeadController{
		DB:     db,
		Leads:  leads,
		Store:  store,
		Logger: logger.WithField("component", "lead_controller"),
	}
}

type UpdateLeadRequest struct {
	Name     string `json:"name" validate:"omitempty,max=255"`
	Email    string `json:"email" validate:"omitempty,email"`
	Platform string `json:"platform" validate:"omitempty,oneof=instagram telegram whatsapp email"`
}

// GetLeads lists leads, most recently active first
func (lc *LeadController) GetLeads(c *fiber.Ctx) error {
	creatorID := middleware.CreatorID(c)

	// Pagination
	page, _ := strconv.Atoi(c.Query("page", "1"))
	if page < 1 {
		page = 1
	}
	limit, _ := strconv.Atoi(c.Query("limit", "20"))
	if limit < 1 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	offset := (page - 1) * limit

	// Filters
	query := lc.DB.WithContext(c.UserContext()).Model(&models.Lead{}).Where("creator_id = ?", creatorID)
	if email := strings.ToLower(c.Query("email")); email != "" {
		query = query.Where("email LIKE ?", "%"+email+"%")
	}
	if platform := c.Query("platform"); platform != "" {
		query = query.Where("platform = ?", platform)
	}
	if name := c.Query("name"); name != "" {
		query = query.Where("name LIKE ?", "%"+name+"%")
	}

	query = query.Session(&gorm.Session{})

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to count leads", err)
	}

	var leads []models.Lead
	if err := query.Order("last_event_at DESC").Order("id DESC").Offset(offset).Limit(limit).Find(&leads).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to fetch leads", err)
	}

	return c.JSON(utils.PaginatedResponse{
		Data:  leads,
		Total: total,
		Page:  page,
		Limit: limit,
	})
}

// GetLead returns one lead with its active enrollments
func (lc *LeadController) GetLead(c *fiber.Ctx) error {
	creatorID := middleware.CreatorID(c)
	followerID := c.Params("follower_id")

	lead, err := lc.Leads.Lookup(c.UserContext(), creatorID, followerID)
	if err != nil {
		if nurture.IsNotFound(err) {
			return utils.ErrorResponse(c, fiber.StatusNotFound, "Lead not found", nil)
		}
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to fetch lead", err)
	}

	active, err := lc.Store.ListActiveByFollower(c.UserContext(), creatorID, followerID)
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to fetch enrollments", err)
	}

	return c.JSON(fiber.Map{
		"lead":        lead,
		"enrollments": active,
	})
}

// UpdateLead corrects a lead's profile. Empty fields are left unchanged.
func (lc *LeadController) UpdateLead(c *fiber.Ctx) error {
	creatorID := middleware.CreatorID(c)
	followerID := c.Params("follower_id")

	var req UpdateLeadRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}
	if err := utils.ValidateStruct(req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": err.Error(),
		})
	}

	existing, err := lc.Leads.Lookup(c.UserContext(), creatorID, followerID)
	if err != nil {
		if nurture.IsNotFound(err) {
			return utils.ErrorResponse(c, fiber.StatusNotFound, "Lead not found", nil)
		}
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to fetch lead", err)
	}

	err = lc.Leads.Touch(c.UserContext(), models.Lead{
		CreatorID:   creatorID,
		FollowerID:  followerID,
		Name:        req.Name,
		Email:       req.Email,
		Platform:    req.Platform,
		LastEventAt: existing.LastEventAt,
	})
	if err != nil {
		utils.LogError("update_lead", err, map[string]interface{}{
			"creator_id":  creatorID,
			"follower_id": followerID,
		})
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to update lead", nil)
	}

	lead, err := lc.Leads.Lookup(c.UserContext(), creatorID, followerID)
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to fetch lead", err)
	}
	return c.JSON(lead)
}
