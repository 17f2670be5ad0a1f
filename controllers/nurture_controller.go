package controller

import (
	"errors"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"

	"leadnurture/middleware"
	"leadnurture/models"
	"leadnurture/nurture"
	"leadnurture/utils"
)

type NurtureController struct {
	Catalog *nurture.Catalog
	Store   nurture.EnrollmentStore
	Trigger *nurture.TriggerEngine
	Policy  *nurture.CancellationPolicy
	Runner  *nurture.Runner
	Logger  logrus.FieldLogger
}

func NewNurtureController(catalog *nurture.Catalog, store nurture.EnrollmentStore, trigger *nurture.TriggerEngine, policy *nurture.CancellationPolicy, runner *nurture.Runner, logger logrus.FieldLogger) *NurtureController {
	return &NurtureController{
		Catalog: catalog,
		Store:   store,
		Trigger: trigger,
		Policy:  policy,
		Runner:  runner,
		Logger:  logger.WithField("component", "nurture_controller"),
	}
}

type StepResponse struct {
	Index      int    `json:"index"`
	DelayHours int    `json:"delay_hours"`
	Delay      string `json:"delay"`
	Message    string `json:"message"`
}

type SequenceResponse struct {
	Type         models.SequenceType `json:"type"`
	Name         string              `json:"name"`
	Description  string              `json:"description"`
	IsActive     bool                `json:"is_active"`
	IsCustomized bool                `json:"is_customized"`
	Steps        []StepResponse      `json:"steps"`
	Enrolled     int64               `json:"enrolled_count"`
	Pending      int64               `json:"pending_count"`
	Sent         int64               `json:"sent_count"`
}

type EnrolledResponse struct {
	EnrollmentID  string                  `json:"enrollment_id"`
	FollowerID    string                  `json:"follower_id"`
	Platform      string                  `json:"platform"`
	Status        models.EnrollmentStatus `json:"status"`
	CurrentStep   int                     `json:"current_step"`
	NextScheduled *time.Time              `json:"next_scheduled"`
	PendingSteps  int                     `json:"pending_steps"`
	EnrolledAt    time.Time               `json:"enrolled_at"`
}

// StepInput accepts either delay_hours or a formatted delay such as "1d 2h"
type StepInput struct {
	DelayHours *int   `json:"delay_hours"`
	Delay      string `json:"delay"`
	Message    string `json:"message"`
}

type UpdateSequenceRequest struct {
	Steps []StepInput `json:"steps"`
}

type RepliedRequest struct {
	FollowerID string `json:"follower_id" validate:"required"`
}

type PurchasedRequest struct {
	FollowerID string            `json:"follower_id" validate:"required"`
	ProductID  string            `json:"product_id"`
	Product    string            `json:"product"`
	Platform   string            `json:"platform"`
	Name       string            `json:"name"`
	Email      string            `json:"email" validate:"omitempty,email"`
	Vars       map[string]string `json:"vars"`
}

func toSequenceResponse(def *nurture.Definition, stats nurture.SequenceStats) SequenceResponse {
	steps := make([]StepResponse, len(def.Steps))
	for i, s := range def.Steps {
		steps[i] = StepResponse{
			Index:      s.Index,
			DelayHours: s.DelayHours,
			Delay:      nurture.FormatDelay(s.DelayHours),
			Message:    s.Message,
		}
	}
	return SequenceResponse{
		Type:         def.Type,
		Name:         def.DisplayName,
		Description:  def.Description,
		IsActive:     def.IsActive,
		IsCustomized: def.IsCustomized,
		Steps:        steps,
		Enrolled:     stats.Enrolled,
		Pending:      stats.Pending,
		Sent:         stats.Sent,
	}
}

// GetSequences lists every sequence with its counters
func (nc *NurtureController) GetSequences(c *fiber.Ctx) error {
	creatorID := middleware.CreatorID(c)
	ctx := c.UserContext()

	defs, err := nc.Catalog.List(ctx, creatorID)
	if err != nil {
		return nc.fail(c, "list_sequences", err)
	}
	stats, err := nc.Store.Stats(ctx, creatorID)
	if err != nil {
		return nc.fail(c, "sequence_stats", err)
	}

	response := make([]SequenceResponse, len(defs))
	for i := range defs {
		response[i] = toSequenceResponse(&defs[i], stats[defs[i].Type])
	}
	return c.JSON(fiber.Map{"sequences": response})
}

func (nc *NurtureController) ToggleSequence(c *fiber.Ctx) error {
	creatorID := middleware.CreatorID(c)
	def, err := nc.Catalog.Toggle(c.UserContext(), creatorID, models.SequenceType(c.Params("type")))
	if err != nil {
		return nc.fail(c, "toggle_sequence", err)
	}

	utils.LogEvent("sequence_toggled", map[string]interface{}{
		"creator_id":    creatorID,
		"sequence_type": def.Type,
		"is_active":     def.IsActive,
	})
	return nc.sequence(c, def)
}

func (nc *NurtureController) UpdateSequence(c *fiber.Ctx) error {
	creatorID := middleware.CreatorID(c)

	var req UpdateSequenceRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	steps := make([]models.SequenceStepOverride, len(req.Steps))
	for i, in := range req.Steps {
		hours, err := stepDelay(in)
		if err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error":      err.Error(),
				"step_index": i,
			})
		}
		steps[i] = models.SequenceStepOverride{DelayHours: hours, Message: in.Message}
	}

	def, err := nc.Catalog.UpsertOverride(c.UserContext(), creatorID, models.SequenceType(c.Params("type")), steps)
	if err != nil {
		return nc.fail(c, "update_sequence", err)
	}
	return nc.sequence(c, def)
}

func stepDelay(in StepInput) (int, error) {
	if in.DelayHours != nil {
		return *in.DelayHours, nil
	}
	if strings.TrimSpace(in.Delay) == "" {
		return 0, errors.New("delay_hours or delay is required")
	}
	return nurture.ParseDelay(in.Delay)
}

func (nc *NurtureController) RestoreDefaults(c *fiber.Ctx) error {
	def, err := nc.Catalog.RestoreDefaults(c.UserContext(), middleware.CreatorID(c), models.SequenceType(c.Params("type")))
	if err != nil {
		return nc.fail(c, "restore_defaults", err)
	}
	return nc.sequence(c, def)
}

// GetEnrolled lists a sequence's enrollments. ?status= takes a comma list or
// "all"; the default is the active ones.
func (nc *NurtureController) GetEnrolled(c *fiber.Ctx) error {
	creatorID := middleware.CreatorID(c)
	ctx := c.UserContext()
	seqType := models.SequenceType(c.Params("type"))

	def, err := nc.Catalog.Get(ctx, creatorID, seqType)
	if err != nil {
		return nc.fail(c, "get_enrolled", err)
	}

	var statuses []models.EnrollmentStatus
	switch filter := c.Query("status"); filter {
	case "":
		statuses = []models.EnrollmentStatus{models.EnrollmentPending, models.EnrollmentSending}
	case "all":
	default:
		for _, s := range strings.Split(filter, ",") {
			statuses = append(statuses, models.EnrollmentStatus(strings.TrimSpace(s)))
		}
	}

	enrollments, err := nc.Store.ListBySequence(ctx, creatorID, seqType, statuses...)
	if err != nil {
		return nc.fail(c, "get_enrolled", err)
	}

	response := make([]EnrolledResponse, len(enrollments))
	for i, e := range enrollments {
		pending := 0
		if e.Status.Active() && len(def.Steps) > e.CurrentStepIndex {
			pending = len(def.Steps) - e.CurrentStepIndex
		}
		response[i] = EnrolledResponse{
			EnrollmentID:  e.ID,
			FollowerID:    e.FollowerID,
			Platform:      e.Platform,
			Status:        e.Status,
			CurrentStep:   e.CurrentStepIndex,
			NextScheduled: e.NextScheduledAt,
			PendingSteps:  pending,
			EnrolledAt:    e.EnrolledAt,
		}
	}
	return c.JSON(fiber.Map{"enrolled": response})
}

func (nc *NurtureController) GetEnrollment(c *fiber.Ctx) error {
	e, err := nc.Store.Get(c.UserContext(), c.Params("id"))
	if err != nil {
		return nc.fail(c, "get_enrollment", err)
	}
	if e.CreatorID != middleware.CreatorID(c) {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Enrollment not found",
		})
	}
	return c.JSON(e)
}

// CancelFollower cancels the follower's active enrollment in ?sequence_type=
func (nc *NurtureController) CancelFollower(c *fiber.Ctx) error {
	seqType := c.Query("sequence_type")
	if seqType == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "sequence_type is required",
		})
	}

	out, err := nc.Policy.CancelFollowerSequence(c.UserContext(), middleware.CreatorID(c), c.Params("follower_id"), models.SequenceType(seqType))
	if err != nil {
		return nc.fail(c, "cancel_follower", err)
	}
	return c.JSON(out)
}

func (nc *NurtureController) CancelEnrollment(c *fiber.Ctx) error {
	out, err := nc.Policy.CancelManually(c.UserContext(), middleware.CreatorID(c), c.Params("id"))
	if err != nil {
		return nc.fail(c, "cancel_enrollment", err)
	}
	return c.JSON(out)
}

// Run processes the creator's due steps now
func (nc *NurtureController) Run(c *fiber.Ctx) error {
	var opts nurture.RunOptions
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&opts); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "Invalid request body",
			})
		}
	}
	if err := utils.ValidateStruct(opts); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": err.Error(),
		})
	}
	opts.CreatorID = middleware.CreatorID(c)

	result, err := nc.Runner.Run(c.UserContext(), opts)
	if err != nil {
		return nc.fail(c, "run", err)
	}

	nc.Logger.WithFields(logrus.Fields{
		"creator_id": opts.CreatorID,
		"dry_run":    opts.DryRun,
		"processed":  result.Processed,
		"sent":       result.Sent,
		"failed":     result.Failed,
	}).Info("Manual run finished")
	return c.JSON(result)
}

func (nc *NurtureController) TriggerEvent(c *fiber.Ctx) error {
	var ev nurture.Event
	if err := c.BodyParser(&ev); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}
	ev.CreatorID = middleware.CreatorID(c)

	result, err := nc.Trigger.OnEvent(c.UserContext(), ev)
	if err != nil {
		return nc.fail(c, "trigger_event", err)
	}

	status := fiber.StatusCreated
	if result.Skipped {
		status = fiber.StatusOK
	}
	return c.Status(status).JSON(result)
}

func (nc *NurtureController) LeadReplied(c *fiber.Ctx) error {
	var req RepliedRequest
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

	cancelled, err := nc.Policy.OnLeadReplied(c.UserContext(), middleware.CreatorID(c), req.FollowerID)
	if err != nil {
		return nc.fail(c, "lead_replied", err)
	}
	return c.JSON(fiber.Map{"cancelled": cancelled})
}

// LeadPurchased stops every drip for the follower, then starts post_purchase
func (nc *NurtureController) LeadPurchased(c *fiber.Ctx) error {
	creatorID := middleware.CreatorID(c)
	ctx := c.UserContext()

	var req PurchasedRequest
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

	cancelled, err := nc.Policy.OnLeadPurchased(ctx, creatorID, req.FollowerID, req.ProductID)
	if err != nil {
		return nc.fail(c, "lead_purchased", err)
	}

	vars := make(map[string]string, len(req.Vars)+1)
	for k, v := range req.Vars {
		vars[k] = v
	}
	if req.Product != "" && vars[nurture.VarProduct] == "" {
		vars[nurture.VarProduct] = req.Product
	}

	enrolled, err := nc.Trigger.OnEvent(ctx, nurture.Event{
		CreatorID:  creatorID,
		FollowerID: req.FollowerID,
		Signal:     nurture.SignalPurchaseConfirmed,
		Platform:   req.Platform,
		Name:       req.Name,
		Email:      req.Email,
		Vars:       vars,
	})
	if err != nil {
		return nc.fail(c, "lead_purchased", err)
	}

	return c.JSON(fiber.Map{
		"cancelled":     cancelled,
		"post_purchase": enrolled,
	})
}

func (nc *NurtureController) sequence(c *fiber.Ctx, def *nurture.Definition) error {
	stats, err := nc.Store.Stats(c.UserContext(), middleware.CreatorID(c))
	if err != nil {
		return nc.fail(c, "sequence_stats", err)
	}
	return c.JSON(toSequenceResponse(def, stats[def.Type]))
}

// fail maps engine errors to HTTP responses; anything unexpected is reported
func (nc *NurtureController) fail(c *fiber.Ctx, op string, err error) error {
	var ve *nurture.ValidationError
	switch {
	case errors.As(err, &ve):
		body := fiber.Map{"error": ve.Error()}
		if ve.StepIndex >= 0 {
			body["step_index"] = ve.StepIndex
		}
		return c.Status(fiber.StatusBadRequest).JSON(body)
	case nurture.IsNotFound(err):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": err.Error(),
		})
	case errors.Is(err, nurture.ErrNotActive):
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{
			"error": err.Error(),
		})
	case errors.Is(err, nurture.ErrClaimConflict):
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{
			"error": "Enrollment is being processed, try again",
		})
	}

	utils.LogError("nurture_"+op, err, map[string]interface{}{
		"creator_id": middleware.CreatorID(c),
		"path":       c.Path(),
		"method":     c.Method(),
	})
	return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Internal server error", nil)
}
