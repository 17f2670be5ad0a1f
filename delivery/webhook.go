package delivery

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/valyala/fasthttp"

	"leadnurture/nurture"
)

type webhookRequest struct {
	EnrollmentID string `json:"enrollment_id"`
	CreatorID    uint   `json:"creator_id"`
	FollowerID   string `json:"follower_id"`
	Platform     string `json:"platform"`
	SequenceType string `json:"sequence_type"`
	StepIndex    int    `json:"step_index"`
	Text         string `json:"text"`
}

type webhookResponse struct {
	Delivered    bool   `json:"delivered"`
	PlatformUsed string `json:"platform_used"`
	Error        string `json:"error"`
}

// WebhookSender posts each step to the messaging gateway that owns the
// Instagram, Telegram and WhatsApp connections.
type WebhookSender struct {
	client  *fasthttp.Client
	url     string
	token   string
	timeout time.Duration
}

func NewWebhookSender(url, token string, timeout time.Duration) *WebhookSender {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &WebhookSender{
		client: &fasthttp.Client{
			Name:                "leadnurture",
			ReadTimeout:         timeout,
			WriteTimeout:        timeout,
			MaxIdleConnDuration: time.Minute,
		},
		url:     url,
		token:   token,
		timeout: timeout,
	}
}

func (s *WebhookSender) Send(ctx context.Context, msg nurture.Message) (nurture.Receipt, error) {
	payload, err := json.Marshal(webhookRequest{
		EnrollmentID: msg.EnrollmentID,
		CreatorID:    msg.CreatorID,
		FollowerID:   msg.FollowerID,
		Platform:     msg.Platform,
		SequenceType: string(msg.SequenceType),
		StepIndex:    msg.StepIndex,
		Text:         msg.Text,
	})
	if err != nil {
		return nurture.Receipt{}, fmt.Errorf("failed to encode webhook payload: %w", err)
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(s.url)
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.SetContentType("application/json")
	req.Header.Set("Idempotency-Key", fmt.Sprintf("%s:%d", msg.EnrollmentID, msg.StepIndex))
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}
	req.SetBody(payload)

	deadline := time.Now().Add(s.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := s.client.DoDeadline(req, resp, deadline); err != nil {
		return nurture.Receipt{}, &nurture.DeliveryError{Platform: msg.Platform, Err: err}
	}

	status := resp.StatusCode()
	var out webhookResponse
	if len(resp.Body()) > 0 {
		if err := json.Unmarshal(resp.Body(), &out); err != nil && status < 300 {
			return nurture.Receipt{}, &nurture.DeliveryError{Platform: msg.Platform, Err: fmt.Errorf("invalid gateway response: %w", err)}
		}
	}

	switch {
	case status == fasthttp.StatusUnprocessableEntity:
		return nurture.Receipt{}, &nurture.DeliveryError{Platform: msg.Platform, Err: nurture.ErrNoDestination}
	case status < 200 || status >= 300:
		detail := out.Error
		if detail == "" {
			detail = fasthttp.StatusMessage(status)
		}
		return nurture.Receipt{}, &nurture.DeliveryError{Platform: msg.Platform, Err: fmt.Errorf("gateway returned %d: %s", status, detail)}
	}

	if out.PlatformUsed == "" {
		out.PlatformUsed = msg.Platform
	}
	return nurture.Receipt{Delivered: out.Delivered, PlatformUsed: out.PlatformUsed}, nil
}
