// Package delivery holds the channel adapters the runner sends steps through.
package delivery

import (
	"context"
	"strings"

	"leadnurture/nurture"
)

// Router picks a sender by the enrollment's platform
type Router struct {
	senders  map[string]nurture.Sender
	fallback nurture.Sender
}

func NewRouter() *Router {
	return &Router{senders: make(map[string]nurture.Sender)}
}

// Handle registers s for a platform name (case-insensitive)
func (r *Router) Handle(platform string, s nurture.Sender) *Router {
	r.senders[strings.ToLower(platform)] = s
	return r
}

// Fallback is used for platforms with no registered sender
func (r *Router) Fallback(s nurture.Sender) *Router {
	r.fallback = s
	return r
}

func (r *Router) Send(ctx context.Context, msg nurture.Message) (nurture.Receipt, error) {
	if s, ok := r.senders[strings.ToLower(msg.Platform)]; ok {
		return s.Send(ctx, msg)
	}
	if r.fallback != nil {
		return r.fallback.Send(ctx, msg)
	}
	return nurture.Receipt{}, &nurture.DeliveryError{Platform: msg.Platform, Err: nurture.ErrNoDestination}
}
