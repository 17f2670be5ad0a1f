package delivery

import (
	"context"

	"github.com/sirupsen/logrus"

	"leadnurture/nurture"
)

// LogSender only logs the message; used in development
type LogSender struct {
	logger logrus.FieldLogger
}

func NewLogSender(logger logrus.FieldLogger) *LogSender {
	return &LogSender{logger: logger.WithField("component", "log_sender")}
}

func (s *LogSender) Send(_ context.Context, msg nurture.Message) (nurture.Receipt, error) {
	s.logger.WithFields(logrus.Fields{
		"enrollment_id": msg.EnrollmentID,
		"follower_id":   msg.FollowerID,
		"platform":      msg.Platform,
		"step_index":    msg.StepIndex,
	}).Info(msg.Text)
	return nurture.Receipt{Delivered: true, PlatformUsed: "log"}, nil
}
