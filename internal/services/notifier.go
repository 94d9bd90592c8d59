package services

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/BradenHooton/kamino-stepup/pkg/logger"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"
)

// SecurityEvent identifies an account change the user should hear about
type SecurityEvent string

const (
	SecurityEventEnrollmentConfirmed SecurityEvent = "enrollment_confirmed"
	SecurityEventBackupCodeUsed      SecurityEvent = "backup_code_used"
	SecurityEventLockout             SecurityEvent = "lockout"
)

// SecurityNotifier delivers security notifications to the account owner.
// Callers log delivery errors and carry on.
type SecurityNotifier interface {
	Notify(ctx context.Context, email string, event SecurityEvent, at time.Time) error
}

// LogNotifier writes notifications to the log instead of sending them
type LogNotifier struct {
	logger *slog.Logger
}

func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Notify(_ context.Context, email string, event SecurityEvent, at time.Time) error {
	n.logger.Info("security notification",
		slog.String("email", logger.SanitizedEmail(email)),
		slog.String("event", string(event)),
		slog.Time("at", at))
	return nil
}

// sesSender is the subset of the SES client the notifier needs
type sesSender interface {
	SendEmail(ctx context.Context, params *ses.SendEmailInput, optFns ...func(*ses.Options)) (*ses.SendEmailOutput, error)
}

// SESNotifier sends notifications using AWS SES
type SESNotifier struct {
	sesClient   sesSender
	fromAddress string
	logger      *slog.Logger
}

// NewSESNotifier creates a notifier using the default AWS credential chain
func NewSESNotifier(region, fromAddress string, logger *slog.Logger) (*SESNotifier, error) {
	cfg, err := config.LoadDefaultConfig(context.Background(), config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return &SESNotifier{
		sesClient:   ses.NewFromConfig(cfg),
		fromAddress: fromAddress,
		logger:      logger,
	}, nil
}

var securityMessages = map[SecurityEvent]struct{ subject, body string }{
	SecurityEventEnrollmentConfirmed: {
		subject: "Two-factor authentication enabled",
		body:    "An authenticator app was set up for your account at %s. Any previous authenticator and backup codes no longer work.",
	},
	SecurityEventBackupCodeUsed: {
		subject: "A backup code was used",
		body:    "One of your backup codes was used to sign in at %s. If this wasn't you, reset two-factor authentication now.",
	},
	SecurityEventLockout: {
		subject: "Too many verification attempts",
		body:    "Two-factor verification for your account was paused at %s after repeated incorrect codes.",
	},
}

// Notify sends a plain text notification email
func (n *SESNotifier) Notify(ctx context.Context, email string, event SecurityEvent, at time.Time) error {
	msg, ok := securityMessages[event]
	if !ok {
		return fmt.Errorf("unknown security event %q", event)
	}

	body := fmt.Sprintf(msg.body, at.UTC().Format(time.RFC1123))
	body += "\n\nThis is an automated message. Please do not reply to this email.\n"

	input := &ses.SendEmailInput{
		Source: aws.String(n.fromAddress),
		Destination: &types.Destination{
			ToAddresses: []string{email},
		},
		Message: &types.Message{
			Subject: &types.Content{Data: aws.String(msg.subject)},
			Body: &types.Body{
				Text: &types.Content{Data: aws.String(body)},
			},
		},
	}

	result, err := n.sesClient.SendEmail(ctx, input)
	if err != nil {
		n.logger.Error("failed to send security notification via SES",
			slog.String("email", logger.SanitizedEmail(email)),
			slog.String("event", string(event)),
			slog.Any("error", err))
		return fmt.Errorf("failed to send email: %w", err)
	}

	n.logger.Info("security notification sent",
		slog.String("email", logger.SanitizedEmail(email)),
		slog.String("event", string(event)),
		slog.String("message_id", aws.ToString(result.MessageId)))

	return nil
}

// notify delivers in the background with its own timeout. An empty email
// address means the caller did not supply one.
func notify(n SecurityNotifier, log *slog.Logger, email string, event SecurityEvent, at time.Time) {
	if n == nil || email == "" {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := n.Notify(ctx, email, event, at); err != nil {
			log.Warn("security notification failed",
				slog.String("event", string(event)),
				slog.Any("error", err))
		}
	}()
}
