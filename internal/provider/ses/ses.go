// Package ses implements a Provider that sends emails via AWS SES v2.
package ses

import (
	"context"
	"fmt"
	netmail "net/mail"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	sesv2 "github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"

	"github.com/shineum/elasticemail-relay/internal/email"
)

const providerName = "ses"

// SESProviderConfig holds the configuration for creating a SESProvider.
type SESProviderConfig struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	// Sender overrides the envelope sender. Empty keeps the message's From.
	Sender string
}

// SESProvider sends emails via the AWS SES v2 API.
type SESProvider struct {
	sender string
	client SendEmailAPI
}

// SendEmailAPI is the interface for the SES v2 SendEmail operation.
// Used for testing with mock implementations.
type SendEmailAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// New creates a new SESProvider with the given configuration.
func New(ctx context.Context, cfg SESProviderConfig) (*SESProvider, error) {
	var opts []func(*awsconfig.LoadOptions) error

	opts = append(opts, awsconfig.WithRegion(cfg.Region))

	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return &SESProvider{
		sender: cfg.Sender,
		client: sesv2.NewFromConfig(awsCfg),
	}, nil
}

// NewWithClient creates a SESProvider with a custom client, used for testing.
func NewWithClient(sender string, client SendEmailAPI) *SESProvider {
	return &SESProvider{
		sender: sender,
		client: client,
	}
}

// Send delivers an email message via AWS SES v2 in a single request.
// Messages with attachments or custom headers go out as raw MIME; all
// others use the SES simple format.
func (s *SESProvider) Send(ctx context.Context, msg *email.Email) (*email.Receipt, error) {
	var input *sesv2.SendEmailInput

	if len(msg.Attachments) > 0 || len(msg.Headers) > 0 {
		raw, _, err := email.Render(s.withSender(msg), s.domain(msg))
		if err != nil {
			return nil, fmt.Errorf("failed to build raw message: %w", err)
		}
		input = &sesv2.SendEmailInput{
			Destination: destination(msg),
			Content: &types.EmailContent{
				Raw: &types.RawMessage{
					Data: raw,
				},
			},
		}
		if s.sender != "" {
			input.FromEmailAddress = aws.String(s.sender)
		}
	} else {
		input = s.buildSimpleInput(msg)
	}

	out, err := s.client.SendEmail(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("SES API request failed: %w", err)
	}

	return &email.Receipt{
		Provider:  providerName,
		MessageID: aws.ToString(out.MessageId),
	}, nil
}

// Name returns the provider name.
func (s *SESProvider) Name() string {
	return providerName
}

// buildSimpleInput creates a SES SendEmailInput for emails without
// attachments or custom headers.
func (s *SESProvider) buildSimpleInput(msg *email.Email) *sesv2.SendEmailInput {
	body := &types.Body{}

	if msg.HTMLBody != "" {
		body.Html = &types.Content{
			Data:    aws.String(msg.HTMLBody),
			Charset: aws.String("UTF-8"),
		}
	}
	if msg.TextBody != "" {
		body.Text = &types.Content{
			Data:    aws.String(msg.TextBody),
			Charset: aws.String("UTF-8"),
		}
	}

	from := s.sender
	if from == "" {
		from = email.JoinAddresses(msg.From)
	}

	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(from),
		Destination:      destination(msg),
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{
					Data:    aws.String(msg.Subject),
					Charset: aws.String("UTF-8"),
				},
				Body: body,
			},
		},
	}
	if len(msg.ReplyTo) > 0 {
		input.ReplyToAddresses = email.FormatAddresses(msg.ReplyTo)
	}
	return input
}

// withSender returns a copy of msg whose From is the configured sender, so
// the rendered From header matches the verified identity.
func (s *SESProvider) withSender(msg *email.Email) *email.Email {
	if s.sender == "" {
		return msg
	}
	out := *msg
	out.From = []email.Address{senderAddress(s.sender)}
	return &out
}

func senderAddress(sender string) email.Address {
	if a, err := netmail.ParseAddress(sender); err == nil {
		return email.Address{Name: a.Name, Email: a.Address}
	}
	return email.Address{Email: sender}
}

// destination lists every recipient so that Bcc addresses, which never
// appear in a rendered header block, are still delivered.
func destination(msg *email.Email) *types.Destination {
	dest := &types.Destination{}
	if len(msg.To) > 0 {
		dest.ToAddresses = email.FormatAddresses(msg.To)
	}
	if len(msg.Cc) > 0 {
		dest.CcAddresses = email.FormatAddresses(msg.Cc)
	}
	if len(msg.Bcc) > 0 {
		dest.BccAddresses = email.FormatAddresses(msg.Bcc)
	}
	return dest
}

// domain picks the Message-ID domain from the configured sender, falling
// back to the message's own From.
func (s *SESProvider) domain(msg *email.Email) string {
	addr := s.sender
	if addr == "" && len(msg.From) > 0 {
		addr = msg.From[0].Email
	}
	if _, d, ok := strings.Cut(addr, "@"); ok {
		return strings.TrimSuffix(d, ">")
	}
	return ""
}
