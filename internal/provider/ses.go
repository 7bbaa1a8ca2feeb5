package provider

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
)

// sesAPI is the subset of *sesv2.Client used by SES.
type sesAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
	GetAccount(ctx context.Context, params *sesv2.GetAccountInput, optFns ...func(*sesv2.Options)) (*sesv2.GetAccountOutput, error)
}

// SES sends through the Amazon SES v2 API.
type SES struct {
	client           sesAPI
	from             string
	configurationSet string
	now              func() time.Time
}

// NewSES creates an SES provider over an existing client.
func NewSES(client sesAPI, cfg Config) *SES {
	return &SES{
		client:           client,
		from:             cfg.From,
		configurationSet: cfg.SESConfigurationSet,
		now:              time.Now,
	}
}

// NewSESClient loads the default AWS configuration for region. A non-empty
// endpoint overrides the service URL.
func NewSESClient(ctx context.Context, region, endpoint string) (*sesv2.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("ses: load aws config: %w", err)
	}
	return sesv2.NewFromConfig(awsCfg, func(o *sesv2.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	}), nil
}

func (s *SES) GetName() string { return "ses" }

func (s *SES) Send(ctx context.Context, msg *Message) (*Receipt, error) {
	if msg.To == "" {
		return nil, &ProviderError{Provider: s.GetName(), Message: "no recipient", Permanent: true}
	}
	if msg.TextBody == "" && msg.HTMLBody == "" {
		return nil, &ProviderError{Provider: s.GetName(), Message: "empty body", Permanent: true}
	}

	from := msg.From
	if from == "" {
		from = s.from
	}

	body := &types.Body{}
	if msg.TextBody != "" {
		body.Text = &types.Content{Data: aws.String(msg.TextBody), Charset: aws.String("UTF-8")}
	}
	if msg.HTMLBody != "" {
		body.Html = &types.Content{Data: aws.String(msg.HTMLBody), Charset: aws.String("UTF-8")}
	}

	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(from),
		Destination:      &types.Destination{ToAddresses: []string{msg.To}},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{Data: aws.String(msg.Subject), Charset: aws.String("UTF-8")},
				Body:    body,
			},
		},
		EmailTags: []types.MessageTag{
			{Name: aws.String("relay_message_id"), Value: aws.String(sesTagValue(msg.ID))},
		},
	}
	for k, v := range msg.Tags {
		input.EmailTags = append(input.EmailTags, types.MessageTag{Name: aws.String(sesTagValue(k)), Value: aws.String(sesTagValue(v))})
	}
	if s.configurationSet != "" {
		input.ConfigurationSetName = aws.String(s.configurationSet)
	}

	out, err := s.client.SendEmail(ctx, input)
	if err != nil {
		return nil, ClassifyAWSError(s.GetName(), err)
	}

	return &Receipt{
		ProviderMessageID: aws.ToString(out.MessageId),
		Provider:          s.GetName(),
		AcceptedAt:        s.now(),
	}, nil
}

// HealthCheck fails when the account cannot be read or sending is paused.
func (s *SES) HealthCheck(ctx context.Context) error {
	out, err := s.client.GetAccount(ctx, &sesv2.GetAccountInput{})
	if err != nil {
		return fmt.Errorf("ses: get account: %w", err)
	}
	if !out.SendingEnabled {
		return errors.New("ses: sending is disabled for this account")
	}
	return nil
}

// sesTagValue replaces characters SES rejects in tag names and values.
// Allowed: ASCII letters, digits, '_', '-', '.', '@'.
func sesTagValue(v string) string {
	out := []byte(v)
	for i, c := range out {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9',
			c == '_', c == '-', c == '.', c == '@':
		default:
			out[i] = '_'
		}
	}
	if len(out) > 256 {
		out = out[:256]
	}
	return string(out)
}
