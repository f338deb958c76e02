package channels

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"

	"github.com/darkden-lab/dispatchd/internal/dispatch"
)

// SNSPublisher is the subset of the SNS client used for SMS delivery.
type SNSPublisher interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// SMSConfig holds the configuration for the SNS-backed SMS channel.
type SMSConfig struct {
	SenderID string `yaml:"sender_id"` // optional alphanumeric sender id
	SMSType  string `yaml:"sms_type"`  // "Transactional" (default) or "Promotional"
}

// SMSSender publishes SMS intents through AWS SNS. Recipients are E.164
// phone numbers.
type SMSSender struct {
	client SNSPublisher
	config SMSConfig
}

// NewSMSSender creates an SMSSender around an SNS client.
func NewSMSSender(client SNSPublisher, config SMSConfig) (*SMSSender, error) {
	if client == nil {
		return nil, fmt.Errorf("sns client is required for sms channel")
	}
	if config.SMSType == "" {
		config.SMSType = "Transactional"
	}
	return &SMSSender{client: client, config: config}, nil
}

func (s *SMSSender) Channel() dispatch.Channel { return dispatch.ChannelSMS }

func (s *SMSSender) Send(ctx context.Context, in dispatch.Intent) error {
	attrs := map[string]types.MessageAttributeValue{
		"AWS.SNS.SMS.SMSType": {
			DataType:    aws.String("String"),
			StringValue: aws.String(s.config.SMSType),
		},
	}
	if s.config.SenderID != "" {
		attrs["AWS.SNS.SMS.SenderID"] = types.MessageAttributeValue{
			DataType:    aws.String("String"),
			StringValue: aws.String(s.config.SenderID),
		}
	}

	_, err := s.client.Publish(ctx, &sns.PublishInput{
		PhoneNumber:       aws.String(in.Recipient),
		Message:           aws.String(in.Message),
		MessageAttributes: attrs,
	})
	if err != nil {
		return fmt.Errorf("sns publish to %s: %w", in.Recipient, err)
	}
	return nil
}
