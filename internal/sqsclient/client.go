// Package sqsclient wraps the AWS SQS SDK behind a narrow interface so queue
// and feedback consumers can be tested without AWS.
package sqsclient

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

// MaxBatch is the most messages a single ReceiveMessage call may return.
const MaxBatch = 10

// MaxVisibility is the SQS upper bound for a visibility timeout.
const MaxVisibility = 12 * time.Hour

// API abstracts the AWS SQS client for testability.
type API interface {
	SendMessage(ctx context.Context, input *SendInput) (*SendOutput, error)
	ReceiveMessage(ctx context.Context, input *ReceiveInput) (*ReceiveOutput, error)
	DeleteMessage(ctx context.Context, input *DeleteInput) error
	ChangeMessageVisibility(ctx context.Context, input *ChangeVisibilityInput) error
	ApproximateDepth(ctx context.Context, queueURL string) (int64, error)
}

// SendInput mirrors the fields needed for SQS SendMessage.
type SendInput struct {
	QueueURL     string
	MessageBody  string
	DelaySeconds int32
}

// SendOutput contains the result of a successful SendMessage call.
type SendOutput struct {
	MessageID string
}

// ReceiveInput mirrors the fields needed for SQS ReceiveMessage.
type ReceiveInput struct {
	QueueURL            string
	MaxNumberOfMessages int32
	WaitTimeSeconds     int32
	VisibilityTimeout   int32
}

// ReceiveOutput contains the messages returned by ReceiveMessage.
type ReceiveOutput struct {
	Messages []ReceivedMessage
}

// ReceivedMessage represents a single message received from SQS.
type ReceivedMessage struct {
	MessageID     string
	ReceiptHandle string
	Body          string
	ReceiveCount  int
	SentAt        time.Time
}

// DeleteInput mirrors the fields needed for SQS DeleteMessage.
type DeleteInput struct {
	QueueURL      string
	ReceiptHandle string
}

// ChangeVisibilityInput mirrors the fields needed for SQS ChangeMessageVisibility.
type ChangeVisibilityInput struct {
	QueueURL          string
	ReceiptHandle     string
	VisibilityTimeout int32
}

// Client wraps the real AWS SQS SDK client and implements API.
type Client struct {
	client *sqs.Client
}

// New creates a Client for the given region. A non-empty endpoint overrides
// the AWS endpoint, which is how LocalStack/ElasticMQ are targeted.
func New(ctx context.Context, region, endpoint string) (*Client, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	var opts []func(*sqs.Options)
	if endpoint != "" {
		opts = append(opts, func(o *sqs.Options) {
			o.BaseEndpoint = aws.String(endpoint)
		})
	}
	return &Client{client: sqs.NewFromConfig(cfg, opts...)}, nil
}

// SendMessage sends a message to the specified SQS queue.
func (c *Client) SendMessage(ctx context.Context, input *SendInput) (*SendOutput, error) {
	out, err := c.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:     &input.QueueURL,
		MessageBody:  &input.MessageBody,
		DelaySeconds: input.DelaySeconds,
	})
	if err != nil {
		return nil, err
	}
	return &SendOutput{MessageID: aws.ToString(out.MessageId)}, nil
}

// ReceiveMessage long-polls the specified SQS queue. The system attributes
// ApproximateReceiveCount and SentTimestamp are always requested.
func (c *Client) ReceiveMessage(ctx context.Context, input *ReceiveInput) (*ReceiveOutput, error) {
	out, err := c.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            &input.QueueURL,
		MaxNumberOfMessages: input.MaxNumberOfMessages,
		WaitTimeSeconds:     input.WaitTimeSeconds,
		VisibilityTimeout:   input.VisibilityTimeout,
		MessageSystemAttributeNames: []types.MessageSystemAttributeName{
			types.MessageSystemAttributeNameApproximateReceiveCount,
			types.MessageSystemAttributeNameSentTimestamp,
		},
	})
	if err != nil {
		return nil, err
	}

	messages := make([]ReceivedMessage, 0, len(out.Messages))
	for _, m := range out.Messages {
		rm := ReceivedMessage{
			MessageID:     aws.ToString(m.MessageId),
			ReceiptHandle: aws.ToString(m.ReceiptHandle),
			Body:          aws.ToString(m.Body),
		}
		if v, ok := m.Attributes[string(types.MessageSystemAttributeNameApproximateReceiveCount)]; ok {
			rm.ReceiveCount, _ = strconv.Atoi(v)
		}
		if v, ok := m.Attributes[string(types.MessageSystemAttributeNameSentTimestamp)]; ok {
			if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
				rm.SentAt = time.UnixMilli(ms).UTC()
			}
		}
		messages = append(messages, rm)
	}
	return &ReceiveOutput{Messages: messages}, nil
}

// DeleteMessage deletes a message from the specified SQS queue.
func (c *Client) DeleteMessage(ctx context.Context, input *DeleteInput) error {
	_, err := c.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      &input.QueueURL,
		ReceiptHandle: &input.ReceiptHandle,
	})
	return err
}

// ChangeMessageVisibility changes the visibility timeout of a message.
func (c *Client) ChangeMessageVisibility(ctx context.Context, input *ChangeVisibilityInput) error {
	_, err := c.client.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          &input.QueueURL,
		ReceiptHandle:     &input.ReceiptHandle,
		VisibilityTimeout: input.VisibilityTimeout,
	})
	return err
}

// ApproximateDepth returns the approximate number of visible messages.
func (c *Client) ApproximateDepth(ctx context.Context, queueURL string) (int64, error) {
	out, err := c.client.GetQueueAttributes(ctx, &sqs.GetQueueAttributesInput{
		QueueUrl:       &queueURL,
		AttributeNames: []types.QueueAttributeName{types.QueueAttributeNameApproximateNumberOfMessages},
	})
	if err != nil {
		return 0, err
	}
	raw := out.Attributes[string(types.QueueAttributeNameApproximateNumberOfMessages)]
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse queue depth %q: %w", raw, err)
	}
	return n, nil
}

// VisibilitySeconds converts d to whole seconds clamped to the range SQS
// accepts.
func VisibilitySeconds(d time.Duration) int32 {
	if d <= 0 {
		return 0
	}
	if d > MaxVisibility {
		d = MaxVisibility
	}
	secs := int32((d + time.Second - 1) / time.Second)
	return secs
}
