package idempotency

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// dynamoAPI is the subset of *dynamodb.Client used by DynamoStore.
type dynamoAPI interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	DescribeTable(ctx context.Context, params *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
}

// dynamoItem is the table layout. expires_at is epoch seconds and should be
// configured as the table's TTL attribute. DynamoDB deletes expired items
// lazily, so reads also treat expires_at <= now as absent.
type dynamoItem struct {
	MessageID     string `dynamodbav:"message_id"`
	Status        string `dynamodbav:"status"`
	ReceiptID     string `dynamodbav:"receipt_id,omitempty"`
	FailureReason string `dynamodbav:"failure_reason,omitempty"`
	FirstSeenAt   int64  `dynamodbav:"first_seen_at"`
	ExpiresAt     int64  `dynamodbav:"expires_at"`
}

func (it dynamoItem) record() *Record {
	return &Record{
		MessageID:         it.MessageID,
		Status:            Status(it.Status),
		ProviderReceiptID: it.ReceiptID,
		FailureReason:     it.FailureReason,
		FirstSeenAt:       fromMillis(it.FirstSeenAt),
		ExpiresAt:         time.Unix(it.ExpiresAt, 0).UTC(),
	}
}

// DynamoStore is a Store backed by a DynamoDB table keyed on message_id.
type DynamoStore struct {
	client dynamoAPI
	table  string
	ttl    time.Duration
	now    func() time.Time
}

// NewDynamoStore creates a DynamoStore over an existing client.
func NewDynamoStore(client dynamoAPI, table string, ttl time.Duration) *DynamoStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &DynamoStore{client: client, table: table, ttl: ttl, now: time.Now}
}

// NewDynamoClient loads the default AWS configuration for region. A
// non-empty endpoint overrides the service URL (DynamoDB Local, LocalStack).
func NewDynamoClient(ctx context.Context, region, endpoint string) (*dynamodb.Client, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}
	return dynamodb.NewFromConfig(cfg, func(o *dynamodb.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	}), nil
}

func (s *DynamoStore) keyOf(id string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"message_id": &types.AttributeValueMemberS{Value: id},
	}
}

func numberAttr(n int64) types.AttributeValue {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(n, 10)}
}

func isConditionFailed(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	return errors.As(err, &ccf)
}

func (s *DynamoStore) TryClaim(ctx context.Context, messageID string, now time.Time) (ClaimResult, error) {
	item := dynamoItem{
		MessageID:   messageID,
		Status:      string(StatusInProgress),
		FirstSeenAt: toMillis(now),
		ExpiresAt:   now.Add(s.ttl).Unix(),
	}
	av, err := attributevalue.MarshalMap(item)
	if err != nil {
		return ClaimResult{}, fmt.Errorf("marshal idempotency item: %w", err)
	}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.table),
		Item:                av,
		ConditionExpression: aws.String("attribute_not_exists(message_id) OR expires_at <= :now"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":now": numberAttr(now.Unix()),
		},
	})
	if err == nil {
		return ClaimResult{Outcome: NewClaim, Since: fromMillis(item.FirstSeenAt)}, nil
	}
	if !isConditionFailed(err) {
		return ClaimResult{}, fmt.Errorf("dynamodb claim %s: %w", messageID, err)
	}

	existing, err := s.get(ctx, messageID)
	if err != nil {
		return ClaimResult{}, err
	}
	if existing == nil {
		// Item vanished between the put and the read; report it as held so
		// the caller retries instead of sending unclaimed.
		return ClaimResult{Outcome: AlreadyInProgress, Since: now}, nil
	}
	return resultFor(Status(existing.Status), fromMillis(existing.FirstSeenAt), existing.ReceiptID, existing.FailureReason), nil
}

func (s *DynamoStore) TakeOver(ctx context.Context, messageID string, since, now time.Time) (bool, error) {
	_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(s.table),
		Key:                 s.keyOf(messageID),
		UpdateExpression:    aws.String("SET first_seen_at = :now"),
		ConditionExpression: aws.String("#s = :inprogress AND first_seen_at = :since"),
		ExpressionAttributeNames: map[string]string{
			"#s": "status",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":now":        numberAttr(toMillis(now)),
			":since":      numberAttr(toMillis(since)),
			":inprogress": &types.AttributeValueMemberS{Value: string(StatusInProgress)},
		},
	})
	if err != nil {
		if isConditionFailed(err) {
			return false, nil
		}
		return false, fmt.Errorf("dynamodb takeover %s: %w", messageID, err)
	}
	return true, nil
}

func (s *DynamoStore) MarkCompleted(ctx context.Context, messageID, receiptID string) error {
	return s.mark(ctx, messageID, StatusCompleted, "receipt_id", receiptID)
}

func (s *DynamoStore) MarkPermanentFailure(ctx context.Context, messageID, reason string) error {
	return s.mark(ctx, messageID, StatusFailedPermanent, "failure_reason", reason)
}

func (s *DynamoStore) mark(ctx context.Context, id string, status Status, detailAttr, detail string) error {
	now := s.now()
	_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(s.table),
		Key:       s.keyOf(id),
		UpdateExpression: aws.String("SET #s = :status, " + detailAttr + " = :detail, " +
			"first_seen_at = if_not_exists(first_seen_at, :now), " +
			"expires_at = if_not_exists(expires_at, :expires)"),
		ConditionExpression: aws.String("attribute_not_exists(#s) OR #s <> :completed"),
		ExpressionAttributeNames: map[string]string{
			"#s": "status",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":status":    &types.AttributeValueMemberS{Value: string(status)},
			":detail":    &types.AttributeValueMemberS{Value: detail},
			":now":       numberAttr(toMillis(now)),
			":expires":   numberAttr(now.Add(s.ttl).Unix()),
			":completed": &types.AttributeValueMemberS{Value: string(StatusCompleted)},
		},
	})
	if err != nil {
		if isConditionFailed(err) {
			return nil
		}
		return fmt.Errorf("dynamodb mark %s %s: %w", id, status, err)
	}
	return nil
}

func (s *DynamoStore) Get(ctx context.Context, messageID string) (*Record, error) {
	item, err := s.get(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if item == nil {
		return nil, ErrNotFound
	}
	return item.record(), nil
}

// get performs a consistent read and returns nil for absent or expired items.
func (s *DynamoStore) get(ctx context.Context, id string) (*dynamoItem, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.table),
		Key:            s.keyOf(id),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("dynamodb get %s: %w", id, err)
	}
	if len(out.Item) == 0 {
		return nil, nil
	}

	var item dynamoItem
	if err := attributevalue.UnmarshalMap(out.Item, &item); err != nil {
		return nil, fmt.Errorf("unmarshal idempotency item %s: %w", id, err)
	}
	if item.ExpiresAt > 0 && item.ExpiresAt <= s.now().Unix() {
		return nil, nil
	}
	return &item, nil
}

// Size reports DescribeTable's ItemCount, which DynamoDB refreshes roughly
// every six hours.
func (s *DynamoStore) Size(ctx context.Context) (int64, error) {
	out, err := s.client.DescribeTable(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(s.table)})
	if err != nil {
		return 0, fmt.Errorf("dynamodb describe %s: %w", s.table, err)
	}
	if out.Table == nil || out.Table.ItemCount == nil {
		return 0, nil
	}
	return *out.Table.ItemCount, nil
}
