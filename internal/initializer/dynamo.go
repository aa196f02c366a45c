package initializer

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	awsx "dbstack/internal/aws"
	"dbstack/internal/domain"
	"dbstack/internal/logging"
)

// Attribute names of a ledger item.
const (
	attrHook      = "hook"
	attrToken     = "token"
	attrState     = "state"
	attrError     = "error"
	attrUpdatedAt = "updated_at"
)

// DynamoDBAPI is the subset of DynamoDB used by the ledger.
type DynamoDBAPI interface {
	CreateTable(ctx context.Context, params *dynamodb.CreateTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error)
	DescribeTable(ctx context.Context, params *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
	DeleteTable(ctx context.Context, params *dynamodb.DeleteTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteTableOutput, error)
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
}

// DynamoLedger keeps hook records in a table keyed by hook and token. State
// changes are conditional writes, so two runs cannot both claim a token.
type DynamoLedger struct {
	client DynamoDBAPI
	table  string
	stack  string

	WaitTimeout time.Duration
}

// NewDynamoLedger returns a ledger over table.
func NewDynamoLedger(client DynamoDBAPI, table, stack string) *DynamoLedger {
	return &DynamoLedger{client: client, table: table, stack: stack, WaitTimeout: 5 * time.Minute}
}

// Table is the table name.
func (l *DynamoLedger) Table() string {
	return l.table
}

// EnsureTable creates the ledger table unless it exists and waits for it to
// become active.
func (l *DynamoLedger) EnsureTable(ctx context.Context) error {
	resource := "dynamodb-table/" + l.table
	_, err := l.client.DescribeTable(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(l.table)})
	if err == nil {
		logging.LogResourceOperation(resource, "reuse", true, nil)
		return nil
	}
	if !awsx.HasCode(err, "ResourceNotFoundException") {
		return awsx.ResourceFailure(resource, "describe", err)
	}

	_, err = awsx.Track("dynamodb:CreateTable", func() (*dynamodb.CreateTableOutput, error) {
		return l.client.CreateTable(ctx, &dynamodb.CreateTableInput{
			TableName: aws.String(l.table),
			AttributeDefinitions: []ddbtypes.AttributeDefinition{
				{AttributeName: aws.String(attrHook), AttributeType: ddbtypes.ScalarAttributeTypeS},
				{AttributeName: aws.String(attrToken), AttributeType: ddbtypes.ScalarAttributeTypeS},
			},
			KeySchema: []ddbtypes.KeySchemaElement{
				{AttributeName: aws.String(attrHook), KeyType: ddbtypes.KeyTypeHash},
				{AttributeName: aws.String(attrToken), KeyType: ddbtypes.KeyTypeRange},
			},
			BillingMode: ddbtypes.BillingModePayPerRequest,
			Tags: []ddbtypes.Tag{
				{Key: aws.String(domain.TagStack), Value: aws.String(l.stack)},
				{Key: aws.String(domain.TagLogicalID), Value: aws.String(resource)},
			},
		})
	})
	if err != nil {
		return awsx.ResourceFailure(resource, "create", err)
	}

	waiter := dynamodb.NewTableExistsWaiter(l.client)
	if err := waiter.Wait(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(l.table)}, l.WaitTimeout); err != nil {
		return awsx.ResourceFailure(resource, "wait-active", err)
	}
	logging.LogResourceOperation(resource, "create", true, nil)
	return nil
}

// DeleteTable removes the ledger table. A missing table is not an error.
func (l *DynamoLedger) DeleteTable(ctx context.Context) error {
	_, err := l.client.DeleteTable(ctx, &dynamodb.DeleteTableInput{TableName: aws.String(l.table)})
	if err != nil && !awsx.HasCode(err, "ResourceNotFoundException") {
		return awsx.ResourceFailure("dynamodb-table/"+l.table, "delete", err)
	}
	return nil
}

func (l *DynamoLedger) Get(ctx context.Context, hook, token string) (*domain.HookRecord, error) {
	out, err := l.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(l.table),
		Key: map[string]ddbtypes.AttributeValue{
			attrHook:  &ddbtypes.AttributeValueMemberS{Value: hook},
			attrToken: &ddbtypes.AttributeValueMemberS{Value: token},
		},
		ConsistentRead: aws.Bool(true),
	})
	if awsx.HasCode(err, "ResourceNotFoundException") {
		return nil, fmt.Errorf("%w: hook ledger table %s does not exist", domain.ErrOrdering, l.table)
	}
	if err != nil {
		return nil, awsx.ResourceFailure("dynamodb-table/"+l.table, "get-item", err)
	}
	if len(out.Item) == 0 {
		return nil, nil
	}
	return decodeRecord(out.Item), nil
}

func (l *DynamoLedger) Put(ctx context.Context, rec domain.HookRecord, from domain.HookState) error {
	condition := "#s = :from"
	if from == domain.HookPending {
		condition = "attribute_not_exists(#h) OR #s = :from"
	}

	_, err := awsx.Track("dynamodb:PutItem", func() (*dynamodb.PutItemOutput, error) {
		return l.client.PutItem(ctx, &dynamodb.PutItemInput{
			TableName:           aws.String(l.table),
			Item:                encodeRecord(rec),
			ConditionExpression: aws.String(condition),
			ExpressionAttributeNames: map[string]string{
				"#h": attrHook,
				"#s": attrState,
			},
			ExpressionAttributeValues: map[string]ddbtypes.AttributeValue{
				":from": &ddbtypes.AttributeValueMemberS{Value: string(from)},
			},
		})
	})
	if awsx.HasCode(err, "ConditionalCheckFailedException") {
		return fmt.Errorf("%w: %s/%s is no longer %s", ErrStale, rec.Hook, rec.Token, from)
	}
	if err != nil {
		return awsx.ResourceFailure("dynamodb-table/"+l.table, "put-item", err)
	}
	return nil
}

func encodeRecord(rec domain.HookRecord) map[string]ddbtypes.AttributeValue {
	item := map[string]ddbtypes.AttributeValue{
		attrHook:      &ddbtypes.AttributeValueMemberS{Value: rec.Hook},
		attrToken:     &ddbtypes.AttributeValueMemberS{Value: rec.Token},
		attrState:     &ddbtypes.AttributeValueMemberS{Value: string(rec.State)},
		attrUpdatedAt: &ddbtypes.AttributeValueMemberS{Value: rec.UpdatedAt.Format(time.RFC3339Nano)},
	}
	if rec.Error != "" {
		item[attrError] = &ddbtypes.AttributeValueMemberS{Value: rec.Error}
	}
	return item
}

func decodeRecord(item map[string]ddbtypes.AttributeValue) *domain.HookRecord {
	str := func(name string) string {
		if v, ok := item[name].(*ddbtypes.AttributeValueMemberS); ok {
			return v.Value
		}
		return ""
	}
	updated, _ := time.Parse(time.RFC3339Nano, str(attrUpdatedAt))
	return &domain.HookRecord{
		Hook:      str(attrHook),
		Token:     str(attrToken),
		State:     domain.HookState(str(attrState)),
		Error:     str(attrError),
		UpdatedAt: updated,
	}
}
