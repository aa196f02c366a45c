package mocks

import (
	"context"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// =============================================================================
// FakeDynamoDB - in-memory tables keyed by string hash and range keys
// =============================================================================

// FakeTable is one table with its items keyed by "<hash>\x00<range>".
type FakeTable struct {
	Description ddbtypes.TableDescription
	HashKey     string
	RangeKey    string
	Items       map[string]map[string]ddbtypes.AttributeValue
}

// FakeDynamoDB keeps tables in memory. Condition expressions are evaluated
// for the forms "attribute_not_exists(#a)", "#a = :v" and an OR of the two.
type FakeDynamoDB struct {
	mu sync.Mutex

	Errors map[string]error
	Calls  map[string]int
	Tables map[string]*FakeTable
}

// NewFakeDynamoDB returns an empty fake.
func NewFakeDynamoDB() *FakeDynamoDB {
	return &FakeDynamoDB{
		Errors: make(map[string]error),
		Calls:  make(map[string]int),
		Tables: make(map[string]*FakeTable),
	}
}

func (f *FakeDynamoDB) call(op string) error {
	f.Calls[op]++
	return f.Errors[op]
}

func (f *FakeDynamoDB) table(name string) (*FakeTable, error) {
	t, ok := f.Tables[name]
	if !ok {
		return nil, APIError("ResourceNotFoundException", "Requested resource not found: Table: "+name+" not found")
	}
	return t, nil
}

func stringAttr(item map[string]ddbtypes.AttributeValue, name string) string {
	if v, ok := item[name].(*ddbtypes.AttributeValueMemberS); ok {
		return v.Value
	}
	return ""
}

func (t *FakeTable) key(item map[string]ddbtypes.AttributeValue) string {
	return stringAttr(item, t.HashKey) + "\x00" + stringAttr(item, t.RangeKey)
}

func (f *FakeDynamoDB) CreateTable(ctx context.Context, params *dynamodb.CreateTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.call("CreateTable"); err != nil {
		return nil, err
	}
	name := aws.ToString(params.TableName)
	if _, ok := f.Tables[name]; ok {
		return nil, APIError("ResourceInUseException", "Table already exists: "+name)
	}
	t := &FakeTable{
		Description: ddbtypes.TableDescription{
			TableName:   params.TableName,
			TableArn:    aws.String("arn:aws:dynamodb:us-east-1:123456789012:table/" + name),
			TableStatus: ddbtypes.TableStatusActive,
			KeySchema:   params.KeySchema,
		},
		Items: make(map[string]map[string]ddbtypes.AttributeValue),
	}
	for _, k := range params.KeySchema {
		switch k.KeyType {
		case ddbtypes.KeyTypeHash:
			t.HashKey = aws.ToString(k.AttributeName)
		case ddbtypes.KeyTypeRange:
			t.RangeKey = aws.ToString(k.AttributeName)
		}
	}
	f.Tables[name] = t
	desc := t.Description
	return &dynamodb.CreateTableOutput{TableDescription: &desc}, nil
}

func (f *FakeDynamoDB) DescribeTable(ctx context.Context, params *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.call("DescribeTable"); err != nil {
		return nil, err
	}
	t, err := f.table(aws.ToString(params.TableName))
	if err != nil {
		return nil, err
	}
	desc := t.Description
	return &dynamodb.DescribeTableOutput{Table: &desc}, nil
}

func (f *FakeDynamoDB) DeleteTable(ctx context.Context, params *dynamodb.DeleteTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteTableOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.call("DeleteTable"); err != nil {
		return nil, err
	}
	name := aws.ToString(params.TableName)
	t, err := f.table(name)
	if err != nil {
		return nil, err
	}
	delete(f.Tables, name)
	desc := t.Description
	return &dynamodb.DeleteTableOutput{TableDescription: &desc}, nil
}

func (f *FakeDynamoDB) GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.call("GetItem"); err != nil {
		return nil, err
	}
	t, err := f.table(aws.ToString(params.TableName))
	if err != nil {
		return nil, err
	}
	item, ok := t.Items[t.key(params.Key)]
	if !ok {
		return &dynamodb.GetItemOutput{}, nil
	}
	return &dynamodb.GetItemOutput{Item: copyItem(item)}, nil
}

func (f *FakeDynamoDB) PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.call("PutItem"); err != nil {
		return nil, err
	}
	t, err := f.table(aws.ToString(params.TableName))
	if err != nil {
		return nil, err
	}
	key := t.key(params.Item)
	current, exists := t.Items[key]
	if cond := aws.ToString(params.ConditionExpression); cond != "" {
		if !evalCondition(cond, params.ExpressionAttributeNames, params.ExpressionAttributeValues, current, exists) {
			return nil, APIError("ConditionalCheckFailedException", "The conditional request failed")
		}
	}
	t.Items[key] = copyItem(params.Item)
	return &dynamodb.PutItemOutput{}, nil
}

func evalCondition(cond string, names map[string]string, values map[string]ddbtypes.AttributeValue, item map[string]ddbtypes.AttributeValue, exists bool) bool {
	resolve := func(token string) string {
		if n, ok := names[token]; ok {
			return n
		}
		return token
	}
	for _, clause := range strings.Split(cond, " OR ") {
		clause = strings.TrimSpace(clause)
		if strings.HasPrefix(clause, "attribute_not_exists(") {
			attr := resolve(strings.TrimSuffix(strings.TrimPrefix(clause, "attribute_not_exists("), ")"))
			if !exists {
				return true
			}
			if _, ok := item[attr]; !ok {
				return true
			}
			continue
		}
		parts := strings.SplitN(clause, " = ", 2)
		if len(parts) == 2 && exists {
			want, _ := values[strings.TrimSpace(parts[1])].(*ddbtypes.AttributeValueMemberS)
			if want != nil && stringAttr(item, resolve(strings.TrimSpace(parts[0]))) == want.Value {
				return true
			}
		}
	}
	return false
}

func copyItem(item map[string]ddbtypes.AttributeValue) map[string]ddbtypes.AttributeValue {
	out := make(map[string]ddbtypes.AttributeValue, len(item))
	for k, v := range item {
		out[k] = v
	}
	return out
}
