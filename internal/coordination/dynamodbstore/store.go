// Package dynamodbstore implements coordination.Store (spec §6's
// abstract conditional key-value store) against Amazon DynamoDB, the
// natural CAS-capable backing for shard leases in an AWS-native deployment
// of this connector. Grounded on the teacher's own AWS SDK v2 client
// construction pattern (clientregistry.S3Client/SQSClient's
// config.LoadDefaultConfig + NewFromConfig shape), extended to the
// dynamodb service package from the same SDK family.
package dynamodbstore

import (
	"context"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/juju/errors"

	"github.com/aws-samples/sample-keyspaces-cdc-streams-connectors/internal/coordination"
)

const (
	attrKey     = "lease_key"
	attrValue   = "value"
	attrCounter = "counter"
)

// clientAPI is the narrow subset of *dynamodb.Client this store calls,
// following the objectstore/queue sinks' putObjectAPI/sendBatchAPI
// narrow-interface pattern for testability without a mocking library.
type clientAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Scan(ctx context.Context, in *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
}

// Store is a coordination.Store backed by one DynamoDB table with
// lease_key as its sole partition key and a numeric counter attribute
// used for optimistic-lock CAS, mirroring worker/lease's CAS-shaped
// contract over an operator-provisioned table.
type Store struct {
	client clientAPI
	table  string
}

var _ coordination.Store = (*Store)(nil)

// New builds a Store against table using client.
func New(client *dynamodb.Client, table string) *Store {
	return &Store{client: client, table: table}
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, int64, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.table),
		Key:            map[string]types.AttributeValue{attrKey: &types.AttributeValueMemberS{Value: key}},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, 0, errors.Annotatef(err, "getting item %q", key)
	}
	if out.Item == nil {
		return nil, 0, errors.Trace(coordination.ErrNotFound)
	}
	return decodeItem(out.Item)
}

func (s *Store) PutIfAbsent(ctx context.Context, key string, value []byte) error {
	_, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.table),
		Item: map[string]types.AttributeValue{
			attrKey:     &types.AttributeValueMemberS{Value: key},
			attrValue:   &types.AttributeValueMemberB{Value: value},
			attrCounter: &types.AttributeValueMemberN{Value: "0"},
		},
		ConditionExpression: aws.String("attribute_not_exists(" + attrKey + ")"),
	})
	if isConditionalCheckFailed(err) {
		return errors.Trace(coordination.ErrConflict)
	}
	if err != nil {
		return errors.Annotatef(err, "creating item %q", key)
	}
	return nil
}

func (s *Store) UpdateIf(ctx context.Context, key string, value []byte, expectedCounter int64) error {
	_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(s.table),
		Key:       map[string]types.AttributeValue{attrKey: &types.AttributeValueMemberS{Value: key}},
		UpdateExpression: aws.String("SET " + attrValue + " = :value, " + attrCounter + " = :newCounter"),
		ConditionExpression: aws.String(attrCounter + " = :expected"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":value":      &types.AttributeValueMemberB{Value: value},
			":newCounter": counterAttr(expectedCounter + 1),
			":expected":   counterAttr(expectedCounter),
		},
	})
	if isConditionalCheckFailed(err) {
		return errors.Trace(coordination.ErrConflict)
	}
	if err != nil {
		return errors.Annotatef(err, "updating item %q", key)
	}
	return nil
}

func (s *Store) DeleteIf(ctx context.Context, key string, expectedCounter int64) error {
	_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:           aws.String(s.table),
		Key:                 map[string]types.AttributeValue{attrKey: &types.AttributeValueMemberS{Value: key}},
		ConditionExpression: aws.String(attrCounter + " = :expected"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":expected": counterAttr(expectedCounter),
		},
	})
	if isConditionalCheckFailed(err) {
		return errors.Trace(coordination.ErrConflict)
	}
	if err != nil {
		return errors.Annotatef(err, "deleting item %q", key)
	}
	return nil
}

// Scan lists every lease whose key starts with prefix. lease_key is the
// table's sole partition key with no sort key, so a key-condition Query
// can't express begins_with (DynamoDB only allows that operator against a
// sort key); this uses the table-wide Scan API with a FilterExpression
// instead, which is adequate for a lease table sized at one row per shard.
func (s *Store) Scan(ctx context.Context, prefix string) ([]coordination.Entry, error) {
	out, err := s.client.Scan(ctx, &dynamodb.ScanInput{
		TableName:        aws.String(s.table),
		FilterExpression: aws.String("begins_with(" + attrKey + ", :prefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":prefix": &types.AttributeValueMemberS{Value: prefix},
		},
	})
	if err != nil {
		return nil, errors.Annotatef(err, "scanning prefix %q", prefix)
	}
	entries := make([]coordination.Entry, 0, len(out.Items))
	for _, item := range out.Items {
		value, counter, err := decodeItem(item)
		if err != nil {
			return nil, errors.Trace(err)
		}
		keyAttr, ok := item[attrKey].(*types.AttributeValueMemberS)
		if !ok {
			continue
		}
		entries = append(entries, coordination.Entry{Key: keyAttr.Value, Value: value, Counter: counter})
	}
	return entries, nil
}

func decodeItem(item map[string]types.AttributeValue) ([]byte, int64, error) {
	valueAttr, ok := item[attrValue].(*types.AttributeValueMemberB)
	if !ok {
		return nil, 0, errors.Errorf("item missing binary %q attribute", attrValue)
	}
	counterAttrVal, ok := item[attrCounter].(*types.AttributeValueMemberN)
	if !ok {
		return nil, 0, errors.Errorf("item missing numeric %q attribute", attrCounter)
	}
	counter, err := parseCounter(counterAttrVal.Value)
	if err != nil {
		return nil, 0, errors.Annotate(err, "parsing counter")
	}
	return valueAttr.Value, counter, nil
}

func isConditionalCheckFailed(err error) bool {
	var condErr *types.ConditionalCheckFailedException
	return errors.As(err, &condErr)
}

func counterAttr(n int64) *types.AttributeValueMemberN {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(n, 10)}
}

func parseCounter(s string) (int64, error) {
	return strconv.ParseInt(s, 10, 64)
}
