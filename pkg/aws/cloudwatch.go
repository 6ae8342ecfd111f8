package aws

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs/types"
)

const (
	defaultLogGroup  = "/payment-saga/services"
	logRetentionDays = 30
	logPutTimeout    = 5 * time.Second
)

// logsAPI is the slice of the CloudWatch Logs client a LogShipper calls.
type logsAPI interface {
	CreateLogGroup(ctx context.Context, in *cloudwatchlogs.CreateLogGroupInput, optFns ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.CreateLogGroupOutput, error)
	PutRetentionPolicy(ctx context.Context, in *cloudwatchlogs.PutRetentionPolicyInput, optFns ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.PutRetentionPolicyOutput, error)
	CreateLogStream(ctx context.Context, in *cloudwatchlogs.CreateLogStreamInput, optFns ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.CreateLogStreamOutput, error)
	PutLogEvents(ctx context.Context, in *cloudwatchlogs.PutLogEventsInput, optFns ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.PutLogEventsOutput, error)
}

// LogShipper is a zapcore.WriteSyncer that forwards each encoded log entry
// to one CloudWatch Logs stream. Delivery failures go to stderr and never
// fail the write, so a CloudWatch outage cannot stall the service.
type LogShipper struct {
	api    logsAPI
	group  string
	stream string
	errOut io.Writer

	mu sync.Mutex
}

// NewLogShipper prepares the stream "<service>-<unix seconds>" under
// CLOUDWATCH_LOG_GROUP (default /payment-saga/services).
func NewLogShipper(ctx context.Context, service string) (*LogShipper, error) {
	cfg, err := LoadAWSConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	group := os.Getenv("CLOUDWATCH_LOG_GROUP")
	if group == "" {
		group = defaultLogGroup
	}
	stream := fmt.Sprintf("%s-%d", service, time.Now().Unix())
	return newLogShipper(ctx, cloudwatchlogs.NewFromConfig(cfg), group, stream)
}

func newLogShipper(ctx context.Context, api logsAPI, group, stream string) (*LogShipper, error) {
	s := &LogShipper{api: api, group: group, stream: stream, errOut: os.Stderr}

	_, err := api.CreateLogGroup(ctx, &cloudwatchlogs.CreateLogGroupInput{LogGroupName: aws.String(group)})
	var exists *types.ResourceAlreadyExistsException
	if err != nil && !errors.As(err, &exists) {
		return nil, fmt.Errorf("create log group %s: %w", group, err)
	}

	if _, err := api.PutRetentionPolicy(ctx, &cloudwatchlogs.PutRetentionPolicyInput{
		LogGroupName:    aws.String(group),
		RetentionInDays: aws.Int32(logRetentionDays),
	}); err != nil {
		return nil, fmt.Errorf("set retention on %s: %w", group, err)
	}

	if _, err := api.CreateLogStream(ctx, &cloudwatchlogs.CreateLogStreamInput{
		LogGroupName:  aws.String(group),
		LogStreamName: aws.String(stream),
	}); err != nil {
		return nil, fmt.Errorf("create log stream %s: %w", stream, err)
	}
	return s, nil
}

// Stream is the CloudWatch stream this shipper writes to.
func (s *LogShipper) Stream() string { return s.stream }

func (s *LogShipper) Write(p []byte) (int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), logPutTimeout)
	defer cancel()

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.api.PutLogEvents(ctx, &cloudwatchlogs.PutLogEventsInput{
		LogGroupName:  aws.String(s.group),
		LogStreamName: aws.String(s.stream),
		LogEvents: []types.InputLogEvent{{
			Message:   aws.String(string(p)),
			Timestamp: aws.Int64(time.Now().UnixMilli()),
		}},
	})
	if err != nil {
		fmt.Fprintf(s.errOut, "cloudwatch logs %s/%s: %v\n", s.group, s.stream, err)
	}
	return len(p), nil
}

// Sync is a no-op; Write delivers synchronously.
func (s *LogShipper) Sync() error { return nil }
