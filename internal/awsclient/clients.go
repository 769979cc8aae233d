package awsclient

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/firehose"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"github.com/wifi-positioning/scan-ingester/internal/config"
)

// Clients holds the three service clients the ingester talks to.
type Clients struct {
	SQS      *sqs.Client
	S3       *s3.Client
	Firehose *firehose.Client
}

// New builds the clients from the default credential chain. When
// aws.endpoint_url is set, all three are pointed at that endpoint and S3
// switches to path-style addressing, which is what localstack-style
// environments expect.
func New(ctx context.Context, cfg config.AWSConfig) (*Clients, error) {
	var loadOpts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(cfg.Region))
	}
	base, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}

	var sqsOpts []func(*sqs.Options)
	var s3Opts []func(*s3.Options)
	var firehoseOpts []func(*firehose.Options)
	if cfg.EndpointURL != "" {
		sqsOpts = append(sqsOpts, func(o *sqs.Options) {
			o.BaseEndpoint = aws.String(cfg.EndpointURL)
		})
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.EndpointURL)
			o.UsePathStyle = true
		})
		firehoseOpts = append(firehoseOpts, func(o *firehose.Options) {
			o.BaseEndpoint = aws.String(cfg.EndpointURL)
		})
	}

	return &Clients{
		SQS:      sqs.NewFromConfig(base, sqsOpts...),
		S3:       s3.NewFromConfig(base, s3Opts...),
		Firehose: firehose.NewFromConfig(base, firehoseOpts...),
	}, nil
}
