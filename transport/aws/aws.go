// Package aws provides the Amazon SQS queue transport. Each topic maps to an
// SQS queue of the same name; a nacked message becomes visible again once its
// visibility timeout expires.
package aws

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-aws/sqs"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	amazonsqs "github.com/aws/aws-sdk-go-v2/service/sqs"
	smithyendpoints "github.com/aws/smithy-go/endpoints"

	"github.com/drblury/postrelay/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "aws"

// LocalStack accepts any twelve digit account; this is the one it documents.
const localstackAccountID = "000000000000"

// DefaultConfigLoader loads the shared AWS configuration. Tests replace it.
var DefaultConfigLoader = awsconfig.LoadDefaultConfig

var PublisherFactory = func(cfg sqs.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return sqs.NewPublisher(cfg, logger)
}

var SubscriberFactory = func(cfg sqs.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return sqs.NewSubscriber(cfg, logger)
}

func init() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.AWSCapabilities)
}

// settings is the SQS view of transport.Config.
type settings struct {
	region    string
	accountID string
	endpoint  *url.URL
	accessKey string
	secretKey string
}

// readSettings normalises the AWS fields of cfg. With a custom endpoint the
// target is assumed to be LocalStack and a missing or malformed account id
// falls back to its default.
func readSettings(cfg transport.Config) (settings, error) {
	if cfg == nil {
		return settings{}, nil
	}

	s := settings{
		region:    strings.TrimSpace(cfg.GetAWSRegion()),
		accountID: strings.Trim(cfg.GetAWSAccountID(), "\"' "),
		accessKey: cfg.GetAWSAccessKeyID(),
		secretKey: cfg.GetAWSSecretAccessKey(),
	}

	if raw := cfg.GetAWSEndpoint(); raw != "" {
		endpoint, err := url.Parse(raw)
		if err != nil {
			return settings{}, fmt.Errorf("parse aws endpoint: %w", err)
		}
		s.endpoint = endpoint
		if !isAccountID(s.accountID) {
			s.accountID = localstackAccountID
		}
	}
	return s, nil
}

func isAccountID(id string) bool {
	if len(id) != len(localstackAccountID) {
		return false
	}
	for _, r := range id {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func (s settings) loadOptions() []func(*awsconfig.LoadOptions) error {
	var opts []func(*awsconfig.LoadOptions) error
	if s.region != "" {
		opts = append(opts, awsconfig.WithRegion(s.region))
	}
	if s.accessKey != "" && s.secretKey != "" {
		provider := credentials.NewStaticCredentialsProvider(s.accessKey, s.secretKey, "")
		opts = append(opts, awsconfig.WithCredentialsProvider(aws.NewCredentialsCache(provider)))
	}
	return opts
}

func (s settings) sqsOptions() []func(*amazonsqs.Options) {
	if s.endpoint == nil {
		return nil
	}
	return []func(*amazonsqs.Options){
		amazonsqs.WithEndpointResolverV2(sqs.OverrideEndpointResolver{
			Endpoint: smithyendpoints.Endpoint{URI: *s.endpoint},
		}),
	}
}

func loadAWSConfig(ctx context.Context, s settings) (aws.Config, error) {
	awsCfg, err := DefaultConfigLoader(ctx, s.loadOptions()...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("load aws config: %w", err)
	}
	// pin the configured region over any profile default
	if s.region != "" {
		awsCfg.Region = s.region
	}
	return awsCfg, nil
}

// Build connects an SQS publisher and subscriber sharing one AWS config.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	s, err := readSettings(cfg)
	if err != nil {
		return transport.Transport{}, err
	}
	awsCfg, err := loadAWSConfig(ctx, s)
	if err != nil {
		return transport.Transport{}, err
	}

	fields := watermill.LogFields{"account_id": s.accountID, "region": awsCfg.Region}
	if s.endpoint != nil {
		fields["endpoint"] = s.endpoint.String()
	}
	logger.Info("Using SQS queue transport", fields)

	opts := s.sqsOptions()
	publisher, err := PublisherFactory(sqs.PublisherConfig{AWSConfig: awsCfg, OptFns: opts}, logger)
	if err != nil {
		return transport.Transport{}, fmt.Errorf("create sqs publisher: %w", err)
	}
	subscriber, err := SubscriberFactory(sqs.SubscriberConfig{AWSConfig: awsCfg, OptFns: opts}, logger)
	if err != nil {
		_ = publisher.Close()
		return transport.Transport{}, fmt.Errorf("create sqs subscriber: %w", err)
	}

	return transport.Transport{Publisher: publisher, Subscriber: subscriber}, nil
}

func Capabilities() transport.Capabilities {
	return transport.AWSCapabilities
}
