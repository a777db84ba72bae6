package aws

import (
	"context"
	"errors"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-aws/sqs"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/postrelay/transport"
	"github.com/drblury/postrelay/transport/transporttest"
)

func overrideFactories(t *testing.T) {
	t.Helper()
	originalLoader, originalPub, originalSub := DefaultConfigLoader, PublisherFactory, SubscriberFactory
	t.Cleanup(func() {
		DefaultConfigLoader = originalLoader
		PublisherFactory = originalPub
		SubscriberFactory = originalSub
	})
	DefaultConfigLoader = func(ctx context.Context, opts ...func(*awsconfig.LoadOptions) error) (aws.Config, error) {
		return aws.Config{Region: "us-east-1"}, nil
	}
}

func TestRegistered(t *testing.T) {
	caps := transport.GetCapabilities(TransportName)
	assert.Equal(t, "aws", caps.Name)
	assert.True(t, caps.Durable())
	assert.Equal(t, transport.AWSCapabilities, Capabilities())
}

func TestBuild(t *testing.T) {
	t.Run("creates transport from factories", func(t *testing.T) {
		overrideFactories(t)

		mockPub := &transporttest.Publisher{}
		mockSub := &transporttest.Subscriber{}
		var pubCfg sqs.PublisherConfig
		var subCfg sqs.SubscriberConfig

		PublisherFactory = func(cfg sqs.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
			pubCfg = cfg
			return mockPub, nil
		}
		SubscriberFactory = func(cfg sqs.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
			subCfg = cfg
			return mockSub, nil
		}

		cfg := &transporttest.Config{
			AWSRegion:   "eu-central-1",
			AWSEndpoint: "http://localhost:4566",
		}
		tr, err := Build(context.Background(), cfg, watermill.NopLogger{})

		require.NoError(t, err)
		assert.Same(t, mockPub, tr.Publisher)
		assert.Same(t, mockSub, tr.Subscriber)
		assert.Equal(t, "eu-central-1", pubCfg.AWSConfig.Region)
		assert.Len(t, pubCfg.OptFns, 1)
		assert.Len(t, subCfg.OptFns, 1)
	})

	t.Run("no endpoint override without custom endpoint", func(t *testing.T) {
		overrideFactories(t)

		var pubCfg sqs.PublisherConfig
		PublisherFactory = func(cfg sqs.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
			pubCfg = cfg
			return &transporttest.Publisher{}, nil
		}
		SubscriberFactory = func(cfg sqs.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
			return &transporttest.Subscriber{}, nil
		}

		_, err := Build(context.Background(), &transporttest.Config{}, watermill.NopLogger{})
		require.NoError(t, err)
		assert.Empty(t, pubCfg.OptFns)
		assert.Equal(t, "us-east-1", pubCfg.AWSConfig.Region)
	})

	t.Run("returns error when config loader fails", func(t *testing.T) {
		overrideFactories(t)
		DefaultConfigLoader = func(ctx context.Context, opts ...func(*awsconfig.LoadOptions) error) (aws.Config, error) {
			return aws.Config{}, errors.New("config error")
		}

		_, err := Build(context.Background(), &transporttest.Config{AWSRegion: "us-east-1"}, watermill.NopLogger{})
		assert.ErrorContains(t, err, "config error")
	})

	t.Run("returns error for unparsable endpoint", func(t *testing.T) {
		overrideFactories(t)

		_, err := Build(context.Background(), &transporttest.Config{AWSEndpoint: "http://[::1"}, watermill.NopLogger{})
		assert.ErrorContains(t, err, "parse aws endpoint")
	})

	t.Run("returns error when publisher factory fails", func(t *testing.T) {
		overrideFactories(t)
		PublisherFactory = func(cfg sqs.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
			return nil, errors.New("publisher error")
		}

		_, err := Build(context.Background(), &transporttest.Config{}, watermill.NopLogger{})
		assert.ErrorContains(t, err, "publisher error")
	})

	t.Run("closes publisher when subscriber factory fails", func(t *testing.T) {
		overrideFactories(t)
		mockPub := &transporttest.Publisher{}
		PublisherFactory = func(cfg sqs.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
			return mockPub, nil
		}
		SubscriberFactory = func(cfg sqs.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
			return nil, errors.New("subscriber error")
		}

		_, err := Build(context.Background(), &transporttest.Config{}, watermill.NopLogger{})
		assert.ErrorContains(t, err, "subscriber error")
		assert.True(t, mockPub.Closed)
	})
}

func TestLoadAWSConfigUsesStaticCredentials(t *testing.T) {
	overrideFactories(t)
	var optCount int
	DefaultConfigLoader = func(ctx context.Context, opts ...func(*awsconfig.LoadOptions) error) (aws.Config, error) {
		optCount = len(opts)
		return aws.Config{Region: "eu-west-1"}, nil
	}

	s, err := readSettings(&transporttest.Config{
		AWSRegion:          "us-west-2",
		AWSAccessKeyID:     "key",
		AWSSecretAccessKey: "secret",
	})
	require.NoError(t, err)

	cfg, err := loadAWSConfig(context.Background(), s)
	require.NoError(t, err)
	assert.Equal(t, 2, optCount)
	assert.Equal(t, "us-west-2", cfg.Region)
}

func TestStaticCredentialsNeedBothHalves(t *testing.T) {
	s, err := readSettings(&transporttest.Config{AWSAccessKeyID: "key"})
	require.NoError(t, err)
	assert.Empty(t, s.loadOptions())
}

func TestReadSettings(t *testing.T) {
	t.Run("keeps configured account and region", func(t *testing.T) {
		s, err := readSettings(&transporttest.Config{AWSAccountID: "123456789012", AWSRegion: " us-west-2 "})
		require.NoError(t, err)
		assert.Equal(t, "123456789012", s.accountID)
		assert.Equal(t, "us-west-2", s.region)
		assert.Nil(t, s.endpoint)
		assert.Empty(t, s.sqsOptions())
	})

	t.Run("parses custom endpoint", func(t *testing.T) {
		s, err := readSettings(&transporttest.Config{AWSEndpoint: "http://localhost:4566"})
		require.NoError(t, err)
		require.NotNil(t, s.endpoint)
		assert.Equal(t, "localhost:4566", s.endpoint.Host)
		assert.Len(t, s.sqsOptions(), 1)
	})

	t.Run("defaults localstack account", func(t *testing.T) {
		for _, id := range []string{"", "'123'", "12345678901x"} {
			s, err := readSettings(&transporttest.Config{AWSEndpoint: "http://localhost:4566", AWSAccountID: id})
			require.NoError(t, err)
			assert.Equal(t, localstackAccountID, s.accountID, "account %q", id)
		}
	})

	t.Run("strips quotes from a real account", func(t *testing.T) {
		s, err := readSettings(&transporttest.Config{AWSEndpoint: "http://localhost:4566", AWSAccountID: `"123456789012"`})
		require.NoError(t, err)
		assert.Equal(t, "123456789012", s.accountID)
	})

	t.Run("tolerates nil config", func(t *testing.T) {
		s, err := readSettings(nil)
		require.NoError(t, err)
		assert.Equal(t, settings{}, s)
	})

	t.Run("rejects unparsable endpoint", func(t *testing.T) {
		_, err := readSettings(&transporttest.Config{AWSEndpoint: "http://[::1"})
		assert.ErrorContains(t, err, "parse aws endpoint")
	})
}
