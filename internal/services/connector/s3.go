package connector

import (
	"context"
	"encoding/csv"
	"fmt"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/dpserve/dpserve/internal/config"
	"github.com/dpserve/dpserve/internal/models"
)

// S3Connector fetches a CSV object from an S3-compatible store using the
// named credentials referenced by the dataset record.
type S3Connector struct {
	name   string
	bucket string
	key    string
	meta   *models.Metadata
	client *s3.Client
}

func NewS3Connector(ctx context.Context, dataset *models.Dataset, meta *models.Metadata, secrets *config.Secrets) (*S3Connector, error) {
	var optFns []func(*awsconfig.LoadOptions) error
	if dataset.Region != "" {
		optFns = append(optFns, awsconfig.WithRegion(dataset.Region))
	}
	if dataset.CredentialsName != "" {
		creds, err := secrets.S3(dataset.CredentialsName)
		if err != nil {
			return nil, fmt.Errorf("dataset %s: %w", dataset.DatasetName, err)
		}
		optFns = append(optFns, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(creds.AccessKeyID, creds.SecretAccessKey, "")))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, optFns...)
	if err != nil {
		return nil, fmt.Errorf("loading aws config for %s: %w", dataset.DatasetName, err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if dataset.Endpoint != "" {
			o.BaseEndpoint = &dataset.Endpoint
			o.UsePathStyle = true
		}
	})

	return &S3Connector{
		name:   dataset.DatasetName,
		bucket: dataset.Bucket,
		key:    dataset.Key,
		meta:   meta,
		client: client,
	}, nil
}

func (c *S3Connector) Name() string { return c.name }

func (c *S3Connector) Metadata() *models.Metadata { return c.meta }

func (c *S3Connector) Tabular(ctx context.Context) (*Frame, error) {
	out, err := c.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: &c.bucket,
		Key:    &c.key,
	})
	if err != nil {
		return nil, fmt.Errorf("fetching s3 object for %s: %w", c.name, err)
	}
	defer out.Body.Close()

	records, err := csv.NewReader(out.Body).ReadAll()
	if err != nil {
		return nil, fmt.Errorf("reading s3 dataset %s: %w", c.name, err)
	}
	return frameFromCSV(records, c.meta)
}
