package main

import (
	"os"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/rs/zerolog/log"
)

// Mirror pushes merged files to an S3-compatible bucket after a successful
// transcode. It is strictly best effort: a failed mirror upload is logged
// and never affects the record's status.
type Mirror struct {
	uploader *s3manager.Uploader
	bucket   string
}

func NewMirror(cfg *Config) (*Mirror, error) {
	awsCfg := &aws.Config{
		Region: aws.String(cfg.Mirror.Region),
	}
	if cfg.Mirror.Endpoint != "" {
		awsCfg.Endpoint = aws.String(cfg.Mirror.Endpoint)
		awsCfg.S3ForcePathStyle = aws.Bool(true)
	}
	sess, err := session.NewSession(awsCfg)
	if err != nil {
		return nil, err
	}
	return &Mirror{
		uploader: s3manager.NewUploader(sess),
		bucket:   cfg.Mirror.Bucket,
	}, nil
}

func (m *Mirror) Upload(localPath, key string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = m.uploader.Upload(&s3manager.UploadInput{
		Bucket: aws.String(m.bucket),
		Key:    aws.String(key),
		Body:   f,
	})
	return err
}

func (m *Mirror) UploadAsync(localPath, key string) {
	go func() {
		if err := m.Upload(localPath, key); err != nil {
			log.Warn().Err(err).Str("key", key).Msg("mirror upload failed")
			return
		}
		log.Debug().Str("key", key).Msg("mirrored file to bucket")
	}()
}
