package archive

import (
	"bytes"
	"io"
	"net/http"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("component", "archive")

// S3Store archives blobs to an S3 bucket, for durable off-box retention
// of what a root shares (adapted from storage/s3.go). The AWS profile
// named by profile supplies credentials via the default credential
// chain.
type S3Store struct {
	profile string
	region  string
	bucket  string
	client  *s3.S3
}

// NewS3Store returns an archive.Store backed by an S3 bucket. The
// client is created lazily on first use.
func NewS3Store(profile, region, bucket string) *S3Store {
	return &S3Store{profile: profile, region: region, bucket: bucket}
}

func (s *S3Store) ensureClient() error {
	if s.client != nil {
		return nil
	}
	opts := session.Options{
		Profile: s.profile,
		Config:  aws.Config{Region: aws.String(s.region)},
	}
	sess, err := session.NewSessionWithOptions(opts)
	if err != nil {
		return errors.Wrap(err, "archive: new aws session")
	}
	s.client = s3.New(sess)
	return nil
}

func (s *S3Store) Get(k Key) ([]byte, error) {
	if err := s.ensureClient(); err != nil {
		return nil, err
	}
	out, err := s.client.GetObject(&s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(string(k)),
	})
	if err != nil {
		if rf, ok := err.(awserr.RequestFailure); ok && rf.StatusCode() == http.StatusNotFound {
			return nil, errors.Wrapf(ErrNotFound, "key=%q", k)
		}
		return nil, errors.Wrap(err, "archive: s3 get")
	}
	defer func() {
		if cerr := out.Body.Close(); cerr != nil {
			log.WithField("key", k).WithError(cerr).Warn("could not close response body")
		}
	}()
	b, err := io.ReadAll(out.Body)
	return b, errors.Wrap(err, "archive: s3 get: read body")
}

func (s *S3Store) Put(k Key, v []byte) error {
	if err := s.ensureClient(); err != nil {
		return err
	}
	_, err := s.client.PutObject(&s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(string(k)),
		Body:   bytes.NewReader(v),
	})
	return errors.Wrap(err, "archive: s3 put")
}

func (s *S3Store) Delete(k Key) error {
	if err := s.ensureClient(); err != nil {
		return err
	}
	_, err := s.client.DeleteObject(&s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(string(k)),
	})
	return errors.Wrap(err, "archive: s3 delete")
}

func (s *S3Store) ForEach(cb func(Key) error) error {
	if err := s.ensureClient(); err != nil {
		return err
	}
	var inErr error
	err := s.client.ListObjectsPages(&s3.ListObjectsInput{
		Bucket: aws.String(s.bucket),
	}, func(page *s3.ListObjectsOutput, lastPage bool) bool {
		for _, obj := range page.Contents {
			if err := cb(Key(aws.StringValue(obj.Key))); err != nil {
				inErr = err
				return false
			}
		}
		return true
	})
	if inErr != nil {
		return inErr
	}
	return errors.Wrap(err, "archive: s3 foreach: list")
}
