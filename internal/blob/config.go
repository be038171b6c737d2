package blob

import (
	"errors"
	"strings"

	"github.com/jonboulle/clockwork"
)

const (
	defaultListConcurrency = 8
	defaultIndexSize       = 16384
)

var ErrNoBucket = errors.New("blob: bucket name is required")

type S3Config struct {
	BucketName    string
	Region        string
	AccessKey     string
	SecretKey     string
	Endpoint      string
	UseAccelerate bool
	UsePathStyle  bool
	// Prefix is the key prefix that acts as the remote root folder.
	Prefix string

	// ListConcurrency bounds the metadata lookups issued during a listing.
	ListConcurrency int
	// IndexSize is the number of key+etag to node id entries kept in memory.
	IndexSize int
	Clock     clockwork.Clock
}

func (c *S3Config) Validate() error {
	if c.BucketName == "" {
		return ErrNoBucket
	}
	return nil
}

func (c *S3Config) normalize() {
	c.Prefix = strings.Trim(c.Prefix, "/")
	if c.Prefix != "" {
		c.Prefix += "/"
	}
	if c.ListConcurrency <= 0 {
		c.ListConcurrency = defaultListConcurrency
	}
	if c.IndexSize <= 0 {
		c.IndexSize = defaultIndexSize
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
}
