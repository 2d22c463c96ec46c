package storage

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/scusemua/distributed-cluster/common/configuration"
	"github.com/scusemua/distributed-cluster/common/types"
)

const (
	Connected    ConnectionStatus = "CONNECTED"
	Connecting   ConnectionStatus = "CONNECTING"
	Disconnected ConnectionStatus = "DISCONNECTED"

	SchemeLocal = "local"
	SchemeRedis = "redis"
	SchemeS3    = "s3"
	SchemeHdfs  = "hdfs"

	DefaultDirectory     = "/var/spool/distributed-cluster/containerlogs"
	DefaultChunkSize     = "64k"
	DefaultMaxLength     = "10m"
	DefaultRedisChunkTTL = time.Hour
)

var (
	ErrKeyNotFound   = errors.New("no data stored under key")
	ErrUnknownScheme = errors.New("unknown log archive scheme")
	ErrNotConnected  = errors.New("log archive provider is not connected")
)

// ConnectionStatus indicates the status of the connection with the remote storage.
type ConnectionStatus string

// Provider is a generic API for archiving container-log chunks to an
// arbitrary storage medium, such as Redis, AWS S3, or HDFS. Keys follow the
// "containerlog.{kernelId}.{seq}" convention (see ChunkKey).
type Provider interface {
	Connect() error

	Close() error

	// ConnectionStatus returns the current ConnectionStatus of the Provider.
	ConnectionStatus() ConnectionStatus

	// WriteChunk stores one chunk under the given key, replacing any
	// previous contents. Writes are idempotent so redelivered shipments do
	// not duplicate data.
	WriteChunk(ctx context.Context, key string, data []byte) error

	// Read returns the chunk stored under key, or ErrKeyNotFound.
	Read(ctx context.Context, key string) ([]byte, error)

	// Delete removes the chunk under key. Missing keys are not an error.
	Delete(ctx context.Context, key string) error
}

// Options selects the archive backend and its connection parameters. Redis
// connection fields left empty fall back to the cluster-wide redis from
// CommonOptions.
type Options struct {
	Scheme        string `name:"log-archive-scheme" json:"scheme" yaml:"scheme" description:"Log archive backend: local, redis, s3, or hdfs."`
	Directory     string `name:"log-archive-directory" json:"directory" yaml:"directory" description:"Spool directory (local backend) or base path (hdfs backend)."`
	ChunkSize     string `name:"log-archive-chunk-size" json:"chunk_size" yaml:"chunk_size" description:"Size of archived log chunks, in binary-size format (e.g. '64k')."`
	MaxLength     string `name:"log-archive-max-length" json:"max_length" yaml:"max_length" description:"Maximum total log size kept per kernel; longer logs are truncated from the beginning."`
	RedisAddr     string `name:"log-archive-redis" json:"redis_addr" yaml:"redis_addr" description:"Redis address of the redis backend. Empty reuses the cluster redis."`
	RedisPassword string `name:"log-archive-redis-password" json:"redis_password" yaml:"redis_password" description:"Password of the redis backend."`
	RedisDatabase int    `name:"log-archive-redis-database" json:"redis_database" yaml:"redis_database" description:"Database index of the redis backend."`
	S3Bucket      string `name:"log-archive-s3-bucket" json:"s3_bucket" yaml:"s3_bucket" description:"Bucket of the s3 backend."`
	HdfsAddr      string `name:"log-archive-hdfs" json:"hdfs_addr" yaml:"hdfs_addr" description:"NameNode address of the hdfs backend."`
	HdfsUsername  string `name:"log-archive-hdfs-user" json:"hdfs_username" yaml:"hdfs_username" description:"Username of the hdfs backend."`

	chunkSize types.BinarySize
	maxLength types.BinarySize
}

// Validate fills defaults and resolves the size expressions.
func (o *Options) Validate() error {
	if o.Scheme == "" {
		log.Printf("[WARNING] No log archive scheme specified. Defaulting to \"%s\".\n", SchemeLocal)
		o.Scheme = SchemeLocal
	}
	if o.Directory == "" {
		o.Directory = DefaultDirectory
	}
	if o.ChunkSize == "" {
		o.ChunkSize = DefaultChunkSize
	}
	if o.MaxLength == "" {
		o.MaxLength = DefaultMaxLength
	}

	var err error
	if o.chunkSize, err = types.ParseFiniteBinarySize(o.ChunkSize); err != nil || o.chunkSize == 0 {
		return errors.Errorf("invalid log archive chunk size %q", o.ChunkSize)
	}
	if o.maxLength, err = types.ParseFiniteBinarySize(o.MaxLength); err != nil {
		return errors.Errorf("invalid log archive max length %q", o.MaxLength)
	}
	return nil
}

// ChunkSizeBytes returns the resolved chunk size. Valid after Validate.
func (o *Options) ChunkSizeBytes() int {
	return int(o.chunkSize)
}

// MaxLengthBytes returns the resolved log cap; 0 disables truncation.
func (o *Options) MaxLengthBytes() int {
	return int(o.maxLength)
}

// NewProvider builds the provider named by opts.Scheme. The common options
// supply the deployment mode and the fallback redis connection.
func NewProvider(opts *Options, common *configuration.CommonOptions) (Provider, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	switch opts.Scheme {
	case SchemeLocal:
		return NewLocalProvider(opts.Directory), nil
	case SchemeRedis:
		addr, password, database := opts.RedisAddr, opts.RedisPassword, opts.RedisDatabase
		if addr == "" && common != nil {
			addr, password, database = common.RedisAddr, common.RedisPassword, common.RedisDatabase
		}
		return NewRedisProvider(addr, password, database, DefaultRedisChunkTTL), nil
	case SchemeS3:
		return NewS3Provider(opts.S3Bucket), nil
	case SchemeHdfs:
		mode := types.LocalMode
		if common != nil {
			mode = types.DeploymentMode(common.DeploymentMode)
		}
		return NewHdfsProvider(opts.HdfsAddr, opts.HdfsUsername, opts.Directory, mode), nil
	default:
		return nil, errors.Wrap(ErrUnknownScheme, opts.Scheme)
	}
}

type baseProvider struct {
	logger        *zap.Logger
	sugaredLogger *zap.SugaredLogger

	status ConnectionStatus

	hostname string
}

func newBaseProvider(hostname string) *baseProvider {
	provider := &baseProvider{
		hostname: hostname,
		status:   Disconnected,
	}

	logger, err := zap.NewDevelopment()
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "[ERROR] Failed to create Zap Development logger because: %v\n", err)
		return nil
	}
	provider.logger = logger
	provider.sugaredLogger = logger.Sugar()

	return provider
}

// ConnectionStatus returns the current ConnectionStatus of the Provider.
func (p *baseProvider) ConnectionStatus() ConnectionStatus {
	return p.status
}
