package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/bitrise-io/go-resumable/resumable"
	"github.com/bitrise-io/go-resumable/resumable/transport"
	"github.com/bitrise-io/go-steputils/stepconf"
	"github.com/docker/go-units"
)

// Config holds the inputs of the upload.
type Config struct {
	UploadPaths []string `env:"upload_paths,required"`
	Patterns    []string `env:"patterns"`
	Category    string   `env:"file_category"`

	TargetURL     string          `env:"target_url,required"`
	TestTargetURL string          `env:"test_target_url"`
	AuthToken     stepconf.Secret `env:"auth_token"`

	ChunkSize           string `env:"chunk_size,required"`
	SimultaneousUploads int    `env:"simultaneous_uploads,required"`
	Encoding            string `env:"upload_encoding,opt[multipart,octet]"`
	TestChunks          bool   `env:"test_chunks"`
	PrioritizeFirstLast bool   `env:"prioritize_first_and_last_chunk"`
	MaxChunkRetries     int    `env:"max_chunk_retries"`
	ChunkRetryInterval  int    `env:"chunk_retry_interval_ms"`
	RequestTimeout      int    `env:"request_timeout_sec"`

	FileTypes   []string `env:"file_types"`
	MaxFileSize string   `env:"max_file_size"`

	AWSRegion          string          `env:"aws_region"`
	AWSAccessKeyID     stepconf.Secret `env:"aws_access_key_id"`
	AWSSecretAccessKey stepconf.Secret `env:"aws_secret_access_key"`
	StageS3            bool            `env:"stage_s3_objects"`

	EnableAnalytics bool `env:"enable_analytics"`
	VerboseLog      bool `env:"verbose_log"`
}

// schedulerConfig converts the inputs, unset values fall back to resumable.DefaultConfig.
func (c Config) schedulerConfig() (resumable.Config, error) {
	cfg := resumable.DefaultConfig()
	cfg.Target = c.TargetURL
	cfg.TestTarget = c.TestTargetURL
	cfg.TestChunks = c.TestChunks
	cfg.PrioritizeFirstAndLastChunk = c.PrioritizeFirstLast
	cfg.SimultaneousUploads = c.SimultaneousUploads
	cfg.FileTypes = c.FileTypes

	chunkSize, err := units.RAMInBytes(c.ChunkSize)
	if err != nil {
		return resumable.Config{}, fmt.Errorf("invalid chunk size %s: %w", c.ChunkSize, err)
	}
	cfg.ChunkSize = chunkSize

	if c.MaxFileSize != "" {
		maxFileSize, err := units.RAMInBytes(c.MaxFileSize)
		if err != nil {
			return resumable.Config{}, fmt.Errorf("invalid max file size %s: %w", c.MaxFileSize, err)
		}
		cfg.MaxFileSize = maxFileSize
	}

	switch c.Encoding {
	case "octet":
		cfg.Method = transport.EncodingOctet
	case "", "multipart":
		cfg.Method = transport.EncodingMultipart
	default:
		return resumable.Config{}, fmt.Errorf("unknown upload encoding: %s", c.Encoding)
	}

	if c.MaxChunkRetries > 0 {
		cfg.MaxChunkRetries = c.MaxChunkRetries
	}
	if c.ChunkRetryInterval > 0 {
		cfg.ChunkRetryInterval = time.Duration(c.ChunkRetryInterval) * time.Millisecond
	}
	if c.RequestTimeout > 0 {
		cfg.Timeout = time.Duration(c.RequestTimeout) * time.Second
	}

	if c.AuthToken != "" {
		cfg.Headers = map[string]string{"Authorization": "Bearer " + strings.TrimSpace(string(c.AuthToken))}
	}
	if c.Category != "" {
		cfg.FileCategories = []string{c.Category}
	}

	return cfg, nil
}
