package main

import (
	"testing"
	"time"

	"github.com/bitrise-io/go-resumable/resumable"
	"github.com/bitrise-io/go-resumable/resumable/transport"
	"github.com/bitrise-io/go-steputils/stepconf"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseConfig(t *testing.T) {
	t.Setenv("upload_paths", "./build|s3://bucket/app.zip")
	t.Setenv("target_url", "https://uploads.example.com/chunks")
	t.Setenv("auth_token", "secret-token")
	t.Setenv("chunk_size", "2MB")
	t.Setenv("simultaneous_uploads", "4")
	t.Setenv("upload_encoding", "octet")
	t.Setenv("test_chunks", "yes")
	t.Setenv("max_file_size", "1GB")
	t.Setenv("file_types", "png|jpg")
	t.Setenv("chunk_retry_interval_ms", "250")
	t.Setenv("request_timeout_sec", "30")

	var cfg Config
	require.NoError(t, stepconf.Parse(&cfg))

	assert.Equal(t, []string{"./build", "s3://bucket/app.zip"}, cfg.UploadPaths)
	assert.Equal(t, stepconf.Secret("secret-token"), cfg.AuthToken)

	schedulerCfg, err := cfg.schedulerConfig()
	require.NoError(t, err)

	assert.Equal(t, "https://uploads.example.com/chunks", schedulerCfg.Target)
	assert.Equal(t, int64(2*1024*1024), schedulerCfg.ChunkSize)
	assert.Equal(t, 4, schedulerCfg.SimultaneousUploads)
	assert.Equal(t, transport.EncodingOctet, schedulerCfg.Method)
	assert.True(t, schedulerCfg.TestChunks)
	assert.Equal(t, int64(1024*1024*1024), schedulerCfg.MaxFileSize)
	assert.Equal(t, []string{"png", "jpg"}, schedulerCfg.FileTypes)
	assert.Equal(t, 250*time.Millisecond, schedulerCfg.ChunkRetryInterval)
	assert.Equal(t, 30*time.Second, schedulerCfg.Timeout)
	assert.Equal(t, map[string]string{"Authorization": "Bearer secret-token"}, schedulerCfg.Headers)
}

func TestParseConfig_Required(t *testing.T) {
	t.Setenv("upload_paths", "")
	t.Setenv("target_url", "https://uploads.example.com/chunks")
	t.Setenv("chunk_size", "1MB")
	t.Setenv("simultaneous_uploads", "3")
	t.Setenv("upload_encoding", "multipart")

	var cfg Config
	assert.Error(t, stepconf.Parse(&cfg))
}

func TestSchedulerConfig_Defaults(t *testing.T) {
	cfg := Config{
		TargetURL:           "https://uploads.example.com/chunks",
		ChunkSize:           "512KB",
		SimultaneousUploads: 2,
	}

	schedulerCfg, err := cfg.schedulerConfig()
	require.NoError(t, err)

	defaults := resumable.DefaultConfig()
	assert.Equal(t, int64(512*1024), schedulerCfg.ChunkSize)
	assert.Equal(t, transport.EncodingMultipart, schedulerCfg.Method)
	assert.Equal(t, defaults.MaxChunkRetries, schedulerCfg.MaxChunkRetries)
	assert.Equal(t, defaults.ChunkRetryInterval, schedulerCfg.ChunkRetryInterval)
	assert.Equal(t, time.Duration(0), schedulerCfg.Timeout)
	assert.Equal(t, int64(0), schedulerCfg.MaxFileSize)
	assert.False(t, schedulerCfg.TestChunks)
	assert.Nil(t, schedulerCfg.Headers)
	assert.Nil(t, schedulerCfg.FileCategories)
}

func TestSchedulerConfig_Errors(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr string
	}{
		{
			name:    "invalid chunk size",
			cfg:     Config{ChunkSize: "lots"},
			wantErr: "invalid chunk size lots",
		},
		{
			name:    "invalid max file size",
			cfg:     Config{ChunkSize: "1MB", MaxFileSize: "huge"},
			wantErr: "invalid max file size huge",
		},
		{
			name:    "unknown encoding",
			cfg:     Config{ChunkSize: "1MB", Encoding: "form"},
			wantErr: "unknown upload encoding: form",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.cfg.schedulerConfig()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
