package store

import (
	"encoding/base64"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/cosmoblob/attachments/feed"
)

const (
	// GocloudStore uses gocloud.dev/blob, selected by the bucket URL scheme.
	GocloudStore = "gocloud"
	// S3Store uses the AWS SDK directly.
	S3Store = "s3"
	// MinioStore uses the minio client.
	MinioStore = "minio"

	defaultListPageSize = 1000
)

// ErrNotFound is returned when a blob does not exist.
var ErrNotFound = errors.New("blob not found")

type TransferInfo struct {
	BytesTransferred int64
	TransferSpeed    float64 // in MB/s
	RequestID        string
	Duration         time.Duration
}

// Object is a listed blob.
type Object struct {
	Key     string
	Size    int64
	ModTime time.Time
}

// UploadOptions describe the payload passed to Container.Upload.
type UploadOptions struct {
	ContentType string
	// Size of the payload in bytes, -1 when unknown.
	Size int64
}

func IsValidStore(storeType string) bool {
	switch storeType {
	case GocloudStore, S3Store, MinioStore:
		return true
	default:
		return false
	}
}

// calculateTransferSpeedMBps calculates transfer speed in MB/s (decimal megabytes)
// using the formula: bytes / duration_in_seconds / 1,000,000
func calculateTransferSpeedMBps(bytes int64, duration time.Duration) float64 {
	if duration <= 0 {
		return 0
	}
	return float64(bytes) / duration.Seconds() / 1000 / 1000
}

func newTransferInfo(bytes int64, start time.Time, requestID string) *TransferInfo {
	duration := time.Since(start)
	return &TransferInfo{
		BytesTransferred: bytes,
		TransferSpeed:    calculateTransferSpeedMBps(bytes, duration),
		RequestID:        requestID,
		Duration:         duration,
	}
}

func fullKey(prefix, key string) string {
	key = strings.TrimPrefix(key, "/")
	if prefix == "" {
		return key
	}
	return path.Join(prefix, key)
}

func relativeKey(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return strings.TrimPrefix(key, prefix+"/")
}

func listPrefix(prefix string) string {
	if prefix == "" {
		return ""
	}
	return prefix + "/"
}

func validateKey(key string) error {
	if strings.TrimPrefix(key, "/") == "" {
		return fmt.Errorf("blob key cannot be empty")
	}
	return nil
}

// encodeToken wraps a driver page marker into an opaque feed token.
func encodeToken(marker []byte) feed.Token {
	if len(marker) == 0 {
		return ""
	}
	return feed.Token(base64.RawURLEncoding.EncodeToString(marker))
}

func decodeToken(token feed.Token) ([]byte, error) {
	if token == "" {
		return nil, nil
	}
	marker, err := base64.RawURLEncoding.DecodeString(string(token))
	if err != nil {
		return nil, fmt.Errorf("invalid continuation token: %w", err)
	}
	return marker, nil
}
