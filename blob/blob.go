// Package blob defines where the archive writes received objects.
package blob

import (
	"context"
	"io"
)

// Driver names a Sink implementation.
type Driver string

const (
	DriverFilesystem Driver = "fs"
	DriverS3         Driver = "s3"
)

// PutOptions carries object attributes. Size is -1 when unknown.
type PutOptions struct {
	ContentType string
	Metadata    map[string]string
	Size        int64
}

// Info describes a stored object.
type Info struct {
	Key  string
	Size int64
	ETag string
}

// Sink stores objects by key, replacing any existing object.
type Sink interface {
	Driver() Driver
	Put(ctx context.Context, key string, r io.Reader, opts PutOptions) (Info, error)
}

// ContentTypeDICOM is the media type of Part 10 files.
const ContentTypeDICOM = "application/dicom"
