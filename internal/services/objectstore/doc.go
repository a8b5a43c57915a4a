// Package objectstore wraps the S3 client used to fetch s3:// sources during
// acquisition and to upload export artifacts.
package objectstore
