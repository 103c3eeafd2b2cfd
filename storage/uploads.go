// Package storage keeps original uploads in MinIO/S3 and expands archive
// bundles for bulk ingestion.
package storage

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	rardecode "github.com/nwaples/rardecode/v2"
)

const (
	maxArchiveEntryBytes int64 = 200 * 1024 * 1024
	archiveFormatZip           = "zip"
	archiveFormatRar           = "rar"
)

// UploadStorage archives original upload payloads in MinIO/S3 so a document
// can be re-ingested later. It is optional; a nil storage disables archiving.
type UploadStorage struct {
	client *minio.Client
	bucket string
}

// NewUploadStorageFromEnv initialises UploadStorage using MINIO_* environment
// variables. Missing configuration disables the feature rather than failing.
func NewUploadStorageFromEnv() (*UploadStorage, error) {
	endpoint := strings.TrimSpace(os.Getenv("MINIO_ENDPOINT"))
	accessKey := strings.TrimSpace(os.Getenv("MINIO_ACCESS_KEY"))
	secretKey := strings.TrimSpace(os.Getenv("MINIO_SECRET_KEY"))
	bucket := strings.TrimSpace(os.Getenv("MINIO_BUCKET"))
	if endpoint == "" || accessKey == "" || secretKey == "" || bucket == "" {
		return nil, nil
	}

	useSSL := strings.EqualFold(strings.TrimSpace(os.Getenv("MINIO_USE_SSL")), "true")
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("storage: init minio client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("storage: check bucket: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("storage: create bucket: %w", err)
		}
	}

	return &UploadStorage{client: client, bucket: bucket}, nil
}

// StoreOriginal copies the staged file into the bucket under the document's
// correlation id and returns the object key.
func (s *UploadStorage) StoreOriginal(ctx context.Context, ragDocumentID string, localPath string) (string, error) {
	if s == nil || s.client == nil {
		return "", errors.New("storage: upload storage not configured")
	}

	key := path.Join("uploads", ragDocumentID, filepath.Base(localPath))
	if _, err := s.client.FPutObject(ctx, s.bucket, key, localPath, minio.PutObjectOptions{}); err != nil {
		return "", fmt.Errorf("storage: put object %s: %w", key, err)
	}
	return key, nil
}

// PresignedURL issues a time-limited download link for an archived original.
func (s *UploadStorage) PresignedURL(ctx context.Context, key string, expiry time.Duration) (string, error) {
	if s == nil || s.client == nil {
		return "", errors.New("storage: upload storage not configured")
	}
	signed, err := s.client.PresignedGetObject(ctx, s.bucket, key, expiry, nil)
	if err != nil {
		return "", fmt.Errorf("storage: presign %s: %w", key, err)
	}
	return signed.String(), nil
}

// ExtractedFile is one file pulled out of an archive, staged on local disk.
type ExtractedFile struct {
	Name string
	Path string
	Size int64
}

// ExpandArchive unpacks a zip or rar bundle into a fresh temp directory and
// returns the staged files. Directory entries and path-escaping names are
// skipped.
func ExpandArchive(archivePath string) ([]ExtractedFile, error) {
	destDir, err := os.MkdirTemp("", "archive-"+uuid.NewString()[:8]+"-")
	if err != nil {
		return nil, fmt.Errorf("storage: create staging dir: %w", err)
	}

	var extracted []ExtractedFile
	switch strings.ToLower(filepath.Ext(archivePath)) {
	case "." + archiveFormatZip:
		extracted, err = expandZip(archivePath, destDir)
	case "." + archiveFormatRar:
		extracted, err = expandRar(archivePath, destDir)
	default:
		err = fmt.Errorf("storage: unsupported archive type %q", filepath.Ext(archivePath))
	}
	if err != nil {
		os.RemoveAll(destDir)
		return nil, err
	}
	if len(extracted) == 0 {
		os.RemoveAll(destDir)
		return nil, errors.New("storage: archive contains no files")
	}
	return extracted, nil
}

func expandZip(archivePath string, destDir string) ([]ExtractedFile, error) {
	reader, err := zip.OpenReader(archivePath)
	if err != nil {
		return nil, fmt.Errorf("storage: open zip archive: %w", err)
	}
	defer reader.Close()

	var files []ExtractedFile
	for _, entry := range reader.File {
		if entry.FileInfo().IsDir() {
			continue
		}
		sanitized := sanitizeArchiveEntry(entry.Name)
		if sanitized == "" {
			continue
		}

		src, err := entry.Open()
		if err != nil {
			return nil, fmt.Errorf("storage: open zip entry %s: %w", entry.Name, err)
		}
		staged, err := stageEntry(destDir, sanitized, src)
		src.Close()
		if err != nil {
			return nil, err
		}
		files = append(files, staged)
	}
	return files, nil
}

func expandRar(archivePath string, destDir string) ([]ExtractedFile, error) {
	f, err := os.Open(archivePath)
	if err != nil {
		return nil, fmt.Errorf("storage: open rar archive: %w", err)
	}
	defer f.Close()

	rr, err := rardecode.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("storage: parse rar archive: %w", err)
	}

	var files []ExtractedFile
	for {
		header, err := rr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("storage: read rar entry: %w", err)
		}
		if header.IsDir {
			continue
		}
		sanitized := sanitizeArchiveEntry(header.Name)
		if sanitized == "" {
			if _, err := io.Copy(io.Discard, rr); err != nil {
				return nil, fmt.Errorf("storage: discard rar entry: %w", err)
			}
			continue
		}

		staged, err := stageEntry(destDir, sanitized, rr)
		if err != nil {
			return nil, err
		}
		files = append(files, staged)
	}
	return files, nil
}

// stageEntry writes one archive entry to a flat file inside destDir, bounded
// by the per-entry size guard.
func stageEntry(destDir string, name string, src io.Reader) (ExtractedFile, error) {
	targetPath := filepath.Join(destDir, fmt.Sprintf("%s-%s", uuid.NewString()[:8], name))

	dst, err := os.Create(targetPath)
	if err != nil {
		return ExtractedFile{}, fmt.Errorf("storage: stage entry %s: %w", name, err)
	}
	written, err := io.Copy(dst, io.LimitReader(src, maxArchiveEntryBytes+1))
	closeErr := dst.Close()
	if err != nil {
		os.Remove(targetPath)
		return ExtractedFile{}, fmt.Errorf("storage: extract entry %s: %w", name, err)
	}
	if closeErr != nil {
		os.Remove(targetPath)
		return ExtractedFile{}, fmt.Errorf("storage: finish entry %s: %w", name, closeErr)
	}
	if written > maxArchiveEntryBytes {
		os.Remove(targetPath)
		return ExtractedFile{}, fmt.Errorf("storage: entry %s exceeds size limit", name)
	}

	return ExtractedFile{Name: name, Path: targetPath, Size: written}, nil
}

// sanitizeArchiveEntry flattens an entry name to a safe base name, dropping
// anything that would escape the staging directory.
func sanitizeArchiveEntry(name string) string {
	cleaned := path.Clean(strings.ReplaceAll(name, "\\", "/"))
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") || strings.HasPrefix(cleaned, "/") {
		return ""
	}
	base := path.Base(cleaned)
	if base == "" || base == "." || base == ".." || strings.HasPrefix(base, ".") {
		return ""
	}
	return base
}
