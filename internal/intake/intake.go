package intake

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"

	"fiscal-audit-service/internal/config"
	"fiscal-audit-service/internal/models"
)

const copyChunkSize = 1024 * 1024 // 1 MiB

// ValidationError reports a client-input violation during intake. The
// transport maps it to a 400 response; every other failure is a server error.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return e.Reason }

func validationErrorf(format string, args ...any) error {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// Upload is one file stream handed to the validator. Open is called at most
// once, when the file's turn comes in the batch.
type Upload struct {
	Filename    string
	ContentType string
	Open        func() (io.ReadCloser, error)
}

// Validator streams uploaded files into a per-job directory under the uploads
// root, enforcing count, size, and extension limits. A batch is all-or-nothing:
// any violation removes the job directory before the error propagates.
type Validator struct {
	root         string
	maxFiles     int
	maxFileBytes int64
	maxJobBytes  int64
	allowedExts  map[string]struct{}
}

// NewValidator builds a validator from config. The uploads root is created if
// missing.
func NewValidator(cfg config.Config) (*Validator, error) {
	root, err := filepath.Abs(cfg.UploadsDir)
	if err != nil {
		return nil, fmt.Errorf("resolve uploads dir: %w", err)
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create uploads dir: %w", err)
	}
	allowed := make(map[string]struct{}, len(cfg.AllowedExtensions))
	for _, ext := range cfg.AllowedExtensions {
		allowed[strings.ToLower(ext)] = struct{}{}
	}
	return &Validator{
		root:         root,
		maxFiles:     cfg.MaxUploadFiles,
		maxFileBytes: cfg.MaxUploadFileBytes,
		maxJobBytes:  cfg.MaxUploadJobBytes,
		allowedExts:  allowed,
	}, nil
}

// Root returns the absolute uploads root.
func (v *Validator) Root() string { return v.root }

// Persist writes the batch under a directory named after the job id and
// returns the stored-file descriptors, a summary string such as
// "2 file(s) • 1.5 MB", and the job's storage path relative to the root.
func (v *Validator) Persist(ctx context.Context, jobID uuid.UUID, uploads []Upload) ([]models.StoredFile, string, string, error) {
	if v.maxFiles > 0 && len(uploads) > v.maxFiles {
		return nil, "", "", validationErrorf("batch exceeds the maximum of %d files per audit", v.maxFiles)
	}

	storagePath := jobID.String()
	jobDir := filepath.Join(v.root, storagePath)
	if err := os.MkdirAll(jobDir, 0o755); err != nil {
		return nil, "", "", fmt.Errorf("create job dir: %w", err)
	}

	stored, totalSize, err := v.persistAll(ctx, jobDir, storagePath, uploads)
	if err != nil {
		v.Discard(storagePath)
		return nil, "", "", err
	}

	summary := fmt.Sprintf("%d file(s) • %s", len(stored), HumanBytes(totalSize))
	return stored, summary, storagePath, nil
}

// Discard removes the job's directory and everything under it.
func (v *Validator) Discard(storagePath string) {
	if storagePath == "" {
		return
	}
	_ = os.RemoveAll(filepath.Join(v.root, storagePath))
}

func (v *Validator) persistAll(ctx context.Context, jobDir, storagePath string, uploads []Upload) ([]models.StoredFile, int64, error) {
	stored := make([]models.StoredFile, 0, len(uploads))
	var totalSize int64

	for _, upload := range uploads {
		if err := ctx.Err(); err != nil {
			return nil, 0, err
		}

		name := upload.Filename
		if name == "" {
			name = "unnamed-file"
		}
		ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(name), "."))
		if len(v.allowedExts) > 0 {
			if _, ok := v.allowedExts[ext]; !ok {
				return nil, 0, validationErrorf("file %q has an unsupported extension (allowed: %s)", name, strings.Join(v.allowedList(), ", "))
			}
		}

		storedName, err := randomName(filepath.Ext(name))
		if err != nil {
			return nil, 0, err
		}

		size, sum, err := v.writeFile(filepath.Join(jobDir, storedName), name, upload)
		if err != nil {
			return nil, 0, err
		}

		totalSize += size
		if v.maxJobBytes > 0 && totalSize > v.maxJobBytes {
			return nil, 0, validationErrorf("total upload volume exceeds the limit of %s per audit", HumanBytes(v.maxJobBytes))
		}

		stored = append(stored, models.StoredFile{
			OriginalName: name,
			StoredName:   storedName,
			ContentType:  upload.ContentType,
			Size:         size,
			SHA256:       sum,
			StoredPath:   filepath.Join(storagePath, storedName),
		})
	}
	return stored, totalSize, nil
}

// writeFile streams one upload to disk in fixed-size chunks, hashing as it
// goes. The per-file limit aborts the copy mid-stream so an oversized upload
// never has to be buffered or fully written.
func (v *Validator) writeFile(destination, originalName string, upload Upload) (int64, string, error) {
	src, err := upload.Open()
	if err != nil {
		return 0, "", fmt.Errorf("open upload %q: %w", originalName, err)
	}
	defer src.Close()

	dst, err := os.Create(destination)
	if err != nil {
		return 0, "", fmt.Errorf("create file for %q: %w", originalName, err)
	}
	defer dst.Close()

	hasher := sha256.New()
	buf := make([]byte, copyChunkSize)
	var size int64

	for {
		n, readErr := src.Read(buf)
		if n > 0 {
			size += int64(n)
			if v.maxFileBytes > 0 && size > v.maxFileBytes {
				return 0, "", validationErrorf("file %q exceeds the limit of %s per file", originalName, HumanBytes(v.maxFileBytes))
			}
			if _, err := dst.Write(buf[:n]); err != nil {
				return 0, "", fmt.Errorf("write file for %q: %w", originalName, err)
			}
			hasher.Write(buf[:n])
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return 0, "", fmt.Errorf("read upload %q: %w", originalName, readErr)
		}
	}

	return size, hex.EncodeToString(hasher.Sum(nil)), nil
}

func (v *Validator) allowedList() []string {
	out := make([]string, 0, len(v.allowedExts))
	for ext := range v.allowedExts {
		out = append(out, ext)
	}
	sort.Strings(out)
	return out
}

// randomName produces a collision-free stored filename that carries nothing
// from the client-supplied name except the extension.
func randomName(suffix string) (string, error) {
	raw := make([]byte, 16)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate stored name: %w", err)
	}
	return hex.EncodeToString(raw) + strings.ToLower(suffix), nil
}

// HumanBytes renders a byte count the way the audit summary expects it.
func HumanBytes(size int64) string {
	if size < 1024 {
		return fmt.Sprintf("%d B", size)
	}
	value := float64(size)
	for _, unit := range []string{"KB", "MB", "GB", "TB"} {
		value /= 1024
		if value < 1024 {
			return fmt.Sprintf("%.1f %s", value, unit)
		}
	}
	return fmt.Sprintf("%.1f PB", value/1024)
}
