package inputs

import (
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"model-run-scheduler/internal/models"
)

// ErrNoInputFile is returned when staged files contain nothing the model can read.
var ErrNoInputFile = errors.New("no input file found in uploaded files")

// Prepared describes a run directory ready to be queued.
type Prepared struct {
	ID        string
	Dir       string
	InputPath string
}

// PrepareRun creates runsDir/<new run id> and writes the rendered input file.
func PrepareRun(runsDir, modelName string, p Params, now time.Time) (Prepared, error) {
	content, err := Render(modelName, p)
	if err != nil {
		return Prepared{}, err
	}
	prep, err := newRunDir(runsDir, now)
	if err != nil {
		return Prepared{}, err
	}
	if err := os.WriteFile(prep.InputPath, []byte(content), 0o644); err != nil {
		return Prepared{}, fmt.Errorf("write input file: %w", err)
	}
	return prep, nil
}

func newRunDir(runsDir string, now time.Time) (Prepared, error) {
	id, err := NewRunID(now)
	if err != nil {
		return Prepared{}, err
	}
	dir := filepath.Join(runsDir, id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Prepared{}, fmt.Errorf("create run dir: %w", err)
	}
	return Prepared{ID: id, Dir: dir, InputPath: filepath.Join(dir, StandardInput)}, nil
}

// StageUpload copies an upload batch into a new run directory. When the batch
// has no standard.input1, the first *.input file is linked (or copied) to it.
// A missing upload yields models.ErrNotFound.
func StageUpload(uploadsDir, uploadID, runsDir string, now time.Time) (Prepared, error) {
	if _, err := uuid.Parse(uploadID); err != nil {
		return Prepared{}, models.NewValidationError("upload_id", "must be a valid upload id")
	}
	src := filepath.Join(uploadsDir, uploadID)
	entries, err := os.ReadDir(src)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Prepared{}, models.ErrNotFound
		}
		return Prepared{}, fmt.Errorf("read upload dir: %w", err)
	}

	var names, inputs []string
	for _, e := range entries {
		if e.Type().IsRegular() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	for _, n := range names {
		if n == StandardInput || strings.HasSuffix(n, ".input") {
			inputs = append(inputs, n)
		}
	}
	if len(inputs) == 0 {
		return Prepared{}, ErrNoInputFile
	}

	prep, err := newRunDir(runsDir, now)
	if err != nil {
		return Prepared{}, err
	}
	for _, n := range names {
		if err := copyFile(filepath.Join(src, n), filepath.Join(prep.Dir, n)); err != nil {
			return Prepared{}, err
		}
	}
	if !contains(names, StandardInput) {
		first := filepath.Join(prep.Dir, inputs[0])
		if err := os.Symlink(first, prep.InputPath); err != nil {
			if err := copyFile(first, prep.InputPath); err != nil {
				return Prepared{}, err
			}
		}
	}
	return prep, nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open %s: %w", filepath.Base(src), err)
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("create %s: %w", filepath.Base(dst), err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("copy %s: %w", filepath.Base(src), err)
	}
	return out.Close()
}

// UploadedFile describes one stored upload part.
type UploadedFile struct {
	Name string `json:"name"`
	Path string `json:"path"`
	Type string `json:"type"`
	Size int64  `json:"size"`
}

// Upload is a stored batch of files.
type Upload struct {
	ID    string         `json:"upload_id"`
	Files []UploadedFile `json:"files"`
}

// SaveUploads stores multipart file parts under uploadsDir/<uuid>/ keeping
// their base names. Parts that are not text, .dat or .input are rejected.
func SaveUploads(uploadsDir string, parts []*multipart.FileHeader, maxFiles int, maxBytes int64) (Upload, error) {
	if len(parts) == 0 {
		return Upload{}, models.NewValidationError("files", "at least one file is required")
	}
	if maxFiles > 0 && len(parts) > maxFiles {
		return Upload{}, models.NewValidationError("files", fmt.Sprintf("at most %d files allowed", maxFiles))
	}
	for _, p := range parts {
		if maxBytes > 0 && p.Size > maxBytes {
			return Upload{}, models.NewValidationError("files", fmt.Sprintf("%s exceeds %d bytes", p.Filename, maxBytes))
		}
		if !acceptable(p) {
			return Upload{}, models.NewValidationError("files", fmt.Sprintf("%s is not a text, .dat or .input file", p.Filename))
		}
	}

	up := Upload{ID: uuid.NewString()}
	dir := filepath.Join(uploadsDir, up.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Upload{}, fmt.Errorf("create upload dir: %w", err)
	}
	for _, p := range parts {
		name := filepath.Base(filepath.Clean("/" + p.Filename))
		if name == "/" || name == "." {
			continue
		}
		dst := filepath.Join(dir, name)
		if err := savePart(p, dst); err != nil {
			return Upload{}, err
		}
		up.Files = append(up.Files, UploadedFile{Name: name, Path: dst, Type: fileType(name, p.Header.Get("Content-Type")), Size: p.Size})
	}
	return up, nil
}

func savePart(p *multipart.FileHeader, dst string) error {
	src, err := p.Open()
	if err != nil {
		return fmt.Errorf("open part %s: %w", p.Filename, err)
	}
	defer src.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("create %s: %w", filepath.Base(dst), err)
	}
	if _, err := io.Copy(out, src); err != nil {
		out.Close()
		return fmt.Errorf("write %s: %w", filepath.Base(dst), err)
	}
	return out.Close()
}

func acceptable(p *multipart.FileHeader) bool {
	ct := p.Header.Get("Content-Type")
	return ct == "" || strings.Contains(ct, "text") || strings.Contains(ct, "octet-stream") ||
		strings.HasSuffix(p.Filename, ".dat") || strings.HasSuffix(p.Filename, ".input") || p.Filename == StandardInput
}

func fileType(name, contentType string) string {
	switch {
	case strings.HasSuffix(name, ".input") || name == StandardInput:
		return "input"
	case strings.HasSuffix(name, ".dat"):
		return "data"
	case strings.Contains(contentType, "text"):
		return "text"
	}
	return "unknown"
}
