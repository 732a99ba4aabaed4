package partnermsg

import (
	"bytes"
	"context"
	"fmt"
	"mime"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strings"
)

// FileUpload is a local file to attach to an outgoing message.
type FileUpload struct {
	FileName    string
	ContentType string // guessed from the extension when empty
	Data        []byte
}

// Uploader stores a file for an application and returns its attachment
// descriptor.
type Uploader interface {
	Upload(ctx context.Context, applicationID string, f FileUpload) (Attachment, error)
}

// DocumentsClient uploads files through the document service.
type DocumentsClient struct{ c *Client }

var _ Uploader = (*DocumentsClient)(nil)

// Upload posts f as multipart form data with the application id and the
// caller's partner id.
func (d *DocumentsClient) Upload(ctx context.Context, applicationID string, f FileUpload) (Attachment, error) {
	if f.FileName == "" {
		return Attachment{}, fmt.Errorf("file name is required")
	}
	contentType := f.ContentType
	if contentType == "" {
		contentType = guessMimeType(f.FileName)
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	_ = w.WriteField("applicationId", applicationID)
	if partnerID := d.c.Identity(ctx).CanonicalUserID(); partnerID != "" {
		_ = w.WriteField("partnerId", partnerID)
	}
	part, err := w.CreateFormFile("file", filepath.Base(f.FileName))
	if err != nil {
		return Attachment{}, fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := part.Write(f.Data); err != nil {
		return Attachment{}, fmt.Errorf("failed to write file data: %w", err)
	}
	if err := w.Close(); err != nil {
		return Attachment{}, fmt.Errorf("failed to finish form: %w", err)
	}

	var res uploadResponseDTO
	if err := d.c.roundTrip(ctx, http.MethodPost, apiPrefix+"/documents/upload", w.FormDataContentType(), buf.Bytes(), &res); err != nil {
		return Attachment{}, err
	}
	if res.StorageKey == "" {
		return Attachment{}, fmt.Errorf("upload of %s returned no storage key", f.FileName)
	}
	return Attachment{
		FileName:    f.FileName,
		ContentType: contentType,
		Size:        int64(len(f.Data)),
		StorageKey:  res.StorageKey,
		URL:         res.URL,
		DocumentID:  res.DocumentID,
	}, nil
}

// placeholderAttachment describes a file whose upload failed. The storage
// key is synthetic but deterministic for the same inputs.
func placeholderAttachment(applicationID string, index int, f FileUpload) Attachment {
	contentType := f.ContentType
	if contentType == "" {
		contentType = guessMimeType(f.FileName)
	}
	return Attachment{
		FileName:    f.FileName,
		ContentType: contentType,
		Size:        int64(len(f.Data)),
		StorageKey:  fmt.Sprintf("placeholder/%s/%d/%s", applicationID, index, filepath.Base(f.FileName)),
		Placeholder: true,
	}
}

// guessMimeType returns MIME type from file extension.
func guessMimeType(fileName string) string {
	ext := strings.ToLower(filepath.Ext(fileName))
	if ext == "" {
		return "application/octet-stream"
	}
	// Fallback for types not in Go's builtin registry
	fallback := map[string]string{
		".md": "text/markdown", ".csv": "text/csv",
		".docx": "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
		".xlsx": "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
		".heic": "image/heic", ".webp": "image/webp",
	}
	if m, ok := fallback[ext]; ok {
		return m
	}
	if t := mime.TypeByExtension(ext); t != "" {
		if idx := strings.Index(t, ";"); idx > 0 {
			t = strings.TrimSpace(t[:idx])
		}
		return t
	}
	return "application/octet-stream"
}
