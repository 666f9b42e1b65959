package proxy

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
)

const (
	// MaxUploadSize is the largest file accepted by the upload handler.
	MaxUploadSize = 15 * 1024 * 1024

	// multipartMemory is how much of a form is held in memory; larger file
	// parts spill to temporary files that are removed after each request.
	multipartMemory = 1 << 20

	// multipartOverhead allows for boundaries and the user field on top of
	// the file itself.
	multipartOverhead = 64 * 1024
)

// FileUploadHandler forwards a multipart file upload to the upstream service.
type FileUploadHandler struct {
	upstream
}

func NewFileUploadHandler(cfg Config, client *http.Client, logger *slog.Logger) *FileUploadHandler {
	return &FileUploadHandler{
		upstream: newUpstream("file-upload", baseAllowHeaders, cfg, client, logger),
	}
}

func (h *FileUploadHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !h.preflight(w, r) {
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, MaxUploadSize+multipartOverhead)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge), errors.Is(err, multipart.ErrMessageTooLarge):
			h.fileTooLarge(w)
		case errors.Is(err, http.ErrNotMultipart), errors.Is(err, http.ErrMissingBoundary):
			h.missingFile(w)
		default:
			h.internalError(w, fmt.Errorf("failed to parse form: %w", err))
		}
		return
	}
	defer h.removeTempFiles(r.MultipartForm)

	file, header, err := r.FormFile("file")
	if err != nil {
		h.missingFile(w)
		return
	}
	defer closeWithLog(file, "upload file", h.logger)

	if header.Size > MaxUploadSize {
		h.fileTooLarge(w)
		return
	}
	user := r.FormValue("user")

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	written := make(chan struct{})
	go func() {
		defer close(written)
		pw.CloseWithError(writeUploadBody(mw, file, header, user))
	}()
	// The writer must be done with file before it is closed.
	defer func() {
		_ = pr.Close()
		<-written
	}()

	req, err := http.NewRequestWithContext(r.Context(), http.MethodPost, h.cfg.endpoint("/files/upload"), pr)
	if err != nil {
		h.internalError(w, err)
		return
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := h.do(req)
	if err != nil {
		h.internalError(w, err)
		return
	}
	defer closeWithLog(resp.Body, "upstream upload body", h.logger)

	switch {
	case resp.StatusCode == http.StatusRequestEntityTooLarge:
		h.fileTooLarge(w)
	case resp.StatusCode == http.StatusUnsupportedMediaType:
		h.writeError(w, http.StatusUnsupportedMediaType, "unsupported_file_type", "Unsupported file type")
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		h.relayError(w, resp, "upload_error", "File upload failed")
	default:
		h.relayJSON(w, resp)
	}
}

func (h *FileUploadHandler) missingFile(w http.ResponseWriter) {
	h.writeError(w, http.StatusBadRequest, "missing_file", "Please upload your file.")
}

func (h *FileUploadHandler) fileTooLarge(w http.ResponseWriter) {
	h.writeError(w, http.StatusRequestEntityTooLarge, "file_too_large", "File size exceeds the maximum allowed limit")
}

// removeTempFiles deletes any on-disk parts left by multipart parsing.
func (h *FileUploadHandler) removeTempFiles(form *multipart.Form) {
	if form == nil {
		return
	}
	if err := form.RemoveAll(); err != nil {
		h.logger.Error("failed to clean up temporary file", "error", err)
	}
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

// writeUploadBody writes the file, keeping its name and content type, and the
// optional user field, then closes the multipart writer.
func writeUploadBody(mw *multipart.Writer, file io.Reader, header *multipart.FileHeader, user string) error {
	filename := header.Filename
	if filename == "" {
		filename = "upload"
	}
	contentType := header.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	partHeader := make(textproto.MIMEHeader)
	partHeader.Set("Content-Disposition",
		fmt.Sprintf(`form-data; name="file"; filename="%s"`, quoteEscaper.Replace(filename)))
	partHeader.Set("Content-Type", contentType)

	part, err := mw.CreatePart(partHeader)
	if err != nil {
		return fmt.Errorf("failed to create file part: %w", err)
	}
	if _, err := io.Copy(part, file); err != nil {
		return fmt.Errorf("failed to copy file: %w", err)
	}
	if user != "" {
		if err := mw.WriteField("user", user); err != nil {
			return fmt.Errorf("failed to write user field: %w", err)
		}
	}
	return mw.Close()
}
