package api

import (
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
)

// maxImageBytes bounds a single uploaded image part. Avatars and covers are
// ordinary images, so anything larger is rejected rather than streamed.
const maxImageBytes = 8 << 20

type imageUpload struct {
	fieldName    string
	originalName string
	contentType  string
	data         []byte
}

type multipartForm struct {
	fields map[string]string
	files  map[string]*imageUpload
}

func (f *multipartForm) value(name string) string {
	return f.fields[name]
}

func (f *multipartForm) file(name string) *imageUpload {
	return f.files[name]
}

// readMultipartForm walks the multipart body collecting text fields and the
// image parts named in fileFields. Non-image files and oversized parts are
// rejected up front.
func readMultipartForm(r *http.Request, fileFields ...string) (*multipartForm, error) {
	reader, err := r.MultipartReader()
	if err != nil {
		return nil, badRequest("invalid multipart payload")
	}
	wanted := make(map[string]bool, len(fileFields))
	for _, name := range fileFields {
		wanted[name] = true
	}
	form := &multipartForm{
		fields: make(map[string]string),
		files:  make(map[string]*imageUpload),
	}
	for {
		part, err := reader.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, badRequest("read multipart data")
		}
		name := part.FormName()
		if name == "" {
			_ = part.Close()
			continue
		}
		if wanted[name] && part.FileName() != "" {
			if _, exists := form.files[name]; exists {
				_ = part.Close()
				continue
			}
			upload, err := readImagePart(part, name)
			if err != nil {
				return nil, err
			}
			form.files[name] = upload
			continue
		}
		payload, readErr := io.ReadAll(io.LimitReader(part, maxImageBytes))
		_ = part.Close()
		if readErr != nil {
			return nil, badRequest("read form field")
		}
		form.fields[name] = strings.TrimSpace(string(payload))
	}
	return form, nil
}

func readImagePart(part *multipart.Part, name string) (*imageUpload, error) {
	defer part.Close()
	data, err := io.ReadAll(io.LimitReader(part, maxImageBytes+1))
	if err != nil {
		return nil, badRequest("read uploaded file")
	}
	if len(data) > maxImageBytes {
		return nil, newAPIError(http.StatusRequestEntityTooLarge,
			fmt.Sprintf("%s file exceeds %d bytes", name, maxImageBytes))
	}
	if len(data) == 0 {
		return nil, badRequest(fmt.Sprintf("%s file is empty", name))
	}
	contentType := http.DetectContentType(data)
	if !strings.HasPrefix(contentType, "image/") {
		return nil, badRequest(fmt.Sprintf("%s must be an image", name))
	}
	return &imageUpload{
		fieldName:    name,
		originalName: part.FileName(),
		contentType:  contentType,
		data:         data,
	}, nil
}
