package http

import (
	"bytes"
	"errors"
	"io"
	"mime"
	"mime/multipart"
)

// parseFiles extracts file parts from a multipart/form-data body. Bodies of
// any other type carry no files.
func parseFiles(contentType string, body []byte) ([]File, error) {
	if contentType == "" {
		return nil, nil
	}
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil || mediaType != "multipart/form-data" {
		return nil, nil
	}
	boundary := params["boundary"]
	if boundary == "" {
		return nil, errors.New("multipart body without boundary")
	}

	var files []File
	mr := multipart.NewReader(bytes.NewReader(body), boundary)
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			return files, nil
		}
		if err != nil {
			return nil, err
		}
		if part.FileName() == "" {
			part.Close()
			continue
		}
		data, err := io.ReadAll(part)
		part.Close()
		if err != nil {
			return nil, err
		}
		files = append(files, File{
			Field:       part.FormName(),
			Name:        part.FileName(),
			ContentType: part.Header.Get("Content-Type"),
			Data:        data,
		})
	}
}
