package transport

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"mime/multipart"
	"net/textproto"
	"net/url"
	"strings"
)

const octetStream = "application/octet-stream"

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

func buildURL(target string, params []Param) (*url.URL, error) {
	u, err := url.Parse(target)
	if err != nil {
		return nil, fmt.Errorf("parse target %s: %w", target, err)
	}

	if len(params) == 0 {
		return u, nil
	}

	query := u.Query()
	for _, p := range params {
		query.Set(p.Name, p.Value)
	}
	u.RawQuery = query.Encode()

	return u, nil
}

// encodeBody returns the payload and its content type. Probe requests have no payload.
func encodeBody(r *Request) ([]byte, string, error) {
	if r.Body == nil {
		return nil, "", nil
	}

	switch r.Body.Encoding {
	case EncodingOctet:
		return r.Body.Data, octetStream, nil
	case EncodingMultipart, "":
		return encodeMultipart(r.Params, r.Body)
	default:
		return nil, "", fmt.Errorf("unknown body encoding: %s", r.Body.Encoding)
	}
}

func encodeMultipart(params []Param, body *Body) ([]byte, string, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	for _, p := range params {
		if err := writer.WriteField(p.Name, p.Value); err != nil {
			return nil, "", fmt.Errorf("write field %s: %w", p.Name, err)
		}
	}

	contentType := body.ContentType
	if contentType == "" {
		contentType = octetStream
	}

	switch body.Format {
	case ChunkFormatBase64:
		dataURL := "data:" + contentType + ";base64," + base64.StdEncoding.EncodeToString(body.Data)
		if err := writer.WriteField(body.FieldName, dataURL); err != nil {
			return nil, "", fmt.Errorf("write base64 chunk: %w", err)
		}
	case ChunkFormatBlob, "":
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="%s"; filename="%s"`,
			quoteEscaper.Replace(body.FieldName), quoteEscaper.Replace(body.FileName)))
		h.Set("Content-Type", contentType)

		part, err := writer.CreatePart(h)
		if err != nil {
			return nil, "", fmt.Errorf("create file part: %w", err)
		}
		if _, err := io.Copy(part, bytes.NewReader(body.Data)); err != nil {
			return nil, "", fmt.Errorf("write chunk: %w", err)
		}
	default:
		return nil, "", fmt.Errorf("unknown chunk format: %s", body.Format)
	}

	if err := writer.Close(); err != nil {
		return nil, "", fmt.Errorf("close multipart writer: %w", err)
	}

	return buf.Bytes(), writer.FormDataContentType(), nil
}

type progressReader struct {
	r     io.Reader
	sent  int64
	total int64
	fn    ProgressFunc
}

func newProgressReader(r io.Reader, total int64, fn ProgressFunc) *progressReader {
	return &progressReader{r: r, total: total, fn: fn}
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		p.sent += int64(n)
		if p.fn != nil {
			p.fn(p.sent, p.total)
		}
	}
	return n, err
}
