// Package telegram uploads archived lectures through the Bot API.
package telegram

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"lecturevault/pkg/domain"
	"lecturevault/pkg/pipeline"
)

const defaultBaseURL = "https://api.telegram.org"

// APIError is a non-ok Bot API response. RetryAfter is populated from
// parameters.retry_after on 429s.
type APIError struct {
	Code        int
	Description string
	RetryAfter  int
}

func (e *APIError) Error() string {
	return fmt.Sprintf("telegram api %d: %s", e.Code, e.Description)
}

// Client is a thin Bot API client. Uploads stream the file body; nothing
// is buffered in memory.
type Client struct {
	token   string
	baseURL string
	httpc   *http.Client
	logger  *slog.Logger
}

type Option func(*Client)

// WithBaseURL points the client at a different API host, e.g. a local
// bot-api server that lifts the 50 MB upload limit.
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.httpc = h }
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

func NewClient(token string, opts ...Option) (*Client, error) {
	if token == "" {
		return nil, fmt.Errorf("telegram: bot token is required")
	}
	c := &Client{
		token:   token,
		baseURL: defaultBaseURL,
		// Large uploads; the per-operation deadline comes from ctx.
		httpc:  &http.Client{Timeout: 0},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

type apiResponse struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result"`
	ErrorCode   int             `json:"error_code"`
	Description string          `json:"description"`
	Parameters  struct {
		RetryAfter int `json:"retry_after"`
	} `json:"parameters"`
}

type fileRef struct {
	FileID string `json:"file_id"`
}

type messageResult struct {
	MessageID int64 `json:"message_id"`
	Chat      struct {
		ID int64 `json:"id"`
	} `json:"chat"`
	Video    *fileRef `json:"video"`
	Document *fileRef `json:"document"`
}

// SendFile uploads one local file to chatID via sendVideo or
// sendDocument. progress may be nil.
func (c *Client) SendFile(ctx context.Context, chatID, filePath, caption string, asVideo bool, progress func(sent, total int64)) (*domain.UploadResult, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return nil, pipeline.Permanent(fmt.Errorf("open upload file: %w", err))
	}
	defer file.Close()
	info, err := file.Stat()
	if err != nil {
		return nil, pipeline.Permanent(fmt.Errorf("stat upload file: %w", err))
	}

	method, field := "sendVideo", "video"
	if !asVideo {
		method, field = "sendDocument", "document"
	}

	pr, pw := io.Pipe()
	writer := multipart.NewWriter(pw)
	go func() {
		err := writeUploadBody(writer, chatID, caption, field, filepath.Base(filePath), file, info.Size(), progress)
		if err != nil {
			pw.CloseWithError(err)
			return
		}
		pw.CloseWithError(writer.Close())
	}()

	url := fmt.Sprintf("%s/bot%s/%s", c.baseURL, c.token, method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, pr)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send %s: %w", method, err)
	}
	defer resp.Body.Close()

	var parsed apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode %s response: %w", method, err)
	}
	if !parsed.OK {
		return nil, classify(&APIError{
			Code:        parsed.ErrorCode,
			Description: parsed.Description,
			RetryAfter:  parsed.Parameters.RetryAfter,
		})
	}

	var msg messageResult
	if err := json.Unmarshal(parsed.Result, &msg); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	result := &domain.UploadResult{
		ChatID:    strconv.FormatInt(msg.Chat.ID, 10),
		MessageID: strconv.FormatInt(msg.MessageID, 10),
	}
	if msg.Video != nil {
		result.FileID = msg.Video.FileID
	} else if msg.Document != nil {
		result.FileID = msg.Document.FileID
	}
	return result, nil
}

func writeUploadBody(writer *multipart.Writer, chatID, caption, field, fileName string, file io.Reader, total int64, progress func(sent, total int64)) error {
	if err := writer.WriteField("chat_id", chatID); err != nil {
		return err
	}
	if caption != "" {
		if err := writer.WriteField("caption", caption); err != nil {
			return err
		}
	}
	if field == "video" {
		if err := writer.WriteField("supports_streaming", "true"); err != nil {
			return err
		}
	}
	part, err := writer.CreateFormFile(field, fileName)
	if err != nil {
		return err
	}
	src := io.Reader(file)
	if progress != nil {
		src = &progressReader{r: file, total: total, report: progress}
	}
	_, err = io.Copy(part, src)
	return err
}

type progressReader struct {
	r      io.Reader
	sent   int64
	total  int64
	report func(sent, total int64)
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		p.sent += int64(n)
		p.report(p.sent, p.total)
	}
	return n, err
}

// classify maps a Bot API error onto the retry taxonomy: 429 with a
// retry_after hint is a rate limit, other 4xx are permanent, everything
// else stays transient.
func classify(apiErr *APIError) error {
	switch {
	case apiErr.Code == http.StatusTooManyRequests:
		return &pipeline.RateLimitedError{
			RetryAfter: time.Duration(apiErr.RetryAfter) * time.Second,
			Err:        apiErr,
		}
	case apiErr.Code >= 400 && apiErr.Code < 500:
		return pipeline.Permanent(apiErr)
	default:
		return apiErr
	}
}
