package ocr

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"orcha/config"
)

const maxResponseBytes = 8 << 20

// ErrExtractionFailed 表示 OCR 服务明确返回 success=false。
var ErrExtractionFailed = errors.New("ocr: extraction failed")

// Result 是一次识别的结果。
type Result struct {
	Text      string `json:"text"`
	LineCount int    `json:"lines_count"`
	Message   string `json:"message,omitempty"`
}

// Client 调用外部 OCR 服务：/extract-text 处理上传内容，/ocr 处理文件 URI。
type Client struct {
	httpClient *http.Client
	baseURL    string
	language   string
}

// NewClient base_url 为空时返回 nil。
func NewClient(cfg config.OCRConfig) *Client {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	language := strings.TrimSpace(cfg.Language)
	if language == "" {
		language = "en"
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    base,
		language:   language,
	}
}

type extractResponse struct {
	Success    *bool  `json:"success"`
	Text       string `json:"text"`
	LinesCount int    `json:"lines_count"`
	Message    string `json:"message"`
}

// ExtractText 以 multipart 表单上传原始字节。language 为空时使用配置的默认语言。
func (c *Client) ExtractText(ctx context.Context, payload []byte, filename, language string) (Result, error) {
	if len(payload) == 0 {
		return Result{}, errors.New("ocr: payload is empty")
	}
	if strings.TrimSpace(filename) == "" {
		filename = "image"
	}
	if strings.TrimSpace(language) == "" {
		language = c.language
	}

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	part, err := writer.CreateFormFile("file", filename)
	if err != nil {
		return Result{}, fmt.Errorf("ocr: build form: %w", err)
	}
	if _, err := part.Write(payload); err != nil {
		return Result{}, fmt.Errorf("ocr: build form: %w", err)
	}
	if err := writer.WriteField("lang", language); err != nil {
		return Result{}, fmt.Errorf("ocr: build form: %w", err)
	}
	if err := writer.Close(); err != nil {
		return Result{}, fmt.Errorf("ocr: build form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/extract-text", &body)
	if err != nil {
		return Result{}, fmt.Errorf("ocr: create request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	var out extractResponse
	if err := c.do(req, &out); err != nil {
		return Result{}, err
	}
	if out.Success != nil && !*out.Success {
		msg := strings.TrimSpace(out.Message)
		if msg == "" {
			return Result{}, ErrExtractionFailed
		}
		return Result{}, fmt.Errorf("%w: %s", ErrExtractionFailed, msg)
	}
	return Result{Text: strings.TrimSpace(out.Text), LineCount: out.LinesCount, Message: out.Message}, nil
}

type uriRequest struct {
	FileURI string `json:"file_uri"`
	Mode    string `json:"mode"`
}

// ExtractURI 让 OCR 服务自行拉取 fileURI 并识别。
func (c *Client) ExtractURI(ctx context.Context, fileURI string) (Result, error) {
	fileURI = strings.TrimSpace(fileURI)
	if fileURI == "" {
		return Result{}, errors.New("ocr: file uri is empty")
	}
	raw, err := json.Marshal(uriRequest{FileURI: fileURI, Mode: "auto"})
	if err != nil {
		return Result{}, fmt.Errorf("ocr: encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/ocr", bytes.NewReader(raw))
	if err != nil {
		return Result{}, fmt.Errorf("ocr: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	var out map[string]any
	if err := c.do(req, &out); err != nil {
		return Result{}, err
	}
	return resultFromLoose(out), nil
}

func (c *Client) do(req *http.Request, target any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("ocr: request %s: %w", req.URL.Path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("ocr: read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("ocr: %s returned status %d: %s", req.URL.Path, resp.StatusCode, strings.TrimSpace(string(data)))
	}
	if err := json.Unmarshal(data, target); err != nil {
		return fmt.Errorf("ocr: decode response: %w", err)
	}
	return nil
}

// resultFromLoose 兼容 /ocr 返回的几种字段命名。
func resultFromLoose(raw map[string]any) Result {
	var result Result
	for _, key := range []string{"text", "extracted_text", "content"} {
		if value, ok := raw[key].(string); ok && strings.TrimSpace(value) != "" {
			result.Text = strings.TrimSpace(value)
			break
		}
	}
	if result.Text == "" {
		if lines, ok := raw["lines"].([]any); ok {
			parts := make([]string, 0, len(lines))
			for _, line := range lines {
				if s, ok := line.(string); ok && strings.TrimSpace(s) != "" {
					parts = append(parts, s)
				}
			}
			result.Text = strings.Join(parts, "\n")
			result.LineCount = len(parts)
		}
	}
	if count, ok := raw["lines_count"].(float64); ok {
		result.LineCount = int(count)
	}
	if result.LineCount == 0 && result.Text != "" {
		result.LineCount = strings.Count(result.Text, "\n") + 1
	}
	if msg, ok := raw["message"].(string); ok {
		result.Message = msg
	}
	return result
}
