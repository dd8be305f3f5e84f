package llm

import (
	"bufio"
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/lqhuy/botan/telemetry"
)

const defaultBatchPollInterval = 5 * time.Minute

// BatchClient talks to the OpenAI Batch API: request files are uploaded,
// submitted as a batch, and results fetched later by the poller.
type BatchClient struct {
	BaseURL    string
	APIKey     string
	Model      string
	HTTPClient *http.Client
}

// NewBatchClient builds a client against the production OpenAI API unless a
// base URL override is given.
func NewBatchClient(apiKey, baseURL, model string) *BatchClient {
	if baseURL == "" {
		baseURL = defaultOpenAIBase
	}
	if model == "" {
		model = "gpt-4o-mini"
	}
	return &BatchClient{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		APIKey:     apiKey,
		Model:      model,
		HTTPClient: &http.Client{Timeout: 60 * time.Second},
	}
}

type batchRequestLine struct {
	CustomID string         `json:"custom_id"`
	Method   string         `json:"method"`
	URL      string         `json:"url"`
	Body     map[string]any `json:"body"`
}

type batchObject struct {
	ID           string `json:"id"`
	Status       string `json:"status"`
	OutputFileID string `json:"output_file_id"`
	ErrorFileID  string `json:"error_file_id"`
}

type batchResultLine struct {
	CustomID string `json:"custom_id"`
	Response struct {
		StatusCode int `json:"status_code"`
		Body       struct {
			Choices []struct {
				Message struct {
					Content string `json:"content"`
				} `json:"message"`
			} `json:"choices"`
		} `json:"body"`
	} `json:"response"`
}

func (c *BatchClient) do(req *http.Request) (*http.Response, error) {
	req.Header.Set("Authorization", "Bearer "+c.APIKey)
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodySnippet))
		resp.Body.Close()
		return nil, &TerminalError{Status: resp.StatusCode, Message: string(body)}
	}
	return resp, nil
}

// Submit uploads a single-request JSONL file, creates a batch over it, and
// records the pending job in gpt_batch_jobs keyed by the returned batch ID.
func (c *BatchClient) Submit(ctx context.Context, dbx *sql.DB, threadID, userID, userQuery string, msgs []Message) (string, error) {
	line := batchRequestLine{
		CustomID: "req-1",
		Method:   http.MethodPost,
		URL:      "/v1/chat/completions",
		Body: map[string]any{
			"model":       c.Model,
			"messages":    msgs,
			"max_tokens":  defaultMaxTokens,
			"temperature": defaultTemperature,
		},
	}
	jsonl, err := json.Marshal(line)
	if err != nil {
		return "", fmt.Errorf("marshal batch line: %w", err)
	}

	fileID, err := c.uploadFile(ctx, append(jsonl, '\n'))
	if err != nil {
		return "", fmt.Errorf("upload batch file: %w", err)
	}

	body, err := json.Marshal(map[string]string{
		"input_file_id":     fileID,
		"endpoint":          "/v1/chat/completions",
		"completion_window": "24h",
	})
	if err != nil {
		return "", fmt.Errorf("marshal batch create: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/batches", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.do(req)
	if err != nil {
		return "", fmt.Errorf("create batch: %w", err)
	}
	defer resp.Body.Close()

	var batch batchObject
	if err := json.NewDecoder(resp.Body).Decode(&batch); err != nil {
		return "", fmt.Errorf("decode batch: %w", err)
	}

	_, err = dbx.ExecContext(ctx,
		`INSERT INTO gpt_batch_jobs (batch_id, thread_id, user_id, status, request, created_at)
		 VALUES ($1,$2,$3,$4,$5,NOW())`,
		batch.ID, threadID, userID, "pending", userQuery)
	if err != nil {
		return "", fmt.Errorf("record batch job: %w", err)
	}
	slog.Info("batch submitted",
		slog.String("batch_id", batch.ID),
		slog.String("thread_id", threadID),
		slog.String("component", "llm_batch"))
	return batch.ID, nil
}

func (c *BatchClient) uploadFile(ctx context.Context, jsonl []byte) (string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	if err := w.WriteField("purpose", "batch"); err != nil {
		return "", err
	}
	fw, err := w.CreateFormFile("file", "requests.jsonl")
	if err != nil {
		return "", err
	}
	if _, err := fw.Write(jsonl); err != nil {
		return "", err
	}
	if err := w.Close(); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/files", &buf)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	resp, err := c.do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var out struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode file upload: %w", err)
	}
	return out.ID, nil
}

func (c *BatchClient) fetchBatch(ctx context.Context, batchID string) (*batchObject, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/batches/"+batchID, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var batch batchObject
	if err := json.NewDecoder(resp.Body).Decode(&batch); err != nil {
		return nil, fmt.Errorf("decode batch: %w", err)
	}
	return &batch, nil
}

// fetchResult downloads the output file and returns the content of the first
// completed chat response in it.
func (c *BatchClient) fetchResult(ctx context.Context, outputFileID string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/files/"+outputFileID+"/content", nil)
	if err != nil {
		return "", err
	}
	resp, err := c.do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 64*1024), maxScanTokenSize)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var result batchResultLine
		if err := json.Unmarshal([]byte(line), &result); err != nil {
			slog.Warn("skipping malformed batch result line",
				slog.Any("err", err), slog.String("component", "llm_batch"))
			continue
		}
		if len(result.Response.Body.Choices) == 0 {
			continue
		}
		return result.Response.Body.Choices[0].Message.Content, nil
	}
	if err := sc.Err(); err != nil {
		return "", err
	}
	return "", ErrEmptyResponse
}

// DeliverFunc posts a completed batch result back to its originating thread.
type DeliverFunc func(ctx context.Context, threadID, userID, batchID, content string) error

// StartBatchPoller runs the background loop that checks pending batch jobs
// and delivers completed results. A job whose batch failed, expired, or was
// cancelled is marked failed and a notice is delivered instead of a result.
func (c *BatchClient) StartBatchPoller(ctx context.Context, dbx *sql.DB, interval time.Duration, deliver DeliverFunc) {
	if interval <= 0 {
		interval = defaultBatchPollInterval
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			c.pollOnce(ctx, dbx, deliver)
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
}

func (c *BatchClient) pollOnce(ctx context.Context, dbx *sql.DB, deliver DeliverFunc) {
	rows, err := dbx.QueryContext(ctx,
		`SELECT batch_id, thread_id, COALESCE(user_id,'') FROM gpt_batch_jobs WHERE status = 'pending' ORDER BY created_at`)
	if err != nil {
		slog.Error("query pending batch jobs", slog.Any("err", err), slog.String("component", "llm_batch"))
		return
	}
	type job struct{ batchID, threadID, userID string }
	var jobs []job
	for rows.Next() {
		var j job
		if err := rows.Scan(&j.batchID, &j.threadID, &j.userID); err != nil {
			rows.Close()
			slog.Error("scan batch job", slog.Any("err", err), slog.String("component", "llm_batch"))
			return
		}
		jobs = append(jobs, j)
	}
	rows.Close()
	telemetry.PendingBatchGauge.Set(float64(len(jobs)))

	for _, j := range jobs {
		batch, err := c.fetchBatch(ctx, j.batchID)
		if err != nil {
			slog.Warn("fetch batch status",
				slog.String("batch_id", j.batchID), slog.Any("err", err),
				slog.String("component", "llm_batch"))
			continue
		}
		switch batch.Status {
		case "completed":
			content, err := c.fetchResult(ctx, batch.OutputFileID)
			if err != nil {
				slog.Error("fetch batch result",
					slog.String("batch_id", j.batchID), slog.Any("err", err),
					slog.String("component", "llm_batch"))
				continue
			}
			if err := deliver(ctx, j.threadID, j.userID, j.batchID, content); err != nil {
				slog.Error("deliver batch result",
					slog.String("batch_id", j.batchID), slog.Any("err", err),
					slog.String("component", "llm_batch"))
				continue
			}
			c.markJob(ctx, dbx, j.batchID, "delivered", content)
		case "failed", "expired", "cancelled":
			notice := fmt.Sprintf("Batch request %s %s; please try again.", j.batchID, batch.Status)
			if err := deliver(ctx, j.threadID, j.userID, j.batchID, notice); err != nil {
				slog.Error("deliver batch failure notice",
					slog.String("batch_id", j.batchID), slog.Any("err", err),
					slog.String("component", "llm_batch"))
				continue
			}
			c.markJob(ctx, dbx, j.batchID, "failed", "")
		default:
			// validating / in_progress / finalizing: check again next cycle
		}
	}
}

func (c *BatchClient) markJob(ctx context.Context, dbx *sql.DB, batchID, status, response string) {
	_, err := dbx.ExecContext(ctx,
		`UPDATE gpt_batch_jobs SET status=$1, response=$2, updated_at=NOW() WHERE batch_id=$3`,
		status, response, batchID)
	if err != nil {
		slog.Error("update batch job",
			slog.String("batch_id", batchID), slog.Any("err", err),
			slog.String("component", "llm_batch"))
	}
}
