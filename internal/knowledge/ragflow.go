package knowledge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"time"
)

// RAGFlow talks to the RAGFlow dataset API. Updates are a delete of the old
// document followed by a fresh upload, which is what the API supports.
type RAGFlow struct {
	baseURL string
	apiKey  string
	client  *http.Client
	logger  *slog.Logger
}

func NewRAGFlow(baseURL, apiKey string, client *http.Client, logger *slog.Logger) *RAGFlow {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RAGFlow{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  client,
		logger:  logger.With("component", "ragflow"),
	}
}

type ragflowEnvelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type ragflowError struct {
	Status  int
	Code    int
	Message string
}

func (e *ragflowError) Error() string {
	return fmt.Sprintf("ragflow: status %d code %d: %s", e.Status, e.Code, e.Message)
}

func (r *RAGFlow) datasetPath(datasetID, suffix string) string {
	return "/api/v1/datasets/" + url.PathEscape(datasetID) + suffix
}

func (r *RAGFlow) do(ctx context.Context, method, path, contentType string, body io.Reader) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, method, r.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("build ragflow request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+r.apiKey)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ragflow %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("read ragflow response: %w", err)
	}
	var env ragflowEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		if resp.StatusCode >= 300 {
			return nil, &ragflowError{Status: resp.StatusCode, Message: strings.TrimSpace(string(raw))}
		}
		return nil, fmt.Errorf("decode ragflow response: %w", err)
	}
	if resp.StatusCode >= 300 || env.Code != 0 {
		return nil, &ragflowError{Status: resp.StatusCode, Code: env.Code, Message: env.Message}
	}
	return env.Data, nil
}

func (r *RAGFlow) doJSON(ctx context.Context, method, path string, payload any) (json.RawMessage, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal ragflow payload: %w", err)
	}
	return r.do(ctx, method, path, "application/json", bytes.NewReader(body))
}

func (r *RAGFlow) UpsertDocument(ctx context.Context, datasetID, existingID string, doc Document) (string, error) {
	if existingID != "" {
		if err := r.DeleteDocument(ctx, datasetID, existingID); err != nil {
			// The old document may already be gone.
			r.logger.Warn("delete previous document failed", "dataset_id", datasetID, "document_id", existingID, "error", err)
		}
	}

	docID, err := r.upload(ctx, datasetID, doc)
	if err != nil {
		return "", err
	}
	if _, err := r.doJSON(ctx, http.MethodPost, r.datasetPath(datasetID, "/chunks"), map[string]any{
		"document_ids": []string{docID},
	}); err != nil {
		r.logger.Warn("trigger document parse failed", "dataset_id", datasetID, "document_id", docID, "error", err)
	}
	return docID, nil
}

func (r *RAGFlow) upload(ctx context.Context, datasetID string, doc Document) (string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, doc.Name))
	header.Set("Content-Type", "text/markdown")
	part, err := mw.CreatePart(header)
	if err != nil {
		return "", fmt.Errorf("create upload part: %w", err)
	}
	if _, err := io.WriteString(part, doc.Content); err != nil {
		return "", fmt.Errorf("write upload part: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("close upload body: %w", err)
	}

	data, err := r.do(ctx, http.MethodPost, r.datasetPath(datasetID, "/documents"), mw.FormDataContentType(), &buf)
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", doc.Name, err)
	}
	var uploaded []struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(data, &uploaded); err != nil {
		return "", fmt.Errorf("decode upload response: %w", err)
	}
	if len(uploaded) == 0 || uploaded[0].ID == "" {
		return "", fmt.Errorf("upload %s: response carried no document id", doc.Name)
	}
	return uploaded[0].ID, nil
}

func (r *RAGFlow) DeleteDocument(ctx context.Context, datasetID, documentID string) error {
	if _, err := r.doJSON(ctx, http.MethodDelete, r.datasetPath(datasetID, "/documents"), map[string]any{
		"ids": []string{documentID},
	}); err != nil {
		return fmt.Errorf("delete document %s: %w", documentID, err)
	}
	return nil
}

func (r *RAGFlow) Ping(ctx context.Context) error {
	if _, err := r.do(ctx, http.MethodGet, "/api/v1/datasets?page=1&page_size=1", "", nil); err != nil {
		return fmt.Errorf("ping ragflow: %w", err)
	}
	return nil
}
