package handlers

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"job-orchestrator/internal/config"
	"job-orchestrator/internal/registry"
)

// ArtifactFetchHandler downloads a remote artifact (model weights, document
// bundles) to a local directory or an S3 bucket, streaming byte progress
// into the event log.
type ArtifactFetchHandler struct {
	cfg        config.Config
	httpClient *http.Client
	local      uploader
	s3         uploader
}

type uploader interface {
	Upload(ctx context.Context, key string, body io.Reader, contentType string) (string, error)
}

type artifactPayload struct {
	SourceURL   string `json:"source_url" validate:"required,url"`
	OutputKey   string `json:"output_key"`
	Destination string `json:"destination" validate:"omitempty,oneof=local s3"`
}

// NewArtifactFetchHandler constructs the handler, wiring the S3 uploader
// only when a bucket is configured.
func NewArtifactFetchHandler(ctx context.Context, cfg config.Config) (*ArtifactFetchHandler, error) {
	h := &ArtifactFetchHandler{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 10 * time.Minute},
		local:      &localUploader{baseDir: cfg.ArtifactOutputDir},
	}
	if cfg.ArtifactS3Bucket != "" {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.ArtifactS3Region))
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}
		h.s3 = &s3Uploader{client: s3.NewFromConfig(awsCfg), bucket: cfg.ArtifactS3Bucket}
	}
	return h, nil
}

func (h *ArtifactFetchHandler) JobType() string { return "artifact_fetch" }

func (h *ArtifactFetchHandler) DefaultConfig() map[string]any {
	return map[string]any{"max_bytes": h.cfg.ArtifactMaxBytes}
}

func (h *ArtifactFetchHandler) ValidatePayload(payload map[string]any) error {
	var p artifactPayload
	return registry.DecodePayload(payload, &p)
}

func (h *ArtifactFetchHandler) Execute(ctx context.Context, run registry.Run) (map[string]any, error) {
	var p artifactPayload
	if err := registry.DecodePayload(run.Payload(), &p); err != nil {
		return nil, err
	}

	if err := run.CheckCancel(ctx); err != nil {
		return nil, err
	}
	if err := run.ReportProgress(ctx, registry.Progress{Stage: "downloading", Message: p.SourceURL}); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.SourceURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	resp, err := h.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download artifact: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return nil, fmt.Errorf("download artifact: status %d", resp.StatusCode)
	}

	limit := h.cfg.ArtifactMaxBytes
	if v, ok := numericConfig(run.Config()["max_bytes"]); ok && v > 0 {
		limit = v
	}

	body, err := h.readAll(ctx, run, resp.Body, resp.ContentLength, limit)
	if err != nil {
		return nil, err
	}

	outputKey := p.OutputKey
	if outputKey == "" {
		outputKey = filepath.Base(strings.TrimRight(p.SourceURL, "/"))
		if outputKey == "" || outputKey == "." {
			outputKey = run.JobID()
		}
	}
	outputKey = sanitizeKey(outputKey)

	up, err := h.pickUploader(p.Destination)
	if err != nil {
		return nil, err
	}
	if err := run.ReportProgress(ctx, registry.Progress{Stage: "storing", Message: outputKey}); err != nil {
		return nil, err
	}
	location, err := up.Upload(ctx, outputKey, bytes.NewReader(body), resp.Header.Get("Content-Type"))
	if err != nil {
		return nil, fmt.Errorf("store artifact: %w", err)
	}

	return map[string]any{
		"location": location,
		"bytes":    len(body),
	}, nil
}

// readAll drains the response body in chunks, enforcing the byte limit and
// reporting percent progress when the total size is known. Cancellation is
// checked between chunks, never mid-read.
func (h *ArtifactFetchHandler) readAll(ctx context.Context, run registry.Run, r io.Reader, contentLength, limit int64) ([]byte, error) {
	var buf bytes.Buffer
	chunk := make([]byte, 256*1024)
	for {
		if err := run.CheckCancel(ctx); err != nil {
			return nil, err
		}
		n, err := r.Read(chunk)
		if n > 0 {
			buf.Write(chunk[:n])
			if limit > 0 && int64(buf.Len()) > limit {
				return nil, fmt.Errorf("artifact too large (>%d bytes)", limit)
			}
			if contentLength > 0 {
				pct := float64(buf.Len()) / float64(contentLength) * 100
				if perr := run.ReportProgress(ctx, registry.Progress{
					Percent: &pct,
					Stage:   "downloading",
					Data:    map[string]any{"bytes_read": buf.Len(), "bytes_total": contentLength},
				}); perr != nil {
					return nil, perr
				}
			}
		}
		if err == io.EOF {
			return buf.Bytes(), nil
		}
		if err != nil {
			return nil, fmt.Errorf("read artifact: %w", err)
		}
	}
}

func (h *ArtifactFetchHandler) pickUploader(destination string) (uploader, error) {
	switch strings.ToLower(destination) {
	case "s3":
		if h.s3 != nil {
			return h.s3, nil
		}
		return nil, errors.New("destination s3 requested but ARTIFACT_S3_BUCKET is not configured")
	case "local", "":
		return h.local, nil
	}
	return nil, fmt.Errorf("unknown destination %q", destination)
}

// sanitizeKey collapses the key against a virtual root so traversal
// segments cannot escape the output directory.
func sanitizeKey(key string) string {
	return strings.TrimPrefix(filepath.Clean("/"+key), "/")
}

func numericConfig(v any) (int64, bool) {
	switch t := v.(type) {
	case int64:
		return t, true
	case int:
		return int64(t), true
	case float64:
		return int64(t), true
	default:
		return 0, false
	}
}

type localUploader struct {
	baseDir string
}

func (l *localUploader) Upload(_ context.Context, key string, body io.Reader, _ string) (string, error) {
	path := filepath.Join(l.baseDir, key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create dirs: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create file: %w", err)
	}
	defer f.Close()
	if _, err := io.Copy(f, body); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	return path, nil
}

type s3Uploader struct {
	client *s3.Client
	bucket string
}

func (s *s3Uploader) Upload(ctx context.Context, key string, body io.Reader, contentType string) (string, error) {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        body,
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}
