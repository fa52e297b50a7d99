// Package ingest turns external content into Items and announces them with
// ITEM_UPSERTED events.
package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/kos/internal/agent"
	"github.com/kalambet/kos/internal/events"
	"github.com/kalambet/kos/internal/outbox"
	"github.com/kalambet/kos/internal/storage"
)

const (
	// SourceAgent is recorded as the source of every root event.
	SourceAgent = "ingest"

	DefaultTenant = "default"

	maxURLFetchSize = 5 << 20
	maxFileSize     = 20 << 20
	fetchTimeout    = 10 * time.Second
)

var (
	ErrEmptyContent = errors.New("content is empty")
	ErrTooLarge     = errors.New("content exceeds size limit")
)

// itemNamespace seeds deterministic item ids.
var itemNamespace = uuid.MustParse("6f1c0e0a-3b7d-5c2e-9a41-0d7c8b2f5e10")

// ItemID derives a stable id from the tenant, source and external id, or
// from a content hash when there is no external id.
func ItemID(tenantID string, source storage.Source, externalID, content string) string {
	key := "ext:" + externalID
	if externalID == "" {
		sum := sha256.Sum256([]byte(content))
		key = "sha256:" + hex.EncodeToString(sum[:])
	}
	return uuid.NewSHA1(itemNamespace, []byte(tenantID+"\x00"+string(source)+"\x00"+key)).String()
}

type ItemWriter interface {
	UpsertItem(ctx context.Context, item storage.Item) error
}

type Request struct {
	TenantID    string
	UserID      string
	Source      storage.Source
	ExternalID  string
	Title       string
	Content     string
	ContentType string
	Metadata    map[string]any
}

type Result struct {
	ItemID        string `json:"item_id"`
	EventID       string `json:"event_id"`
	CorrelationID string `json:"correlation_id"`
}

// Service writes items and their root events. The item is stored before the
// event is enqueued, so a consumer never sees an event for a missing item.
type Service struct {
	items   ItemWriter
	emitter *agent.Emitter
	client  *http.Client
	logger  *slog.Logger
}

func NewService(items ItemWriter, queue outbox.Queue, client *http.Client, logger *slog.Logger) *Service {
	if client == nil {
		client = &http.Client{Timeout: fetchTimeout}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		items:   items,
		emitter: agent.NewEmitter(queue),
		client:  client,
		logger:  logger.With("component", "ingest"),
	}
}

// Ingest upserts the item described by req and emits ITEM_UPSERTED for it.
// Ingesting the same external id again replaces the content and re-emits.
func (s *Service) Ingest(ctx context.Context, req Request) (Result, error) {
	if strings.TrimSpace(req.Content) == "" {
		return Result{}, ErrEmptyContent
	}
	if req.TenantID == "" {
		req.TenantID = DefaultTenant
	}
	if req.Source == "" {
		req.Source = storage.SourceAPI
	}
	if req.ContentType == "" {
		req.ContentType = "text/plain"
	}

	item := storage.Item{
		ID:          ItemID(req.TenantID, req.Source, req.ExternalID, req.Content),
		TenantID:    req.TenantID,
		UserID:      req.UserID,
		Source:      req.Source,
		ExternalID:  req.ExternalID,
		Title:       req.Title,
		ContentText: req.Content,
		ContentType: req.ContentType,
		Metadata:    req.Metadata,
	}
	if err := s.items.UpsertItem(ctx, item); err != nil {
		return Result{}, fmt.Errorf("storing item: %w", err)
	}

	env := events.New(item.TenantID, item.UserID, SourceAgent, events.ItemUpserted{ItemID: item.ID})
	if err := s.emitter.Emit(ctx, env); err != nil {
		return Result{}, err
	}

	s.logger.Info("item ingested",
		"item_id", item.ID,
		"tenant_id", item.TenantID,
		"source", item.Source,
		"event_id", env.ID,
		"correlation_id", env.CorrelationID,
	)
	return Result{ItemID: item.ID, EventID: env.ID, CorrelationID: env.CorrelationID}, nil
}

// IngestFile extracts the text of path and ingests it with the absolute path
// as external id.
func (s *Service) IngestFile(ctx context.Context, req Request, path string) (Result, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return Result{}, err
	}
	f, err := os.Open(abs)
	if err != nil {
		return Result{}, err
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, maxFileSize+1))
	if err != nil {
		return Result{}, fmt.Errorf("reading %s: %w", abs, err)
	}
	if len(data) > maxFileSize {
		return Result{}, fmt.Errorf("%s: %w", abs, ErrTooLarge)
	}

	doc, err := ExtractText(data, DetectContentType(abs, data))
	if err != nil {
		return Result{}, fmt.Errorf("extracting %s: %w", abs, err)
	}

	if req.Source == "" {
		req.Source = storage.SourceFiles
	}
	if req.ExternalID == "" {
		req.ExternalID = abs
	}
	if req.Title == "" {
		req.Title = doc.Title
	}
	if req.Title == "" {
		req.Title = titleFromPath(abs)
	}
	req.Content = doc.Text
	req.ContentType = doc.ContentType
	req.Metadata = withMeta(req.Metadata, "path", abs)
	return s.Ingest(ctx, req)
}

// IngestURL fetches rawURL, extracts its text and ingests it with the URL as
// external id.
func (s *Service) IngestURL(ctx context.Context, req Request, rawURL string) (Result, error) {
	data, ct, err := s.fetch(ctx, rawURL)
	if err != nil {
		return Result{}, err
	}

	doc, err := ExtractText(data, ct)
	if err != nil {
		return Result{}, fmt.Errorf("extracting %s: %w", rawURL, err)
	}

	if req.Source == "" {
		req.Source = storage.SourceWeb
	}
	if req.ExternalID == "" {
		req.ExternalID = rawURL
	}
	if req.Title == "" {
		req.Title = doc.Title
	}
	if req.Title == "" {
		req.Title = rawURL
	}
	req.Content = doc.Text
	req.ContentType = doc.ContentType
	req.Metadata = withMeta(req.Metadata, "url", rawURL)
	return s.Ingest(ctx, req)
}

func (s *Service) fetch(ctx context.Context, rawURL string) ([]byte, string, error) {
	ctx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, "", fmt.Errorf("invalid url: %w", err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("fetching url: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, "", fmt.Errorf("url returned status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxURLFetchSize+1))
	if err != nil {
		return nil, "", fmt.Errorf("reading url response: %w", err)
	}
	if len(data) > maxURLFetchSize {
		return nil, "", fmt.Errorf("%s: %w", rawURL, ErrTooLarge)
	}

	ct := resp.Header.Get("Content-Type")
	if ct == "" {
		ct = DetectContentType(req.URL.Path, data)
	}
	return data, ct, nil
}

func withMeta(m map[string]any, k string, v any) map[string]any {
	out := make(map[string]any, len(m)+1)
	for key, val := range m {
		out[key] = val
	}
	out[k] = v
	return out
}

func titleFromPath(path string) string {
	name := filepath.Base(path)
	name = strings.TrimSuffix(name, filepath.Ext(name))
	return strings.NewReplacer("_", " ", "-", " ").Replace(name)
}
