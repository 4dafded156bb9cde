package collab

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/consensuslab/delphi-engine/internal/cache"
	"github.com/consensuslab/delphi-engine/internal/models"
)

// Client talks to the collaboration platform that owns participant rosters,
// question banks, and participant-facing notifications. The engine treats it
// as the single source of truth for who may respond; rosters are cached so a
// platform outage does not stall quorum checks mid-round.
type Client struct {
	baseURL       string
	rosterPath    string
	questionsPath string
	notifyPath    string
	httpClient    *http.Client
	cache         cache.Provider
	rosterTTL     time.Duration
	logger        *slog.Logger
}

// Options configures the collaboration client. Path templates carry one %s
// placeholder for the study ID.
type Options struct {
	BaseURL       string
	RosterPath    string
	QuestionsPath string
	NotifyPath    string
	Timeout       time.Duration
	Cache         cache.Provider
	RosterTTL     time.Duration
	Logger        *slog.Logger
}

// NewClient constructs a collaboration platform client.
func NewClient(opts Options) *Client {
	if opts.Cache == nil {
		opts.Cache = cache.NoopProvider{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	return &Client{
		baseURL:       strings.TrimRight(opts.BaseURL, "/"),
		rosterPath:    opts.RosterPath,
		questionsPath: opts.QuestionsPath,
		notifyPath:    opts.NotifyPath,
		httpClient:    &http.Client{Timeout: opts.Timeout},
		cache:         opts.Cache,
		rosterTTL:     opts.RosterTTL,
		logger:        opts.Logger,
	}
}

// InvitedParticipants returns the participant IDs invited to a study,
// serving from cache within the configured TTL.
func (c *Client) InvitedParticipants(ctx context.Context, studyID string) ([]string, error) {
	if c.baseURL == "" {
		return nil, fmt.Errorf("collab base URL not configured")
	}

	cacheKey := "roster:" + studyID
	if cached, err := c.cache.Get(ctx, cacheKey); err == nil {
		var ids []string
		if err := json.Unmarshal(cached, &ids); err == nil {
			return ids, nil
		}
	} else if !errors.Is(err, cache.ErrCacheMiss) {
		c.logger.Warn("roster cache read failed", slog.Any("error", err))
	}

	var response struct {
		Participants []struct {
			ID string `json:"id"`
		} `json:"participants"`
	}
	if err := c.getJSON(ctx, c.resolvePath(c.rosterPath, studyID), &response); err != nil {
		return nil, fmt.Errorf("collab roster request failed: %w", err)
	}

	ids := make([]string, 0, len(response.Participants))
	for _, p := range response.Participants {
		if p.ID != "" {
			ids = append(ids, p.ID)
		}
	}

	if payload, err := json.Marshal(ids); err == nil {
		if err := c.cache.Set(ctx, cacheKey, payload, c.rosterTTL); err != nil {
			c.logger.Warn("roster cache write failed", slog.Any("error", err))
		}
	}
	return ids, nil
}

// QuestionSet fetches the authored question bank for a study.
func (c *Client) QuestionSet(ctx context.Context, studyID string) ([]models.Question, error) {
	if c.baseURL == "" {
		return nil, fmt.Errorf("collab base URL not configured")
	}

	var response struct {
		Questions []models.Question `json:"questions"`
	}
	if err := c.getJSON(ctx, c.resolvePath(c.questionsPath, studyID), &response); err != nil {
		return nil, fmt.Errorf("collab questions request failed: %w", err)
	}
	if len(response.Questions) == 0 {
		return nil, fmt.Errorf("collab returned no questions for study %s", studyID)
	}
	return response.Questions, nil
}

// RoundAdvanced tells the platform a new round opened so it can invite the
// panel back.
func (c *Client) RoundAdvanced(ctx context.Context, study *models.Study, round *models.Round) error {
	payload := map[string]any{
		"event":       "round-advanced",
		"studyId":     study.ID,
		"roundId":     round.ID,
		"roundNumber": round.Number,
		"questionIds": round.QuestionIDs,
	}
	return c.postJSON(ctx, c.resolvePath(c.notifyPath, study.ID), payload, nil)
}

// StudyFinalized tells the platform the study stopped and why.
func (c *Client) StudyFinalized(ctx context.Context, study *models.Study) error {
	payload := map[string]any{
		"event":      "study-finalized",
		"studyId":    study.ID,
		"stopReason": string(study.StopReason),
	}
	return c.postJSON(ctx, c.resolvePath(c.notifyPath, study.ID), payload, nil)
}

func (c *Client) resolvePath(template, studyID string) string {
	if c.baseURL == "" {
		return ""
	}
	p := template
	if strings.Contains(template, "%s") {
		p = fmt.Sprintf(template, url.PathEscape(studyID))
	}
	cleaned := "/" + strings.TrimLeft(p, "/")
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return c.baseURL + cleaned
	}
	u.Path = path.Join(u.Path, cleaned)
	return u.String()
}

func (c *Client) getJSON(ctx context.Context, endpoint string, out any) error {
	if endpoint == "" {
		return fmt.Errorf("empty endpoint")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) postJSON(ctx context.Context, endpoint string, payload any, out any) error {
	if endpoint == "" {
		return fmt.Errorf("empty endpoint")
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("collab returned %s", resp.Status)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
