package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"promptcaller/internal/caller"
	"promptcaller/internal/prompt"
	"promptcaller/internal/queue"
	"promptcaller/internal/storage"
)

type callRequest struct {
	System    *string `json:"system"`
	User      *string `json:"user"`
	MaxTokens int     `json:"max_tokens"`
}

type callResponse struct {
	Text             string `json:"text"`
	PromptTokens     int    `json:"prompt_tokens"`
	CompletionTokens int    `json:"completion_tokens"`
	UsageEstimated   bool   `json:"usage_estimated"`
	Status           string `json:"status"`
	StreamError      string `json:"stream_error,omitempty"`
	Model            string `json:"model,omitempty"`
	FinishReason     string `json:"finish_reason,omitempty"`
}

type jobResponse struct {
	JobID  string        `json:"job_id"`
	Status string        `json:"status"`
	Error  string        `json:"error,omitempty"`
	Result *callResponse `json:"result,omitempty"`
}

type callSummary struct {
	JobID            string    `json:"job_id"`
	Source           string    `json:"source"`
	Model            string    `json:"model"`
	Backend          string    `json:"backend"`
	Status           string    `json:"status"`
	PromptTokens     int       `json:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens"`
	UsageEstimated   bool      `json:"usage_estimated"`
	CreatedAt        time.Time `json:"created_at"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// prompt converts the body, enforcing that both keys were sent.
func (r callRequest) prompt() (prompt.Prompt, error) {
	if r.System == nil {
		return prompt.Prompt{}, &prompt.MissingKeyError{Key: prompt.KeySystem}
	}
	if r.User == nil {
		return prompt.Prompt{}, &prompt.MissingKeyError{Key: prompt.KeyUser}
	}
	p := prompt.Prompt{System: *r.System, User: *r.User}
	return p, p.Validate()
}

func (s *Server) health(c echo.Context) error {
	if s.cfg.Store != nil {
		if err := s.cfg.Store.Ping(c.Request().Context()); err != nil {
			return echo.NewHTTPError(http.StatusServiceUnavailable, "storage unavailable")
		}
	}
	return c.String(http.StatusOK, "ok")
}

func (s *Server) bindPrompt(c echo.Context) (prompt.Prompt, int, error) {
	var req callRequest
	if err := c.Bind(&req); err != nil {
		return prompt.Prompt{}, 0, echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	p, err := req.prompt()
	if err != nil {
		return prompt.Prompt{}, 0, echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.MaxTokens < 0 {
		return prompt.Prompt{}, 0, echo.NewHTTPError(http.StatusBadRequest, "max_tokens must be >= 0")
	}
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = s.cfg.MaxTokens
	}
	return p, maxTokens, nil
}

func (s *Server) allow(c echo.Context) error {
	d, err := s.cfg.RateLimiter.Allow(c.Request().Context(), "api:"+c.RealIP(), time.Now())
	if err != nil {
		s.logger.Error().Err(err).Msg("rate limiter failed")
		return nil
	}
	if !d.Allowed {
		c.Response().Header().Set("Retry-After", d.ResetAt.UTC().Format(http.TimeFormat))
		return echo.NewHTTPError(http.StatusTooManyRequests, "rate limit exceeded")
	}
	return nil
}

func (s *Server) createCall(c echo.Context) error {
	p, maxTokens, err := s.bindPrompt(c)
	if err != nil {
		return err
	}
	if err := s.allow(c); err != nil {
		return err
	}

	res, err := s.cfg.Caller.Call(c.Request().Context(), p, maxTokens)
	if err != nil {
		s.logger.Error().Err(err).Msg("call failed")
		return echo.NewHTTPError(http.StatusBadGateway, "completion provider error")
	}
	return c.JSON(http.StatusOK, toCallResponse(res))
}

func (s *Server) createJob(c echo.Context) error {
	if s.cfg.Queue == nil {
		return echo.NewHTTPError(http.StatusNotImplemented, "job queue is not configured")
	}
	p, maxTokens, err := s.bindPrompt(c)
	if err != nil {
		return err
	}
	if err := s.allow(c); err != nil {
		return err
	}

	jobID, err := s.cfg.Queue.Enqueue(c.Request().Context(), queue.CallJob{
		Source:    queue.SourceAPI,
		System:    p.System,
		User:      p.User,
		MaxTokens: maxTokens,
	})
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to enqueue job")
		return echo.NewHTTPError(http.StatusServiceUnavailable, "queue is unavailable")
	}
	s.metrics.EnqueuedJobs.Inc()
	return c.JSON(http.StatusAccepted, jobResponse{JobID: jobID, Status: "queued"})
}

func (s *Server) getJob(c echo.Context) error {
	if s.cfg.Store == nil {
		return echo.NewHTTPError(http.StatusNotImplemented, "ledger is not configured")
	}
	jobID := c.Param("id")
	rec, err := s.cfg.Store.GetCallByJobID(c.Request().Context(), jobID)
	if errors.Is(err, storage.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "job not found")
	}
	if err != nil {
		s.logger.Error().Err(err).Str("job_id", jobID).Msg("failed to load job")
		return err
	}
	if rec.Status == storage.StatusFailed {
		return c.JSON(http.StatusOK, jobResponse{JobID: rec.JobID, Status: "failed", Error: rec.Error})
	}
	text, err := s.cfg.Sealer.Open(rec.Response, rec.JobID)
	if err != nil {
		s.logger.Error().Err(err).Str("job_id", jobID).Msg("failed to open transcript")
		return err
	}
	return c.JSON(http.StatusOK, jobResponse{
		JobID:  rec.JobID,
		Status: "done",
		Result: &callResponse{
			Text:             text,
			PromptTokens:     rec.PromptTokens,
			CompletionTokens: rec.CompletionTokens,
			UsageEstimated:   rec.UsageEstimated,
			Status:           rec.Status,
			StreamError:      rec.StreamError,
			Model:            rec.Model,
		},
	})
}

const (
	defaultListLimit = 20
	maxListLimit     = 100
)

func (s *Server) listCalls(c echo.Context) error {
	if s.cfg.Store == nil {
		return echo.NewHTTPError(http.StatusNotImplemented, "ledger is not configured")
	}
	limit := uint64(defaultListLimit)
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.ParseUint(raw, 10, 64)
		if err != nil || n == 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be a positive integer")
		}
		limit = min(n, maxListLimit)
	}
	records, err := s.cfg.Store.ListRecentCalls(c.Request().Context(), limit)
	if err != nil {
		return err
	}
	out := make([]callSummary, 0, len(records))
	for _, rec := range records {
		out = append(out, callSummary{
			JobID:            rec.JobID,
			Source:           rec.Source,
			Model:            rec.Model,
			Backend:          rec.Backend,
			Status:           rec.Status,
			PromptTokens:     rec.PromptTokens,
			CompletionTokens: rec.CompletionTokens,
			UsageEstimated:   rec.UsageEstimated,
			CreatedAt:        rec.CreatedAt,
		})
	}
	return c.JSON(http.StatusOK, map[string]any{"calls": out})
}

func (s *Server) usage(c echo.Context) error {
	if s.cfg.Store == nil {
		return echo.NewHTTPError(http.StatusNotImplemented, "ledger is not configured")
	}
	usage, err := s.cfg.Store.UsageByModel(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"models": usage})
}

func toCallResponse(res caller.Result) callResponse {
	out := callResponse{
		Text:             res.Text,
		PromptTokens:     res.PromptTokens,
		CompletionTokens: res.CompletionTokens,
		UsageEstimated:   res.UsageEstimated,
		Status:           string(res.Status),
		Model:            res.Model,
		FinishReason:     res.FinishReason,
	}
	if res.StreamErr != nil {
		out.StreamError = res.StreamErr.Error()
	}
	return out
}
