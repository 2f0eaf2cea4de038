// Package gateway runs the admission pipeline for untrusted code: rate
// limit, security scan, tier classification, dispatch to the sandbox worker,
// billing and the audit ledger. Stages always run in that order and any
// failure before dispatch stops the request without touching the worker or
// the ledger.
package gateway

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"exec-gateway/internal/dispatch"
	"exec-gateway/internal/ledger"
	"exec-gateway/internal/monitor"
	"exec-gateway/internal/pricing"
	"exec-gateway/internal/ratelimit"
	"exec-gateway/internal/scanner"
	"exec-gateway/internal/session"
	"exec-gateway/internal/storage"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

// Scanner screens code before dispatch and output after.
type Scanner interface {
	Scan(code, language string) scanner.Result
	ScanOutput(output []string) []scanner.Issue
}

type TierEngine interface {
	DetermineTier(d pricing.Demand) pricing.Tier
	Validate(d pricing.Demand, tier pricing.Tier) error
	Resolve(d pricing.Demand, tier pricing.Tier) pricing.Resolved
}

type Billing interface {
	Cost(executionTimeMs, memoryBytes int64, tier pricing.Tier) float64
}

type Ledger interface {
	CreatePending(ctx context.Context, rec *storage.ExecutionRecord) error
	MarkRunning(ctx context.Context, id string) error
	Finalize(ctx context.Context, id string, out ledger.Outcome) (*storage.ExecutionRecord, error)
	Get(ctx context.Context, id string) (*storage.ExecutionRecord, error)
	QueryUsage(ctx context.Context, clientID string, r ledger.Range, limit, offset int) ([]storage.ExecutionRecord, error)
	Aggregate(ctx context.Context, clientID string, r ledger.Range) (*storage.UsageStats, error)
}

// Sessions is the persistence side of collaborative sessions. Access
// control is applied by the Gateway through guards, which mutating calls
// evaluate under the session's lock.
type Sessions interface {
	CreateSession(ctx context.Context, p session.CreateParams) (*storage.Session, error)
	GetSession(ctx context.Context, id string) (*storage.Session, error)
	UpdateSession(ctx context.Context, id string, p session.UpdateParams, guards ...session.Guard) (*storage.Session, error)
	DeleteSession(ctx context.Context, id string, guards ...session.Guard) error
	ListUserSessions(ctx context.Context, userID string) ([]storage.Session, error)
	ListPublicSessions(ctx context.Context) ([]storage.Session, error)
	GetFile(ctx context.Context, sessionID, fileID string) (*storage.Session, *storage.File, error)
	AddFile(ctx context.Context, sessionID string, p session.FileParams, guards ...session.Guard) (*storage.Session, *storage.File, error)
	UpdateFile(ctx context.Context, sessionID, fileID string, u session.FileUpdate, guards ...session.Guard) (*storage.Session, *storage.File, error)
	DeleteFile(ctx context.Context, sessionID, fileID string, guards ...session.Guard) (*storage.Session, error)
	AddCollaborator(ctx context.Context, sessionID, userID string, guards ...session.Guard) (*storage.Session, error)
	RemoveCollaborator(ctx context.Context, sessionID, userID string, guards ...session.Guard) (*storage.Session, error)
}

// Deps are the collaborators of a Gateway. Metrics and Tracer are optional.
type Deps struct {
	Scanner    Scanner
	Limiter    ratelimit.Limiter
	Tiers      TierEngine
	Billing    Billing
	Dispatcher dispatch.Dispatcher
	Ledger     Ledger
	Sessions   Sessions
	Metrics    *monitor.Metrics
	Tracer     *monitor.Tracer

	Environment  string
	MaxCodeBytes int // 0 means unlimited
}

type Gateway struct {
	scanner    Scanner
	limiter    ratelimit.Limiter
	tiers      TierEngine
	billing    Billing
	dispatcher dispatch.Dispatcher
	ledger     Ledger
	sessions   Sessions
	metrics    *monitor.Metrics
	tracer     *monitor.Tracer

	environment  string
	maxCodeBytes int
}

func New(d Deps) (*Gateway, error) {
	switch {
	case d.Scanner == nil:
		return nil, errors.New("gateway: scanner is required")
	case d.Limiter == nil:
		return nil, errors.New("gateway: rate limiter is required")
	case d.Tiers == nil:
		return nil, errors.New("gateway: tier engine is required")
	case d.Billing == nil:
		return nil, errors.New("gateway: billing calculator is required")
	case d.Dispatcher == nil:
		return nil, errors.New("gateway: dispatcher is required")
	case d.Ledger == nil:
		return nil, errors.New("gateway: ledger is required")
	case d.Sessions == nil:
		return nil, errors.New("gateway: session store is required")
	}
	if d.Metrics == nil {
		d.Metrics = monitor.NewMetrics()
	}
	if d.Tracer == nil {
		d.Tracer = monitor.NewTracer()
	}
	if d.Environment == "" {
		d.Environment = "default"
	}
	return &Gateway{
		scanner:      d.Scanner,
		limiter:      d.Limiter,
		tiers:        d.Tiers,
		billing:      d.Billing,
		dispatcher:   d.Dispatcher,
		ledger:       d.Ledger,
		sessions:     d.Sessions,
		metrics:      d.Metrics,
		tracer:       d.Tracer,
		environment:  d.Environment,
		maxCodeBytes: d.MaxCodeBytes,
	}, nil
}

// ExecutionRequest is one submission. ClientID is the authenticated
// principal. With FileID set, the code (and, if Language is empty, the
// language) come from that file of SessionID.
type ExecutionRequest struct {
	Code           string
	Language       string
	Timeout        time.Duration // 0 means the default
	MemoryLimit    int64         // bytes; 0 means the default
	AllowedModules []string
	Context        map[string]any
	ClientID       string
	AgentID        string
	SessionID      string
	FileID         string
}

// ExecutionResponse is returned for every dispatched request, including
// in-sandbox failures and dispatch failures.
type ExecutionResponse struct {
	ExecutionID      string
	Success          bool
	Output           []string
	Result           any
	Error            *storage.ErrorDetail
	ExecutionTimeMs  int64
	MemoryUsageBytes int64
	ComputeUnits     float64
	Cost             float64
	Tier             pricing.Tier
	Warnings         []scanner.Issue
}

const dispatchFailureType = "DispatchFailure"

// ExecuteCode runs req through the pipeline. A non-nil response comes back
// whenever the request reached the worker; the accompanying error is then
// only ever ErrDispatchFailure.
func (g *Gateway) ExecuteCode(ctx context.Context, req ExecutionRequest) (*ExecutionResponse, error) {
	ctx, span := g.tracer.StartSpan(ctx, "execute",
		monitor.AttrClientID.String(req.ClientID),
		monitor.AttrSessionID.String(req.SessionID),
	)
	resp, err := g.execute(ctx, req)
	if resp != nil {
		span.SetAttributes(
			monitor.AttrExecID.String(resp.ExecutionID),
			monitor.AttrTier.String(string(resp.Tier)),
			monitor.AttrSuccess.Bool(resp.Success),
		)
	}
	monitor.EndSpan(span, err)
	return resp, err
}

func (g *Gateway) execute(ctx context.Context, req ExecutionRequest) (*ExecutionResponse, error) {
	if err := g.checkShape(req); err != nil {
		return nil, err
	}

	if err := g.checkRateLimit(ctx, req.ClientID); err != nil {
		return nil, err
	}

	// Session files are authorized before their content is scanned.
	sessionChecked := false
	if req.FileID != "" {
		sess, file, err := g.sessions.GetFile(ctx, req.SessionID, req.FileID)
		if err != nil {
			return nil, err
		}
		if !session.CanRead(sess, req.ClientID) {
			return nil, fmt.Errorf("%w: %s may not execute files of session %s", ErrAuthorizationDenied, req.ClientID, sess.ID)
		}
		req.Code = file.Content
		if req.Language == "" {
			req.Language = file.Language
		}
		sessionChecked = true
	}
	if err := g.checkContent(req); err != nil {
		return nil, err
	}
	req.Language = scanner.NormalizeLanguage(req.Language)
	g.metrics.CodeSizeBytes.Observe(float64(len(req.Code)))

	sum := sha256.Sum256([]byte(req.Code))
	codeHash := hex.EncodeToString(sum[:])

	warnings, err := g.scan(ctx, req, codeHash)
	if err != nil {
		return nil, err
	}

	demand := pricing.Demand{
		ClientID:    req.ClientID,
		Timeout:     req.Timeout,
		MemoryBytes: req.MemoryLimit,
		Modules:     req.AllowedModules,
	}
	tier := g.tiers.DetermineTier(demand)
	if err := g.tiers.Validate(demand, tier); err != nil {
		var le *pricing.LimitError
		if errors.As(err, &le) {
			g.metrics.TierLimitRejections.WithLabelValues(le.Dimension).Inc()
		}
		return nil, err
	}
	limits := g.tiers.Resolve(demand, tier)

	if req.SessionID != "" && !sessionChecked {
		if _, err := g.readableSession(ctx, req.ClientID, req.SessionID); err != nil {
			return nil, err
		}
	}

	rec := &storage.ExecutionRecord{
		ClientID:    req.ClientID,
		AgentID:     req.AgentID,
		SessionID:   req.SessionID,
		Language:    req.Language,
		Code:        req.Code,
		CodeHash:    codeHash,
		Tier:        string(tier),
		Environment: g.environment,
	}
	if err := g.ledger.CreatePending(ctx, rec); err != nil {
		g.metrics.RecordLedgerError("create")
		return nil, &ExecutionError{Op: "ledger_create", Err: err}
	}

	logger := log.With().
		Str("exec_id", rec.ID).
		Str("client_id", req.ClientID).
		Str("language", req.Language).
		Str("tier", string(tier)).
		Logger()

	// From here on the ledger row exists; its updates must survive a caller
	// that gives up on the request.
	ledgerCtx := context.WithoutCancel(ctx)

	if err := g.ledger.MarkRunning(ledgerCtx, rec.ID); err != nil {
		g.metrics.RecordLedgerError("mark_running")
		logger.Error().Err(err).Msg("failed to mark execution running")
	}

	g.metrics.ActiveExecutions.Inc()
	wresp, derr := g.dispatch(ctx, rec.ID, req, limits)
	g.metrics.ActiveExecutions.Dec()

	resp := &ExecutionResponse{
		ExecutionID: rec.ID,
		Tier:        tier,
		Warnings:    warnings,
		Output:      []string{},
	}
	if derr != nil {
		g.metrics.DispatchFailures.Inc()
		logger.Error().Err(derr).Msg("dispatch failed")
		resp.Error = &storage.ErrorDetail{Message: derr.Error(), Type: dispatchFailureType}
	} else {
		resp.Success = wresp.Success
		if wresp.Output != nil {
			resp.Output = wresp.Output
		}
		resp.Result = wresp.Result
		if wresp.Error != nil {
			resp.Error = &storage.ErrorDetail{
				Message: wresp.Error.Message,
				Stack:   wresp.Error.Stack,
				Type:    wresp.Error.Type,
			}
		}
		resp.ExecutionTimeMs = max(wresp.Metrics.ExecutionTimeMs, 0)
		resp.MemoryUsageBytes = max(wresp.Metrics.MemoryUsageBytes, 0)
	}

	resp.ComputeUnits = pricing.ComputeUnits(resp.ExecutionTimeMs, resp.MemoryUsageBytes)
	resp.Cost = g.billing.Cost(resp.ExecutionTimeMs, resp.MemoryUsageBytes, tier)

	for _, is := range g.scanner.ScanOutput(resp.Output) {
		g.metrics.OutputLeaks.WithLabelValues(is.Rule).Inc()
		logger.Warn().Str("rule", is.Rule).Int("line", is.Line).Msg("worker output matched leak marker")
		resp.Warnings = append(resp.Warnings, is)
	}

	status := storage.StatusFailed
	if resp.Success {
		status = storage.StatusCompleted
	}
	g.metrics.RecordExecution(req.Language, string(status), string(tier),
		float64(resp.ExecutionTimeMs)/1000, resp.ComputeUnits, resp.Cost)

	if _, err := g.ledger.Finalize(ledgerCtx, rec.ID, ledger.Outcome{
		Success:          resp.Success,
		Output:           resp.Output,
		Result:           resp.Result,
		Error:            resp.Error,
		ExecutionTimeMs:  resp.ExecutionTimeMs,
		MemoryUsageBytes: resp.MemoryUsageBytes,
		ComputeUnits:     resp.ComputeUnits,
		Cost:             resp.Cost,
	}); err != nil {
		g.metrics.RecordLedgerError("finalize")
		logger.Error().Err(err).Msg("failed to finalize execution record")
	}

	logger.Info().
		Bool("success", resp.Success).
		Int64("execution_time_ms", resp.ExecutionTimeMs).
		Float64("cost", resp.Cost).
		Msg("execution finished")

	if derr != nil {
		return resp, &ExecutionError{ExecID: rec.ID, Op: "dispatch", Err: derr}
	}
	return resp, nil
}

func (g *Gateway) checkShape(req ExecutionRequest) error {
	switch {
	case req.ClientID == "":
		return invalid("client id is required")
	case req.Timeout < 0:
		return invalid("timeout must not be negative")
	case req.MemoryLimit < 0:
		return invalid("memory limit must not be negative")
	case req.FileID != "" && req.SessionID == "":
		return invalid("fileId requires sessionId")
	case req.FileID == "" && req.Code == "":
		return invalid("code is required")
	case req.FileID == "" && req.Language == "":
		return invalid("language is required")
	}
	return nil
}

func (g *Gateway) checkContent(req ExecutionRequest) error {
	switch {
	case req.Code == "":
		return invalid("code is required")
	case req.Language == "":
		return invalid("language is required")
	case g.maxCodeBytes > 0 && len(req.Code) > g.maxCodeBytes:
		return invalid("code is %d bytes, limit is %d", len(req.Code), g.maxCodeBytes)
	}
	return nil
}

func (g *Gateway) checkRateLimit(ctx context.Context, clientID string) error {
	ctx, span := g.tracer.StartSpan(ctx, "rate_limit", monitor.AttrClientID.String(clientID))
	dec, err := g.limiter.Check(ctx, clientID)
	if err != nil {
		// Fail closed: an unreachable limiter stops the request.
		err = &ExecutionError{Op: "rate_limit", Err: err}
		monitor.EndSpan(span, err)
		return err
	}
	if !dec.Allowed {
		g.metrics.RateLimited.Inc()
		err = &RateLimitError{ClientID: clientID, Reset: dec.Reset}
		monitor.EndSpan(span, err)
		return err
	}
	monitor.EndSpan(span, nil)
	return nil
}

func (g *Gateway) scan(ctx context.Context, req ExecutionRequest, codeHash string) ([]scanner.Issue, error) {
	_, span := g.tracer.StartSpan(ctx, "scan",
		monitor.AttrLanguage.String(req.Language),
		monitor.AttrCodeHash.String(codeHash),
	)

	res := g.scanner.Scan(req.Code, req.Language)
	var warnings []scanner.Issue
	for _, is := range res.Issues {
		blocking := is.Severity.Blocking()
		g.metrics.RecordSecurityIssue(is.Rule, blocking)
		if !blocking {
			warnings = append(warnings, is)
		}
	}
	span.SetAttributes(attribute.Int("gateway.scan.issues", len(res.Issues)))

	if !res.Safe {
		err := &SecurityError{Issues: scanner.Blocking(res.Issues)}
		log.Warn().
			Str("client_id", req.ClientID).
			Str("language", req.Language).
			Int("issues", len(err.Issues)).
			Msg("code rejected by security scan")
		monitor.EndSpan(span, err)
		return nil, err
	}
	monitor.EndSpan(span, nil)
	return warnings, nil
}

func (g *Gateway) dispatch(ctx context.Context, execID string, req ExecutionRequest, limits pricing.Resolved) (*dispatch.Response, error) {
	ctx, span := g.tracer.StartSpan(ctx, "dispatch",
		monitor.AttrExecID.String(execID),
		monitor.AttrLanguage.String(req.Language),
	)
	resp, err := g.dispatcher.Dispatch(ctx, &dispatch.Request{
		Code:           req.Code,
		Language:       req.Language,
		Timeout:        limits.Timeout.Milliseconds(),
		MemoryLimit:    limits.MemoryBytes,
		AllowedModules: limits.Modules,
		Context:        req.Context,
		ClientID:       req.ClientID,
	}, execID)
	if err == nil {
		span.SetAttributes(
			monitor.AttrSuccess.Bool(resp.Success),
			monitor.AttrDurationMS.Int64(resp.Metrics.ExecutionTimeMs),
		)
	}
	monitor.EndSpan(span, err)
	return resp, err
}
