package routing

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"deepresearch/models"
	"deepresearch/providers"
)

// Policy controls dispatch behaviour
type Policy struct {
	// RequireAuth fails a request without a bearer token before any network call
	RequireAuth bool
	// RetrySimplified retries an endpoint once with the simplified shape after a 422
	RetrySimplified bool
}

// DefaultPolicy retries 422s and does not demand a credential
func DefaultPolicy() Policy {
	return Policy{RetrySimplified: true}
}

// AttemptObserver receives every dispatch attempt as it completes
type AttemptObserver interface {
	ObserveAttempt(assistantID string, attempt models.DispatchAttempt)
}

// Dispatcher sends a user turn to the first upstream candidate that accepts it
type Dispatcher struct {
	router   *Router
	client   *http.Client
	policy   Policy
	observer AttemptObserver
	debug    bool
}

// NewDispatcher creates a dispatcher. The client must not set an overall
// Timeout; per-endpoint timeouts bound only the wait for response headers.
func NewDispatcher(router *Router, client *http.Client, policy Policy) *Dispatcher {
	if client == nil {
		client = &http.Client{}
	}
	return &Dispatcher{router: router, client: client, policy: policy}
}

// WithObserver attaches an attempt observer
func (d *Dispatcher) WithObserver(o AttemptObserver) *Dispatcher {
	d.observer = o
	return d
}

// WithDebug enables per-attempt logging
func (d *Dispatcher) WithDebug(debug bool) *Dispatcher {
	d.debug = debug
	return d
}

// Policy returns the dispatch policy
func (d *Dispatcher) Policy() Policy {
	return d.policy
}

// Result is a successful dispatch. The caller owns Response.Body.
type Result struct {
	RequestID   string
	AssistantID string
	Endpoint    string
	Shape       models.PayloadShape
	Response    *http.Response
	Attempts    []models.DispatchAttempt
}

type attemptError struct {
	status int
	msg    string
	err    error
}

func (e *attemptError) Error() string {
	if e.err != nil {
		return e.err.Error()
	}
	return e.msg
}

// Dispatch tries each candidate in priority order and returns the first 2xx
// response. A 404 advances immediately, a 422 is retried once on the same
// endpoint with the simplified shape, and any other failure is recorded
// before advancing. When every candidate fails the error is
// UpstreamUnavailable carrying the last failure.
func (d *Dispatcher) Dispatch(ctx context.Context, req *models.DispatchRequest) (*Result, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if d.policy.RequireAuth && req.AuthToken == "" {
		return nil, models.NewError(models.KindAuthenticationRequired, "a bearer token is required", nil)
	}

	requestID := uuid.NewString()
	decision, err := d.router.RouteRequest(requestID, req.AssistantID)
	if err != nil {
		return nil, models.NewError(models.KindUpstreamUnavailable, "no upstream candidates", err)
	}

	var attempts []models.DispatchAttempt
	var last *attemptError

	for _, endpoint := range decision.Candidates {
		shape, err := providers.ShapeFor(endpoint.Shape)
		if err != nil {
			last = &attemptError{msg: err.Error(), err: err}
			log.Printf("[Dispatcher] %s: %v", endpoint.ID, err)
			continue
		}

		resp, attempt, aerr := d.try(ctx, req, endpoint, shape, decision.UpstreamID)
		attempts = d.record(decision.AssistantID, attempts, attempt)
		if aerr == nil {
			d.router.RecordSuccess(endpoint.ID, resp.StatusCode, attempt.Duration)
			return d.result(decision, endpoint, shape, resp, attempts), nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}

		if aerr.status == http.StatusUnprocessableEntity && d.policy.RetrySimplified && shape.Name() != models.ShapeSimplified {
			retry := providers.Simplified()
			resp, attempt, aerr = d.try(ctx, req, endpoint, retry, decision.UpstreamID)
			attempts = d.record(decision.AssistantID, attempts, attempt)
			if aerr == nil {
				d.router.RecordSuccess(endpoint.ID, resp.StatusCode, attempt.Duration)
				return d.result(decision, endpoint, retry, resp, attempts), nil
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
		}

		d.router.RecordFailure(endpoint.ID, aerr.status, aerr.Error())
		last = aerr
	}

	msg := "no candidate accepted the request"
	var cause error
	if last != nil {
		msg = last.Error()
		cause = last.err
	}
	log.Printf("[Dispatcher] request %s: all %d candidates failed for assistant %s; last error: %s",
		requestID, len(decision.Candidates), decision.AssistantID, msg)
	return nil, models.NewError(models.KindUpstreamUnavailable, msg, cause)
}

func (d *Dispatcher) record(assistantID string, attempts []models.DispatchAttempt, a models.DispatchAttempt) []models.DispatchAttempt {
	if d.observer != nil {
		d.observer.ObserveAttempt(assistantID, a)
	}
	if d.debug {
		log.Printf("[Dispatcher] %s shape=%s status=%d outcome=%s %s", a.EndpointID, a.Shape, a.StatusCode, a.Outcome, a.Reason)
	}
	return append(attempts, a)
}

func (d *Dispatcher) result(decision *RoutingDecision, endpoint *models.Endpoint, shape providers.Shape, resp *http.Response, attempts []models.DispatchAttempt) *Result {
	return &Result{
		RequestID:   decision.RequestID,
		AssistantID: decision.AssistantID,
		Endpoint:    endpoint.ID,
		Shape:       shape.Name(),
		Response:    resp,
		Attempts:    attempts,
	}
}

// try sends one (endpoint, shape) combination. On failure the response body
// has already been drained and closed.
func (d *Dispatcher) try(ctx context.Context, req *models.DispatchRequest, endpoint *models.Endpoint, shape providers.Shape, upstreamID string) (*http.Response, models.DispatchAttempt, *attemptError) {
	attempt := models.DispatchAttempt{
		EndpointID: endpoint.ID,
		Shape:      string(shape.Name()),
		Outcome:    models.OutcomeFailure,
	}
	start := time.Now()

	fail := func(ae *attemptError) (*http.Response, models.DispatchAttempt, *attemptError) {
		attempt.StatusCode = ae.status
		attempt.Reason = ae.Error()
		attempt.Duration = time.Since(start)
		return nil, attempt, ae
	}

	preq, err := shape.TranslateRequest(ctx, req, endpoint, upstreamID)
	if err != nil {
		return fail(&attemptError{msg: err.Error(), err: err})
	}

	attemptCtx, cancel := context.WithCancel(ctx)
	var timer *time.Timer
	if preq.Timeout > 0 {
		timer = time.AfterFunc(preq.Timeout, cancel)
	}

	httpReq, err := providers.NewHTTPRequest(attemptCtx, preq)
	if err != nil {
		cancel()
		return fail(&attemptError{msg: err.Error(), err: err})
	}

	resp, err := d.client.Do(httpReq)
	if timer != nil && !timer.Stop() && err == nil {
		// The header timeout fired as the response arrived.
		resp.Body.Close()
		err = context.DeadlineExceeded
	}
	if err != nil {
		cancel()
		if errors.Is(err, context.Canceled) && ctx.Err() == nil {
			err = fmt.Errorf("no response within %s: %w", preq.Timeout, context.DeadlineExceeded)
		}
		return fail(&attemptError{msg: err.Error(), err: fmt.Errorf("%s: %w", endpoint.ID, err)})
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		detail := readDetail(resp.Body)
		resp.Body.Close()
		cancel()
		msg := fmt.Sprintf("%s returned %d", endpoint.ID, resp.StatusCode)
		if detail != "" {
			msg += ": " + detail
		}
		return fail(&attemptError{status: resp.StatusCode, msg: msg})
	}

	resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
	attempt.StatusCode = resp.StatusCode
	attempt.Outcome = models.OutcomeSuccess
	attempt.Duration = time.Since(start)
	return resp, attempt, nil
}

// cancelOnClose releases the attempt context when the caller closes the body
type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}

func readDetail(body io.Reader) string {
	b, _ := io.ReadAll(io.LimitReader(body, 512))
	return strings.TrimSpace(string(b))
}
