package conversation

import (
	"context"
	"errors"

	"deepresearch/auth"
	"deepresearch/models"
	"deepresearch/routing"
	"deepresearch/stream"
)

// Client runs research turns: dispatch to an upstream, then reconcile its response
type Client struct {
	dispatcher *routing.Dispatcher
	tokens     auth.TokenSource
	opts       stream.Options
}

// NewClient creates a client. tokens may be nil when no credential is used.
func NewClient(dispatcher *routing.Dispatcher, tokens auth.TokenSource, opts stream.Options) *Client {
	return &Client{dispatcher: dispatcher, tokens: tokens, opts: opts}
}

// Turn is one in-flight turn. Callers pull deltas with Next and must Close it.
type Turn struct {
	*stream.Stream
	Result *routing.Result
}

// Turn dispatches req and opens the reconciler over the winning response.
// A credential from the token source fills req.AuthToken when it is empty.
func (c *Client) Turn(ctx context.Context, req models.DispatchRequest) (*Turn, error) {
	if req.AuthToken == "" && c.tokens != nil {
		token, err := c.tokens.Token(ctx)
		if err != nil {
			var typed *models.Error
			if errors.As(err, &typed) || errors.Is(err, context.Canceled) {
				return nil, err
			}
			return nil, models.NewError(models.KindAuthenticationRequired, "could not obtain a session token", err)
		}
		req.AuthToken = token
	}

	result, err := c.dispatcher.Dispatch(ctx, &req)
	if err != nil {
		return nil, err
	}

	s, err := stream.Open(ctx, result.Response, c.opts)
	if err != nil {
		result.Response.Body.Close()
		return nil, err
	}
	return &Turn{Stream: s, Result: result}, nil
}

// Ask runs a turn to completion and returns the final text
func (c *Client) Ask(ctx context.Context, req models.DispatchRequest) (string, *routing.Result, error) {
	turn, err := c.Turn(ctx, req)
	if err != nil {
		return "", nil, err
	}
	text, err := stream.Collect(turn.Stream)
	return text, turn.Result, err
}
