// Package httpstore is a Task Store client for a REST task service.
package httpstore

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/basket/taskchat/internal/retry"
	"github.com/basket/taskchat/internal/taskstore"
)

// StatusError is a non-2xx response from the task service.
type StatusError struct {
	Status  int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("task service returned %d", e.Status)
	}
	return fmt.Sprintf("task service returned %d: %s", e.Status, e.Message)
}

type errorBody struct {
	Error string `json:"error"`
}

type Options struct {
	BaseURL string
	Token   string
	Timeout time.Duration
	// Retry applies to reads only; mutations are sent once.
	Retry retry.Policy
}

type Client struct {
	http  *resty.Client
	retry retry.Policy
}

var _ taskstore.Store = (*Client)(nil)

func New(opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = retry.StorePolicy()
	}
	c := resty.New().
		SetBaseURL(opts.BaseURL).
		SetTimeout(opts.Timeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")
	if opts.Token != "" {
		c.SetAuthToken(opts.Token)
	}
	return &Client{http: c, retry: opts.Retry}
}

// Classify treats 429, 5xx and network failures as transient.
func Classify(err error) retry.Class {
	var se *StatusError
	if errors.As(err, &se) {
		if se.Status == http.StatusTooManyRequests || se.Status >= 500 {
			return retry.Transient
		}
		return retry.Permanent
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return retry.Transient
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return retry.Transient
	}
	return retry.Permanent
}

func (c *Client) request(ctx context.Context) *resty.Request {
	return c.http.R().SetContext(ctx).SetError(&errorBody{})
}

func check(resp *resty.Response, err error) error {
	if err != nil {
		return fmt.Errorf("task service request: %w", err)
	}
	if !resp.IsError() {
		return nil
	}
	switch resp.StatusCode() {
	case http.StatusNotFound:
		return taskstore.ErrNotFound
	case http.StatusConflict, http.StatusPreconditionFailed:
		return taskstore.ErrConflict
	}
	se := &StatusError{Status: resp.StatusCode()}
	if body, ok := resp.Error().(*errorBody); ok && body != nil {
		se.Message = body.Error
	}
	return se
}

func (c *Client) Create(ctx context.Context, owner string, in taskstore.NewTask) (taskstore.Task, error) {
	if err := in.Normalize(); err != nil {
		return taskstore.Task{}, err
	}
	var out taskstore.Task
	resp, err := c.request(ctx).
		SetPathParam("owner", owner).
		SetBody(in).
		SetResult(&out).
		Post("/owners/{owner}/tasks")
	if err := check(resp, err); err != nil {
		return taskstore.Task{}, err
	}
	return out, nil
}

func (c *Client) List(ctx context.Context, owner string, status taskstore.StatusFilter, limit int) ([]taskstore.Task, error) {
	return retry.Do(ctx, c.retry, Classify, func(ctx context.Context) ([]taskstore.Task, error) {
		var out []taskstore.Task
		req := c.request(ctx).
			SetPathParam("owner", owner).
			SetQueryParam("status", string(status)).
			SetResult(&out)
		if limit > 0 {
			req.SetQueryParam("limit", strconv.Itoa(limit))
		}
		resp, err := req.Get("/owners/{owner}/tasks")
		if err := check(resp, err); err != nil {
			return nil, err
		}
		return out, nil
	})
}

func (c *Client) Lookup(ctx context.Context, id int64) (taskstore.Task, error) {
	return retry.Do(ctx, c.retry, Classify, func(ctx context.Context) (taskstore.Task, error) {
		var out taskstore.Task
		resp, err := c.request(ctx).
			SetPathParam("id", strconv.FormatInt(id, 10)).
			SetResult(&out).
			Get("/tasks/{id}")
		if err := check(resp, err); err != nil {
			return taskstore.Task{}, err
		}
		return out, nil
	})
}

func (c *Client) Update(ctx context.Context, owner string, id int64, patch taskstore.Patch) (taskstore.Task, error) {
	if err := patch.Normalize(); err != nil {
		return taskstore.Task{}, err
	}
	var out taskstore.Task
	resp, err := c.request(ctx).
		SetPathParams(map[string]string{"owner": owner, "id": strconv.FormatInt(id, 10)}).
		SetBody(patch).
		SetResult(&out).
		Patch("/owners/{owner}/tasks/{id}")
	if err := check(resp, err); err != nil {
		return taskstore.Task{}, err
	}
	return out, nil
}

func (c *Client) SetCompleted(ctx context.Context, owner string, id int64, completed *bool) (taskstore.Task, error) {
	var out taskstore.Task
	req := c.request(ctx).
		SetPathParams(map[string]string{"owner": owner, "id": strconv.FormatInt(id, 10)}).
		SetResult(&out)
	if completed != nil {
		req.SetBody(map[string]bool{"completed": *completed})
	}
	resp, err := req.Post("/owners/{owner}/tasks/{id}/complete")
	if err := check(resp, err); err != nil {
		return taskstore.Task{}, err
	}
	return out, nil
}

func (c *Client) Delete(ctx context.Context, owner string, id int64) error {
	resp, err := c.request(ctx).
		SetPathParams(map[string]string{"owner": owner, "id": strconv.FormatInt(id, 10)}).
		Delete("/owners/{owner}/tasks/{id}")
	return check(resp, err)
}

// Summary is computed client-side from the full list; the REST service has
// no aggregate endpoint.
func (c *Client) Summary(ctx context.Context, owner string) (taskstore.Summary, error) {
	tasks, err := c.List(ctx, owner, taskstore.StatusAll, 0)
	if err != nil {
		return taskstore.Summary{}, err
	}
	return taskstore.Summarize(tasks), nil
}
