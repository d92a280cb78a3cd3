package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
)

// FiberFetcher sends requests through fiber's fasthttp-backed Agent.
type FiberFetcher struct{}

func NewFiberFetcher() *FiberFetcher {
	return &FiberFetcher{}
}

type fetchOutcome struct {
	resp *FetchResponse
	err  error
}

func (f *FiberFetcher) Fetch(ctx context.Context, req *FetchRequest) (*FetchResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	a := fiber.AcquireAgent()
	r := a.Request()
	r.Header.SetMethod(req.Method)
	r.SetRequestURI(req.URL)
	for k, values := range req.Header {
		for _, v := range values {
			r.Header.Add(k, v)
		}
	}
	if req.Body != nil {
		a.Body(req.Body)
	}
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining > 0 {
			a.Timeout(remaining)
		}
	}

	if err := a.Parse(); err != nil {
		fiber.ReleaseAgent(a)
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp := fiber.AcquireResponse()
	a.SetResponse(resp)

	done := make(chan fetchOutcome, 1)
	go func() {
		defer fiber.ReleaseResponse(resp)

		// Bytes releases the agent.
		code, body, errs := a.Bytes()
		if len(errs) > 0 {
			done <- fetchOutcome{err: fmt.Errorf("failed to send request: %w", errors.Join(errs...))}
			return
		}

		header := make(http.Header)
		resp.Header.VisitAll(func(key, value []byte) {
			header.Add(string(key), string(value))
		})
		done <- fetchOutcome{resp: &FetchResponse{Status: code, Header: header, Body: body}}
	}()

	select {
	case out := <-done:
		return out.resp, out.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
