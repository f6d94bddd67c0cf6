// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/AleutianMetagame/pkg/validation"
	"github.com/AleutianAI/AleutianMetagame/services/metagame/normalize"
	"github.com/AleutianAI/AleutianMetagame/services/metagame/resilience"
	"github.com/AleutianAI/AleutianMetagame/services/metagame/telemetry"
)

var tracer = otel.Tracer("metagame/source")

// HTTPConfig configures an HTTPSource.
type HTTPConfig struct {
	Name    string
	Kind    normalize.SourceKind
	BaseURL string

	// ListPath returns a JSON array of tournament ids. Default: "/tournaments"
	ListPath string

	// FetchPath returns one payload. Default: "/tournaments/{id}"
	FetchPath string

	Headers map[string]string

	// Timeout bounds a single request. Default: 30s
	Timeout time.Duration
}

// HTTPSource fetches payloads from a JSON HTTP API.
type HTTPSource struct {
	name      string
	kind      normalize.SourceKind
	listPath  string
	fetchPath string
	http      *resty.Client
}

// NewHTTPSource creates an HTTPSource. Resty's own retries are disabled.
func NewHTTPSource(cfg HTTPConfig) *HTTPSource {
	if cfg.ListPath == "" {
		cfg.ListPath = "/tournaments"
	}
	if cfg.FetchPath == "" {
		cfg.FetchPath = "/tournaments/{id}"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetRetryCount(0).
		SetHeader("Accept", "application/json").
		SetHeader("User-Agent", "aleutian-metagame/1.0")
	for k, v := range cfg.Headers {
		client.SetHeader(k, v)
	}
	instrument(client)

	return &HTTPSource{
		name:      cfg.Name,
		kind:      cfg.Kind,
		listPath:  cfg.ListPath,
		fetchPath: cfg.FetchPath,
		http:      client,
	}
}

func (s *HTTPSource) Name() string               { return s.name }
func (s *HTTPSource) Kind() normalize.SourceKind { return s.kind }

// List returns the ids published at ListPath.
func (s *HTTPSource) List(ctx context.Context) ([]string, error) {
	op := s.name + " list"
	resp, err := s.http.R().SetContext(ctx).Get(s.listPath)
	if err := classify(ctx, op, resp, err); err != nil {
		return nil, err
	}
	var ids []string
	if err := json.Unmarshal(resp.Body(), &ids); err != nil {
		return nil, fmt.Errorf("%s: decode id list: %w", op, err)
	}
	return ids, nil
}

// Fetch returns the payload at FetchPath for id.
func (s *HTTPSource) Fetch(ctx context.Context, id string) ([]byte, error) {
	if err := validation.ValidateID(id); err != nil {
		return nil, err
	}
	op := s.name + " fetch " + id
	resp, err := s.http.R().SetContext(ctx).SetPathParam("id", id).Get(s.fetchPath)
	if err := classify(ctx, op, resp, err); err != nil {
		return nil, err
	}
	return resp.Body(), nil
}

// classify maps a response to the fetch error taxonomy: throttling, 5xx
// and connection failures are transient, 404 is ErrNotFound, any other
// non-2xx is permanent.
func classify(ctx context.Context, op string, resp *resty.Response, err error) error {
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &resilience.TransientFetchError{Op: op, Err: err}
	}
	code := resp.StatusCode()
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusTooManyRequests || code >= 500:
		return &resilience.TransientFetchError{Op: op, StatusCode: code, Err: errors.New(resp.Status())}
	case code == http.StatusNotFound:
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	default:
		return fmt.Errorf("%s: unexpected status %d", op, code)
	}
}

type spanKey struct{}

// instrument wraps each request in a client span.
func instrument(client *resty.Client) {
	client.OnBeforeRequest(func(_ *resty.Client, req *resty.Request) error {
		ctx, span := tracer.Start(req.Context(), "http "+req.Method, trace.WithSpanKind(trace.SpanKindClient))
		req.SetContext(context.WithValue(ctx, spanKey{}, span))
		telemetry.InjectContext(ctx, req.Header)
		return nil
	})
	client.OnAfterResponse(func(_ *resty.Client, resp *resty.Response) error {
		span, ok := resp.Request.Context().Value(spanKey{}).(trace.Span)
		if !ok {
			return nil
		}
		defer span.End()
		span.SetAttributes(
			attribute.String("http.url", resp.Request.URL),
			attribute.Int("http.status_code", resp.StatusCode()),
			attribute.Int("http.response_size", len(resp.Body())),
		)
		if resp.StatusCode() >= 400 {
			span.SetStatus(codes.Error, resp.Status())
		}
		return nil
	})
	client.OnError(func(req *resty.Request, err error) {
		span, ok := req.Context().Value(spanKey{}).(trace.Span)
		if !ok {
			return
		}
		defer span.End()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	})
}
