package tyler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// flakyProvider returns queued errors in order, then succeeds.
type flakyProvider struct {
	mu          sync.Mutex
	failures    []error
	resp        *CompletionResponse
	chunkOnFail bool // stream: forward a chunk before returning the failure
	calls       int
}

func (p *flakyProvider) Name() string { return "flaky" }

func (p *flakyProvider) pop() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if len(p.failures) == 0 {
		return nil
	}
	err := p.failures[0]
	p.failures = p.failures[1:]
	return err
}

func (p *flakyProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func (p *flakyProvider) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	if err := p.pop(); err != nil {
		return nil, err
	}
	return p.resp, nil
}

func (p *flakyProvider) CompleteStream(ctx context.Context, req CompletionRequest, ch chan<- StreamChunk) error {
	defer close(ch)
	if err := p.pop(); err != nil {
		if p.chunkOnFail {
			ch <- StreamChunk{ContentDelta: "partial"}
		}
		return err
	}
	ch <- StreamChunk{ContentDelta: "All "}
	ch <- StreamChunk{ContentDelta: "good."}
	ch <- StreamChunk{Usage: &Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15}}
	return nil
}

func TestWithRetryFirstAttemptSucceeds(t *testing.T) {
	inner := &flakyProvider{resp: &CompletionResponse{Content: "ok"}}
	llm := WithRetry(inner, RetryBaseDelay(time.Millisecond))

	resp, err := llm.Complete(context.Background(), CompletionRequest{Model: "gpt-4o"})
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if resp.Content != "ok" {
		t.Errorf("Content = %q, want %q", resp.Content, "ok")
	}
	if got := inner.callCount(); got != 1 {
		t.Errorf("inner calls = %d, want 1", got)
	}
}

func TestWithRetryRecoversFrom429(t *testing.T) {
	inner := &flakyProvider{
		failures: []error{
			&ErrHTTP{Status: 429, Body: "rate limited"},
			&ErrHTTP{Status: 429, Body: "rate limited"},
		},
		resp: &CompletionResponse{Content: "finally"},
	}
	llm := WithRetry(inner, RetryBaseDelay(time.Millisecond))

	resp, err := llm.Complete(context.Background(), CompletionRequest{Model: "gpt-4o"})
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if resp.Content != "finally" {
		t.Errorf("Content = %q, want %q", resp.Content, "finally")
	}
	if got := inner.callCount(); got != 3 {
		t.Errorf("inner calls = %d, want 3", got)
	}
}

func TestWithRetryRecoversFrom503(t *testing.T) {
	inner := &flakyProvider{
		failures: []error{&ErrHTTP{Status: 503, Body: "overloaded"}},
		resp:     &CompletionResponse{Content: "back up"},
	}
	llm := WithRetry(inner, RetryBaseDelay(time.Millisecond))

	resp, err := llm.Complete(context.Background(), CompletionRequest{Model: "gpt-4o"})
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if resp.Content != "back up" {
		t.Errorf("Content = %q, want %q", resp.Content, "back up")
	}
	if got := inner.callCount(); got != 2 {
		t.Errorf("inner calls = %d, want 2", got)
	}
}

func TestWithRetryDoesNotRetryOtherStatus(t *testing.T) {
	inner := &flakyProvider{
		failures: []error{&ErrHTTP{Status: 500, Body: "internal"}},
		resp:     &CompletionResponse{Content: "unreached"},
	}
	llm := WithRetry(inner, RetryBaseDelay(time.Millisecond))

	_, err := llm.Complete(context.Background(), CompletionRequest{Model: "gpt-4o"})
	var httpErr *ErrHTTP
	if !errors.As(err, &httpErr) || httpErr.Status != 500 {
		t.Fatalf("Complete() error = %v, want ErrHTTP 500", err)
	}
	if got := inner.callCount(); got != 1 {
		t.Errorf("inner calls = %d, want 1", got)
	}
}

func TestWithRetryDoesNotRetryPlainErrors(t *testing.T) {
	inner := &flakyProvider{failures: []error{errors.New("connection refused")}}
	llm := WithRetry(inner, RetryBaseDelay(time.Millisecond))

	_, err := llm.Complete(context.Background(), CompletionRequest{Model: "gpt-4o"})
	if err == nil || err.Error() != "connection refused" {
		t.Fatalf("Complete() error = %v, want connection refused", err)
	}
	if got := inner.callCount(); got != 1 {
		t.Errorf("inner calls = %d, want 1", got)
	}
}

func TestWithRetryExhaustsAttempts(t *testing.T) {
	inner := &flakyProvider{
		failures: []error{
			&ErrHTTP{Status: 429, Body: "slow down"},
			&ErrHTTP{Status: 429, Body: "slow down"},
			&ErrHTTP{Status: 429, Body: "slow down"},
		},
	}
	llm := WithRetry(inner, RetryMaxAttempts(2), RetryBaseDelay(time.Millisecond))

	_, err := llm.Complete(context.Background(), CompletionRequest{Model: "gpt-4o"})
	var httpErr *ErrHTTP
	if !errors.As(err, &httpErr) || httpErr.Status != 429 {
		t.Fatalf("Complete() error = %v, want ErrHTTP 429", err)
	}
	if got := inner.callCount(); got != 2 {
		t.Errorf("inner calls = %d, want 2", got)
	}
}

func TestWithRetryHonorsContext(t *testing.T) {
	inner := &flakyProvider{
		failures: []error{
			&ErrHTTP{Status: 429, Body: "rate limited"},
			&ErrHTTP{Status: 429, Body: "rate limited"},
		},
	}
	llm := WithRetry(inner, RetryBaseDelay(time.Minute))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := llm.Complete(ctx, CompletionRequest{Model: "gpt-4o"})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Complete() error = %v, want deadline exceeded", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("Complete() took %v, should abort during backoff", elapsed)
	}
	if got := inner.callCount(); got != 1 {
		t.Errorf("inner calls = %d, want 1", got)
	}
}

func TestWithRetryTimeoutOption(t *testing.T) {
	inner := &flakyProvider{
		failures: []error{
			&ErrHTTP{Status: 429, Body: "rate limited"},
			&ErrHTTP{Status: 429, Body: "rate limited"},
		},
	}
	llm := WithRetry(inner, RetryBaseDelay(time.Minute), RetryTimeout(50*time.Millisecond))

	start := time.Now()
	_, err := llm.Complete(context.Background(), CompletionRequest{Model: "gpt-4o"})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Complete() error = %v, want deadline exceeded", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("Complete() took %v, should abort at the overall timeout", elapsed)
	}
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"429", &ErrHTTP{Status: 429}, true},
		{"503", &ErrHTTP{Status: 503}, true},
		{"500", &ErrHTTP{Status: 500}, false},
		{"404", &ErrHTTP{Status: 404}, false},
		{"plain error", errors.New("boom"), false},
		{"nil", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isTransient(tt.err); got != tt.want {
				t.Errorf("isTransient(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestRetryDelayRespectsRetryAfter(t *testing.T) {
	err := &ErrHTTP{Status: 429, Body: "rate limited", RetryAfter: 2 * time.Second}
	if got := retryDelay(time.Millisecond, 0, err); got != 2*time.Second {
		t.Errorf("retryDelay = %v, want 2s from Retry-After", got)
	}

	// Without Retry-After the delay is pure backoff: base*2^i plus up to 50% jitter.
	plain := &ErrHTTP{Status: 429, Body: "rate limited"}
	got := retryDelay(100*time.Millisecond, 1, plain)
	if got < 200*time.Millisecond || got > 300*time.Millisecond {
		t.Errorf("retryDelay = %v, want within [200ms, 300ms]", got)
	}
}

func TestRetryBackoffRange(t *testing.T) {
	base := 100 * time.Millisecond
	for i := 0; i < 4; i++ {
		exp := base * (1 << i)
		got := retryBackoff(base, i)
		if got < exp || got > exp+exp/2 {
			t.Errorf("retryBackoff(%v, %d) = %v, want within [%v, %v]", base, i, got, exp, exp+exp/2)
		}
	}
}

func TestWithRetryStreamRecovers(t *testing.T) {
	inner := &flakyProvider{
		failures: []error{&ErrHTTP{Status: 429, Body: "rate limited"}},
	}
	llm := WithRetry(inner, RetryBaseDelay(time.Millisecond))

	ch := make(chan StreamChunk, 16)
	err := llm.CompleteStream(context.Background(), CompletionRequest{Model: "gpt-4o"}, ch)
	if err != nil {
		t.Fatalf("CompleteStream() error = %v", err)
	}

	var content string
	var usage *Usage
	for chunk := range ch {
		content += chunk.ContentDelta
		if chunk.Usage != nil {
			usage = chunk.Usage
		}
	}
	if content != "All good." {
		t.Errorf("streamed content = %q, want %q", content, "All good.")
	}
	if usage == nil || usage.TotalTokens != 15 {
		t.Errorf("streamed usage = %+v, want total 15", usage)
	}
	if got := inner.callCount(); got != 2 {
		t.Errorf("inner calls = %d, want 2", got)
	}
}

func TestWithRetryStreamNoRetryAfterFirstChunk(t *testing.T) {
	inner := &flakyProvider{
		failures:    []error{&ErrHTTP{Status: 429, Body: "rate limited"}},
		chunkOnFail: true,
	}
	llm := WithRetry(inner, RetryBaseDelay(time.Millisecond))

	ch := make(chan StreamChunk, 16)
	err := llm.CompleteStream(context.Background(), CompletionRequest{Model: "gpt-4o"}, ch)
	var httpErr *ErrHTTP
	if !errors.As(err, &httpErr) || httpErr.Status != 429 {
		t.Fatalf("CompleteStream() error = %v, want ErrHTTP 429", err)
	}
	if got := inner.callCount(); got != 1 {
		t.Errorf("inner calls = %d, want 1: no retry once chunks were forwarded", got)
	}

	var chunks []StreamChunk
	for chunk := range ch {
		chunks = append(chunks, chunk)
	}
	if len(chunks) != 1 || chunks[0].ContentDelta != "partial" {
		t.Errorf("forwarded chunks = %+v, want the single partial delta", chunks)
	}
}

func TestWithRetryStreamExhaustsAttempts(t *testing.T) {
	inner := &flakyProvider{
		failures: []error{
			&ErrHTTP{Status: 503, Body: "overloaded"},
			&ErrHTTP{Status: 503, Body: "overloaded"},
		},
	}
	llm := WithRetry(inner, RetryMaxAttempts(2), RetryBaseDelay(time.Millisecond))

	ch := make(chan StreamChunk, 16)
	err := llm.CompleteStream(context.Background(), CompletionRequest{Model: "gpt-4o"}, ch)
	var httpErr *ErrHTTP
	if !errors.As(err, &httpErr) || httpErr.Status != 503 {
		t.Fatalf("CompleteStream() error = %v, want ErrHTTP 503", err)
	}
	if got := inner.callCount(); got != 2 {
		t.Errorf("inner calls = %d, want 2", got)
	}
	for range ch {
		t.Error("no chunks should be forwarded when every attempt fails before streaming")
	}
}

func TestWithRetryName(t *testing.T) {
	llm := WithRetry(&flakyProvider{})
	if got := llm.Name(); got != "flaky" {
		t.Errorf("Name() = %q, want %q", got, "flaky")
	}
}
