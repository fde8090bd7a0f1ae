// Package safety defines the Safety Engine external contract (spec §2.E
// / §6): request/response content scanning that returns a verdict. On
// the completions path deploy.SafetyGate rejects an Ask verdict as
// Forbidden, the same as Block; Ask verdicts do not reach the firewall's
// interactive approval machinery.
//
// The contract is intentionally small: guardrail rule compilation and
// model inference are out of core scope (spec §1 Non-goals) and live in
// whatever concrete Engine implementation a deployment wires in. This
// package also ships one reference implementation, WordFilterEngine, for
// local testing and as a drop-in default when no ML-backed guardrail
// model is configured.
package safety

import (
	"context"
	"strings"

	"github.com/localrouter/localrouter/providers"
)

// Action is the closed tagged-variant safety verdict.
type Action int

const (
	SafetyAllow Action = iota
	SafetyWarn          // not blocked
	SafetyAsk           // rejected by deploy.SafetyGate; no approval prompt
	SafetyBlock
)

// Verdict is the result of a single scan.
type Verdict struct {
	Action Action
	Reason string
}

// Engine is the Safety Engine contract. Implementations may be rule-
// based (WordFilterEngine) or backed by an embedded classifier model;
// the Router only depends on this interface.
type Engine interface {
	// ScanRequest inspects an inbound completion request before
	// dispatch.
	ScanRequest(ctx context.Context, clientID string, req providers.Request) (Verdict, error)
	// ScanResponse inspects a completed response before it is returned
	// to the client.
	ScanResponse(ctx context.Context, clientID string, resp providers.Response) (Verdict, error)
}

// NoopEngine allows every request and response unconditionally. Used
// when guardrails are disabled for a client (spec §3:
// guardrails_enabled == Some(false) or no Engine configured at all).
type NoopEngine struct{}

func (NoopEngine) ScanRequest(context.Context, string, providers.Request) (Verdict, error) {
	return Verdict{Action: SafetyAllow}, nil
}

func (NoopEngine) ScanResponse(context.Context, string, providers.Response) (Verdict, error) {
	return Verdict{Action: SafetyAllow}, nil
}

// WordFilterEngine blocks requests and responses containing any
// configured blocked word or phrase.
type WordFilterEngine struct {
	BlockedWords  []string
	CaseSensitive bool
}

func (w *WordFilterEngine) matches(text string) (string, bool) {
	haystack := text
	if !w.CaseSensitive {
		haystack = strings.ToLower(haystack)
	}
	for _, word := range w.BlockedWords {
		needle := word
		if !w.CaseSensitive {
			needle = strings.ToLower(needle)
		}
		if strings.Contains(haystack, needle) {
			return word, true
		}
	}
	return "", false
}

func (w *WordFilterEngine) ScanRequest(_ context.Context, _ string, req providers.Request) (Verdict, error) {
	for _, msg := range req.Messages {
		if word, ok := w.matches(msg.Content); ok {
			return Verdict{Action: SafetyBlock, Reason: "blocked word detected: " + word}, nil
		}
	}
	return Verdict{Action: SafetyAllow}, nil
}

func (w *WordFilterEngine) ScanResponse(_ context.Context, _ string, resp providers.Response) (Verdict, error) {
	for _, choice := range resp.Choices {
		if word, ok := w.matches(choice.Message.Content); ok {
			return Verdict{Action: SafetyBlock, Reason: "blocked word detected: " + word}, nil
		}
	}
	return Verdict{Action: SafetyAllow}, nil
}

// Gate adapts an Engine into the router.SafetyGate interface (request-
// time scanning only; response scanning is invoked separately by
// whichever component returns the final response, since SafetyGate's
// contract is pre-dispatch only).
type Gate struct {
	Engine Engine
}

func (g Gate) CheckRequest(ctx context.Context, clientID string, req providers.Request) error {
	v, err := g.Engine.ScanRequest(ctx, clientID, req)
	if err != nil {
		return err
	}
	if v.Action == SafetyBlock {
		return &BlockedError{Reason: v.Reason}
	}
	return nil
}

// BlockedError signals a request rejected by the Safety Engine.
type BlockedError struct {
	Reason string
}

func (e *BlockedError) Error() string { return "request blocked by safety engine: " + e.Reason }
