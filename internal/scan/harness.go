// Package scan drives paginated listings across every account and region
// with per-item and per-scope failure isolation.
package scan

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
)

// ErrRepeatedCursor reports a listing that handed back a cursor it had already returned.
var ErrRepeatedCursor = errors.New("listing returned a continuation token seen before")

// Context field names attached to reported exceptions.
const (
	FieldJob     = "job"
	FieldAccount = "aws_account_id"
	FieldRegion  = "aws_region"
)

// ExceptionSink receives failures that a sweep recovered from.
type ExceptionSink interface {
	OnException(err error, fields map[string]string)
}

// AccountSource enumerates the accounts a sweep covers.
type AccountSource interface {
	Accounts(ctx context.Context) ([]string, error)
}

// Page is one slice of a listing. An empty Next ends the listing.
type Page[T any] struct {
	Items []T
	Next  string
}

// Target is the scope an item was listed in.
type Target[C any] struct {
	AccountID string
	Region    string
	Client    C
}

// Harness walks accounts × regions × pages and hands every item to Handle.
type Harness[C, T any] struct {
	Job        string
	Accounts   AccountSource
	Regions    []string
	Connect    func(ctx context.Context, accountID, region string) (C, error)
	List       func(ctx context.Context, client C, cursor string) (Page[T], error)
	Handle     func(ctx context.Context, target Target[C], item T) error
	ItemID     func(item T) string
	ItemKey    string
	Exceptions ExceptionSink
}

// Stats summarizes one sweep.
type Stats struct {
	Pages         int
	Items         int
	ItemFailures  int
	ScopeFailures int
}

// Run performs one sweep. It only returns an error when the account list
// cannot be obtained or the context is cancelled.
func (h *Harness[C, T]) Run(ctx context.Context) (Stats, error) {
	var stats Stats

	accounts, err := h.Accounts.Accounts(ctx)
	if err != nil {
		return stats, fmt.Errorf("%s: list accounts: %w", h.Job, err)
	}

	for _, account := range accounts {
		for _, region := range h.Regions {
			if err := ctx.Err(); err != nil {
				return stats, err
			}
			if err := h.scope(ctx, account, region, &stats); err != nil {
				h.report(err, h.fields(account, region))
				stats.ScopeFailures++
			}
		}
	}

	return stats, ctx.Err()
}

func (h *Harness[C, T]) scope(ctx context.Context, account, region string, stats *Stats) error {
	client, err := h.Connect(ctx, account, region)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	target := Target[C]{AccountID: account, Region: region, Client: client}

	seen := make(map[string]struct{})
	cursor := ""
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		page, err := h.List(ctx, client, cursor)
		if err != nil {
			return fmt.Errorf("list: %w", err)
		}
		stats.Pages++

		for _, item := range page.Items {
			if ctx.Err() != nil {
				return nil
			}
			stats.Items++
			if err := h.handle(ctx, target, item); err != nil {
				fields := h.fields(account, region)
				if h.ItemKey != "" && h.ItemID != nil {
					fields[h.ItemKey] = h.ItemID(item)
				}
				h.report(err, fields)
				stats.ItemFailures++
			}
		}

		next := strings.TrimSpace(page.Next)
		if next == "" {
			return nil
		}
		if _, dup := seen[next]; dup {
			return fmt.Errorf("%w: %q", ErrRepeatedCursor, next)
		}
		seen[next] = struct{}{}
		cursor = next
	}
}

func (h *Harness[C, T]) handle(ctx context.Context, target Target[C], item T) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return h.Handle(ctx, target, item)
}

func (h *Harness[C, T]) fields(account, region string) map[string]string {
	return map[string]string{
		FieldJob:     h.Job,
		FieldAccount: account,
		FieldRegion:  region,
	}
}

func (h *Harness[C, T]) report(err error, fields map[string]string) {
	if h.Exceptions != nil {
		h.Exceptions.OnException(err, fields)
		return
	}
	evt := log.Error().Err(err)
	for k, v := range fields {
		evt = evt.Str(k, v)
	}
	evt.Msg("scan failure")
}
