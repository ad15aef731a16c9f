package billing

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/aridhom/nuxgate/internal/faults"
)

// SubscriberPackage pairs a customer with their current PPPoE package, when
// one exists.
type SubscriberPackage struct {
	Customer Customer
	Package  *Package
}

const (
	defaultListConcurrency = 10
	defaultListBudget      = 8 * time.Second
)

// ListSubscribersWithPackage fans out per-subscriber detail fetches for one
// customer-list page under a concurrency cap and an overall deadline.
// Results are collected as they complete and sorted by username,
// case-insensitively, so the output is deterministic regardless of downstream
// latency variance. When the deadline elapses before all fetches finish the
// whole call fails with a timeout; partial progress is discarded.
func (s *Service) ListSubscribersWithPackage(ctx context.Context, page int, includeInactive bool, concurrency int, budget time.Duration) ([]SubscriberPackage, error) {
	if concurrency <= 0 {
		concurrency = defaultListConcurrency
	}
	if budget <= 0 {
		budget = defaultListBudget
	}
	ctx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	rows, err := s.ListCustomers(ctx, "Active", "", page)
	if err != nil {
		return nil, err
	}
	if includeInactive {
		inactive, err := s.ListCustomers(ctx, "Inactive", "", page)
		if err != nil {
			return nil, err
		}
		rows = append(rows, inactive...)
	}

	ids := make([]int, 0, len(rows))
	for _, row := range rows {
		if !strings.EqualFold(asString(row["service_type"]), ServiceTypePPPoE) {
			continue
		}
		if id, ok := asInt(row["id"]); ok {
			ids = append(ids, id)
		}
	}

	type fetchResult struct {
		item SubscriberPackage
		err  error
	}
	results := make(chan fetchResult, len(ids))
	sem := make(chan struct{}, concurrency)

	for _, id := range ids {
		go func(customerID int) {
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				results <- fetchResult{err: ctx.Err()}
				return
			}
			defer func() { <-sem }()

			view, err := s.CustomerViewByID(ctx, customerID)
			if err != nil {
				results <- fetchResult{err: err}
				return
			}
			customer, err := ParseCustomer(view)
			if err != nil {
				results <- fetchResult{err: err}
				return
			}
			item := SubscriberPackage{Customer: customer}
			if pkg, ok := PickActivePPPoEPackage(ParsePackages(view)); ok {
				item.Package = &pkg
			}
			results <- fetchResult{item: item}
		}(id)
	}

	out := make([]SubscriberPackage, 0, len(ids))
	for range ids {
		select {
		case res := <-results:
			if res.err != nil {
				if errors.Is(res.err, context.DeadlineExceeded) {
					return nil, faults.Timeout("subscriber aggregation deadline elapsed", res.err)
				}
				return nil, res.err
			}
			out = append(out, res.item)
		case <-ctx.Done():
			return nil, faults.Timeout("subscriber aggregation deadline elapsed", ctx.Err())
		}
	}

	sort.Slice(out, func(i, j int) bool {
		return strings.ToLower(out[i].Customer.Username) < strings.ToLower(out[j].Customer.Username)
	})
	return out, nil
}
