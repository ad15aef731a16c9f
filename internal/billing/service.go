package billing

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/aridhom/nuxgate/internal/cache"
	"github.com/aridhom/nuxgate/internal/faults"
	"github.com/aridhom/nuxgate/internal/metrics"
)

// Cache space bounds. TTLs define the accepted staleness window for each read
// path; capacity is enforced by the memory backend's LRU eviction.
const (
	customersCacheCapacity = 200
	customersCacheTTL      = 15 * time.Second

	viewCacheCapacity = 500
	viewCacheTTL      = 30 * time.Second

	planSearchCacheCapacity = 200
	planSearchCacheTTL      = 300 * time.Second

	planListCacheCapacity = 200
	planListCacheTTL      = 60 * time.Second
)

// Service layers the read-through caches and entity normalization over the
// billing client. Successful mutations evict the affected customer-detail
// keys so operators do not observe the full TTL of staleness after a write;
// the list and plan spaces are left to age out on their own.
type Service struct {
	client  *Client
	logger  *slog.Logger
	metrics *metrics.Recorder

	customers  cache.Store
	views      cache.Store
	planSearch cache.Store
	planList   cache.Store
}

// NewService builds the gateway service on top of the provided cache backend.
func NewService(client *Client, caches cache.Provider, logger *slog.Logger, rec *metrics.Recorder) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		client:     client,
		logger:     logger.With(slog.String("agent", "billing_service")),
		metrics:    rec,
		customers:  caches.Space("customers", customersCacheCapacity),
		views:      caches.Space("customer_view", viewCacheCapacity),
		planSearch: caches.Space("plan_search", planSearchCacheCapacity),
		planList:   caches.Space("plan_list", planListCacheCapacity),
	}
}

// ListCustomers returns one page of the customer list filtered by account
// status and free-text search, ordered by username ascending downstream.
func (s *Service) ListCustomers(ctx context.Context, status, search string, page int) ([]map[string]any, error) {
	key := fmt.Sprintf("customers:%s:%s:%d", status, search, page)
	var cached []map[string]any
	if s.lookup(ctx, s.customers, "customers", key, &cached) {
		return cached, nil
	}

	params := url.Values{}
	params.Set("filter", status)
	params.Set("search", search)
	params.Set("order", "username")
	params.Set("orderby", "asc")
	params.Set("p", strconv.Itoa(page))
	result, err := s.client.Get(ctx, "customers", params)
	if err != nil {
		return nil, err
	}

	rows, _ := result["d"].([]any)
	customers := make([]map[string]any, 0, len(rows))
	for _, row := range rows {
		if m, ok := row.(map[string]any); ok {
			customers = append(customers, m)
		}
	}
	s.store(ctx, s.customers, "customers", key, customers, customersCacheTTL)
	return customers, nil
}

// CustomerViewByID returns the raw detail view for a customer id, including
// the packages and activation arrays.
func (s *Service) CustomerViewByID(ctx context.Context, customerID int) (map[string]any, error) {
	key := fmt.Sprintf("customer_view:%d", customerID)
	var cached map[string]any
	if s.lookup(ctx, s.views, "customer_view", key, &cached) {
		return cached, nil
	}

	result, err := s.client.Get(ctx, fmt.Sprintf("customers/view/%d/activation", customerID), nil)
	if err != nil {
		return nil, err
	}
	s.store(ctx, s.views, "customer_view", key, result, viewCacheTTL)
	return result, nil
}

// CustomerViewByUsername returns the raw detail view looked up by username.
func (s *Service) CustomerViewByUsername(ctx context.Context, username string) (map[string]any, error) {
	key := "customer_viewu:" + username
	var cached map[string]any
	if s.lookup(ctx, s.views, "customer_view", key, &cached) {
		return cached, nil
	}

	result, err := s.client.Get(ctx, "customers/viewu/"+username, nil)
	if err != nil {
		return nil, err
	}
	s.store(ctx, s.views, "customer_view", key, result, viewCacheTTL)
	return result, nil
}

// SearchPlans returns PPPoE plans matching a free-text query.
func (s *Service) SearchPlans(ctx context.Context, query string) ([]Plan, error) {
	key := "pppoe_plans:" + strings.ToLower(query)
	var cached []Plan
	if s.lookup(ctx, s.planSearch, "plan_search", key, &cached) {
		return cached, nil
	}

	params := url.Values{}
	params.Set("name", query)
	params.Set("p", "1")
	result, err := s.client.Get(ctx, "services/pppoe", params)
	if err != nil {
		return nil, err
	}

	rows, _ := result["d"].([]any)
	plans := parsePlans(rows)
	s.store(ctx, s.planSearch, "plan_search", key, plans, planSearchCacheTTL)
	return plans, nil
}

// ListPlans returns one page of PPPoE plans, optionally filtered by name.
func (s *Service) ListPlans(ctx context.Context, page int, name string) ([]Plan, error) {
	key := fmt.Sprintf("pppoe_plans_list:%d:%s", page, strings.ToLower(name))
	var cached []Plan
	if s.lookup(ctx, s.planList, "plan_list", key, &cached) {
		return cached, nil
	}

	params := url.Values{}
	params.Set("name", name)
	params.Set("p", strconv.Itoa(page))
	result, err := s.client.Get(ctx, "services/pppoe", params)
	if err != nil {
		return nil, err
	}

	rows, _ := result["d"].([]any)
	plans := parsePlans(rows)
	s.store(ctx, s.planList, "plan_list", key, plans, planListCacheTTL)
	return plans, nil
}

// FindPlanBestMatch picks the plan for a free-text query: exact name match
// first, then the shortest name containing the query, else the first result.
func (s *Service) FindPlanBestMatch(ctx context.Context, query string) (Plan, error) {
	plans, err := s.SearchPlans(ctx, query)
	if err != nil {
		return Plan{}, err
	}
	if len(plans) == 0 {
		return Plan{}, faults.Gatewayf("no PPPoE plan matches %q", query)
	}

	q := strings.ToLower(strings.TrimSpace(query))
	for _, p := range plans {
		if strings.ToLower(strings.TrimSpace(p.Name)) == q {
			return p, nil
		}
	}

	var contains []Plan
	for _, p := range plans {
		if strings.Contains(strings.ToLower(strings.TrimSpace(p.Name)), q) {
			contains = append(contains, p)
		}
	}
	if len(contains) > 0 {
		sort.Slice(contains, func(i, j int) bool { return len(contains[i].Name) < len(contains[j].Name) })
		return contains[0], nil
	}
	return plans[0], nil
}

// Recharge assigns the plan to the customer using the given payment tag.
func (s *Service) Recharge(ctx context.Context, customer Customer, plan Plan, using string) error {
	return s.RechargeByPlanID(ctx, customer, plan.ID, plan.ServerName(), using)
}

// RechargeByPlanID recharges with an explicit plan id and server name.
func (s *Service) RechargeByPlanID(ctx context.Context, customer Customer, planID int, server, using string) error {
	form := url.Values{}
	form.Set("id_customer", strconv.Itoa(customer.ID))
	form.Set("server", server)
	form.Set("plan", strconv.Itoa(planID))
	form.Set("using", using)
	form.Set("svoucher", "")
	if _, err := s.client.PostForm(ctx, "plan/recharge-post", form); err != nil {
		return err
	}
	s.evictCustomerView(ctx, customer)
	return nil
}

// Deactivate turns off the given plan for the customer.
func (s *Service) Deactivate(ctx context.Context, customer Customer, planID int) error {
	if _, err := s.client.Get(ctx, fmt.Sprintf("customers/deactivate/%d/%d", customer.ID, planID), nil); err != nil {
		return err
	}
	s.evictCustomerView(ctx, customer)
	return nil
}

// Sync re-pushes the customer's provisioning state downstream.
func (s *Service) Sync(ctx context.Context, customer Customer) error {
	if _, err := s.client.Get(ctx, fmt.Sprintf("customers/sync/%d", customer.ID), nil); err != nil {
		return err
	}
	s.evictCustomerView(ctx, customer)
	return nil
}

func (s *Service) evictCustomerView(ctx context.Context, customer Customer) {
	keys := []string{fmt.Sprintf("customer_view:%d", customer.ID)}
	if customer.Username != "" {
		keys = append(keys, "customer_viewu:"+customer.Username)
	}
	for _, key := range keys {
		if err := s.views.Delete(ctx, key); err != nil {
			s.logger.Warn("customer view eviction failed", slog.String("key", key), slog.Any("error", err))
		}
	}
}

// lookup deserializes a cached payload into out, reporting a hit. Cache
// failures degrade to misses so the read path stays available.
func (s *Service) lookup(ctx context.Context, store cache.Store, space, key string, out any) bool {
	payload, ok, err := store.Get(ctx, key)
	if err != nil {
		s.metrics.ObserveCacheLookup(space, metrics.CacheLookupError)
		s.logger.Warn("cache lookup failed", slog.String("space", space), slog.Any("error", err))
		return false
	}
	if !ok {
		s.metrics.ObserveCacheLookup(space, metrics.CacheLookupMiss)
		return false
	}
	if err := json.Unmarshal(payload, out); err != nil {
		s.metrics.ObserveCacheLookup(space, metrics.CacheLookupError)
		s.logger.Warn("cache payload unreadable", slog.String("space", space), slog.Any("error", err))
		return false
	}
	s.metrics.ObserveCacheLookup(space, metrics.CacheLookupHit)
	return true
}

func (s *Service) store(ctx context.Context, store cache.Store, space, key string, value any, ttl time.Duration) {
	payload, err := json.Marshal(value)
	if err == nil {
		err = store.Set(ctx, key, payload, ttl)
	}
	s.metrics.ObserveCacheStore(space, err)
	if err != nil {
		s.logger.Warn("cache store failed", slog.String("space", space), slog.Any("error", err))
	}
}
