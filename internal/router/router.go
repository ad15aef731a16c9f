// Package router manages the edge router's traffic-forwarding rule that
// exposes a subscriber device for remote access.
package router

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/aridhom/nuxgate/internal/faults"
	"github.com/aridhom/nuxgate/internal/retry"
)

// Rule actions reported by EnsureForwardRule.
const (
	ActionCreated = "created"
	ActionUpdated = "updated"
)

// Result describes the forwarding rule after the call.
type Result struct {
	Action  string
	Comment string
	Dst     string
}

// Client ensures the forwarding rule exists toward a device address.
type Client interface {
	EnsureForwardRule(ctx context.Context, toAddress string, toPort int) (Result, error)
}

// Config identifies the router's REST endpoint and the fixed rule identity.
type Config struct {
	BaseURL  string
	Username string
	Password string

	PublicAddress string
	PublicPort    int
	Comment       string
}

// RESTClient drives a RouterOS-style REST API: look the rule up by its
// comment, then patch it in place or create it.
type RESTClient struct {
	cfg    Config
	http   *http.Client
	logger *slog.Logger
}

// NewRESTClient validates the fixed rule identity up front so a misconfigured
// deployment fails at startup rather than on first use.
func NewRESTClient(cfg Config, httpClient *http.Client, logger *slog.Logger) (*RESTClient, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, fmt.Errorf("router: base url required")
	}
	if strings.TrimSpace(cfg.PublicAddress) == "" {
		return nil, fmt.Errorf("router: public address required")
	}
	if cfg.PublicPort <= 0 {
		return nil, fmt.Errorf("router: public port required")
	}
	if strings.TrimSpace(cfg.Comment) == "" {
		return nil, fmt.Errorf("router: rule comment required")
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 8 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RESTClient{
		cfg:    cfg,
		http:   httpClient,
		logger: logger.With(slog.String("agent", "router_client")),
	}, nil
}

const natPath = "/rest/ip/firewall/nat"

func (c *RESTClient) EnsureForwardRule(ctx context.Context, toAddress string, toPort int) (Result, error) {
	if strings.TrimSpace(toAddress) == "" {
		return Result{}, faults.Gatewayf("device address unknown")
	}
	if toPort <= 0 {
		toPort = 80
	}

	ruleID, err := c.findRuleID(ctx)
	if err != nil {
		return Result{}, err
	}

	payload := map[string]string{
		"chain":        "dstnat",
		"protocol":     "tcp",
		"dst-address":  strings.TrimSpace(c.cfg.PublicAddress),
		"dst-port":     strconv.Itoa(c.cfg.PublicPort),
		"action":       "dst-nat",
		"to-addresses": strings.TrimSpace(toAddress),
		"to-ports":     strconv.Itoa(toPort),
		"comment":      strings.TrimSpace(c.cfg.Comment),
		"disabled":     "no",
	}

	action := ActionCreated
	method := http.MethodPut
	path := natPath
	if ruleID != "" {
		action = ActionUpdated
		method = http.MethodPatch
		path = natPath + "/" + url.PathEscape(ruleID)
	}
	if err := c.do(ctx, method, path, payload, nil); err != nil {
		return Result{}, err
	}

	return Result{
		Action:  action,
		Comment: strings.TrimSpace(c.cfg.Comment),
		Dst:     fmt.Sprintf("%s:%d", strings.TrimSpace(c.cfg.PublicAddress), c.cfg.PublicPort),
	}, nil
}

func (c *RESTClient) findRuleID(ctx context.Context) (string, error) {
	var rules []map[string]any
	query := natPath + "?comment=" + url.QueryEscape(strings.TrimSpace(c.cfg.Comment))
	if err := c.do(ctx, http.MethodGet, query, nil, &rules); err != nil {
		return "", err
	}
	if len(rules) == 0 {
		return "", nil
	}
	id, _ := rules[0][".id"].(string)
	return id, nil
}

func (c *RESTClient) do(ctx context.Context, method, path string, payload map[string]string, out any) error {
	var body []byte
	if payload != nil {
		var err error
		body, err = json.Marshal(payload)
		if err != nil {
			return faults.Internal(err)
		}
	}

	err := retry.Do(ctx, c.logger, "router "+method, func(ctx context.Context) error {
		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(c.cfg.BaseURL, "/")+path, reader)
		if err != nil {
			return err
		}
		req.SetBasicAuth(c.cfg.Username, c.cfg.Password)
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 400 {
			detail, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<12))
			return faults.Gatewayf("router api returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(detail)))
		}
		if out != nil {
			if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(out); err != nil {
				return faults.Gateway("router response unreadable", err)
			}
		}
		return nil
	})
	if err != nil {
		if retry.Transient(err) {
			return faults.Timeout("router unreachable", err)
		}
		return err
	}
	return nil
}
