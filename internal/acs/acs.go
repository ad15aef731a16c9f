// Package acs talks to the auto-configuration server that owns subscriber
// CPE devices: it resolves device identities and parameter values and pushes
// WLAN configuration tasks.
package acs

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/aridhom/nuxgate/internal/faults"
	"github.com/aridhom/nuxgate/internal/retry"
)

// TR-069 parameter paths for the primary WLAN interface.
const (
	ParamSSID          = "InternetGatewayDevice.LANDevice.1.WLANConfiguration.1.SSID"
	ParamKeyPassphrase = "InternetGatewayDevice.LANDevice.1.WLANConfiguration.1.PreSharedKey.1.KeyPassphrase"
)

// Virtual parameter names provisioned on the ACS for subscriber devices.
const (
	ParamDeviceIP = "IPTR069"
	ParamRXPower  = "RXPower"
)

// Client is the surface the command layer needs from the ACS.
type Client interface {
	// DeviceIDByPPPoE resolves the device id for a subscriber's PPPoE account.
	DeviceIDByPPPoE(ctx context.Context, pppoeUsername string) (string, error)
	// VirtualParameter reads a virtual parameter value from a device record.
	VirtualParameter(ctx context.Context, deviceID, name string) (string, error)
	// SetWLANParameter queues a setParameterValues task and reports whether
	// the device applied it during the connection request.
	SetWLANParameter(ctx context.Context, deviceID, param, value string) (applied bool, err error)
}

// Config locates the ACS northbound API.
type Config struct {
	BaseURL  string
	Username string
	Password string
}

// HTTPClient implements Client against a GenieACS-style NBI.
type HTTPClient struct {
	cfg    Config
	http   *http.Client
	logger *slog.Logger
}

func NewHTTPClient(cfg Config, httpClient *http.Client, logger *slog.Logger) (*HTTPClient, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, fmt.Errorf("acs: base url required")
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 8 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPClient{
		cfg:    cfg,
		http:   httpClient,
		logger: logger.With(slog.String("agent", "acs_client")),
	}, nil
}

func (c *HTTPClient) DeviceIDByPPPoE(ctx context.Context, pppoeUsername string) (string, error) {
	pppoeUsername = strings.TrimSpace(pppoeUsername)
	if pppoeUsername == "" {
		return "", faults.Gatewayf("subscriber has no PPPoE account")
	}
	query, err := json.Marshal(map[string]string{
		"VirtualParameters.pppoeUsername._value": pppoeUsername,
	})
	if err != nil {
		return "", faults.Internal(err)
	}

	var devices []map[string]any
	path := "/devices?projection=_id&query=" + url.QueryEscape(string(query))
	if _, err := c.do(ctx, http.MethodGet, path, nil, &devices); err != nil {
		return "", err
	}
	if len(devices) == 0 {
		return "", faults.Gatewayf("no device found for %s", pppoeUsername)
	}
	id, _ := devices[0]["_id"].(string)
	if id == "" {
		return "", faults.Gatewayf("device record for %s has no id", pppoeUsername)
	}
	return id, nil
}

func (c *HTTPClient) VirtualParameter(ctx context.Context, deviceID, name string) (string, error) {
	query, err := json.Marshal(map[string]string{"_id": deviceID})
	if err != nil {
		return "", faults.Internal(err)
	}

	field := "VirtualParameters." + name
	var devices []map[string]any
	path := "/devices?projection=" + url.QueryEscape(field) + "&query=" + url.QueryEscape(string(query))
	if _, err := c.do(ctx, http.MethodGet, path, nil, &devices); err != nil {
		return "", err
	}
	if len(devices) == 0 {
		return "", faults.Gatewayf("device %s not found", deviceID)
	}

	vp, _ := devices[0]["VirtualParameters"].(map[string]any)
	entry, _ := vp[name].(map[string]any)
	value, _ := entry["_value"].(string)
	if value == "" {
		return "", faults.Gatewayf("device %s has no %s value", deviceID, name)
	}
	return value, nil
}

func (c *HTTPClient) SetWLANParameter(ctx context.Context, deviceID, param, value string) (bool, error) {
	task := map[string]any{
		"name":            "setParameterValues",
		"parameterValues": [][]any{{param, value, "xsd:string"}},
	}
	body, err := json.Marshal(task)
	if err != nil {
		return false, faults.Internal(err)
	}

	path := "/devices/" + url.PathEscape(deviceID) + "/tasks?connection_request"
	status, err := c.do(ctx, http.MethodPost, path, body, nil)
	if err != nil {
		return false, err
	}
	// 200 means the device was online and executed the task during the
	// connection request. 202 means it was queued for the next inform.
	return status == http.StatusOK, nil
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body []byte, out any) (int, error) {
	var status int
	err := retry.Do(ctx, c.logger, "acs "+method, func(ctx context.Context) error {
		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(c.cfg.BaseURL, "/")+path, reader)
		if err != nil {
			return err
		}
		if c.cfg.Username != "" {
			req.SetBasicAuth(c.cfg.Username, c.cfg.Password)
		}
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
			return faults.Gatewayf("acs returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(detail)))
		}
		status = resp.StatusCode
		if out != nil {
			if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(out); err != nil {
				return faults.Gateway("acs response unreadable", err)
			}
		}
		return nil
	})
	if err != nil {
		if retry.Transient(err) {
			return 0, faults.Timeout("acs unreachable", err)
		}
		return 0, err
	}
	return status, nil
}
