package acs

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/aridhom/nuxgate/internal/faults"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *HTTPClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	client, err := NewHTTPClient(Config{BaseURL: srv.URL}, nil, nil)
	require.NoError(t, err)
	return client
}

func TestDeviceIDByPPPoE(t *testing.T) {
	var gotQuery string
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query().Get("query")
		_ = json.NewEncoder(w).Encode([]map[string]any{{"_id": "dev-7"}})
	})

	id, err := client.DeviceIDByPPPoE(context.Background(), "alice@ppp")
	require.NoError(t, err)
	require.Equal(t, "dev-7", id)
	require.JSONEq(t, `{"VirtualParameters.pppoeUsername._value": "alice@ppp"}`, gotQuery)
}

func TestDeviceIDByPPPoENotFound(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode([]map[string]any{})
	})

	_, err := client.DeviceIDByPPPoE(context.Background(), "ghost@ppp")
	require.Error(t, err)
	require.Equal(t, faults.KindGateway, faults.KindOf(err))
}

func TestDeviceIDByPPPoEEmptyAccount(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		t.Fatal("no request expected")
	})

	_, err := client.DeviceIDByPPPoE(context.Background(), "  ")
	require.Error(t, err)
	require.Equal(t, faults.KindGateway, faults.KindOf(err))
}

func TestVirtualParameter(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "VirtualParameters.ip", r.URL.Query().Get("projection"))
		_ = json.NewEncoder(w).Encode([]map[string]any{{
			"_id": "dev-7",
			"VirtualParameters": map[string]any{
				"ip": map[string]any{"_value": "10.8.0.7"},
			},
		}})
	})

	value, err := client.VirtualParameter(context.Background(), "dev-7", "ip")
	require.NoError(t, err)
	require.Equal(t, "10.8.0.7", value)
}

func TestVirtualParameterMissingValue(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode([]map[string]any{{"_id": "dev-7"}})
	})

	_, err := client.VirtualParameter(context.Background(), "dev-7", "ip")
	require.Error(t, err)
	require.Equal(t, faults.KindGateway, faults.KindOf(err))
}

func TestSetWLANParameter(t *testing.T) {
	tests := []struct {
		name        string
		status      int
		wantApplied bool
	}{
		{name: "device online applies immediately", status: http.StatusOK, wantApplied: true},
		{name: "device offline queues the task", status: http.StatusAccepted, wantApplied: false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var gotPath string
			var gotTask map[string]any
			client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				gotPath = r.URL.Path
				require.NoError(t, json.NewDecoder(r.Body).Decode(&gotTask))
				w.WriteHeader(tc.status)
			})

			applied, err := client.SetWLANParameter(context.Background(), "dev-7", ParamSSID, "Home Wifi")
			require.NoError(t, err)
			require.Equal(t, tc.wantApplied, applied)
			require.Equal(t, "/devices/dev-7/tasks", gotPath)
			require.Equal(t, "setParameterValues", gotTask["name"])

			values := gotTask["parameterValues"].([]any)
			first := values[0].([]any)
			require.Equal(t, ParamSSID, first[0])
			require.Equal(t, "Home Wifi", first[1])
		})
	}
}

func TestSetWLANParameterSurfacesError(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "no such device", http.StatusNotFound)
	})

	_, err := client.SetWLANParameter(context.Background(), "dev-7", ParamSSID, "Home Wifi")
	require.Error(t, err)
	require.Equal(t, faults.KindGateway, faults.KindOf(err))
}
