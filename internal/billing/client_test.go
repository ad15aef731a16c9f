package billing

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aridhom/nuxgate/internal/faults"
)

// fakeBilling emulates the billing API: a login route handing out dot-
// delimited tokens and authenticated routes answering JSON envelopes.
type fakeBilling struct {
	t   *testing.T
	srv *httptest.Server

	mu     sync.Mutex
	token  string
	serial int
	logins int
	calls  map[string]int
	routes map[string]http.HandlerFunc
}

func newFakeBilling(t *testing.T) *fakeBilling {
	t.Helper()
	f := &fakeBilling{
		t:      t,
		calls:  map[string]int{},
		routes: map[string]http.HandlerFunc{},
	}
	f.srv = httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeBilling) serve(w http.ResponseWriter, r *http.Request) {
	route := r.URL.Query().Get("r")

	if route == "admin/post" {
		require.NoError(f.t, r.ParseForm())
		if r.PostForm.Get("username") != "admin" || r.PostForm.Get("password") != "secret" {
			writeEnvelope(w, false, "invalid credentials", nil)
			return
		}
		f.mu.Lock()
		f.logins++
		f.serial++
		f.token = fmt.Sprintf("u.p.%d.sig%d", time.Now().Unix(), f.serial)
		token := f.token
		f.mu.Unlock()
		writeEnvelope(w, true, "", map[string]any{"token": token})
		return
	}

	f.mu.Lock()
	current := f.token
	f.calls[route]++
	handler := f.routes[route]
	f.mu.Unlock()

	if r.URL.Query().Get("token") != current || current == "" {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	if handler != nil {
		handler(w, r)
		return
	}
	writeEnvelope(w, true, "", map[string]any{})
}

func (f *fakeBilling) handle(route string, handler http.HandlerFunc) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.routes[route] = handler
}

// rotateToken invalidates every previously issued token so the next
// authenticated request comes back 401.
func (f *fakeBilling) rotateToken() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.serial++
	f.token = fmt.Sprintf("u.p.%d.rotated%d", time.Now().Unix(), f.serial)
}

func (f *fakeBilling) loginCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.logins
}

func (f *fakeBilling) callCount(route string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[route]
}

func writeEnvelope(w http.ResponseWriter, success bool, message string, result map[string]any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"success": success,
		"message": message,
		"result":  result,
	})
}

func newTestClient(f *fakeBilling) *Client {
	return NewClient(Config{APIURL: f.srv.URL, Username: "admin", Password: "secret"}, nil, nil, nil)
}

func TestClientReusesToken(t *testing.T) {
	f := newFakeBilling(t)
	client := newTestClient(f)
	ctx := context.Background()

	_, err := client.Get(ctx, "customers", nil)
	require.NoError(t, err)
	_, err = client.Get(ctx, "customers", nil)
	require.NoError(t, err)

	require.Equal(t, 1, f.loginCount())
	require.Equal(t, 2, f.callCount("customers"))
}

func TestClientReloginAfterLifetime(t *testing.T) {
	f := newFakeBilling(t)
	client := newTestClient(f)
	ctx := context.Background()

	_, err := client.Get(ctx, "customers", nil)
	require.NoError(t, err)
	require.Equal(t, 1, f.loginCount())

	client.now = func() time.Time { return time.Now().Add(credentialLifetime + time.Hour) }
	_, err = client.Get(ctx, "customers", nil)
	require.NoError(t, err)
	require.Equal(t, 2, f.loginCount())
}

func TestClientRefreshesOnUnauthorized(t *testing.T) {
	f := newFakeBilling(t)
	client := newTestClient(f)
	ctx := context.Background()

	_, err := client.Get(ctx, "customers", nil)
	require.NoError(t, err)

	// The server rotates its session out from under the client; the next
	// request sees a 401, drops the credential, and retries once.
	f.rotateToken()
	_, err = client.Get(ctx, "customers", nil)
	require.NoError(t, err)
	require.Equal(t, 2, f.loginCount())
}

func TestClientSurfacesEnvelopeFailure(t *testing.T) {
	f := newFakeBilling(t)
	f.handle("plan/recharge-post", func(w http.ResponseWriter, _ *http.Request) {
		writeEnvelope(w, false, "plan not found", nil)
	})
	client := newTestClient(f)

	form := url.Values{}
	form.Set("plan", "99")
	_, err := client.PostForm(context.Background(), "plan/recharge-post", form)
	require.Error(t, err)
	require.Equal(t, faults.KindGateway, faults.KindOf(err))
	require.Contains(t, err.Error(), "plan not found")
}

func TestClientSurfacesHTTPStatus(t *testing.T) {
	f := newFakeBilling(t)
	f.handle("customers", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	client := newTestClient(f)

	_, err := client.Get(context.Background(), "customers", nil)
	require.Error(t, err)
	require.Equal(t, faults.KindGateway, faults.KindOf(err))
	require.Contains(t, err.Error(), "500")
}

func TestClientClassifiesUnreachableAPI(t *testing.T) {
	f := newFakeBilling(t)
	client := newTestClient(f)
	f.srv.Close()

	_, err := client.Get(context.Background(), "customers", nil)
	require.Error(t, err)
	require.Equal(t, faults.KindTimeout, faults.KindOf(err))
}

func TestParseCredential(t *testing.T) {
	tests := []struct {
		name       string
		token      string
		wantIssued bool
	}{
		{name: "four segments with epoch", token: "u.p.1700000000.sig", wantIssued: true},
		{name: "non numeric issuance", token: "u.p.abc.sig", wantIssued: false},
		{name: "wrong segment count", token: "u.p.sig", wantIssued: false},
		{name: "empty", token: "", wantIssued: false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cred := parseCredential(tc.token)
			require.Equal(t, tc.token, cred.Value)
			if tc.wantIssued {
				require.Equal(t, time.Unix(1700000000, 0), cred.IssuedAt)
				require.False(t, cred.Expired(time.Unix(1700000000, 0).Add(credentialLifetime-time.Hour)))
				require.True(t, cred.Expired(time.Unix(1700000000, 0).Add(credentialLifetime+time.Hour)))
			} else {
				require.True(t, cred.IssuedAt.IsZero())
				require.False(t, cred.Expired(time.Now().Add(1000*time.Hour)))
			}
		})
	}
}
