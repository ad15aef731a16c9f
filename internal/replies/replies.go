// Package replies renders every user-facing message body. Defaults are
// compiled in; deployments can override individual templates by dropping
// <name>.tmpl files into a folder, optionally watched for live reloads.
package replies

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"text/template"

	sprig "github.com/Masterminds/sprig/v3"
)

// defaults holds the built-in template sources by name.
var defaults = map[string]string{
	"help": `Available commands:
/customer [page] [active] - list PPPoE subscribers (paginated)
/status <username> - subscriber detail
/recharge <username> <plan> - recharge onto a PPPoE plan
/activate <username> - reactivate a subscriber
/deactivate <username> - deactivate a subscriber
/remote <username> - open remote access to the subscriber device
/ssid <username> - change the device SSID
/password <username> - change the device WLAN passphrase
/cancel - abandon a pending change
/help - this text`,

	"status": `Name: {{ .FullName }}
Username: {{ .Username }}
Account: {{ .AccountStatus }}
{{- with .PPPoEUsername }}
PPPoE username: {{ . }}
{{- end }}
{{- with .ServiceType }}
Service type: {{ . }}
{{- end }}
{{- with .RXPower }}
RXPower: {{ . }} dBm
{{- end }}
Package: {{ .PackageLine | default "-" }}`,

	"customer_list": `PPPoE subscribers (page {{ .Page }}):
{{- range .Items }}
- {{ .FullName }} | {{ .Username }} | {{ .Status }} | {{ .PackageLine | default "-" }}
{{- end }}
{{- if gt .More 0 }}
... and {{ .More }} more
{{- end }}`,

	"customer_list_empty": `No PPPoE subscribers on this page.`,

	"recharge_ok":     `Recharge applied for {{ .Username }} with plan {{ .PlanName }}.`,
	"activate_ok":     `Activation applied for {{ .Username }} (plan id {{ .PlanID }}).`,
	"activate_synced": `Subscriber is still active. Sync triggered for {{ .Username }}.`,
	"activate_none":   `No PPPoE package history to reactivate.`,
	"deactivate_ok":   `Deactivation applied for {{ .Username }} (plan id {{ .PlanID }}).`,
	"deactivate_none": `No active PPPoE package to deactivate.`,

	"remote_ok": `Forwarding rule {{ .Action }} toward {{ .Dst }}.`,

	"ssid_prompt":     `Send the new SSID for {{ .Username }} (1-32 characters). /cancel to abort.`,
	"password_prompt": `Send the new WLAN passphrase for {{ .Username }} (8-63 characters). /cancel to abort.`,
	"confirm_prompt":  `Apply new {{ .Kind }} {{ .Value | quote }} for {{ .Username }}?`,
	"applied_now":     `New {{ .Kind }} applied for {{ .Username }}.`,
	"applied_queued":  `New {{ .Kind }} queued for {{ .Username }}; the device applies it on its next connection.`,
	"cancelled":       `Pending change cancelled.`,
	"no_pending":      `No pending change for this conversation.`,

	"denied":         `Access denied.`,
	"rate_limited":   `Rate limited. Try again shortly.`,
	"timeout":        `Timed out while processing. Try again.`,
	"internal_error": `An internal error occurred.`,
	"unknown":        `Unknown command.`,
}

// Renderer compiles and serves reply templates. It is safe for concurrent
// use; overrides swap templates atomically under the lock.
type Renderer struct {
	funcs template.FuncMap

	mu        sync.RWMutex
	templates map[string]*template.Template
}

// NewRenderer compiles the built-in templates with the sprig function map.
// Filesystem and environment helpers are removed so overrides cannot reach
// outside their folder.
func NewRenderer() (*Renderer, error) {
	funcs := sprig.TxtFuncMap()
	for _, name := range []string{"env", "expandenv", "readDir", "mustReadDir", "readFile", "mustReadFile", "glob"} {
		delete(funcs, name)
	}

	r := &Renderer{funcs: funcs, templates: make(map[string]*template.Template, len(defaults))}
	for name, source := range defaults {
		tmpl, err := r.compile(name, source)
		if err != nil {
			return nil, err
		}
		r.templates[name] = tmpl
	}
	return r, nil
}

func (r *Renderer) compile(name, source string) (*template.Template, error) {
	tmpl, err := template.New(name).Funcs(r.funcs).Option("missingkey=zero").Parse(source)
	if err != nil {
		return nil, fmt.Errorf("replies: compile %q: %w", name, err)
	}
	return tmpl, nil
}

// Render executes the named template with the supplied data.
func (r *Renderer) Render(name string, data any) (string, error) {
	r.mu.RLock()
	tmpl, ok := r.templates[name]
	r.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("replies: unknown template %q", name)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("replies: execute %q: %w", name, err)
	}
	return buf.String(), nil
}

// Names lists the known template names, for tests and diagnostics.
func (r *Renderer) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.templates))
	for name := range r.templates {
		names = append(names, name)
	}
	return names
}

// LoadOverrides compiles every <name>.tmpl file in dir over the defaults.
// Only names that already exist as defaults are accepted; anything else is an
// error so typos surface instead of silently shipping the default wording.
func (r *Renderer) LoadOverrides(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("replies: read overrides: %w", err)
	}

	staged := make(map[string]*template.Template)
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".tmpl") {
			continue
		}
		name := strings.TrimSuffix(entry.Name(), ".tmpl")
		if _, known := defaults[name]; !known {
			return fmt.Errorf("replies: override %q does not match a known template", entry.Name())
		}
		source, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return fmt.Errorf("replies: read override %q: %w", entry.Name(), err)
		}
		tmpl, err := r.compile(name, string(source))
		if err != nil {
			return err
		}
		staged[name] = tmpl
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	// Reset to defaults first so removing an override file restores the
	// built-in wording on the next reload.
	for name, source := range defaults {
		tmpl, err := r.compile(name, source)
		if err != nil {
			return err
		}
		r.templates[name] = tmpl
	}
	for name, tmpl := range staged {
		r.templates[name] = tmpl
	}
	return nil
}
