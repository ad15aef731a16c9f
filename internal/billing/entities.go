package billing

import (
	"encoding/json"
	"sort"
	"strconv"
	"strings"

	"github.com/aridhom/nuxgate/internal/faults"
)

// ServiceTypePPPoE is the access-network service type this console manages.
const ServiceTypePPPoE = "PPPOE"

// Customer is an immutable snapshot parsed from a detail view. It is never
// mutated in place; callers re-fetch to observe change.
type Customer struct {
	ID            int    `json:"id"`
	Username      string `json:"username"`
	FullName      string `json:"fullName"`
	AccountStatus string `json:"accountStatus"`
	ServiceType   string `json:"serviceType,omitempty"`
	PPPoEUsername string `json:"pppoeUsername,omitempty"`
}

// Package is one subscription instance attached to a customer.
type Package struct {
	ID            int    `json:"id"`
	PlanID        int    `json:"planId"`
	Type          string `json:"type"`
	DisplayName   string `json:"displayName,omitempty"`
	Status        string `json:"status"`
	RouterName    string `json:"routerName,omitempty"`
	ExpiresOn     string `json:"expiresOn,omitempty"`
	TimeRemaining string `json:"timeRemaining,omitempty"`
}

// Active reports whether this package is a live PPPoE subscription.
func (p Package) Active() bool {
	return strings.EqualFold(p.Type, ServiceTypePPPoE) && strings.EqualFold(p.Status, "on")
}

// Plan is a billable service tier a subscriber can be recharged onto.
type Plan struct {
	ID         int    `json:"id"`
	Name       string `json:"name"`
	RouterName string `json:"routerName,omitempty"`
	IsRadius   *int   `json:"isRadius,omitempty"`
	Type       string `json:"type,omitempty"`
}

// ServerName resolves the recharge target: the radius flag wins, then the
// explicit router name, then the radius default.
func (p Plan) ServerName() string {
	if p.IsRadius != nil && *p.IsRadius == 1 {
		return "radius"
	}
	if p.RouterName != "" {
		return p.RouterName
	}
	return "radius"
}

// ParseCustomer extracts the customer snapshot from a raw detail view.
func ParseCustomer(view map[string]any) (Customer, error) {
	d, _ := view["d"].(map[string]any)
	id, ok := asInt(d["id"])
	if !ok {
		return Customer{}, faults.Gatewayf("unrecognized customer payload shape")
	}
	return Customer{
		ID:            id,
		Username:      asString(d["username"]),
		FullName:      asString(d["fullname"]),
		AccountStatus: asString(d["status"]),
		ServiceType:   asString(d["service_type"]),
		PPPoEUsername: asString(d["pppoe_username"]),
	}, nil
}

// ParsePackages extracts the customer's subscription instances from a raw
// detail view, ordered by id descending so the most recent comes first.
// Malformed rows are skipped.
func ParsePackages(view map[string]any) []Package {
	raw, _ := view["packages"].([]any)
	pkgs := make([]Package, 0, len(raw))
	for _, item := range raw {
		row, ok := item.(map[string]any)
		if !ok {
			continue
		}
		id, _ := asInt(row["id"])
		planID, _ := asInt(row["plan_id"])
		pkgs = append(pkgs, Package{
			ID:            id,
			PlanID:        planID,
			Type:          asString(row["type"]),
			DisplayName:   asString(row["namebp"]),
			Status:        asString(row["status"]),
			RouterName:    asString(row["routers"]),
			ExpiresOn:     asString(row["expiration"]),
			TimeRemaining: asString(row["time"]),
		})
	}
	sort.Slice(pkgs, func(i, j int) bool { return pkgs[i].ID > pkgs[j].ID })
	return pkgs
}

// PickActivePPPoEPackage returns the active PPPoE package when one exists,
// else the most recent PPPoE package, else nothing.
func PickActivePPPoEPackage(pkgs []Package) (Package, bool) {
	for _, p := range pkgs {
		if p.Active() {
			return p, true
		}
	}
	for _, p := range pkgs {
		if strings.EqualFold(p.Type, ServiceTypePPPoE) {
			return p, true
		}
	}
	return Package{}, false
}

func parsePlans(rows []any) []Plan {
	plans := make([]Plan, 0, len(rows))
	for _, item := range rows {
		row, ok := item.(map[string]any)
		if !ok {
			continue
		}
		if !strings.EqualFold(asString(row["type"]), ServiceTypePPPoE) {
			continue
		}
		id, ok := asInt(row["id"])
		if !ok {
			continue
		}
		plan := Plan{
			ID:         id,
			Name:       asString(row["name_plan"]),
			RouterName: asString(row["routers"]),
			Type:       asString(row["type"]),
		}
		if row["is_radius"] != nil {
			if flag, ok := asInt(row["is_radius"]); ok {
				plan.IsRadius = &flag
			}
		}
		plans = append(plans, plan)
	}
	return plans
}

// asInt tolerates the number encodings the billing API mixes freely: JSON
// numbers, quoted digits, and decoder-preserved json.Number values.
func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	case json.Number:
		parsed, err := n.Int64()
		if err != nil {
			return 0, false
		}
		return int(parsed), true
	case string:
		parsed, err := strconv.Atoi(strings.TrimSpace(n))
		if err != nil {
			return 0, false
		}
		return parsed, true
	default:
		return 0, false
	}
}

func asString(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case json.Number:
		return s.String()
	case nil:
		return ""
	default:
		return ""
	}
}
