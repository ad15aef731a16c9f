// Package command parses operator messages and runs the console's commands
// against the billing, router, and ACS backends.
package command

import (
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/aridhom/nuxgate/internal/faults"
)

// Parsed is a slash command split from a chat message.
type Parsed struct {
	Name string
	Args []string
}

// ParseCommand splits "/name@bot arg1 arg2" into its lowercase name and raw
// arguments. Non-command text returns ok=false.
func ParseCommand(text string) (Parsed, bool) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return Parsed{}, false
	}
	fields := strings.Fields(text)
	name := strings.TrimPrefix(fields[0], "/")
	if at := strings.IndexByte(name, '@'); at >= 0 {
		name = name[:at]
	}
	name = strings.ToLower(name)
	if name == "" {
		return Parsed{}, false
	}
	return Parsed{Name: name, Args: fields[1:]}, true
}

var accountPattern = regexp.MustCompile(`^[A-Za-z0-9:+_.@-]{2,55}$`)

func validAccount(value string) (string, error) {
	value = strings.TrimSpace(value)
	if !accountPattern.MatchString(value) {
		return "", faults.Validationf("account must be 2-55 characters from A-Z a-z 0-9 : + _ . @ -")
	}
	return value, nil
}

func validPlanQuery(value string) (string, error) {
	value = strings.TrimSpace(value)
	if value == "" || len(value) > 64 {
		return "", faults.Validationf("plan name must be 1-64 characters")
	}
	return value, nil
}

func validPage(value string) (int, error) {
	page, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil || page < 1 || page > 9999 {
		return 0, faults.Validationf("page must be a number between 1 and 9999")
	}
	return page, nil
}

func validSSID(value string) (string, error) {
	value = strings.TrimSpace(value)
	if n := utf8.RuneCountInString(value); n == 0 || n > 32 {
		return "", faults.Validationf("SSID must be 1-32 characters")
	}
	return value, nil
}

func validPassphrase(value string) (string, error) {
	value = strings.TrimSpace(value)
	if n := utf8.RuneCountInString(value); n < 8 || n > 63 {
		return "", faults.Validationf("passphrase must be 8-63 characters")
	}
	return value, nil
}
