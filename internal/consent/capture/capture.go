// Package capture derives the privacy-safe context stored with a consent
// record: hashes of the anonymized IP and the user agent, plus a coarse
// client summary. Raw values never leave this package.
package capture

import (
	"fmt"

	"github.com/mssola/useragent"

	"consentry/internal/consent/models"
	"consentry/internal/platform/privacy"
)

// FromRequest builds the stored context from raw request values.
func FromRequest(ip, rawUserAgent string) models.ContextHash {
	ctx := models.ContextHash{}
	if ip != "" {
		ctx.IPHash = privacy.HashValue(privacy.AnonymizeIP(ip))
	}
	if rawUserAgent != "" {
		ctx.UserAgentHash = privacy.HashValue(rawUserAgent)
		ctx.ClientSummary = summarize(rawUserAgent)
	}
	return ctx
}

// summarize reduces a user agent to a coarse "<browser> on <platform>" label.
// The label identifies a client class, not a client.
func summarize(rawUserAgent string) string {
	ua := useragent.New(rawUserAgent)
	if ua.Bot() {
		return "bot"
	}
	name, _ := ua.Browser()
	os := ua.OSInfo().Name
	switch {
	case name == "" && os == "":
		return "unknown"
	case os == "":
		return name
	case name == "":
		return os
	}
	return fmt.Sprintf("%s on %s", name, os)
}
