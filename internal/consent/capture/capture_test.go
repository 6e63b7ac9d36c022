package capture

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

const chromeMacUA = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

func TestFromRequestNeverStoresRawValues(t *testing.T) {
	ctx := FromRequest("192.168.1.47", chromeMacUA)

	assert.Len(t, ctx.IPHash, 64)
	assert.Len(t, ctx.UserAgentHash, 64)
	assert.NotContains(t, ctx.IPHash, "192.168")
	assert.NotContains(t, ctx.ClientSummary, "537.36")
}

func TestFromRequestHashesAnonymizedIP(t *testing.T) {
	// Two hosts on the same /24 hash identically: the stored value cannot
	// identify a specific host.
	a := FromRequest("192.168.1.47", "")
	b := FromRequest("192.168.1.200", "")
	assert.Equal(t, a.IPHash, b.IPHash)

	c := FromRequest("192.168.2.47", "")
	assert.NotEqual(t, a.IPHash, c.IPHash)
}

func TestSummarize(t *testing.T) {
	summary := summarize(chromeMacUA)
	assert.True(t, strings.HasPrefix(summary, "Chrome on "), "got %q", summary)

	assert.Equal(t, "bot", summarize("Googlebot/2.1 (+http://www.google.com/bot.html)"))
	assert.Equal(t, "unknown", summarize("x"))
}

func TestFromRequestEmptyInputs(t *testing.T) {
	ctx := FromRequest("", "")
	assert.Empty(t, ctx.IPHash)
	assert.Empty(t, ctx.UserAgentHash)
	assert.Empty(t, ctx.ClientSummary)
}
