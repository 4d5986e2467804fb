package mailer

import (
	"fmt"

	"github.com/osteele/liquid"
)

// Templates renders the email and opt-out page bodies from Liquid
// sources. Sources are compiled in; no template files ship with the
// binary.
type Templates struct {
	engine *liquid.Engine
}

// NewTemplates creates the template renderer.
func NewTemplates() *Templates {
	return &Templates{engine: liquid.NewEngine()}
}

// Render renders one named template with the given bindings.
func (t *Templates) Render(name string, bindings map[string]interface{}) (string, error) {
	src, ok := templateSources[name]
	if !ok {
		return "", fmt.Errorf("unknown template %q", name)
	}
	out, err := t.engine.ParseAndRenderString(src, bindings)
	if err != nil {
		return "", fmt.Errorf("render template %q: %w", name, err)
	}
	return out, nil
}

// Template names.
const (
	TplVerification   = "verification"
	TplInitialDigest  = "initial_digest"
	TplInitialText    = "initial_digest_text"
	TplFollowupDigest = "followup_digest"
	TplFollowupText   = "followup_digest_text"
	TplCSVBundle      = "csv_bundle"
	TplOptOutReason   = "optout_reason"
	TplOptOutConfirm  = "optout_confirm"
)

var templateSources = map[string]string{
	TplVerification: `<p>Hello {{ first_name }},</p>
<p>You signed up for <strong>{{ event_name }}</strong> to join:
{% for forum in forums %}{{ forum }}{% unless forloop.last %}, {% endunless %}{% endfor %}.</p>
<p>If this was not you, or you have changed your mind, you can
<a href="{{ optout_url }}">opt out here</a>.</p>`,

	TplInitialDigest: `<h2>Sign-up import results</h2>
{% if failed_batches.size > 0 %}
<h3>Failed spreadsheets</h3>
<ul>
{% for b in failed_batches %}
  <li><a href="{{ b.url }}">{{ b.event_name }} ({{ b.event_date }})</a>: {{ b.error }}</li>
{% endfor %}
</ul>
{% endif %}
{% for b in successful_batches %}
<h3><a href="{{ b.url }}">{{ b.event_name }} ({{ b.event_date }})</a></h3>
<p>{{ b.successful_persons.size }} imported, {{ b.failed_persons.size }} failed.</p>
{% if b.failed_persons.size > 0 %}
<ul>
{% for p in b.failed_persons %}
  <li>{{ p.full_name }} &lt;{{ p.email }}&gt;: {{ p.error }}</li>
{% endfor %}
</ul>
{% endif %}
{% if b.errors_sheet_url %}
<p>Rows that failed validation: <a href="{{ b.errors_sheet_url }}">errors sheet</a></p>
{% endif %}
{% endfor %}`,

	TplInitialText: `Sign-up import results
{% for b in failed_batches %}
FAILED: {{ b.event_name }} ({{ b.event_date }}): {{ b.error }} - {{ b.url }}
{% endfor %}
{% for b in successful_batches %}
{{ b.event_name }} ({{ b.event_date }}): {{ b.successful_persons.size }} imported, {{ b.failed_persons.size }} failed
{% endfor %}`,

	TplFollowupDigest: `<h2>Sign-up follow-up</h2>
{% if optouts.size > 0 %}
<h3>Opt-outs</h3>
<p>These spreadsheets list people who opted out, with their reason.
Please review and remove them from your records.</p>
<ul>
{% for o in optouts %}
  <li><a href="{{ o.url }}">{{ o.event_name }}</a></li>
{% endfor %}
</ul>
{% endif %}
{% if bounces.size > 0 %}
<h3>Bounced addresses</h3>
<p>Emails to these people could not be delivered. Their addresses may
have been entered incorrectly.</p>
<ul>
{% for b in bounces %}
  <li><a href="{{ b.url }}">{{ b.event_name }}</a></li>
{% endfor %}
</ul>
{% endif %}`,

	TplFollowupText: `Sign-up follow-up
{% for o in optouts %}
OPT-OUTS: {{ o.event_name }} - {{ o.url }}
{% endfor %}
{% for b in bounces %}
BOUNCED: {{ b.event_name }} - {{ b.url }}
{% endfor %}`,

	TplCSVBundle: `<p>Attached are the successful sign-up CSVs for every batch processed
in this follow-up run.</p>
<ul>
{% for c in csvs %}
  <li>{{ c.filename }} ({{ c.count }} persons)</li>
{% endfor %}
</ul>`,

	TplOptOutReason: `<!DOCTYPE html>
<html><body>
<h2>Opt out of {{ event_name }}</h2>
<p>{{ full_name }}, you are about to opt out of the groups you were
signed up for. Mind telling us why?</p>
<form method="POST" action="{{ action }}">
  <input type="hidden" name="token" value="{{ token }}">
  <textarea name="reason" rows="4" cols="50"></textarea><br>
  <button type="submit">Opt out</button>
</form>
</body></html>`,

	TplOptOutConfirm: `<!DOCTYPE html>
<html><body>
<h2>You have been opted out</h2>
<p>You will not receive further emails about this sign-up.</p>
</body></html>`,
}
