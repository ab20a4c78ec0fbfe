package billing

import (
	"net/url"
	"strings"
)

const paymentLinkIDPrefix = "plink_"

// PaymentLinkRef identifies a payment link by id, by its public URL, or both.
// URL is normalized to host plus path.
type PaymentLinkRef struct {
	ID  string
	URL string
}

// ParsePaymentLinkRef understands a bare plink_ id, a public buy URL such as
// https://buy.stripe.com/test_abc123, and URLs carrying the id either as a
// payment_link query parameter or as a /payment_links/<id> path segment.
func ParsePaymentLinkRef(raw string) PaymentLinkRef {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return PaymentLinkRef{}
	}
	if strings.HasPrefix(raw, paymentLinkIDPrefix) {
		return PaymentLinkRef{ID: raw}
	}

	u, err := url.Parse(raw)
	if err != nil {
		return PaymentLinkRef{}
	}
	if u.Host == "" && !strings.Contains(raw, "://") {
		// scheme-less "buy.stripe.com/abc"
		if u2, err := url.Parse("https://" + raw); err == nil {
			u = u2
		}
	}

	var ref PaymentLinkRef
	if id := u.Query().Get("payment_link"); strings.HasPrefix(id, paymentLinkIDPrefix) {
		ref.ID = id
	}
	segments := strings.Split(strings.Trim(u.Path, "/"), "/")
	for i, seg := range segments {
		if seg == "payment_links" && i+1 < len(segments) && strings.HasPrefix(segments[i+1], paymentLinkIDPrefix) {
			ref.ID = segments[i+1]
		}
	}
	if ref.ID == "" && u.Host != "" && strings.Trim(u.Path, "/") != "" {
		ref.URL = strings.ToLower(u.Host) + "/" + strings.Trim(u.Path, "/")
	}
	return ref
}

// referenceFromURL extracts a checkout correlation reference embedded in a
// checkout or success URL.
func referenceFromURL(raw string) string {
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	q := u.Query()
	for _, key := range []string{"client_reference_id", "ref", "reference"} {
		if v := strings.TrimSpace(q.Get(key)); v != "" {
			return v
		}
	}
	return ""
}

// collectReferences returns the distinct non-empty references from a direct
// reference and a list of URLs.
func collectReferences(direct string, urls ...string) []string {
	seen := make(map[string]struct{})
	var out []string
	add := func(ref string) {
		ref = strings.TrimSpace(ref)
		if ref == "" {
			return
		}
		if _, ok := seen[ref]; ok {
			return
		}
		seen[ref] = struct{}{}
		out = append(out, ref)
	}
	add(direct)
	for _, u := range urls {
		add(referenceFromURL(u))
	}
	return out
}
