package catalog

import (
	"fmt"
	"net/url"
	"strings"
)

const signatureParam = "signature=demo"

// ResolveImages splits each source on newlines, commas, semicolons and pipes,
// drops blanks, optionally signs every URL and removes duplicates while
// keeping first-seen order.
func ResolveImages(sources []string, signed bool) []string {
	seen := make(map[string]bool)
	var out []string
	for _, source := range sources {
		for _, img := range tokenize(source) {
			if signed {
				img = SignURL(img)
			}
			if seen[img] {
				continue
			}
			seen[img] = true
			out = append(out, img)
		}
	}
	return out
}

func tokenize(v string) []string {
	if !strings.ContainsAny(v, "\n,;|") {
		if t := strings.TrimSpace(v); t != "" {
			return []string{t}
		}
		return nil
	}
	var out []string
	for _, part := range strings.FieldsFunc(v, func(r rune) bool {
		return r == '\n' || r == ',' || r == ';' || r == '|'
	}) {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// SignURL appends the demo signature unless it is already present.
func SignURL(u string) string {
	switch {
	case strings.Contains(u, signatureParam):
		return u
	case strings.Contains(u, "?"):
		return u + "&" + signatureParam
	default:
		return u + "?" + signatureParam
	}
}

// ImagePolicy bounds the resolved image set.
type ImagePolicy struct {
	MaxImages      int
	AllowedDomains []string // exact hosts or parent domains; empty allows all
}

// Check validates count, scheme and host of every image. Errors carry a
// stable reason prefix such as too_many_images or domain_not_allowed.
func (p ImagePolicy) Check(images []string) error {
	if p.MaxImages > 0 && len(images) > p.MaxImages {
		return fmt.Errorf("too_many_images")
	}
	if len(images) == 0 {
		return fmt.Errorf("no images provided")
	}
	for _, img := range images {
		parsed, err := url.Parse(img)
		if err != nil || parsed.Scheme == "" {
			return fmt.Errorf("invalid_image_url: %s", img)
		}
		if parsed.Scheme != "http" && parsed.Scheme != "https" {
			return fmt.Errorf("unsupported_url_scheme: %s", img)
		}
		host := strings.ToLower(parsed.Hostname())
		if host == "" {
			return fmt.Errorf("invalid_image_url: %s", img)
		}
		if len(p.AllowedDomains) > 0 && !hostAllowed(host, p.AllowedDomains) {
			return fmt.Errorf("domain_not_allowed: %s", host)
		}
	}
	return nil
}

func hostAllowed(host string, allowed []string) bool {
	for _, d := range allowed {
		d = strings.ToLower(strings.TrimSpace(d))
		if d == "" {
			continue
		}
		if host == d || strings.HasSuffix(host, "."+d) {
			return true
		}
	}
	return false
}
