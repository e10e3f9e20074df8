// Package nginx renders the routing model into nginx configuration text
// and applies it to a live server: stage, validate, atomic rename, reload.
package nginx

import (
	"bytes"
	"context"
	"os"
	"regexp"
	"strconv"
	"strings"
	"text/template"

	"github.com/containerd/log"
	"github.com/pkg/errors"

	"github.com/wtnb75/dlabeld/route"
	"github.com/wtnb75/dlabeld/traefik"
)

// defaultTemplate is the built-in grammar: a minimal but complete
// nginx.conf with one location block per routing rule. An external
// template may replace it, receiving the same data.
const defaultTemplate = `# managed by dlabeld. do not edit: regenerated on every reconcile.
user nginx;
worker_processes auto;
error_log /dev/stderr notice;
pid /run/nginx.pid;

events {
    worker_connections 512;
}

http {
    server {
        listen 80;
        server_name {{ .ServerName }};
{{- range .Locations }}

        # {{ .Comment }}
        location {{ .Match }} {
            proxy_pass {{ .ProxyPass }};
{{- if .Rewrite }}
            rewrite {{ .Rewrite }} break;
{{- end }}
{{- range .SetHeaders }}
            proxy_set_header {{ .Name }} {{ .Value }};
{{- end }}
{{- range .AddHeaders }}
            add_header {{ .Name }} {{ .Value }};
{{- end }}
{{- if .Gzip }}
            gzip on;
{{- if .GzipTypes }}
            gzip_types {{ .GzipTypes }};
{{- end }}
{{- if .GzipMinLength }}
            gzip_min_length {{ .GzipMinLength }};
{{- end }}
{{- end }}
        }
{{- end }}
    }
}
`

// Location is one rendered route, precomputed and escaped so templates
// only lay out text.
type Location struct {
	Comment       string
	Match         string
	ProxyPass     string
	Rewrite       string
	SetHeaders    []traefik.Header
	AddHeaders    []traefik.Header
	Gzip          bool
	GzipTypes     string
	GzipMinLength string
}

type templateData struct {
	ServerName string
	Locations  []Location
}

// Renderer is a deterministic pure function from routing model to
// configuration text: the same model always yields byte-identical output.
type Renderer struct {
	tmpl       *template.Template
	serverName string
}

func NewRenderer(serverName string) *Renderer {
	return &Renderer{
		tmpl:       template.Must(template.New("nginx").Parse(defaultTemplate)),
		serverName: serverName,
	}
}

// NewRendererFromFile parses an external template as the target grammar.
func NewRendererFromFile(path, serverName string) (*Renderer, error) {
	text, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "reading config template")
	}
	tmpl, err := template.New("nginx").Parse(string(text))
	if err != nil {
		return nil, errors.Wrap(err, "parsing config template")
	}
	return &Renderer{tmpl: tmpl, serverName: serverName}, nil
}

// Characters that could terminate a value or open a new directive in the
// nginx grammar. Label-derived text containing any of these is rejected
// rather than escaped: there is no quoting scheme that is safe across
// every directive context.
var unsafeToken = regexp.MustCompile("[\\s;{}#\"'`\\\\\x00-\x1f]")

var safePrefix = regexp.MustCompile(`^/[^\s;{}#"'` + "`" + `\\]*$`)

func safe(values ...string) bool {
	for _, v := range values {
		if v == "" || unsafeToken.MatchString(v) {
			return false
		}
	}
	return true
}

// Render produces the configuration text for m. Rules carrying values
// that cannot be safely interpolated are skipped with a diagnostic; the
// rest of the model still renders.
func (r *Renderer) Render(ctx context.Context, m route.Model) ([]byte, error) {
	data := templateData{ServerName: r.serverName}
	for _, rule := range m.Rules {
		loc, err := renderLocation(rule)
		if err != nil {
			log.G(ctx).WithFields(log.Fields{
				"container": rule.ContainerName,
				"prefix":    rule.Prefix,
			}).WithError(err).Warn("rule cannot be rendered safely, skipping")
			continue
		}
		data.Locations = append(data.Locations, loc)
	}

	var buf bytes.Buffer
	if err := r.tmpl.Execute(&buf, data); err != nil {
		return nil, errors.Wrap(err, "rendering configuration")
	}
	return buf.Bytes(), nil
}

func renderLocation(rule traefik.Rule) (Location, error) {
	if !safePrefix.MatchString(rule.Prefix) {
		return Location{}, errors.Errorf("unsafe path %q", rule.Prefix)
	}
	if !safe(rule.Host) {
		return Location{}, errors.Errorf("unsafe backend host %q", rule.Host)
	}

	loc := Location{
		Comment:   rule.ContainerName + ": " + rule.Prefix,
		Match:     rule.Prefix,
		ProxyPass: "http://" + rule.Host + ":" + strconv.Itoa(rule.Port),
	}
	if rule.Exact {
		loc.Match = "= " + rule.Prefix
	}

	strip := rule.Strip
	addPrefix := rule.AddPrefix
	if addPrefix == "" {
		addPrefix = "/"
	}
	if strip != "" || addPrefix != "/" {
		if strip != "" && !safePrefix.MatchString(strip) {
			return Location{}, errors.Errorf("unsafe strip prefix %q", strip)
		}
		if !safePrefix.MatchString(addPrefix) {
			return Location{}, errors.Errorf("unsafe add prefix %q", addPrefix)
		}
		loc.Rewrite = strip + "(.*) " + addPrefix + "$1"
	}

	for _, h := range rule.RequestHeaders {
		if !safe(h.Name, h.Value) {
			return Location{}, errors.Errorf("unsafe request header %q", h.Name)
		}
		loc.SetHeaders = append(loc.SetHeaders, h)
	}
	for _, h := range rule.ResponseHeaders {
		if !safe(h.Name, h.Value) {
			return Location{}, errors.Errorf("unsafe response header %q", h.Name)
		}
		loc.AddHeaders = append(loc.AddHeaders, h)
	}

	if c := rule.Compress; c != nil {
		loc.Gzip = true
		if len(c.Types) > 0 {
			if !safe(c.Types...) {
				return Location{}, errors.New("unsafe gzip content types")
			}
			loc.GzipTypes = strings.Join(c.Types, " ")
		}
		if c.MinLength != "" {
			if !safe(c.MinLength) {
				return Location{}, errors.Errorf("unsafe gzip minimum length %q", c.MinLength)
			}
			loc.GzipMinLength = c.MinLength
		}
	}
	return loc, nil
}
