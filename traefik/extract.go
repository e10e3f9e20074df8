// Package traefik turns a container's routing labels into routing rules.
// Extraction is a pure function over one container's label set: malformed
// declarations drop that router with a diagnostic and never abort the
// caller's pass over the remaining containers.
package traefik

import (
	"context"
	"regexp"
	"sort"
	"strings"

	"github.com/containerd/log"
	"github.com/docker/go-connections/nat"

	"github.com/wtnb75/dlabeld/source"
)

// Header is one proxied request or response header directive.
type Header struct {
	Name  string
	Value string
}

// CompressOptions mirrors the compress middleware knobs that translate to
// nginx gzip directives.
type CompressOptions struct {
	Types     []string
	MinLength string
}

// Rule is a single routing directive extracted from container labels: a
// URL path prefix forwarded to the container's endpoint.
type Rule struct {
	ContainerID   string
	ContainerName string
	Router        string

	Prefix string // non-empty, begins with "/"
	Exact  bool   // Path(...) rather than PathPrefix(...)

	Host string
	Port int // 1..65535

	Strip     string // rewrite pattern to delete, empty for none
	AddPrefix string // replacement prefix, "" means "/"

	RequestHeaders  []Header
	ResponseHeaders []Header
	Compress        *CompressOptions
}

// Options control extraction behavior shared across containers.
type Options struct {
	// UseIPAddress selects the container's network address as the backend
	// host instead of its name.
	UseIPAddress bool
}

var (
	pathPrefixRe = regexp.MustCompile("^PathPrefix\\(`([^`]+)`\\)$")
	pathRe       = regexp.MustCompile("^Path\\(`([^`]+)`\\)$")
)

// Extract derives the routing rules declared by one container. A container
// without the enable label, or with it set to anything but "true", yields
// no rules.
func Extract(ctx context.Context, snap source.Snapshot, opts Options) []Rule {
	logger := log.G(ctx).WithField("container", snap.Name)
	if !snap.Running || snap.Labels[EnableLabel] != "true" {
		logger.Debug("routing not enabled")
		return nil
	}

	routers := section(snap.Labels, routersPrefix)
	services := section(snap.Labels, servicesPrefix)
	middlewares := section(snap.Labels, middlewaresPrefix)

	host := snap.Name
	if opts.UseIPAddress {
		if len(snap.Addresses) == 0 {
			logger.Warn("no network address, skipping container")
			return nil
		}
		host = snap.Addresses[0]
	}

	var rules []Rule
	for _, name := range sortedKeys(routers) {
		router := routers[name]
		rule, ok := extractRouter(logger, name, router, services[name], middlewares)
		if !ok {
			continue
		}
		rule.ContainerID = snap.ID
		rule.ContainerName = snap.Name
		rule.Host = host
		rules = append(rules, rule)
	}
	return rules
}

func extractRouter(logger *log.Entry, name string, router, service map[string]string,
	middlewares map[string]map[string]string) (Rule, bool) {

	logger = logger.WithField("router", name)
	rule := Rule{Router: name}

	expr := router["rule"]
	if m := pathPrefixRe.FindStringSubmatch(expr); m != nil {
		rule.Prefix = m[1]
	} else if m := pathRe.FindStringSubmatch(expr); m != nil {
		rule.Prefix = m[1]
		rule.Exact = true
	} else {
		logger.WithField("rule", expr).Info("unsupported rule, skipping router")
		return Rule{}, false
	}
	if rule.Prefix == "" || rule.Prefix[0] != '/' {
		logger.WithField("prefix", rule.Prefix).Info("path must begin with /, skipping router")
		return Rule{}, false
	}

	portValue := service[portKey]
	if portValue == "" {
		logger.Info("no backend port declared, skipping router")
		return Rule{}, false
	}
	port, err := nat.ParsePort(portValue)
	if err != nil || port < 1 {
		logger.WithField("port", portValue).Info("invalid backend port, skipping router")
		return Rule{}, false
	}
	rule.Port = port

	for _, mname := range splitCSV(router["middlewares"]) {
		mdl, ok := middlewares[mname]
		if !ok {
			logger.WithField("middleware", mname).Info("middleware not found")
			continue
		}
		applyMiddleware(logger, &rule, mname, mdl)
	}
	return rule, true
}

func applyMiddleware(logger *log.Entry, rule *Rule, name string, mdl map[string]string) {
	for _, key := range sortedMapKeys(mdl) {
		value := mdl[key]
		switch {
		case key == "stripprefix.prefixes" || key == "stripprefixregex.regex":
			if prefixes := splitCSV(value); len(prefixes) > 0 {
				rule.Strip = prefixes[0]
			}
		case key == "addprefix.prefix":
			rule.AddPrefix = value
		case strings.HasPrefix(key, "headers.customrequestheaders."):
			h := key[len("headers.customrequestheaders."):]
			rule.RequestHeaders = append(rule.RequestHeaders, Header{Name: h, Value: value})
		case strings.HasPrefix(key, "headers.customresponseheaders."):
			h := key[len("headers.customresponseheaders."):]
			rule.ResponseHeaders = append(rule.ResponseHeaders, Header{Name: h, Value: value})
		case key == "compress":
			if rule.Compress == nil && value == "true" {
				rule.Compress = &CompressOptions{}
			}
		case key == "compress.includedcontenttypes":
			if rule.Compress == nil {
				rule.Compress = &CompressOptions{}
			}
			rule.Compress.Types = splitCSV(value)
		case key == "compress.minresponsebodybytes":
			if rule.Compress == nil {
				rule.Compress = &CompressOptions{}
			}
			rule.Compress.MinLength = value
		default:
			logger.WithFields(log.Fields{
				"middleware": name,
				"key":        key,
			}).Info("unsupported middleware option")
		}
	}
}

func sortedMapKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
