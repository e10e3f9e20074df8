package traefik

import (
	"sort"
	"strings"
)

// Label vocabulary understood by the extractor. Keys follow Traefik's
// docker provider so a container advertises its route once and both the
// proxy and the mirrored nginx pick it up.
const (
	EnableLabel       = "traefik.enable"
	routersPrefix     = "traefik.http.routers."
	servicesPrefix    = "traefik.http.services."
	middlewaresPrefix = "traefik.http.middlewares."

	portKey = "loadbalancer.server.port"
)

// section collects labels sharing a prefix into per-name maps:
// "traefik.http.routers.app.rule" becomes section["app"]["rule"].
func section(labels map[string]string, prefix string) map[string]map[string]string {
	res := map[string]map[string]string{}
	for k, v := range labels {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		rest := strings.TrimLeft(k[len(prefix):], ".")
		name, key, ok := strings.Cut(rest, ".")
		if !ok {
			// bare section name, e.g. "...middlewares.gz.compress"
			// is cut above; "...routers.app" alone carries nothing.
			name, key = rest, ""
		}
		if res[name] == nil {
			res[name] = map[string]string{}
		}
		res[name][key] = v
	}
	return res
}

func sortedKeys(m map[string]map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func splitCSV(v string) []string {
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	res := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			res = append(res, p)
		}
	}
	return res
}
