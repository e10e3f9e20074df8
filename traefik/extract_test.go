package traefik

import (
	"context"
	"testing"

	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"

	"github.com/wtnb75/dlabeld/source"
)

func snap(id, name string, labels map[string]string) source.Snapshot {
	return source.Snapshot{
		ID:        id,
		Name:      name,
		Labels:    labels,
		Addresses: []string{"1.2.3.4"},
		Running:   true,
	}
}

func TestExtractDisabled(t *testing.T) {
	ctx := context.Background()

	for _, labels := range []map[string]string{
		nil,
		{"key2": "value2", "image-label1": "image-value1"},
		{
			"traefik.enable":              "false",
			"traefik.http.services.hello": "blabla",
		},
	} {
		assert.Check(t, is.Len(Extract(ctx, snap("aaa", "ctn1", labels), Options{}), 0))
	}
}

func TestExtractNotRunning(t *testing.T) {
	s := snap("aaa", "ctn1", map[string]string{
		"traefik.enable":                 "true",
		"traefik.http.routers.ctn1.rule": "PathPrefix(`/ctn1`)",
		"traefik.http.services.ctn1.loadbalancer.server.port": "8080",
	})
	s.Running = false
	assert.Check(t, is.Len(Extract(context.Background(), s, Options{}), 0))
}

func TestExtractPathPrefix(t *testing.T) {
	rules := Extract(context.Background(), snap("aaa", "ctn1", map[string]string{
		"label123":                              "value123",
		"traefik.enable":                        "true",
		"traefik.http.routers.ctn1.entrypoints": "web",
		"traefik.http.routers.ctn1.rule":        "PathPrefix(`/ctn1`)",
		"traefik.http.services.ctn1.loadbalancer.server.port": "8080",
	}), Options{})

	assert.Assert(t, is.Len(rules, 1))
	r := rules[0]
	assert.Check(t, is.Equal("aaa", r.ContainerID))
	assert.Check(t, is.Equal("ctn1", r.ContainerName))
	assert.Check(t, is.Equal("/ctn1", r.Prefix))
	assert.Check(t, !r.Exact)
	assert.Check(t, is.Equal("ctn1", r.Host))
	assert.Check(t, is.Equal(8080, r.Port))
}

func TestExtractExactPath(t *testing.T) {
	rules := Extract(context.Background(), snap("aaa", "ctn1", map[string]string{
		"traefik.enable":              "true",
		"traefik.http.routers.r.rule": "Path(`/`)",
		"traefik.http.services.r.loadbalancer.server.port": "9999",
	}), Options{})

	assert.Assert(t, is.Len(rules, 1))
	assert.Check(t, is.Equal("/", rules[0].Prefix))
	assert.Check(t, rules[0].Exact)
}

func TestExtractIPAddress(t *testing.T) {
	labels := map[string]string{
		"traefik.enable": "true",
		"traefik.http.routers.r.rule":                      "PathPrefix(`/x`)",
		"traefik.http.services.r.loadbalancer.server.port": "80",
	}
	rules := Extract(context.Background(), snap("aaa", "ctn1", labels), Options{UseIPAddress: true})
	assert.Assert(t, is.Len(rules, 1))
	assert.Check(t, is.Equal("1.2.3.4", rules[0].Host))

	noaddr := snap("aaa", "ctn1", labels)
	noaddr.Addresses = nil
	assert.Check(t, is.Len(Extract(context.Background(), noaddr, Options{UseIPAddress: true}), 0))
}

func TestExtractMalformedPort(t *testing.T) {
	for _, port := range []string{"abc", "-1", "0", "65536", ""} {
		labels := map[string]string{
			"traefik.enable": "true",
			"traefik.http.routers.bad.rule":                       "PathPrefix(`/bad`)",
			"traefik.http.services.bad.loadbalancer.server.port":  port,
			"traefik.http.routers.good.rule":                      "PathPrefix(`/good`)",
			"traefik.http.services.good.loadbalancer.server.port": "8080",
		}
		rules := Extract(context.Background(), snap("aaa", "ctn1", labels), Options{})
		assert.Assert(t, is.Len(rules, 1), "port=%q", port)
		assert.Check(t, is.Equal("/good", rules[0].Prefix))
	}
}

func TestExtractUnsupportedRule(t *testing.T) {
	rules := Extract(context.Background(), snap("aaa", "ctn1", map[string]string{
		"traefik.enable": "true",
		"traefik.http.routers.r.rule":                      "Host(`example.com`)",
		"traefik.http.services.r.loadbalancer.server.port": "8080",
	}), Options{})
	assert.Check(t, is.Len(rules, 0))
}

func TestExtractMiddlewares(t *testing.T) {
	rules := Extract(context.Background(), snap("aaa", "ctn1", map[string]string{
		"traefik.enable":                     "true",
		"traefik.http.routers.r.rule":        "PathPrefix(`/hello`)",
		"traefik.http.routers.r.middlewares": "m1,m2,m3,missing",
		"traefik.http.services.r.loadbalancer.server.port":          "9999",
		"traefik.http.middlewares.m1.stripprefix.prefixes":          "/hello",
		"traefik.http.middlewares.m2.compress.includedcontenttypes": "text/html,text/plain",
		"traefik.http.middlewares.m2.compress.minresponsebodybytes": "1024",
		"traefik.http.middlewares.m3.headers.customrequestheaders.x-reqheader1":  "value1req",
		"traefik.http.middlewares.m3.headers.customresponseheaders.x-resheader1": "value1res",
	}), Options{})

	assert.Assert(t, is.Len(rules, 1))
	r := rules[0]
	assert.Check(t, is.Equal("/hello", r.Strip))
	assert.Assert(t, r.Compress != nil)
	assert.Check(t, is.DeepEqual([]string{"text/html", "text/plain"}, r.Compress.Types))
	assert.Check(t, is.Equal("1024", r.Compress.MinLength))
	assert.Check(t, is.DeepEqual([]Header{{Name: "x-reqheader1", Value: "value1req"}}, r.RequestHeaders))
	assert.Check(t, is.DeepEqual([]Header{{Name: "x-resheader1", Value: "value1res"}}, r.ResponseHeaders))
}

func TestExtractMultipleRouters(t *testing.T) {
	rules := Extract(context.Background(), snap("aaa", "ctn1", map[string]string{
		"traefik.enable": "true",
		"traefik.http.routers.a.rule":                      "PathPrefix(`/a`)",
		"traefik.http.services.a.loadbalancer.server.port": "81",
		"traefik.http.routers.b.rule":                      "PathPrefix(`/b`)",
		"traefik.http.services.b.loadbalancer.server.port": "82",
	}), Options{})

	assert.Assert(t, is.Len(rules, 2))
	// sorted by router name for reproducible output
	assert.Check(t, is.Equal("/a", rules[0].Prefix))
	assert.Check(t, is.Equal(81, rules[0].Port))
	assert.Check(t, is.Equal("/b", rules[1].Prefix))
	assert.Check(t, is.Equal(82, rules[1].Port))
}
