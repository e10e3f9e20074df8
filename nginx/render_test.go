package nginx

import (
	"context"
	"strings"
	"testing"

	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"

	"github.com/wtnb75/dlabeld/route"
	"github.com/wtnb75/dlabeld/traefik"
)

func model(rules ...traefik.Rule) route.Model {
	return route.Build(context.Background(), rules, nil)
}

func TestRenderEmpty(t *testing.T) {
	text, err := NewRenderer("localhost").Render(context.Background(), model())
	assert.NilError(t, err)
	out := string(text)
	assert.Check(t, is.Contains(out, "server_name localhost;"))
	assert.Check(t, !strings.Contains(out, "location"))
}

func TestRenderDeterministic(t *testing.T) {
	r := NewRenderer("localhost")
	m := model(
		traefik.Rule{ContainerID: "a", ContainerName: "ctn1", Prefix: "/hello", Host: "ctn1", Port: 9999, Strip: "/hello"},
		traefik.Rule{ContainerID: "b", ContainerName: "ctn2", Prefix: "/world", Host: "ctn2", Port: 80, Exact: true},
	)
	first, err := r.Render(context.Background(), m)
	assert.NilError(t, err)
	second, err := r.Render(context.Background(), m)
	assert.NilError(t, err)
	assert.Check(t, is.DeepEqual(string(first), string(second)))
}

func TestRenderLocationBlocks(t *testing.T) {
	m := model(
		traefik.Rule{
			ContainerID: "a", ContainerName: "ctn1",
			Prefix: "/hello", Host: "ctn1", Port: 9999,
			Strip: "/hello",
			RequestHeaders:  []traefik.Header{{Name: "x-reqheader1", Value: "value1req"}},
			ResponseHeaders: []traefik.Header{{Name: "x-resheader1", Value: "value1res"}},
			Compress: &traefik.CompressOptions{
				Types:     []string{"text/html", "text/plain"},
				MinLength: "1024",
			},
		},
		traefik.Rule{
			ContainerID: "b", ContainerName: "ctn2",
			Prefix: "/world", Host: "1.2.3.4", Port: 80, Exact: true,
		},
	)
	text, err := NewRenderer("localhost").Render(context.Background(), m)
	assert.NilError(t, err)

	out := string(text)
	assert.Check(t, is.Contains(out, "location /hello {"))
	assert.Check(t, is.Contains(out, "proxy_pass http://ctn1:9999;"))
	assert.Check(t, is.Contains(out, "rewrite /hello(.*) /$1 break;"))
	assert.Check(t, is.Contains(out, "location = /world {"))
	assert.Check(t, !strings.Contains(out, "rewrite /world"))
	assert.Check(t, is.Contains(out, "proxy_pass http://1.2.3.4:80;"))
	assert.Check(t, is.Contains(out, "gzip on;"))
	assert.Check(t, is.Contains(out, "gzip_types text/html text/plain;"))
	assert.Check(t, is.Contains(out, "gzip_min_length 1024;"))
	assert.Check(t, is.Contains(out, "proxy_set_header x-reqheader1 value1req;"))
	assert.Check(t, is.Contains(out, "add_header x-resheader1 value1res;"))
	assert.Check(t, is.Contains(out, "# ctn1: /hello"))
}

func TestRenderAddPrefix(t *testing.T) {
	m := model(traefik.Rule{
		ContainerID: "a", ContainerName: "ctn1",
		Prefix: "/old", Host: "ctn1", Port: 80, AddPrefix: "/new",
	})
	text, err := NewRenderer("localhost").Render(context.Background(), m)
	assert.NilError(t, err)
	assert.Check(t, is.Contains(string(text), "rewrite (.*) /new$1 break;"))
}

func TestRenderRejectsInjection(t *testing.T) {
	bad := []traefik.Rule{
		{ContainerID: "a", ContainerName: "c", Prefix: "/x; include /etc/passwd", Host: "c", Port: 80},
		{ContainerID: "a", ContainerName: "c", Prefix: "/x", Host: "c;}", Port: 80},
		{ContainerID: "a", ContainerName: "c", Prefix: "/x", Host: "c", Port: 80,
			RequestHeaders: []traefik.Header{{Name: "h", Value: "v;\nproxy_pass http://evil"}}},
		{ContainerID: "a", ContainerName: "c", Prefix: "/x", Host: "c", Port: 80,
			Strip: "/x{}"},
	}
	for _, r := range bad {
		text, err := NewRenderer("localhost").Render(context.Background(), model(r))
		assert.NilError(t, err)
		out := string(text)
		assert.Check(t, !strings.Contains(out, "location"), "rule %+v leaked into output", r)
		assert.Check(t, !strings.Contains(out, "evil"))
		assert.Check(t, !strings.Contains(out, "passwd"))
	}
}

func TestRenderSkipsOnlyUnsafeRule(t *testing.T) {
	m := model(
		traefik.Rule{ContainerID: "a", ContainerName: "good", Prefix: "/good", Host: "good", Port: 80},
		traefik.Rule{ContainerID: "b", ContainerName: "bad", Prefix: "/bad", Host: "bad host", Port: 80},
	)
	text, err := NewRenderer("localhost").Render(context.Background(), m)
	assert.NilError(t, err)
	out := string(text)
	assert.Check(t, is.Contains(out, "location /good {"))
	assert.Check(t, !strings.Contains(out, "/bad"))
}

func TestRendererFromFile(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/custom.tmpl"
	assert.NilError(t, writeFileSync(path, []byte("routes={{ len .Locations }} name={{ .ServerName }}\n")))

	r, err := NewRendererFromFile(path, "example.test")
	assert.NilError(t, err)
	text, err := r.Render(context.Background(), model(
		traefik.Rule{ContainerID: "a", ContainerName: "c", Prefix: "/x", Host: "c", Port: 80},
	))
	assert.NilError(t, err)
	assert.Check(t, is.Equal("routes=1 name=example.test\n", string(text)))

	_, err = NewRendererFromFile(dir+"/missing.tmpl", "x")
	assert.Check(t, err != nil)
}
