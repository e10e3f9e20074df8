// Package source observes the container runtime and produces point-in-time
// snapshots of running containers and their label sets. Two implementations
// are provided: PollSource issues a full listing on every call, and
// EventSource additionally follows the daemon's event stream to signal that
// a new snapshot is worth taking.
package source

import (
	"context"
	"sort"
	"strings"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/events"
	"github.com/docker/docker/client"
	"github.com/pkg/errors"
)

// Snapshot is the tick-scoped view of a single container. It is rebuilt
// wholesale on every call and never mutated in place.
type Snapshot struct {
	ID        string
	Name      string
	Labels    map[string]string
	Addresses []string
	Running   bool
}

// APIClient is the subset of the Docker API client consumed by this
// package. The concrete client satisfies it; tests substitute fakes.
type APIClient interface {
	ContainerList(ctx context.Context, options container.ListOptions) ([]types.Container, error)
	Events(ctx context.Context, options events.ListOptions) (<-chan events.Message, <-chan error)
	Close() error
}

// Source yields container snapshots for the reconciliation loop.
type Source interface {
	// Snapshot returns the current set of running containers. Errors
	// reaching the runtime wrap cerrdefs.ErrUnavailable and are transient.
	Snapshot(ctx context.Context) ([]Snapshot, error)
	// Changes returns a channel that receives a token whenever the
	// container set may have changed, or nil if the source cannot push
	// notifications. The channel only schedules work; receiving from it
	// carries no payload.
	Changes() <-chan struct{}
	Close() error
}

// NewAPIClient connects to the Docker daemon at host, or from the
// environment (DOCKER_HOST et al.) when host is empty.
func NewAPIClient(host string) (APIClient, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}
	return client.NewClientWithOpts(opts...)
}

func snapshotOf(c types.Container) Snapshot {
	s := Snapshot{
		ID:      c.ID,
		Labels:  c.Labels,
		Running: c.State == "running",
	}
	if len(c.Names) > 0 {
		s.Name = strings.TrimPrefix(c.Names[0], "/")
	}
	if c.NetworkSettings != nil {
		names := make([]string, 0, len(c.NetworkSettings.Networks))
		for name := range c.NetworkSettings.Networks {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			ep := c.NetworkSettings.Networks[name]
			if ep != nil && ep.IPAddress != "" {
				s.Addresses = append(s.Addresses, ep.IPAddress)
			}
		}
	}
	return s
}

// PollSource queries the runtime with a full listing on every Snapshot
// call. It pushes no change notifications.
type PollSource struct {
	client APIClient
}

func NewPollSource(c APIClient) *PollSource {
	return &PollSource{client: c}
}

func (s *PollSource) Snapshot(ctx context.Context) ([]Snapshot, error) {
	list, err := s.client.ContainerList(ctx, container.ListOptions{})
	if err != nil {
		return nil, errors.Wrapf(cerrdefs.ErrUnavailable, "listing containers: %v", err)
	}
	snaps := make([]Snapshot, 0, len(list))
	for _, c := range list {
		snaps = append(snaps, snapshotOf(c))
	}
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].ID < snaps[j].ID })
	return snaps, nil
}

func (s *PollSource) Changes() <-chan struct{} { return nil }

func (s *PollSource) Close() error { return s.client.Close() }
