// Package discovery resolves service names to the endpoints currently announced
// by the runnables of a run.
package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/c360/weave/coordination"
	"github.com/c360/weave/errors"
)

// Root is the coordination path under which services announce themselves.
const Root = "/discoverable"

const readConcurrency = 8

// Discoverable is one announced endpoint.
type Discoverable struct {
	Name string `json:"name"`
	Host string `json:"host"`
	Port int    `json:"port"`
}

// Address returns host:port.
func (d Discoverable) Address() string {
	return net.JoinHostPort(d.Host, strconv.Itoa(d.Port))
}

// Client looks up services.
type Client interface {
	// Discover returns a snapshot of the endpoints of name, sorted by address.
	Discover(ctx context.Context, name string) ([]Discoverable, error)
}

// Cancel withdraws a registration.
type Cancel func(ctx context.Context) error

// Service reads and writes announcements in a coordination tree. Nodes live at
// /discoverable/<service>/<instance>.
type Service struct {
	coord  coordination.Client
	logger *slog.Logger
}

// NewService returns a Service over coord, which is normally already namespaced
// to a run.
func NewService(coord coordination.Client, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{coord: coord, logger: logger.With("component", "discovery")}
}

func validateName(name string) error {
	if name == "" || strings.ContainsAny(name, "/ .") {
		return errors.WrapInvalid(fmt.Errorf("%w: service name %q", errors.ErrInvalidData, name), "discovery", "validateName", "validate service name")
	}
	return nil
}

// Discover implements Client. Instances removed while the snapshot is taken are
// left out.
func (s *Service) Discover(ctx context.Context, name string) ([]Discoverable, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}
	parent := coordination.JoinPath(Root, name)
	instances, err := s.coord.Children(ctx, parent)
	if err != nil {
		return nil, errors.Wrap(err, "discovery", "Discover", "list instances")
	}

	var (
		mu     sync.Mutex
		result = make([]Discoverable, 0, len(instances))
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(readConcurrency)
	for _, instance := range instances {
		g.Go(func() error {
			node, err := s.coord.Get(gctx, coordination.JoinPath(parent, instance))
			if err != nil {
				if errors.Is(err, errors.ErrNodeNotFound) {
					return nil
				}
				return err
			}
			var d Discoverable
			if err := json.Unmarshal(node.Data, &d); err != nil {
				s.logger.Warn("Skipping malformed discovery node", "service", name, "instance", instance, "error", err)
				return nil
			}
			mu.Lock()
			result = append(result, d)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, errors.Wrap(err, "discovery", "Discover", "read instances")
	}

	slices.SortFunc(result, func(a, b Discoverable) int {
		return strings.Compare(a.Address(), b.Address())
	})
	return result, nil
}

// Register announces d under a fresh instance id. The returned Cancel removes it.
func (s *Service) Register(ctx context.Context, d Discoverable) (Cancel, error) {
	if err := validateName(d.Name); err != nil {
		return nil, err
	}
	if d.Host == "" || d.Port <= 0 || d.Port > 65535 {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: endpoint %s", errors.ErrInvalidData, d.Address()), "discovery", "Register", "validate endpoint")
	}
	payload, err := json.Marshal(d)
	if err != nil {
		return nil, errors.WrapInvalid(err, "discovery", "Register", "encode endpoint")
	}

	path := coordination.JoinPath(Root, d.Name, uuid.NewString())
	if _, err := s.coord.Create(ctx, path, payload, coordination.Persistent); err != nil {
		return nil, errors.Wrap(err, "discovery", "Register", "create node")
	}
	s.logger.Debug("Registered endpoint", "service", d.Name, "address", d.Address(), "path", path)

	var once sync.Once
	return func(ctx context.Context) error {
		var err error
		once.Do(func() {
			err = s.coord.Delete(ctx, path, coordination.AnyVersion)
			if errors.Is(err, errors.ErrNodeNotFound) {
				err = nil
			}
		})
		return err
	}, nil
}
