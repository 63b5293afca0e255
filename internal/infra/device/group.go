package device

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Group is a set of Devices spawned together and driven concurrently.
type Group struct {
	mu      sync.RWMutex
	devices []*Device
}

// SpawnGroup starts one worker per tag in parallel. If any spawn fails, the
// workers that did start are terminated and the first error is returned.
func SpawnGroup(ctx context.Context, tags []string, opts Options) (*Group, error) {
	if len(tags) == 0 {
		return nil, fmt.Errorf("no devices requested")
	}
	devs := make([]*Device, len(tags))
	g, gctx := errgroup.WithContext(ctx)
	for i, tag := range tags {
		g.Go(func() error {
			d, err := Spawn(gctx, tag, opts)
			if err != nil {
				return err
			}
			devs[i] = d
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		for _, d := range devs {
			if d != nil {
				d.Terminate()
			}
		}
		return nil, err
	}

	seen := make(map[string]bool, len(devs))
	for _, d := range devs {
		if seen[d.Name()] {
			(&Group{devices: devs}).TerminateAll()
			return nil, fmt.Errorf("device %s requested twice", d.Name())
		}
		seen[d.Name()] = true
	}
	return &Group{devices: devs}, nil
}

// Devices returns the members in spawn order.
func (g *Group) Devices() []*Device {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]*Device(nil), g.devices...)
}

// Get finds a member by canonical name.
func (g *Group) Get(name string) (*Device, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	for _, d := range g.devices {
		if d.Name() == name {
			return d, true
		}
	}
	return nil, false
}

// Len is the number of members.
func (g *Group) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.devices)
}

// TerminateAll stops every member concurrently and waits for all of them.
func (g *Group) TerminateAll() {
	var wg sync.WaitGroup
	for _, d := range g.Devices() {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.Terminate()
		}()
	}
	wg.Wait()
}

// Stats samples every member.
func (g *Group) Stats(ctx context.Context) []Stats {
	devs := g.Devices()
	out := make([]Stats, len(devs))
	eg, ectx := errgroup.WithContext(ctx)
	for i, d := range devs {
		eg.Go(func() error {
			out[i] = d.Stats(ectx)
			return nil
		})
	}
	_ = eg.Wait()
	return out
}
