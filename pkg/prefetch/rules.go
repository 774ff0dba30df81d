package prefetch

import (
	"github.com/navicore/navipod/pkg/cache"
	"github.com/navicore/navipod/pkg/fetch"
)

// DefaultRules returns the built-in rule table.
func DefaultRules() map[EventType][]Rule {
	return map[EventType][]Rule{
		WorkloadSelected:  {podsOfWorkload},
		PodSelected:       {containersOfPod, eventsOfPod},
		NamespaceSelected: {workloadsOfNamespace},
		WorkloadsFetched:  {podsOfWorkloads},
		PodsFetched:       {eventsOfNamespace},
	}
}

func request(kind cache.Kind, namespace, selector, name string, limit int) (fetch.Request, bool) {
	key, err := cache.NewKey(kind, namespace, selector, name)
	if err != nil {
		return fetch.Request{}, false
	}
	return fetch.Request{
		Key:      key.WithLimit(limit),
		Priority: fetch.Low,
		Origin:   fetch.Prefetch,
	}, true
}

func podsOfWorkload(ev Event, _ Context) []fetch.Request {
	if ev.Selector == "" {
		return nil
	}
	if r, ok := request(cache.KindPods, ev.Namespace, ev.Selector, "", 0); ok {
		return []fetch.Request{r}
	}
	return nil
}

func containersOfPod(ev Event, _ Context) []fetch.Request {
	if ev.Name == "" {
		return nil
	}
	if r, ok := request(cache.KindContainers, ev.Namespace, "", ev.Name, 0); ok {
		return []fetch.Request{r}
	}
	return nil
}

func eventsOfPod(ev Event, nav Context) []fetch.Request {
	if ev.Name == "" {
		return nil
	}
	if r, ok := request(cache.KindEvents, ev.Namespace, "", ev.Name, nav.EventLimit); ok {
		return []fetch.Request{r}
	}
	return nil
}

func workloadsOfNamespace(ev Event, _ Context) []fetch.Request {
	if r, ok := request(cache.KindReplicaSets, ev.Namespace, "", "", 0); ok {
		return []fetch.Request{r}
	}
	return nil
}

func podsOfWorkloads(ev Event, nav Context) []fetch.Request {
	var reqs []fetch.Request
	for _, sel := range ev.Selectors {
		if nav.MaxWorkloadFanout > 0 && len(reqs) >= nav.MaxWorkloadFanout {
			break
		}
		if sel == "" {
			continue
		}
		if r, ok := request(cache.KindPods, ev.Namespace, sel, "", 0); ok {
			reqs = append(reqs, r)
		}
	}
	return reqs
}

func eventsOfNamespace(ev Event, nav Context) []fetch.Request {
	if r, ok := request(cache.KindEvents, ev.Namespace, "", "", nav.EventLimit); ok {
		return []fetch.Request{r}
	}
	return nil
}
