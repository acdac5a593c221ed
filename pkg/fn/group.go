package fn

import (
	"errors"
	"sync"
)

var errNilFailure = errors.New("fn: failure without error")

// GroupBy groups items by key. Keys come back in first-seen order so callers
// can walk the groups deterministically.
func GroupBy[T any, K comparable](items []T, key func(T) K) ([]K, map[K][]T) {
	var order []K
	out := make(map[K][]T)
	for _, v := range items {
		k := key(v)
		if _, seen := out[k]; !seen {
			order = append(order, k)
		}
		out[k] = append(out[k], v)
	}
	return order, out
}

// ParMap applies f to each item on at most workers goroutines and returns the
// results in input order. workers <= 0 means one goroutine per item.
func ParMap[T, U any](items []T, workers int, f func(T) U) []U {
	out := make([]U, len(items))
	if len(items) == 0 {
		return out
	}
	if workers <= 0 || workers > len(items) {
		workers = len(items)
	}

	next := make(chan int)
	var wg sync.WaitGroup
	wg.Add(workers)
	for range workers {
		go func() {
			defer wg.Done()
			for i := range next {
				out[i] = f(items[i])
			}
		}()
	}
	for i := range items {
		next <- i
	}
	close(next)
	wg.Wait()
	return out
}
