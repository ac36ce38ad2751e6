// Package engine schedules owner tasks onto shared, rate-limited resources.
//
// Each resource gets one Cluster: a priority queue, an adaptive delay/health
// state and a single worker, so a resource never has more than one request
// in flight. A Manager assigns owners to resources, routes submissions and
// stops every Cluster concurrently on shutdown.
package engine
