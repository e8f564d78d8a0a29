// Package supervisor decides what happens after a worker dies: restart
// with exponential backoff, or permanent failure once the rapid-window
// or lifetime limits are exhausted. Counters persist in the store so
// limits survive daemon restarts.
package supervisor
