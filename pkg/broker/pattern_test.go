package broker

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMatchTopic(t *testing.T) {
	tests := []struct {
		name    string
		pattern string
		topic   string
		want    bool
	}{
		{name: "exact match", pattern: "queue:status", topic: "queue:status", want: true},
		{name: "exact mismatch", pattern: "queue:status", topic: "queue:jobs", want: false},
		{name: "wildcard one segment", pattern: "queue:*:status", topic: "queue:tag:status", want: true},
		{name: "wildcard spans segments", pattern: "worker:*:status", topic: "worker:tag_worker:tag-worker-0:status", want: true},
		{name: "wildcard with prefix and suffix", pattern: "worker:tag_worker:*:status", topic: "worker:tag_worker:tag-worker-0:status", want: true},
		{name: "wrong prefix", pattern: "worker:*:status", topic: "queue:tag:status", want: false},
		{name: "wrong suffix", pattern: "worker:*:status", topic: "worker:tag_worker:w0:current", want: false},
		{name: "wildcard needs at least one segment", pattern: "queue:*:status", topic: "queue:status", want: false},
		{name: "trailing wildcard", pattern: "system:*", topic: "system:health", want: true},
		{name: "lone wildcard", pattern: "*", topic: "queue:status", want: true},
		{name: "no partial segment match", pattern: "queue:ta*:status", topic: "queue:tag:status", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, MatchTopic(tt.pattern, tt.topic))
		})
	}
}
