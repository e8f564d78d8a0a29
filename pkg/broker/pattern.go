package broker

import "strings"

// MatchTopic reports whether a colon-delimited topic matches a
// subscription pattern. A pattern may contain one "*" segment, which
// stands in for one or more consecutive topic segments, so both
// "worker:tag:*:status" and "worker:*:status" match
// "worker:tag:tag-worker-0:status".
func MatchTopic(pattern, topic string) bool {
	if pattern == topic {
		return true
	}

	ps := strings.Split(pattern, ":")
	star := -1
	for i, seg := range ps {
		if seg == "*" {
			star = i
			break
		}
	}
	if star == -1 {
		return false
	}

	ts := strings.Split(topic, ":")
	prefix := ps[:star]
	suffix := ps[star+1:]
	if len(ts) < len(prefix)+len(suffix)+1 {
		return false
	}
	for i, seg := range prefix {
		if ts[i] != seg {
			return false
		}
	}
	for i, seg := range suffix {
		if ts[len(ts)-len(suffix)+i] != seg {
			return false
		}
	}
	return true
}

// matchesAny reports whether any pattern matches the topic.
func matchesAny(patterns []string, topic string) bool {
	for _, p := range patterns {
		if MatchTopic(p, topic) {
			return true
		}
	}
	return false
}
