package eventbus

import "strings"

// matchesTopic reports whether an event published under eventType should be
// delivered to a subscription registered against subTopic. subTopic may be
// an exact dotted name ("evaluation.queued") or end in ".*" to match every
// event whose dotted prefix agrees ("evaluation.*" matches
// "evaluation.queued", "evaluation.running", ...). "*" alone matches
// everything.
func matchesTopic(eventType, subTopic string) bool {
	if subTopic == "*" || subTopic == eventType {
		return true
	}
	prefix, ok := strings.CutSuffix(subTopic, ".*")
	if !ok {
		return false
	}
	return eventType == prefix || strings.HasPrefix(eventType, prefix+".")
}
