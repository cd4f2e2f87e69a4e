package toolexecutor

import "strings"

// readMethods never conflict with each other and may run alongside one
// in-flight write per system.
var readMethods = map[string]bool{
	"GET":     true,
	"HEAD":    true,
	"OPTIONS": true,
}

// systemCalls partitions one system's calls into reads and writes
type systemCalls struct {
	reads  []ToolCall
	writes []ToolCall
}

// Classify partitions calls into ordered batches that are safe to run
// concurrently. Batch 1 holds every read plus the first write of each
// system; each later batch holds the next unscheduled write of every
// system that still has one. Writes to the same system therefore never
// share a batch, while writes to different systems may.
func Classify(calls []ToolCall) [][]ToolCall {
	if len(calls) == 0 {
		return nil
	}

	groups := make(map[string]*systemCalls)
	var order []string

	for _, call := range calls {
		key := call.Hint.SystemKey
		if key == "" {
			key = call.EndpointID
		}

		group, ok := groups[key]
		if !ok {
			group = &systemCalls{}
			groups[key] = group
			order = append(order, key)
		}

		method := call.Hint.Method
		if method == "" {
			method = "POST"
		}
		if readMethods[strings.ToUpper(method)] {
			group.reads = append(group.reads, call)
		} else {
			// Unknown verbs are treated as writes
			group.writes = append(group.writes, call)
		}
	}

	var batches [][]ToolCall

	first := make([]ToolCall, 0, len(calls))
	scheduled := make(map[string]int, len(groups))
	for _, key := range order {
		first = append(first, groups[key].reads...)
	}
	for _, key := range order {
		if len(groups[key].writes) > 0 {
			first = append(first, groups[key].writes[0])
			scheduled[key] = 1
		}
	}
	batches = append(batches, first)

	for {
		var round []ToolCall
		for _, key := range order {
			group := groups[key]
			next := scheduled[key]
			if next < len(group.writes) {
				round = append(round, group.writes[next])
				scheduled[key] = next + 1
			}
		}
		if len(round) == 0 {
			break
		}
		batches = append(batches, round)
	}

	return batches
}
