package core

import "strings"

// Signature derives the task signature class used by the risk classifier,
// the tier selector and the learning cycle: the declared target joined with
// the leading verb of the objective. Deterministic for identical inputs.
func Signature(task *Task) string {
	if task == nil {
		return ""
	}
	verb := ""
	fields := strings.Fields(strings.ToLower(strings.TrimSpace(task.Objective)))
	if len(fields) > 0 {
		verb = fields[0]
	}
	target := strings.ToLower(strings.TrimSpace(task.Target))
	if target == "" && verb == "" {
		return ""
	}
	return target + ":" + verb
}
